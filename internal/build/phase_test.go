package build

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrder(t *testing.T) {
	p := PhasePlanning
	var seen []Phase
	for !p.IsTerminal() {
		seen = append(seen, p)
		p = p.Next()
	}
	assert.Equal(t, WorkPhases(), seen)
	assert.Equal(t, PhaseComplete, p)
	assert.Equal(t, PhaseComplete, PhaseComplete.Next())
	assert.Equal(t, PhaseAborted, PhaseAborted.Next())
}

func TestPhaseJSON(t *testing.T) {
	data, err := json.Marshal(PhaseChange{To: PhaseReviewing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":null,"to":"REVIEWING"}`, string(data))

	var p Phase
	require.NoError(t, json.Unmarshal([]byte(`"FIXING"`), &p))
	assert.Equal(t, PhaseFixing, p)
	assert.Error(t, json.Unmarshal([]byte(`"DANCING"`), &p))
}

func TestAcceptsFeedback(t *testing.T) {
	var accepting []Phase
	for _, p := range WorkPhases() {
		if p.AcceptsFeedback() {
			accepting = append(accepting, p)
		}
	}
	assert.Equal(t, []Phase{PhaseCoding, PhaseFixing, PhasePolishing}, accepting)
}

func TestMilestonesNeverGoBackwards(t *testing.T) {
	last := 0
	for _, p := range append(WorkPhases(), PhaseComplete) {
		m, ok := milestones[p]
		require.True(t, ok, "no milestone for %s", p)
		assert.GreaterOrEqual(t, m.start, last, p.String())
		assert.GreaterOrEqual(t, m.end, m.start, p.String())
		last = m.end
	}
	assert.Equal(t, 100, last)
}
