package build

import (
	"encoding/json"
	"fmt"
)

// Phase is a stage of the build pipeline. Phases run strictly in order.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseScaffolding
	PhaseCoding
	PhaseReviewing
	PhaseFixing
	PhaseTesting
	PhasePolishing
	PhaseComplete
	PhaseAborted
)

var phaseNames = [...]string{
	PhasePlanning:    "PLANNING",
	PhaseScaffolding: "SCAFFOLDING",
	PhaseCoding:      "CODING",
	PhaseReviewing:   "REVIEWING",
	PhaseFixing:      "FIXING",
	PhaseTesting:     "TESTING",
	PhasePolishing:   "POLISHING",
	PhaseComplete:    "COMPLETE",
	PhaseAborted:     "ABORTED",
}

// String returns the wire name of the phase.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// ParsePhase maps a wire name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Next returns the following phase. COMPLETE and ABORTED are absorbing.
func (p Phase) Next() Phase {
	if p >= PhasePolishing {
		if p == PhaseAborted {
			return PhaseAborted
		}
		return PhaseComplete
	}
	return p + 1
}

// IsTerminal reports whether the session has stopped.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// AcceptsFeedback reports whether queued user feedback is folded into this
// phase's agent call.
func (p Phase) AcceptsFeedback() bool {
	return p == PhaseCoding || p == PhaseFixing || p == PhasePolishing
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// WorkPhases lists the phases that call an agent, in order.
func WorkPhases() []Phase {
	return []Phase{PhasePlanning, PhaseScaffolding, PhaseCoding, PhaseReviewing, PhaseFixing, PhaseTesting, PhasePolishing}
}

// milestone is the progress reported when a phase starts and ends.
type milestone struct {
	start      int
	startLabel string
	end        int
	endLabel   string
}

var milestones = map[Phase]milestone{
	PhasePlanning:    {5, "Starting planning phase", 15, "Planning complete"},
	PhaseScaffolding: {20, "Setting up file structure", 30, "Scaffolding complete"},
	PhaseCoding:      {35, "Styling in progress", 50, "Styling applied"},
	PhaseReviewing:   {60, "Code review in progress", 70, "Review complete"},
	PhaseFixing:      {73, "Fixing review issues", 82, "Fixes applied"},
	PhaseTesting:     {85, "QA testing", 92, "QA complete"},
	PhasePolishing:   {95, "Final polish", 95, "Polish complete"},
	PhaseComplete:    {100, "Build complete", 100, "Build complete"},
}
