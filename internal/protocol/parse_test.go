package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aliasTable map[string]string

func (a aliasTable) Resolve(name string) string {
	if id, ok := a[name]; ok {
		return id
	}
	return name
}

func TestParseMixedReplyKeepsOrder(t *testing.T) {
	reply := `===THINKING===
Start with the hero.
===END_THINKING===
===FILE_CREATE: index.html===
<h1>Hi</h1>
===END_FILE===
===MESSAGE: @Leo===
Please style the hero.
===END_MESSAGE===
===FILE_MODIFY: css/styles.css===
h1 { color: teal; }
===END_FILE===
===FILE_CREATE: js/app.js===
console.log(1)
===END_FILE===`

	res := NewParser(aliasTable{"leo": "stylist"}).Parse(reply)

	require.Empty(t, res.Anomalies)
	require.Len(t, res.Commands, 5)
	kinds := make([]Kind, 0, len(res.Commands))
	for _, c := range res.Commands {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []Kind{KindThought, KindCreateFile, KindNote, KindModifyFile, KindCreateFile}, kinds)

	assert.Equal(t, "Start with the hero.", res.Commands[0].Text)
	assert.Equal(t, "index.html", res.Commands[1].Path)
	assert.Equal(t, "<h1>Hi</h1>", res.Commands[1].Text)
	assert.Equal(t, "stylist", res.Commands[2].Recipient)
	assert.Equal(t, "Please style the hero.", res.Commands[2].Text)
	assert.Equal(t, "css/styles.css", res.Commands[3].Path)
	assert.Equal(t, "js/app.js", res.Commands[4].Path)
	assert.False(t, res.Fallback)
}

func TestParseUnknownRecipientPassesThrough(t *testing.T) {
	res := NewParser(aliasTable{"rex": "qa-tester"}).Parse("===MESSAGE: @Somebody===\nhello\n===END_MESSAGE===")
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "somebody", res.Commands[0].Recipient)
}

func TestParseFallbackNote(t *testing.T) {
	res := Parse("  I could not follow the format, sorry.  ")
	require.Len(t, res.Commands, 1)
	assert.True(t, res.Fallback)
	assert.Equal(t, KindNote, res.Commands[0].Kind)
	assert.Equal(t, "I could not follow the format, sorry.", res.Commands[0].Text)
	assert.Empty(t, res.Commands[0].Recipient)
}

func TestParseFallbackIsCapped(t *testing.T) {
	long := strings.Repeat("é", 400) // 800 bytes
	res := Parse(long)
	require.Len(t, res.Commands, 1)
	assert.LessOrEqual(t, len(res.Commands[0].Text), FallbackLimit)
	assert.True(t, strings.HasPrefix(long, res.Commands[0].Text))
}

func TestParseEmptyReply(t *testing.T) {
	res := Parse("   \n ")
	assert.Empty(t, res.Commands)
	assert.False(t, res.Fallback)
}

func TestParseMalformedBlocksDoNotStopScan(t *testing.T) {
	reply := `===FILE_CREATE:   ===
orphan
===END_FILE===
===BUG_REPORT: severity=catastrophic===
Issue: nope
===END_BUG===
===FILE_CREATE: ok.html===
<p>ok</p>
===END_FILE===
===THINKING===
never closed`

	res := Parse(reply)

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "ok.html", res.Commands[0].Path)
	require.Len(t, res.Anomalies, 3)
	assert.Equal(t, KindCreateFile, res.Anomalies[0].Kind)
	assert.Equal(t, "missing path", res.Anomalies[0].Reason)
	assert.Equal(t, KindBug, res.Anomalies[1].Kind)
	assert.Equal(t, KindThought, res.Anomalies[2].Kind)
	assert.False(t, res.Fallback)
}

func TestParseReviewLocator(t *testing.T) {
	tests := []struct {
		name     string
		locator  string
		wantPath string
		wantLine *int
	}{
		{name: "path and line", locator: "index.html:42", wantPath: "index.html", wantLine: intPtr(42)},
		{name: "no line", locator: "css/styles.css", wantPath: "css/styles.css"},
		{name: "approximate line", locator: "app.js: ~12", wantPath: "app.js"},
		{name: "line with suffix", locator: "app.js:12-14", wantPath: "app.js", wantLine: intPtr(12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse("===REVIEW_COMMENT: " + tt.locator + "===\nTighten this.\n===END_REVIEW===")
			require.Len(t, res.Commands, 1)
			c := res.Commands[0]
			assert.Equal(t, KindReview, c.Kind)
			assert.Equal(t, tt.wantPath, c.Path)
			assert.Equal(t, tt.wantLine, c.Line)
			assert.Equal(t, "Tighten this.", c.Text)
		})
	}
}

func TestParseBugDescription(t *testing.T) {
	withIssue := Parse("===BUG_REPORT: severity=HIGH===\nSteps: click\nIssue: menu never opens\nExpected: opens\n===END_BUG===")
	require.Len(t, withIssue.Commands, 1)
	assert.Equal(t, "high", withIssue.Commands[0].Severity)
	assert.Equal(t, "menu never opens", withIssue.Commands[0].Description)
	assert.Contains(t, withIssue.Commands[0].Text, "Expected: opens")

	noIssue := Parse("===BUG_REPORT: severity=low===\nFooter overlaps on mobile\nmore detail\n===END_BUG===")
	require.Len(t, noIssue.Commands, 1)
	assert.Equal(t, "Footer overlaps on mobile", noIssue.Commands[0].Description)
}

func TestParseDeleteAndRepeats(t *testing.T) {
	reply := "===FILE_DELETE: old.css===\n" +
		"===THINKING===one===END_THINKING===\n" +
		"===THINKING===two===END_THINKING==="
	res := Parse(reply)
	require.Len(t, res.Commands, 3)
	assert.Equal(t, KindDeleteFile, res.Commands[0].Kind)
	assert.Equal(t, "old.css", res.Commands[0].Path)
	assert.Equal(t, "one", res.Commands[1].Text)
	assert.Equal(t, "two", res.Commands[2].Text)
}

func TestParseMarkersInsideFileContentAreNotAnomalies(t *testing.T) {
	reply := "===FILE_CREATE: notes.md===\nUse ===THINKING=== to start a thought.\n===END_FILE==="
	res := Parse(reply)
	require.Len(t, res.Commands, 1)
	assert.Empty(t, res.Anomalies)
}

type recordingSink struct {
	calls   []string
	failOn  string
	created map[string]string
}

func (s *recordingSink) record(name string) error {
	s.calls = append(s.calls, name)
	if name == s.failOn {
		return errors.New("sink rejected " + name)
	}
	return nil
}

func (s *recordingSink) Thought(string) error { return s.record("thought") }
func (s *recordingSink) Note(string, string) error { return s.record("note") }

func (s *recordingSink) CreateFile(path, content string) error {
	if s.created == nil {
		s.created = map[string]string{}
	}
	s.created[path] = content
	return s.record("create:" + path)
}

func (s *recordingSink) ModifyFile(path, _ string) error { return s.record("modify:" + path) }
func (s *recordingSink) DeleteFile(path string) error { return s.record("delete:" + path) }
func (s *recordingSink) Review(string, *int, string) error { return s.record("review") }
func (s *recordingSink) Bug(string, string, string) error { return s.record("bug") }

func TestDispatchContinuesPastErrors(t *testing.T) {
	reply := `===FILE_CREATE: ../escape.html===
bad
===END_FILE===
===FILE_CREATE: good.html===
<p>good</p>
===END_FILE===
===REVIEW_COMMENT: good.html:1===
fine
===END_REVIEW===`

	sink := &recordingSink{failOn: "create:../escape.html"}
	err := Dispatch(Parse(reply), sink)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "escape.html")
	assert.Equal(t, []string{"create:../escape.html", "create:good.html", "review"}, sink.calls)
	assert.Equal(t, "<p>good</p>", sink.created["good.html"])
}

func TestDispatchNoErrors(t *testing.T) {
	sink := &recordingSink{}
	assert.NoError(t, Dispatch(Parse("plain words"), sink))
	assert.Equal(t, []string{"note"}, sink.calls)
}

func intPtr(n int) *int { return &n }
