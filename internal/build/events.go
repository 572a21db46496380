package build

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// Event is one server to client message. Data fields are flattened next to
// type and timestamp on the wire.
type Event struct {
	Type      string
	Timestamp int64
	Data      any
}

// MarshalJSON writes {"type":...,"timestamp":...,<data fields>}.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, `{"type":%s,"timestamp":%d`, typ, e.Timestamp)

	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		data = bytes.TrimSpace(data)
		if len(data) < 2 || data[0] != '{' {
			return nil, fmt.Errorf("%s payload is not an object", e.Type)
		}
		if inner := bytes.TrimSpace(data[1 : len(data)-1]); len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sink receives a session's events. Implementations must be safe to call
// from the session goroutine while other goroutines write to the same
// connection.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// --- payloads ---

type SessionStarted struct {
	SessionID string `json:"sessionId"`
	Brief     string `json:"brief"`
}

type AgentThinking struct {
	AgentID string `json:"agentId"`
	Thought string `json:"thought"`
}

type AgentMessage struct {
	AgentID     string `json:"agentId"`
	Message     string `json:"message"`
	TargetAgent string `json:"targetAgent,omitempty"`
}

type FileCreated struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

type FileModified struct {
	Path    string           `json:"path"`
	Content string           `json:"content"`
	Diff    *vfs.DiffSummary `json:"diff"`
	AgentID string           `json:"agentId"`
	Reason  string           `json:"reason"`
}

type FileDeleted struct {
	Path    string `json:"path"`
	AgentID string `json:"agentId"`
}

type PhaseChange struct {
	From *Phase `json:"from"`
	To   Phase  `json:"to"`
}

type PhaseSkipped struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason"`
}

type BuildProgress struct {
	Percent   int    `json:"percent"`
	Milestone string `json:"milestone"`
}

type ReviewComment struct {
	AgentID string `json:"agentId"`
	File    string `json:"file"`
	Line    *int   `json:"line"`
	Comment string `json:"comment"`
}

type BugReport struct {
	AgentID     string `json:"agentId"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

type AgentError struct {
	AgentID     string `json:"agentId"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type BuildError struct {
	Message string `json:"message"`
}

type AwaitingApproval struct {
	Phase Phase `json:"phase"`
}

type BuildComplete struct {
	Files         []vfs.FileRecord   `json:"files"`
	Summary       string             `json:"summary"`
	FileCount     int                `json:"fileCount"`
	SkippedPhases []Phase            `json:"skippedPhases"`
	TokenUsage    *models.TokenUsage `json:"tokenUsage"`
	Stats         vfs.Stats          `json:"stats"`
}

type Pong struct{}
