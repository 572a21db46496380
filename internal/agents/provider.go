// Package agents talks to the language model behind each team member and
// holds the catalog of personas, phase tasks and site blueprints.
package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// ErrEmptyReply is returned when the provider answered without content.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// Reply is the provider's answer. Reasoning carries chain-of-thought text
// when the model exposes it.
type Reply struct {
	Content   string
	Reasoning string
	Usage     models.TokenUsage
}

// Completer is implemented by every model provider.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Reply, error)
	Name() string
	Configured() bool
}

const placeholderKey = "your_api_key_here"

// ValidKey reports whether key looks like a real credential.
func ValidKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" || key == placeholderKey || key == "your_deepseek_api_key_here" {
		return false
	}
	return len(key) >= 10
}

// ReasoningLimit caps reasoning text forwarded as a thought.
const ReasoningLimit = 600

// TrimReasoning shortens reasoning for display.
func TrimReasoning(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= ReasoningLimit {
		return s
	}
	return string(r[:ReasoningLimit]) + "..."
}
