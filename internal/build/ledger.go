package build

import (
	"sync"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// Usage is a session's token spend, in total and per agent.
type Usage struct {
	Total   models.TokenUsage            `json:"total"`
	ByAgent map[string]models.TokenUsage `json:"byAgent"`
}

// TokenLedger tracks token usage per session. It is for reporting only.
type TokenLedger struct {
	mu       sync.Mutex
	sessions map[string]*Usage
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{sessions: make(map[string]*Usage)}
}

// Record adds u to the session and agent totals.
func (l *TokenLedger) Record(sessionID, agentID string, u models.TokenUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &Usage{ByAgent: make(map[string]models.TokenUsage)}
		l.sessions[sessionID] = s
	}
	s.Total.Add(u)
	agent := s.ByAgent[agentID]
	agent.Add(u)
	s.ByAgent[agentID] = agent
}

// Session returns a copy of the session's usage.
func (l *TokenLedger) Session(sessionID string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return Usage{}, false
	}
	out := Usage{Total: s.Total, ByAgent: make(map[string]models.TokenUsage, len(s.ByAgent))}
	for k, v := range s.ByAgent {
		out.ByAgent[k] = v
	}
	return out, true
}

// Release forgets a session.
func (l *TokenLedger) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
