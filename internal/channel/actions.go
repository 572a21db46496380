package channel

import (
	"encoding/json"
	"fmt"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

func (c *Channel) sendMessage(m models.ClientMessage) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.send(raw)
	return nil
}

func (c *Channel) sendMessageFirst(m models.ClientMessage) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.sendFirst(raw)
	return nil
}

// StartBuild asks the server to start a build.
func (c *Channel) StartBuild(brief string, opts models.BuildOptions) error {
	return c.sendMessage(models.ClientMessage{Type: models.MsgStartBuild, Brief: brief, Options: &opts})
}

func (c *Channel) SendFeedback(message string) error {
	return c.sendMessage(models.ClientMessage{Type: models.MsgUserFeedback, Message: message})
}

func (c *Channel) ResolveConflict(id, choice, customSolution string) error {
	return c.sendMessage(models.ClientMessage{Type: models.MsgResolveConflict, ID: id, Choice: choice, CustomSolution: customSolution})
}

func (c *Channel) Pause() error  { return c.Emit(models.MsgPauseBuild, nil) }
func (c *Channel) Resume() error { return c.Emit(models.MsgResumeBuild, nil) }

func (c *Channel) ApprovePhase() error { return c.Emit(models.MsgApprovePhase, nil) }

func (c *Channel) Cancel() error { return c.Emit(models.MsgCancelBuild, nil) }

// Attach re-binds to a running session. Called while offline it jumps the
// queue, so the next connect binds the session before any backlog that
// targets it.
func (c *Channel) Attach(sessionID string) error {
	return c.sendMessageFirst(models.ClientMessage{Type: models.MsgAttachSession, SessionID: sessionID})
}
