package build

import (
	"fmt"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// agentCommands applies one agent's parsed reply to a session. It implements
// protocol.Sink.
type agentCommands struct {
	s     *Session
	agent string
}

func (c agentCommands) Thought(text string) error {
	if text != "" {
		c.s.emit(models.EventAgentThinking, AgentThinking{AgentID: c.agent, Thought: text})
	}
	return nil
}

func (c agentCommands) Note(recipient, text string) error {
	if text != "" {
		c.s.emit(models.EventAgentMessage, AgentMessage{AgentID: c.agent, Message: text, TargetAgent: recipient})
	}
	return nil
}

func (c agentCommands) CreateFile(path, content string) error {
	entry, err := c.s.Files.Create(path, content, c.agent)
	if err != nil {
		return err
	}
	c.s.emit(models.EventFileCreated, FileCreated{
		Path:    entry.Path,
		Content: entry.Content,
		AgentID: c.agent,
		Reason:  "Created by " + c.agent,
	})
	c.s.emitPreview()
	return nil
}

// ModifyFile modifies an existing entry or creates a missing one.
func (c agentCommands) ModifyFile(path, content string) error {
	clean, err := vfs.SanitizePath(path)
	if err != nil {
		return err
	}
	if _, exists := c.s.Files.Get(clean); !exists {
		return c.CreateFile(clean, content)
	}
	entry, err := c.s.Files.Modify(clean, content, c.agent)
	if err != nil {
		return err
	}
	c.s.emit(models.EventFileModified, FileModified{
		Path:    entry.Path,
		Content: entry.Content,
		Diff:    entry.Diff,
		AgentID: c.agent,
		Reason:  "Modified by " + c.agent,
	})
	c.s.emitPreview()
	return nil
}

func (c agentCommands) DeleteFile(path string) error {
	clean, err := vfs.SanitizePath(path)
	if err != nil {
		return err
	}
	if _, ok := c.s.Files.Delete(clean); !ok {
		return fmt.Errorf("delete %s: %w", clean, ErrFileNotFound)
	}
	c.s.emit(models.EventFileDeleted, FileDeleted{Path: clean, AgentID: c.agent})
	c.s.emitPreview()
	return nil
}

func (c agentCommands) Review(path string, line *int, comment string) error {
	c.s.addReview(Review{AgentID: c.agent, File: path, Line: line, Comment: comment})
	c.s.emit(models.EventReviewComment, ReviewComment{AgentID: c.agent, File: path, Line: line, Comment: comment})
	return nil
}

func (c agentCommands) Bug(severity, description, body string) error {
	c.s.addBug(Bug{AgentID: c.agent, Severity: severity, Description: description})
	c.s.emit(models.EventBugReport, BugReport{AgentID: c.agent, Severity: severity, Description: description, Body: body})
	return nil
}

// emitPreview recomposes the preview and sends it. Runs after every file
// event so the preview always reflects the store.
func (s *Session) emitPreview() {
	s.emit(models.EventPreviewUpdate, s.Files.BuildPreview())
}
