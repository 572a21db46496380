package models

// Client to server message types on /ws.
const (
	MsgStartBuild      = "start_build"
	MsgUserFeedback    = "user_feedback"
	MsgResolveConflict = "resolve_conflict"
	MsgPauseBuild      = "pause_build"
	MsgResumeBuild     = "resume_build"
	MsgApprovePhase    = "approve_phase"
	MsgCancelBuild     = "cancel_build"
	MsgAttachSession   = "attach_session"
	MsgPing            = "__ping"
)

// Server to client event types on /ws.
const (
	EventSessionStarted = "session_started"
	EventAgentThinking  = "agent_thinking"
	EventAgentMessage   = "agent_message"
	EventFileCreated    = "file_created"
	EventFileModified   = "file_modified"
	EventFileDeleted    = "file_deleted"
	EventPhaseChange    = "phase_change"
	EventPhaseSkipped   = "phase_skipped"
	EventBuildProgress  = "build_progress"
	EventPreviewUpdate  = "preview_update"
	EventReviewComment  = "review_comment"
	EventBugReport      = "bug_report"
	EventAgentError     = "agent_error"
	EventBuildError     = "build_error"
	EventBuildComplete  = "build_complete"
	EventAwaitApproval  = "awaiting_approval"
	EventPong           = "__pong"
)

// ClientMessage is any message a client sends over the socket. Only the
// fields relevant to Type are populated.
type ClientMessage struct {
	Type string `json:"type"`

	// start_build
	Brief   string        `json:"brief,omitempty"`
	Options *BuildOptions `json:"options,omitempty"`
	Config  *BuildOptions `json:"config,omitempty"` // older clients

	// user_feedback
	Message string `json:"message,omitempty"`

	// resolve_conflict
	ID             string `json:"id,omitempty"`
	ConflictID     string `json:"conflictId,omitempty"`
	Choice         string `json:"choice,omitempty"`
	CustomSolution string `json:"customSolution,omitempty"`

	// attach_session
	SessionID string `json:"sessionId,omitempty"`
}

// BuildOptions returns the options under either key, preferring "options".
func (m ClientMessage) BuildOptions() BuildOptions {
	switch {
	case m.Options != nil:
		return *m.Options
	case m.Config != nil:
		return *m.Config
	}
	return BuildOptions{}
}

// ConflictKey returns the conflict identifier under either key.
func (m ClientMessage) ConflictKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ConflictID
}
