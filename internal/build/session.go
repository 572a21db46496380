package build

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// EventLogSize bounds the per-session event history.
const EventLogSize = 256

// Plan is the structure agreed during PLANNING and fed to later phases.
type Plan struct {
	SiteType       models.SiteType `json:"siteType"`
	Files          []string        `json:"filesPlanned"`
	Sections       []string        `json:"sectionsPlanned"`
	DesignGuidance string          `json:"designGuidance,omitempty"`
}

// Conflict is a user decision on a disagreement between agents.
type Conflict struct {
	ID             string `json:"id"`
	Choice         string `json:"choice"`
	CustomSolution string `json:"customSolution,omitempty"`
	ResolvedAt     int64  `json:"resolvedAt"`
}

// Review is a reviewer comment kept for the FIXING phase.
type Review struct {
	AgentID string
	File    string
	Line    *int
	Comment string
}

// Bug is a QA finding.
type Bug struct {
	AgentID     string
	Severity    string
	Description string
}

// Session is one build. All mutating fields are guarded by mu; the file store
// carries its own lock.
type Session struct {
	ID        string
	Request   Request
	CreatedAt time.Time
	Files     *vfs.Store

	clock  func() time.Time
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	phase        Phase
	entered      bool
	paused       bool
	aborted      bool
	approved     bool
	awaiting     bool
	progress     int
	lastActivity time.Time
	feedback     []string
	conflicts    []Conflict
	skipped      []Phase
	reviews      []Review
	bugs         []Bug
	plan         *Plan
	events       []Event
	sink         Sink
}

func newSession(id string, req Request, sink Sink, files *vfs.Store, clock func() time.Time, logger *slog.Logger) *Session {
	now := clock()
	return &Session{
		ID:           id,
		Request:      req,
		CreatedAt:    now,
		Files:        files,
		clock:        clock,
		logger:       logger,
		done:         make(chan struct{}),
		lastActivity: now,
		sink:         sink,
	}
}

// ShortID is the id prefix used in logs.
func (s *Session) ShortID() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// --- controls ---

func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// Abort stops the session at its next check and cancels any in-flight call.
func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AddFeedback queues a user note for the next feedback-accepting phase.
func (s *Session) AddFeedback(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return false
	}
	s.mu.Lock()
	s.feedback = append(s.feedback, msg)
	s.lastActivity = s.clock()
	s.mu.Unlock()
	return true
}

// ResolveConflict records a user decision.
func (s *Session) ResolveConflict(id, choice, custom string) {
	s.mu.Lock()
	s.conflicts = append(s.conflicts, Conflict{ID: id, Choice: choice, CustomSolution: custom, ResolvedAt: s.clock().UnixMilli()})
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// Approve releases the manual approval gate for the current phase.
func (s *Session) Approve() {
	s.mu.Lock()
	s.approved = true
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// Attach binds a new event sink, replacing any previous one.
func (s *Session) Attach(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// Detach drops the sink; events produced while detached are not delivered.
func (s *Session) Detach() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// DetachIf drops the sink only if it is still sink.
func (s *Session) DetachIf(sink Sink) {
	s.mu.Lock()
	if s.sink == sink {
		s.sink = nil
	}
	s.mu.Unlock()
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock()
	s.mu.Unlock()
}

// --- reads ---

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *Session) SkippedPhases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.skipped...)
}

func (s *Session) Reviews() []Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Review(nil), s.reviews...)
}

func (s *Session) Bugs() []Bug {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bug(nil), s.bugs...)
}

func (s *Session) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conflict(nil), s.conflicts...)
}

func (s *Session) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// PendingFeedback returns the queued feedback without draining it.
func (s *Session) PendingFeedback() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.feedback...)
}

// RecentEvents returns up to n of the latest events, oldest first.
func (s *Session) RecentEvents(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.events) {
		n = len(s.events)
	}
	return append([]Event(nil), s.events[len(s.events)-n:]...)
}

// Snapshot is the health view of the session.
func (s *Session) Snapshot() models.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := make([]string, len(s.skipped))
	for i, p := range s.skipped {
		skipped[i] = p.String()
	}
	return models.SessionHealth{
		ID:            s.ShortID() + "...",
		Phase:         s.phase.String(),
		Progress:      s.progress,
		Aborted:       s.aborted,
		Paused:        s.paused,
		Attached:      s.sink != nil,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity:  s.lastActivity.UTC().Format(time.RFC3339),
		IdleSeconds:   int64(s.clock().Sub(s.lastActivity).Seconds()),
		FileCount:     s.Files.Len(),
		SkippedPhases: skipped,
	}
}

// --- state changes driven by the orchestrator ---

func (s *Session) drainFeedback() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb := s.feedback
	s.feedback = nil
	return fb
}

// requeueFeedback puts fb back ahead of anything queued since the drain.
func (s *Session) requeueFeedback(fb []string) {
	if len(fb) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(append([]string(nil), fb...), s.feedback...)
}

func (s *Session) setPlan(p Plan) {
	s.mu.Lock()
	s.plan = &p
	s.mu.Unlock()
}

func (s *Session) addSkipped(p Phase) {
	s.mu.Lock()
	s.skipped = append(s.skipped, p)
	s.mu.Unlock()
}

func (s *Session) addReview(r Review) {
	s.mu.Lock()
	s.reviews = append(s.reviews, r)
	s.mu.Unlock()
}

func (s *Session) addBug(b Bug) {
	s.mu.Lock()
	s.bugs = append(s.bugs, b)
	s.mu.Unlock()
}

// takeApproval consumes a pending approval.
func (s *Session) takeApproval() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approved {
		s.approved = false
		s.awaiting = false
		return true
	}
	s.awaiting = true
	return false
}

func (s *Session) markAborted() {
	s.mu.Lock()
	s.aborted = true
	s.phase = PhaseAborted
	s.mu.Unlock()
}

// emit records the event and forwards it to the attached sink, if any.
// Delivery is at most once; failures are logged and the event stays in the
// log.
func (s *Session) emit(typ string, data any) {
	s.mu.Lock()
	now := s.clock()
	evt := Event{Type: typ, Timestamp: now.UnixMilli(), Data: data}
	s.lastActivity = now
	if len(s.events) >= EventLogSize {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, evt)
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.Send(evt); err != nil {
		s.logger.Warn("event delivery failed", "session_id", s.ShortID(), "type", typ, "error", err)
	}
}

// enterPhase moves to p and emits phase_change.
func (s *Session) enterPhase(p Phase) {
	s.mu.Lock()
	var from *Phase
	if s.entered {
		prev := s.phase
		from = &prev
	}
	s.phase = p
	s.entered = true
	s.mu.Unlock()
	s.emit(models.EventPhaseChange, PhaseChange{From: from, To: p})
}

// setProgress never moves progress backwards.
func (s *Session) setProgress(percent int, label string) {
	s.mu.Lock()
	if percent < s.progress {
		percent = s.progress
	}
	s.progress = percent
	s.mu.Unlock()
	s.emit(models.EventBuildProgress, BuildProgress{Percent: percent, Milestone: label})
}
