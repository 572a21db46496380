package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/envelope"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/protocol"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// Archiver persists completed builds.
type Archiver interface {
	SaveBuild(ctx context.Context, b models.ArchivedBuild) error
}

// OrchestratorConfig holds the per-call model settings.
type OrchestratorConfig struct {
	Model     string
	MaxTokens int
	PausePoll time.Duration
}

// Orchestrator drives one session through the phase pipeline.
type Orchestrator struct {
	catalog   *agents.Catalog
	completer agents.Completer
	envelope  *envelope.Envelope
	ledger    *TokenLedger
	parser    *protocol.Parser
	archive   Archiver
	cfg       OrchestratorConfig
	sleep     envelope.Sleeper
	logger    *slog.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithArchive stores every completed build.
func WithArchive(a Archiver) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

// WithPauseSleeper replaces the wait used by the pause and approval polls.
func WithPauseSleeper(s envelope.Sleeper) OrchestratorOption {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(catalog *agents.Catalog, completer agents.Completer, env *envelope.Envelope, ledger *TokenLedger, cfg OrchestratorConfig, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 500 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	o := &Orchestrator{
		catalog:   catalog,
		completer: completer,
		envelope:  env,
		ledger:    ledger,
		parser:    protocol.NewParser(catalog),
		cfg:       cfg,
		sleep:     envelope.Sleep,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Catalog returns the persona catalog.
func (o *Orchestrator) Catalog() *agents.Catalog { return o.catalog }

// Completer returns the model provider.
func (o *Orchestrator) Completer() agents.Completer { return o.completer }

// Run executes every phase in order, then completes the session. It returns
// early if the session is aborted or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, s *Session) {
	for _, phase := range WorkPhases() {
		if !o.runPhase(ctx, s, phase) {
			o.stop(s)
			return
		}
	}
	o.signOff(s)
	o.complete(ctx, s)
}

func (o *Orchestrator) halted(ctx context.Context, s *Session) bool {
	return s.Aborted() || ctx.Err() != nil
}

// runPhase reports false when the session should stop.
func (o *Orchestrator) runPhase(ctx context.Context, s *Session, phase Phase) bool {
	if o.halted(ctx, s) {
		return false
	}
	s.enterPhase(phase)
	m := milestones[phase]
	s.setProgress(m.start, m.startLabel)

	if !o.waitWhilePaused(ctx, s) {
		return false
	}
	if phase != PhasePlanning && s.Request.Options.ManualApproval {
		if !o.waitForApproval(ctx, s, phase) {
			return false
		}
	}

	task, ok := o.catalog.Task(phase.String())
	if !ok {
		o.logger.Warn("no task for phase", "session_id", s.ShortID(), "phase", phase.String())
		s.setProgress(m.end, m.endLabel)
		return true
	}

	data := o.taskData(s)
	prompt, err := task.Render(data)
	if err != nil {
		o.logger.Error("render task", "session_id", s.ShortID(), "phase", phase.String(), "error", err)
		o.skip(s, phase, task.Agent, err.Error())
		s.setProgress(m.end, m.endLabel)
		return !o.halted(ctx, s)
	}
	if thought := task.RenderThought(data); thought != "" {
		s.emit(models.EventAgentThinking, AgentThinking{AgentID: task.Agent, Thought: thought})
	}

	var feedback []string
	if phase.AcceptsFeedback() {
		feedback = s.drainFeedback()
	}

	req := agents.Request{
		Model: o.cfg.Model,
		Messages: []agents.Message{
			{Role: "system", Content: o.catalog.SystemPrompt(task.Agent)},
			{Role: "user", Content: contextBundle(s, prompt, feedback)},
		},
		MaxTokens: o.cfg.MaxTokens,
	}

	var lastErr error
	reply, ok := envelope.Do(ctx, o.envelope, s.ID, func(ctx context.Context) (*agents.Reply, error) {
		return o.completer.Complete(ctx, req)
	}, envelope.Hooks{
		OnExhausted: func(f envelope.Failure) { lastErr = f.Err },
	})
	if o.halted(ctx, s) {
		return false
	}
	if !ok {
		reason := "agent did not respond"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		// Nobody read it; the next feedback phase gets another try.
		s.requeueFeedback(feedback)
		o.skip(s, phase, task.Agent, reason)
	} else {
		o.apply(s, phase, task.Agent, reply)
	}

	if phase == PhasePlanning {
		bp := o.catalog.Blueprint(s.Request.Options.SiteType)
		s.setPlan(Plan{
			SiteType:       s.Request.Options.SiteType,
			Files:          bp.Files,
			Sections:       bp.Sections,
			DesignGuidance: strings.TrimSpace(bp.DesignGuidance),
		})
	}

	s.setProgress(m.end, m.endLabel)
	return !o.halted(ctx, s)
}

func (o *Orchestrator) taskData(s *Session) agents.TaskData {
	return agents.TaskData{
		Brief:          s.Request.Brief,
		Options:        s.Request.Options,
		Blueprint:      o.catalog.Blueprint(s.Request.Options.SiteType),
		ReviewComments: reviewLines(s.Reviews(), false),
		CSSComments:    reviewLines(s.Reviews(), true),
		Bugs:           bugLines(s.Bugs()),
	}
}

// apply parses a reply and feeds the commands into the session.
func (o *Orchestrator) apply(s *Session, phase Phase, agent string, reply *agents.Reply) {
	o.ledger.Record(s.ID, agent, reply.Usage)

	if r := agents.TrimReasoning(reply.Reasoning); r != "" {
		s.emit(models.EventAgentThinking, AgentThinking{AgentID: agent, Thought: r})
	}

	res := o.parser.Parse(reply.Content)
	for _, a := range res.Anomalies {
		o.logger.Warn("protocol anomaly",
			"session_id", s.ShortID(),
			"agent_id", agent,
			"phase", phase.String(),
			"anomaly", a.String(),
		)
	}
	if err := protocol.Dispatch(res, agentCommands{s: s, agent: agent}); err != nil {
		o.logger.Warn("some commands failed",
			"session_id", s.ShortID(),
			"agent_id", agent,
			"phase", phase.String(),
			"error", err,
		)
		s.emit(models.EventAgentError, AgentError{AgentID: agent, Message: err.Error(), Recoverable: true})
	}
	o.logger.Info("phase applied",
		"session_id", s.ShortID(),
		"agent_id", agent,
		"phase", phase.String(),
		"commands", len(res.Commands),
		"fallback", res.Fallback,
		"files", s.Files.Len(),
	)
}

func (o *Orchestrator) skip(s *Session, phase Phase, agent, reason string) {
	s.addSkipped(phase)
	s.emit(models.EventPhaseSkipped, PhaseSkipped{Phase: phase, Reason: reason})
	s.emit(models.EventAgentError, AgentError{
		AgentID:     agent,
		Message:     fmt.Sprintf("%s phase skipped: %s", phase, reason),
		Recoverable: true,
	})
	o.logger.Warn("phase skipped", "session_id", s.ShortID(), "phase", phase.String(), "agent_id", agent, "reason", reason)
}

// waitWhilePaused polls until the session is resumed. It reports false when
// the session was aborted meanwhile.
func (o *Orchestrator) waitWhilePaused(ctx context.Context, s *Session) bool {
	for s.Paused() {
		if o.halted(ctx, s) {
			return false
		}
		if err := o.sleep(ctx, o.cfg.PausePoll); err != nil {
			return false
		}
	}
	return !o.halted(ctx, s)
}

func (o *Orchestrator) waitForApproval(ctx context.Context, s *Session, phase Phase) bool {
	if s.takeApproval() {
		return true
	}
	s.emit(models.EventAwaitApproval, AwaitingApproval{Phase: phase})
	for !s.takeApproval() {
		if o.halted(ctx, s) {
			return false
		}
		if err := o.sleep(ctx, o.cfg.PausePoll); err != nil {
			return false
		}
	}
	return o.waitWhilePaused(ctx, s)
}

// signOff posts the closing notes and drops feedback no phase will read.
func (o *Orchestrator) signOff(s *Session) {
	if left := s.drainFeedback(); len(left) > 0 {
		o.logger.Info("dropping unread feedback", "session_id", s.ShortID(), "count", len(left))
	}
	for _, so := range o.catalog.SignOffs {
		s.emit(models.EventAgentMessage, AgentMessage{AgentID: so.Agent, Message: so.Message})
	}
}

func (o *Orchestrator) complete(ctx context.Context, s *Session) {
	s.enterPhase(PhaseComplete)
	m := milestones[PhaseComplete]
	s.setProgress(m.end, m.endLabel)
	s.emitPreview()

	files := s.Files.Export()
	skipped := s.SkippedPhases()
	var tokens *models.TokenUsage
	if u, ok := o.ledger.Session(s.ID); ok {
		tokens = &u.Total
	}
	summary := summarize(files, skipped)
	s.emit(models.EventBuildComplete, BuildComplete{
		Files:         files,
		Summary:       summary,
		FileCount:     len(files),
		SkippedPhases: skipped,
		TokenUsage:    tokens,
		Stats:         s.Files.Stats(),
	})
	o.logger.Info("build complete",
		"session_id", s.ShortID(),
		"files", len(files),
		"skipped", len(skipped),
		"duration_ms", time.Since(s.CreatedAt).Milliseconds(),
	)

	if o.archive == nil {
		return
	}
	b := models.ArchivedBuild{
		ID:            s.ID,
		Brief:         s.Request.Brief,
		SiteType:      s.Request.Options.SiteType,
		Summary:       summary,
		FileCount:     len(files),
		SkippedPhases: phaseList(skipped),
		CompletedAt:   time.Now().UnixMilli(),
	}
	if tokens != nil {
		b.TokenUsage = *tokens
	}
	for _, f := range files {
		b.Files = append(b.Files, models.DownloadFile{Path: f.Path, Content: f.Content})
	}
	// The session context is about to be cancelled by teardown.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.archive.SaveBuild(saveCtx, b); err != nil {
		o.logger.Error("archive build", "session_id", s.ShortID(), "error", err)
	}
}

// stop marks the session aborted and tells the client.
func (o *Orchestrator) stop(s *Session) {
	from := s.Phase()
	s.markAborted()
	s.emit(models.EventPhaseChange, PhaseChange{From: &from, To: PhaseAborted})
	o.logger.Info("build aborted", "session_id", s.ShortID(), "phase", from.String())
}

func summarize(files []vfs.FileRecord, skipped []Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Built %d file", len(files))
	if len(files) != 1 {
		b.WriteByte('s')
	}
	if len(files) > 0 {
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		fmt.Fprintf(&b, ": %s", strings.Join(paths, ", "))
	}
	b.WriteByte('.')
	if len(skipped) > 0 {
		fmt.Fprintf(&b, " Skipped phases: %s.", strings.Join(phaseList(skipped), ", "))
	}
	return b.String()
}

func phaseList(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}
