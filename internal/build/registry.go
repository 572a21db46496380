package build

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/buildroom/internal/envelope"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// Registry owns every live session and the global build ceiling.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	orch    *Orchestrator
	gate    *envelope.Gate
	limiter *envelope.RateLimiter
	ledger  *TokenLedger
	differ  vfs.Differ
	clock   func() time.Time
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for session timestamps.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithDiffer sets how file modifications are summarised.
func WithDiffer(d vfs.Differ) RegistryOption {
	return func(r *Registry) {
		if d != nil {
			r.differ = d
		}
	}
}

// NewRegistry creates a registry. limiter may be nil when calls are not rate
// limited.
func NewRegistry(orch *Orchestrator, gate *envelope.Gate, limiter *envelope.RateLimiter, ledger *TokenLedger, logger *slog.Logger, opts ...RegistryOption) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: make(map[string]*Session),
		orch:     orch,
		gate:     gate,
		limiter:  limiter,
		ledger:   ledger,
		differ:   vfs.PositionalDiff{},
		clock:    time.Now,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start validates req, reserves a build slot and runs the pipeline in the
// background. No session exists when an error is returned.
func (r *Registry) Start(req Request, sink Sink) (*Session, error) {
	valid, err := req.Validate()
	if err != nil {
		return nil, err
	}
	if c := r.orch.Completer(); c == nil || !c.Configured() {
		return nil, ErrProviderUnavailable
	}
	if !r.gate.TryAcquire() {
		return nil, ErrCapacity
	}

	files := vfs.New(vfs.WithDiffer(r.differ), vfs.WithClock(r.clock))
	s := newSession(uuid.New().String(), valid, sink, files, r.clock, r.logger)
	ctx, cancel := context.WithCancel(r.base)
	s.cancel = cancel

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("build started",
		"session_id", s.ShortID(),
		"site_type", string(valid.Options.SiteType),
		"active", r.gate.Active(),
	)
	s.emit(models.EventSessionStarted, SessionStarted{SessionID: s.ID, Brief: valid.Brief})

	r.wg.Add(1)
	go r.run(ctx, s)
	return s, nil
}

func (r *Registry) run(ctx context.Context, s *Session) {
	defer r.wg.Done()
	defer r.release(s)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("build panicked", "session_id", s.ShortID(), "panic", fmt.Sprint(p))
			s.markAborted()
			s.emit(models.EventBuildError, BuildError{Message: "Build failed unexpectedly"})
		}
	}()
	r.orch.Run(ctx, s)
}

// release tears the session down exactly once: it leaves the registry, frees
// its build slot and rate budget, and its context is cancelled.
func (r *Registry) release(s *Session) {
	s.once.Do(func() {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()

		r.gate.Release()
		if r.limiter != nil {
			r.limiter.Release(s.ID)
		}
		r.ledger.Release(s.ID)
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		r.logger.Debug("session released", "session_id", s.ShortID(), "active", r.gate.Active())
	})
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Snapshots returns the health view of every live session.
func (r *Registry) Snapshots() []models.SessionHealth {
	list := r.List()
	out := make([]models.SessionHealth, len(list))
	for i, s := range list {
		out[i] = s.Snapshot()
	}
	return out
}

// Cancel aborts a session. Teardown happens when its pipeline notices.
func (r *Registry) Cancel(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.Abort()
	r.logger.Info("build cancelled", "session_id", s.ShortID())
	return nil
}

// Evict aborts a session and releases it immediately.
func (r *Registry) Evict(s *Session, reason string) {
	s.Abort()
	s.emit(models.EventBuildError, BuildError{Message: reason})
	r.release(s)
}

// ActiveCount is the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Gate exposes the build ceiling for reporting.
func (r *Registry) Gate() *envelope.Gate { return r.gate }

// Ledger exposes token usage for reporting.
func (r *Registry) Ledger() *TokenLedger { return r.ledger }

// Now is the registry clock.
func (r *Registry) Now() time.Time { return r.clock() }

// Shutdown aborts every session and waits for their pipelines to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, s := range r.List() {
		s.Abort()
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown builds: %w", ctx.Err())
	}
}
