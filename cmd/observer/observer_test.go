package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/channel"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func event(t *testing.T, typ string, data any) channel.Message {
	t.Helper()
	raw, err := json.Marshal(build.Event{Type: typ, Timestamp: 1, Data: data})
	require.NoError(t, err)
	return channel.Message{Type: typ, Raw: raw}
}

type fakeController struct {
	mu        sync.Mutex
	attached  []string
	approvals int
}

func (f *fakeController) Attach(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, id)
	return nil
}

func (f *fakeController) ApprovePhase() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals++
	return nil
}

func (f *fakeController) approved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals
}

// scriptConn is an in-memory channel.Conn.
type scriptConn struct {
	mu      sync.Mutex
	written []string
	inbox   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{inbox: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *scriptConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	select {
	case d := <-c.inbox:
		return websocket.TextMessage, d, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func sampleComplete() build.BuildComplete {
	return build.BuildComplete{
		Files: []vfs.FileRecord{
			{Path: "index.html", Content: "<h1>Bakery</h1>\n", Writer: "frontend-dev", ByteSize: 16, LineCount: 2},
			{Path: "css/styles.css", Content: "h1 { color: red; }", Writer: "stylist", ByteSize: 18, LineCount: 1},
			{Path: "../escape.txt", Content: "nope"},
		},
		Summary:       "Built a bakery landing page.",
		FileCount:     3,
		SkippedPhases: []build.Phase{build.PhaseTesting},
		TokenUsage:    &models.TokenUsage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
		Stats: vfs.Stats{
			FileCount: 3,
			Contributions: map[string]vfs.Contribution{
				"frontend-dev": {Files: []string{"index.html"}, Actions: 1},
				"stylist":      {Files: []string{"css/styles.css"}, Actions: 1},
			},
		},
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:3001", want: "ws://localhost:3001/ws"},
		{in: "https://build.example.com/", want: "wss://build.example.com/ws"},
		{in: "http://proxy.local/buildroom", want: "ws://proxy.local/buildroom/ws"},
		{in: "ws://localhost:3001", want: "ws://localhost:3001/ws"},
		{in: "ftp://localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := wsURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildFlagsOptions(t *testing.T) {
	f := &buildFlags{siteType: "blog", style: "retro", color: "#abc", quality: "speed", responsive: true, manual: true}
	o, err := f.options()
	require.NoError(t, err)
	assert.Equal(t, models.SiteTypeBlog, o.SiteType)
	assert.Equal(t, models.StyleRetro, o.StylePreset)
	assert.True(t, o.ManualApproval)

	for _, bad := range []*buildFlags{
		{siteType: "wiki"},
		{style: "neon"},
		{color: "red"},
		{quality: "sloppy"},
	} {
		_, err := bad.options()
		assert.Error(t, err)
	}
}

func TestWriteSiteAndManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	done := sampleComplete()

	written, skipped, err := writeSite(dir, done.Files)
	require.NoError(t, err)
	assert.Len(t, written, 2)
	assert.Equal(t, []string{"../escape.txt"}, skipped)

	data, err := os.ReadFile(filepath.Join(dir, "css", "styles.css"))
	require.NoError(t, err)
	assert.Equal(t, "h1 { color: red; }", string(data))
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(err))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManifest("sess-1", "A bakery", "http://localhost:3001", models.BuildOptions{SiteType: models.SiteTypeLanding}, done, now)
	m.Files = written
	require.NoError(t, saveManifest(dir, m))

	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "session_id")
	assert.Contains(t, string(raw), "[[files]]")
	assert.NotContains(t, string(raw), "<h1>", "file contents stay out of the manifest")

	loaded, err := loadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Equal(t, []string{"TESTING"}, loaded.SkippedPhases)
	assert.Equal(t, 140, loaded.Tokens.Total)
	assert.Equal(t, 1, loaded.Contributions["stylist"])
	assert.True(t, loaded.CompletedAt.Equal(now))
	require.Len(t, loaded.Files, 2)
	assert.Equal(t, "index.html", loaded.Files[0].Path)
	assert.Equal(t, "frontend-dev", loaded.Files[0].Writer)
	assert.Empty(t, loaded.Files[0].Content)

	_, err = loadManifest(t.TempDir())
	assert.ErrorContains(t, err, "no buildroom.toml")
}

func TestObserverCompletesBuild(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	ctl := &fakeController{}
	var out bytes.Buffer
	obs := newObserver(ctl, &out, observerConfig{Dir: dir, Server: "http://x", Brief: "A bakery"})

	obs.handle(event(t, models.EventSessionStarted, build.SessionStarted{SessionID: "sess-9", Brief: "A bakery"}))
	planning := build.PhasePlanning
	obs.handle(event(t, models.EventPhaseChange, build.PhaseChange{From: &planning, To: build.PhaseScaffolding}))
	obs.handle(event(t, models.EventBuildComplete, sampleComplete()))

	select {
	case err := <-obs.done:
		require.NoError(t, err)
	default:
		t.Fatal("observer did not finish")
	}

	assert.FileExists(t, filepath.Join(dir, "index.html"))
	m, err := loadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", m.SessionID)

	text := out.String()
	assert.Contains(t, text, "session sess-9")
	assert.Contains(t, text, "PLANNING → SCAFFOLDING")
	assert.Contains(t, text, "skipped unsafe path ../escape.txt")
	assert.Contains(t, text, "wrote 2 files to")
}

func TestObserverAttachesAfterReconnect(t *testing.T) {
	ctl := &fakeController{}
	obs := newObserver(ctl, &bytes.Buffer{}, observerConfig{Dir: t.TempDir()})

	lost := &channel.ConnError{Category: channel.CategoryNetwork, Message: "connection lost unexpectedly", Recoverable: true}
	obs.onState(channel.StateConnected, nil)
	obs.onState(channel.StateDisconnected, lost)
	assert.Empty(t, ctl.attached, "nothing to attach before the session starts")

	obs.handle(event(t, models.EventSessionStarted, build.SessionStarted{SessionID: "sess-2"}))
	obs.onState(channel.StateConnected, nil)
	assert.Empty(t, ctl.attached)
	obs.onState(channel.StateDisconnected, lost)
	obs.onState(channel.StateConnecting, nil)
	obs.onState(channel.StateError, lost)
	obs.onState(channel.StateConnected, nil)
	assert.Equal(t, []string{"sess-2"}, ctl.attached)

	obs.handle(event(t, models.EventBuildComplete, sampleComplete()))
	require.NoError(t, <-obs.done)
	obs.onState(channel.StateDisconnected, nil)
	assert.Equal(t, []string{"sess-2"}, ctl.attached, "no re-bind once the build is over")
}

func TestObserverAttachReachesServerBeforeBacklog(t *testing.T) {
	first, second := newScriptConn(), newScriptConn()
	conns := []*scriptConn{first, second}
	var dials int
	var dialMu sync.Mutex
	release := make(chan struct{})
	ch := channel.New(channel.Config{
		URL: "ws://test/ws",
		Dialer: channel.DialerFunc(func(context.Context, string) (channel.Conn, error) {
			dialMu.Lock()
			defer dialMu.Unlock()
			if dials >= len(conns) {
				return nil, errors.New("connection refused")
			}
			dials++
			return conns[dials-1], nil
		}),
		Wait: func(ctx context.Context, _ time.Duration) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Logger: newLogger(io.Discard, false),
	})
	obs := newObserver(ch, io.Discard, observerConfig{Dir: t.TempDir()})
	ch.OnStateChange(obs.onState)
	ch.On("*", obs.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return ch.State() == channel.StateConnected }, 2*time.Second, time.Millisecond)
	first.inbox <- []byte(`{"type":"session_started","timestamp":1,"sessionId":"sess-7","brief":"A bakery"}`)
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.sessionID == "sess-7"
	}, 2*time.Second, time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return ch.QueueLen() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, ch.SendFeedback("make the header bigger"))
	close(release)

	require.Eventually(t, func() bool { return len(second.sent()) == 2 }, 2*time.Second, time.Millisecond)
	var types []string
	for _, raw := range second.sent() {
		var m models.ClientMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		types = append(types, m.Type)
	}
	assert.Equal(t, []string{models.MsgAttachSession, models.MsgUserFeedback}, types)
}

func TestObserverFailures(t *testing.T) {
	t.Run("build error", func(t *testing.T) {
		obs := newObserver(&fakeController{}, &bytes.Buffer{}, observerConfig{Dir: t.TempDir()})
		obs.handle(event(t, models.EventBuildError, build.BuildError{Message: "Session expired due to inactivity"}))
		obs.handle(event(t, models.EventBuildError, build.BuildError{Message: "second"}))
		err := <-obs.done
		assert.EqualError(t, err, "build failed: Session expired due to inactivity")
	})

	t.Run("aborted", func(t *testing.T) {
		obs := newObserver(&fakeController{}, &bytes.Buffer{}, observerConfig{Dir: t.TempDir()})
		coding := build.PhaseCoding
		obs.handle(event(t, models.EventPhaseChange, build.PhaseChange{From: &coding, To: build.PhaseAborted}))
		assert.ErrorIs(t, <-obs.done, errBuildAborted)
	})

	t.Run("connection failed", func(t *testing.T) {
		obs := newObserver(&fakeController{}, &bytes.Buffer{}, observerConfig{Dir: t.TempDir()})
		obs.onState(channel.StateFailed, &channel.ConnError{Category: channel.CategoryServer, Message: "server rejected connection (4001)", Code: 4001})
		assert.EqualError(t, <-obs.done, "server rejected connection (4001)")
	})
}

func TestObserverApprovesPhases(t *testing.T) {
	ctl := &fakeController{}
	var out bytes.Buffer
	obs := newObserver(ctl, &out, observerConfig{Dir: t.TempDir()})
	approve := promptApproval(strings.NewReader("\n"), &bytes.Buffer{})
	obs.approve = approve

	obs.handle(event(t, models.EventAwaitApproval, build.AwaitingApproval{Phase: build.PhaseCoding}))
	assert.Eventually(t, func() bool { return ctl.approved() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, approve(), "closed stdin must not approve")
}

func TestRendererEvents(t *testing.T) {
	r := newRenderer()
	line := 12

	tests := []struct {
		name string
		msg  channel.Message
		want string
	}{
		{"thinking", event(t, models.EventAgentThinking, build.AgentThinking{AgentID: "architect", Thought: "plan   the\nlayout"}), "plan the layout"},
		{"persona name", event(t, models.EventAgentThinking, build.AgentThinking{AgentID: "architect", Thought: "x"}), "Kuba"},
		{"created", event(t, models.EventFileCreated, build.FileCreated{Path: "index.html", Content: "a\nb", AgentID: "frontend-dev"}), "+ index.html"},
		{"modified", event(t, models.EventFileModified, build.FileModified{Path: "app.js", Diff: &vfs.DiffSummary{Added: 3, Removed: 1}}), " +3 -1"},
		{"review", event(t, models.EventReviewComment, build.ReviewComment{AgentID: "reviewer", File: "app.js", Line: &line, Comment: "null check"}), "review app.js:12"},
		{"bug", event(t, models.EventBugReport, build.BugReport{AgentID: "qa-tester", Severity: "high", Description: "menu broken"}), "bug [high]"},
		{"skipped", event(t, models.EventPhaseSkipped, build.PhaseSkipped{Phase: build.PhaseReviewing, Reason: "user skipped"}), "skipped REVIEWING: user skipped"},
		{"progress", event(t, models.EventBuildProgress, build.BuildProgress{Percent: 40, Milestone: "Writing code"}), "[ 40%] Writing code"},
		{"first phase", event(t, models.EventPhaseChange, build.PhaseChange{To: build.PhasePlanning}), "▸ PLANNING"},
		{"unknown", channel.Message{Type: "mystery", Raw: json.RawMessage(`{"type":"mystery"}`)}, "mystery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.event(tt.msg)
			require.NoError(t, err)
			assert.Contains(t, got, tt.want)
		})
	}

	got, err := r.event(event(t, models.EventPreviewUpdate, vfs.Preview{HTML: "<p>"}))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = r.event(channel.Message{Type: models.EventBuildError, Raw: json.RawMessage(`{"message":42}`)})
	assert.Error(t, err)
}

func TestBuildCommandAgainstScriptedServer(t *testing.T) {
	received := make(chan models.ClientMessage, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg

		script := []build.Event{
			{Type: models.EventSessionStarted, Timestamp: 1, Data: build.SessionStarted{SessionID: "sess-live", Brief: msg.Brief}},
			{Type: models.EventPhaseChange, Timestamp: 2, Data: build.PhaseChange{To: build.PhasePlanning}},
			{Type: models.EventFileCreated, Timestamp: 3, Data: build.FileCreated{Path: "index.html", Content: "<p>hi</p>", AgentID: "frontend-dev"}},
			{Type: models.EventBuildComplete, Timestamp: 4, Data: build.BuildComplete{
				Files:     []vfs.FileRecord{{Path: "index.html", Content: "<p>hi</p>", Writer: "frontend-dev"}},
				Summary:   "done",
				FileCount: 1,
			}},
		}
		for _, e := range script {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	dir := filepath.Join(t.TempDir(), "site")
	out, err := executeCLI(t, "--server", srv.URL, "build", "A landing page for a bakery", "--site-type", "landing", "--out", dir, "--timeout", "10s")
	require.NoError(t, err, out)

	msg := <-received
	assert.Equal(t, models.MsgStartBuild, msg.Type)
	assert.Equal(t, "A landing page for a bakery", msg.Brief)
	require.NotNil(t, msg.Options)
	assert.Equal(t, models.SiteTypeLanding, msg.Options.SiteType)

	content, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(content))

	m, err := loadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-live", m.SessionID)
	assert.Equal(t, srv.URL, m.Server)
	assert.Contains(t, out, "build complete: 1 files")

	out, err = executeCLI(t, "inspect", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "session sess-live")
	assert.Contains(t, out, "index.html")
}

func TestHealthAndSuggestCommands(t *testing.T) {
	var mu sync.Mutex
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/health":
			json.NewEncoder(w).Encode(models.HealthResponse{
				Status: "degraded", Version: "0.2.0", Provider: "openai",
				MaxConcurrentBuilds: 3, ActiveBuilds: 1, ActiveSessions: 1,
				Sessions: []models.SessionHealth{{ID: "sess-1", Phase: "CODING", Progress: 45, Attached: false}},
			})
		case "/api/suggest-config":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"brief must be at least 10 characters"}`))
		}
	}))
	t.Cleanup(srv.Close)

	out, err := executeCLI(t, "--server", srv.URL, "--api-key", "secret", "health")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, "Bearer secret", auth)
	mu.Unlock()
	assert.Contains(t, out, "buildroom 0.2.0")
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "(not configured)")
	assert.Contains(t, out, "1/3 running")
	assert.Contains(t, out, "sess-1")

	out, err = executeCLI(t, "--server", srv.URL, "health", "--json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))

	_, err = executeCLI(t, "--server", srv.URL, "suggest", "tiny")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brief must be at least 10 characters (400)")
}

func TestRenderSuggestion(t *testing.T) {
	assert.Contains(t, renderSuggestion(models.EmptySuggestion()), "no suggestion available")

	text := renderSuggestion(models.SuggestResponse{
		SuggestedConfig: models.SuggestedConfig{SiteType: models.SiteTypePortfolio, StylePreset: models.StyleRetro, PrimaryColor: "#aa3300"},
		Reasoning:       "A craft site.",
		CustomQuestions: []models.CustomQuestion{{
			ID: "gallery", Label: "Gallery style", DefaultValue: "grid",
			Options: []models.QuestionOption{{Value: "grid", Label: "Grid"}, {Value: "masonry", Label: "Masonry"}},
		}},
	})
	assert.Contains(t, text, "portfolio")
	assert.Contains(t, text, "A craft site.")
	assert.Contains(t, text, "• Grid")
	assert.Contains(t, text, "Masonry")
}
