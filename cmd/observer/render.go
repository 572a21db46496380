package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/channel"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	phaseStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	fileStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	okStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Width(14)
)

var severityStyles = map[string]lipgloss.Style{
	"high":   errorStyle,
	"medium": warnStyle,
	"low":    dimStyle,
}

const maxThoughtWidth = 160

// renderer turns socket events into single display lines.
type renderer struct {
	catalog *agents.Catalog
}

func newRenderer() *renderer {
	catalog, err := agents.DefaultCatalog()
	if err != nil {
		return &renderer{}
	}
	return &renderer{catalog: catalog}
}

func (r *renderer) agent(id string) string {
	if r.catalog != nil {
		if p, ok := r.catalog.Persona(id); ok {
			return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Color)).Render(p.Emoji + " " + p.Name)
		}
	}
	if id == "" {
		id = "system"
	}
	return titleStyle.Render(id)
}

// event renders one server message. Events with nothing worth showing
// return "".
func (r *renderer) event(m channel.Message) (string, error) {
	switch m.Type {
	case models.EventSessionStarted:
		var e build.SessionStarted
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return titleStyle.Render("session "+e.SessionID) + " " + dimStyle.Render(truncate(e.Brief, maxThoughtWidth)), nil

	case models.EventAgentThinking:
		var e build.AgentThinking
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return r.agent(e.AgentID) + " " + dimStyle.Render(truncate(e.Thought, maxThoughtWidth)), nil

	case models.EventAgentMessage:
		var e build.AgentMessage
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		line := r.agent(e.AgentID)
		if e.TargetAgent != "" {
			line += " → " + r.agent(e.TargetAgent)
		}
		return line + ": " + e.Message, nil

	case models.EventFileCreated:
		var e build.FileCreated
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		lines := strings.Count(e.Content, "\n") + 1
		return fileStyle.Render("+ "+e.Path) + dimStyle.Render(fmt.Sprintf(" %d lines by ", lines)) + r.agent(e.AgentID), nil

	case models.EventFileModified:
		var e build.FileModified
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		line := warnStyle.Render("~ " + e.Path)
		if e.Diff != nil {
			line += dimStyle.Render(fmt.Sprintf(" +%d -%d", e.Diff.Added, e.Diff.Removed))
		}
		return line + dimStyle.Render(" by ") + r.agent(e.AgentID), nil

	case models.EventFileDeleted:
		var e build.FileDeleted
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return errorStyle.Render("- "+e.Path) + dimStyle.Render(" by ") + r.agent(e.AgentID), nil

	case models.EventPhaseChange:
		var e build.PhaseChange
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		if e.From == nil {
			return phaseStyle.Render("▸ " + e.To.String()), nil
		}
		return phaseStyle.Render(fmt.Sprintf("▸ %s → %s", e.From.String(), e.To.String())), nil

	case models.EventPhaseSkipped:
		var e build.PhaseSkipped
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return warnStyle.Render(fmt.Sprintf("skipped %s: %s", e.Phase, e.Reason)), nil

	case models.EventBuildProgress:
		var e build.BuildProgress
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return dimStyle.Render(fmt.Sprintf("[%3d%%] %s", e.Percent, e.Milestone)), nil

	case models.EventReviewComment:
		var e build.ReviewComment
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		where := e.File
		if e.Line != nil {
			where = fmt.Sprintf("%s:%d", e.File, *e.Line)
		}
		return r.agent(e.AgentID) + " " + warnStyle.Render("review "+where) + " " + e.Comment, nil

	case models.EventBugReport:
		var e build.BugReport
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		style, ok := severityStyles[e.Severity]
		if !ok {
			style = warnStyle
		}
		return r.agent(e.AgentID) + " " + style.Render("bug ["+e.Severity+"]") + " " + e.Description, nil

	case models.EventAgentError:
		var e build.AgentError
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		style := errorStyle
		if e.Recoverable {
			style = warnStyle
		}
		return r.agent(e.AgentID) + " " + style.Render(e.Message), nil

	case models.EventBuildError:
		var e build.BuildError
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return errorStyle.Render("✗ " + e.Message), nil

	case models.EventAwaitApproval:
		var e build.AwaitingApproval
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return warnStyle.Render(fmt.Sprintf("waiting for approval to start %s", e.Phase)), nil

	case models.EventBuildComplete:
		var e build.BuildComplete
		if err := m.Decode(&e); err != nil {
			return "", err
		}
		return okStyle.Render(fmt.Sprintf("✓ build complete: %d files", e.FileCount)), nil

	case models.EventPreviewUpdate:
		return "", nil
	}
	return dimStyle.Render(m.Type), nil
}

// state renders a connection state change.
func renderState(s channel.State, cerr *channel.ConnError) string {
	switch s {
	case channel.StateConnected:
		return okStyle.Render("● connected")
	case channel.StateConnecting:
		return dimStyle.Render("○ connecting")
	case channel.StateFailed:
		msg := "● connection failed"
		if cerr != nil {
			msg += ": " + cerr.Message
		}
		return errorStyle.Render(msg)
	}
	msg := "○ " + string(s)
	if cerr != nil {
		msg += ": " + cerr.Message
	}
	return warnStyle.Render(msg)
}

func renderHealth(h models.HealthResponse) string {
	var b strings.Builder
	status := okStyle.Render(h.Status)
	if h.Status != "ok" {
		status = warnStyle.Render(h.Status)
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("buildroom "+h.Version), status)
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s%s\n", labelStyle.Render(label), value)
	}
	provider := h.Provider
	if !h.ProviderConfigured {
		provider += errorStyle.Render(" (not configured)")
	}
	row("provider", provider)
	row("uptime", h.Uptime.Human)
	row("builds", fmt.Sprintf("%d/%d running, %d sessions", h.ActiveBuilds, h.MaxConcurrentBuilds, h.ActiveSessions))
	row("rate", fmt.Sprintf("%d calls/min, %d retries, %ds timeout", h.Config.MaxCallsPerMinute, h.Config.RetryCount, h.Config.AgentTimeoutSeconds))
	row("memory", fmt.Sprintf("%s heap, %d goroutines", h.Memory.HeapAlloc, h.Memory.Goroutines))
	row("archive", fmt.Sprintf("%t", h.ArchiveEnabled))
	for _, s := range h.Sessions {
		state := s.Phase
		switch {
		case s.Aborted:
			state += " aborted"
		case s.Paused:
			state += " paused"
		}
		if !s.Attached {
			state += dimStyle.Render(" detached")
		}
		fmt.Fprintf(&b, "  %s %s %s\n", dimStyle.Render(s.ID), phaseStyle.Render(state), dimStyle.Render(fmt.Sprintf("%d%% %d files, idle %ds", s.Progress, s.FileCount, s.IdleSeconds)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSuggestion(s models.SuggestResponse) string {
	var b strings.Builder
	cfg := s.SuggestedConfig
	if cfg.SiteType == "" && cfg.StylePreset == "" && len(s.CustomQuestions) == 0 {
		return dimStyle.Render("no suggestion available")
	}
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s%s\n", labelStyle.Render(label), value)
		}
	}
	row("site type", string(cfg.SiteType))
	row("style", string(cfg.StylePreset))
	if cfg.PrimaryColor != "" {
		row("color", lipgloss.NewStyle().Foreground(lipgloss.Color(cfg.PrimaryColor)).Render("■ ")+cfg.PrimaryColor)
	}
	row("quality", string(cfg.CodeQuality))
	if s.Reasoning != "" {
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(s.Reasoning))
	}
	for _, q := range s.CustomQuestions {
		fmt.Fprintf(&b, "\n%s\n", titleStyle.Render(q.Label))
		for _, o := range q.Options {
			marker := "  "
			if o.Value == q.DefaultValue {
				marker = "• "
			}
			fmt.Fprintf(&b, "%s%s %s\n", marker, o.Label, dimStyle.Render("("+o.Value+")"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSummary prints the closing report for a written build.
func renderSummary(m *manifest, dir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", okStyle.Render(fmt.Sprintf("wrote %d files to", len(m.Files))), dir)
	if len(m.SkippedPhases) > 0 {
		fmt.Fprintf(&b, "%s%s\n", labelStyle.Render("skipped"), strings.Join(m.SkippedPhases, ", "))
	}
	if m.Tokens != nil {
		fmt.Fprintf(&b, "%s%d (%d prompt, %d completion)\n", labelStyle.Render("tokens"), m.Tokens.Total, m.Tokens.Prompt, m.Tokens.Completion)
	}
	writers := make([]string, 0, len(m.Contributions))
	for w := range m.Contributions {
		writers = append(writers, w)
	}
	sort.Strings(writers)
	for _, w := range writers {
		fmt.Fprintf(&b, "%s%d files\n", labelStyle.Render(w), m.Contributions[w])
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
