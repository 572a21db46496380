package build

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// Limits on what is carried into each agent call.
const (
	ContextFiles     = 10
	ContextFileBytes = 2000
	ContextEvents    = 6
)

var activityTypes = map[string]bool{
	models.EventAgentThinking: true,
	models.EventAgentMessage:  true,
	models.EventFileCreated:   true,
	models.EventFileModified:  true,
	models.EventFileDeleted:   true,
	models.EventPhaseChange:   true,
	models.EventReviewComment: true,
	models.EventBugReport:     true,
}

// recentActivity returns the last n team events, oldest first.
func (s *Session) recentActivity(n int) []Event {
	all := s.RecentEvents(EventLogSize)
	var out []Event
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if activityTypes[all[i].Type] {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func describe(e Event) string {
	switch d := e.Data.(type) {
	case AgentThinking:
		return fmt.Sprintf("[%s]: %s", d.AgentID, d.Thought)
	case AgentMessage:
		if d.TargetAgent != "" {
			return fmt.Sprintf("[%s -> %s]: %s", d.AgentID, d.TargetAgent, d.Message)
		}
		return fmt.Sprintf("[%s]: %s", d.AgentID, d.Message)
	case FileCreated:
		return fmt.Sprintf("[%s]: created %s", d.AgentID, d.Path)
	case FileModified:
		return fmt.Sprintf("[%s]: modified %s", d.AgentID, d.Path)
	case FileDeleted:
		return fmt.Sprintf("[%s]: deleted %s", d.AgentID, d.Path)
	case PhaseChange:
		return fmt.Sprintf("[system]: phase %s", d.To)
	case ReviewComment:
		return fmt.Sprintf("[%s]: review %s: %s", d.AgentID, d.File, d.Comment)
	case BugReport:
		return fmt.Sprintf("[%s]: %s bug: %s", d.AgentID, d.Severity, d.Description)
	}
	return "[system]: " + e.Type
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

// contextBundle assembles the user turn for one agent call.
func contextBundle(s *Session, task string, feedback []string) string {
	var b strings.Builder
	o := s.Request.Options

	fmt.Fprintf(&b, "## PROJECT BRIEF\n%s\n\n", s.Request.Brief)
	fmt.Fprintf(&b, "## SITE TYPE\n%s\n\n", o.SiteType)
	fmt.Fprintf(&b, "## STYLE PREFERENCES\nPreset: %s\nPrimary colour: %s\nFont: %s\nAnimations: %s\nResponsive: %s\nDark mode site: %s\nInclude images: %s\nCode quality: %s\n\n",
		o.StylePreset, o.PrimaryColor, o.FontPreference,
		yesNo(o.Animations), yesNo(o.Responsive), yesNo(o.DarkMode), yesNo(o.IncludeImages), o.CodeQuality)

	b.WriteString("## ARCHITECT'S PLAN\n")
	if plan := s.Plan(); plan != nil {
		data, _ := json.MarshalIndent(plan, "", "  ")
		b.Write(data)
	} else {
		b.WriteString("Not yet created")
	}
	b.WriteString("\n\n")

	b.WriteString("## RECENT TEAM ACTIVITY\n")
	if recent := s.recentActivity(ContextEvents); len(recent) > 0 {
		for _, e := range recent {
			b.WriteString(describe(e))
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("No recent activity\n")
	}
	b.WriteByte('\n')

	b.WriteString("## CURRENT FILES\n")
	files := s.Files.List()
	if len(files) > ContextFiles {
		files = files[len(files)-ContextFiles:]
	}
	if len(files) == 0 {
		b.WriteString("No files yet\n")
	}
	for _, f := range files {
		content := f.Content
		if content == "" {
			content = "(empty)"
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, truncateText(content, ContextFileBytes))
	}
	b.WriteByte('\n')

	if len(feedback) > 0 {
		b.WriteString("## USER FEEDBACK\nThe user asked for these changes. Address them in this pass.\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteByte('\n')
	}

	if conflicts := s.Conflicts(); len(conflicts) > 0 {
		b.WriteString("## USER DECISIONS\n")
		for _, c := range conflicts {
			if c.CustomSolution != "" {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", c.ID, c.Choice, c.CustomSolution)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Choice)
			}
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "## YOUR TASK\n%s\n\nUse the output formats from your instructions and write complete, working code.", task)
	return b.String()
}

// reviewLines formats review comments for the FIXING task.
func reviewLines(reviews []Review, cssOnly bool) []string {
	var out []string
	for _, r := range reviews {
		if cssOnly && !strings.Contains(r.File, ".css") {
			continue
		}
		line := "?"
		if r.Line != nil {
			line = fmt.Sprint(*r.Line)
		}
		out = append(out, fmt.Sprintf("%s:%s: %s", r.File, line, r.Comment))
	}
	return out
}

func bugLines(bugs []Bug) []string {
	out := make([]string, 0, len(bugs))
	for _, b := range bugs {
		out = append(out, fmt.Sprintf("[%s] %s", b.Severity, b.Description))
	}
	return out
}
