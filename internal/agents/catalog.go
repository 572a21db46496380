package agents

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Persona describes one agent on the team.
type Persona struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role" json:"role"`
	Emoji        string   `yaml:"emoji" json:"emoji"`
	Color        string   `yaml:"color" json:"color"`
	Aliases      []string `yaml:"aliases" json:"aliases"`
	SystemPrompt string   `yaml:"system_prompt" json:"-"`
}

// PhaseTask is the work handed to an agent in one phase. Thought and Task are
// text/template sources rendered with TaskData.
type PhaseTask struct {
	Phase   string `yaml:"phase"`
	Agent   string `yaml:"agent"`
	Thought string `yaml:"thought"`
	Task    string `yaml:"task"`

	thought *template.Template
	task    *template.Template
}

// Blueprint is the starting structure for a site type.
type Blueprint struct {
	Description    string   `yaml:"description" json:"description"`
	Files          []string `yaml:"files" json:"files"`
	Sections       []string `yaml:"sections" json:"sections"`
	DesignGuidance string   `yaml:"design_guidance" json:"designGuidance"`
}

// SignOff is a closing note an agent posts after the last working phase.
type SignOff struct {
	Agent   string `yaml:"agent"`
	Message string `yaml:"message"`
}

// Catalog holds the team, the per-phase tasks and the site blueprints.
type Catalog struct {
	ProtocolGuide string               `yaml:"protocol_guide"`
	Agents        []Persona            `yaml:"agents"`
	Phases        []PhaseTask          `yaml:"phases"`
	SignOffs      []SignOff            `yaml:"sign_off"`
	Blueprints    map[string]Blueprint `yaml:"blueprints"`

	aliases map[string]string
	byID    map[string]int
	byPhase map[string]int
}

// TaskData is what phase templates are rendered with.
type TaskData struct {
	Brief          string
	Options        models.BuildOptions
	Blueprint      Blueprint
	ReviewComments []string
	CSSComments    []string
	Bugs           []string
}

var templateFuncs = template.FuncMap{
	"join":     strings.Join,
	"truncate": truncateRunes,
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog from path, or the embedded one when path is
// empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("catalog has no agents")
	}
	c.aliases = make(map[string]string)
	c.byID = make(map[string]int, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if _, dup := c.byID[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		c.byID[a.ID] = i
		for _, name := range append([]string{a.ID}, a.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(name))
			if owner, taken := c.aliases[key]; taken && owner != a.ID {
				return fmt.Errorf("alias %q used by both %s and %s", key, owner, a.ID)
			}
			c.aliases[key] = a.ID
		}
	}

	c.byPhase = make(map[string]int, len(c.Phases))
	for i := range c.Phases {
		p := &c.Phases[i]
		if _, ok := c.byID[p.Agent]; !ok {
			return fmt.Errorf("phase %s names unknown agent %q", p.Phase, p.Agent)
		}
		var err error
		if p.task, err = template.New(p.Phase).Funcs(templateFuncs).Parse(p.Task); err != nil {
			return fmt.Errorf("phase %s task: %w", p.Phase, err)
		}
		if p.Thought != "" {
			if p.thought, err = template.New(p.Phase + "-thought").Funcs(templateFuncs).Parse(p.Thought); err != nil {
				return fmt.Errorf("phase %s thought: %w", p.Phase, err)
			}
		}
		c.byPhase[p.Phase] = i
	}

	for _, s := range c.SignOffs {
		if _, ok := c.byID[s.Agent]; !ok {
			return fmt.Errorf("sign-off names unknown agent %q", s.Agent)
		}
	}
	return nil
}

// Resolve maps a name or alias to an agent id, case-insensitively and
// ignoring a leading "@". Unknown names are returned lower-cased.
func (c *Catalog) Resolve(name string) string {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	if id, ok := c.aliases[key]; ok {
		return id
	}
	return key
}

// Persona returns the agent with the given id.
func (c *Catalog) Persona(id string) (Persona, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Persona{}, false
	}
	return c.Agents[i], true
}

// Task returns the phase task, if the phase calls an agent.
func (c *Catalog) Task(phase string) (PhaseTask, bool) {
	i, ok := c.byPhase[phase]
	if !ok {
		return PhaseTask{}, false
	}
	return c.Phases[i], true
}

// Blueprint returns the blueprint for a site type, falling back to custom.
func (c *Catalog) Blueprint(siteType models.SiteType) Blueprint {
	if b, ok := c.Blueprints[string(siteType)]; ok {
		return b
	}
	return c.Blueprints[string(models.SiteTypeCustom)]
}

// SystemPrompt is the persona prompt followed by the shared output format.
func (c *Catalog) SystemPrompt(agentID string) string {
	p, _ := c.Persona(agentID)
	return strings.TrimSpace(p.SystemPrompt) + "\n\n" + strings.TrimSpace(c.ProtocolGuide)
}

// Render fills the phase task template.
func (t PhaseTask) Render(data TaskData) (string, error) {
	if t.task == nil {
		return "", fmt.Errorf("phase %s has no task template", t.Phase)
	}
	var b strings.Builder
	if err := t.task.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s task: %w", t.Phase, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// RenderThought fills the optional opening thought. Empty when none is set.
func (t PhaseTask) RenderThought(data TaskData) string {
	if t.thought == nil {
		return ""
	}
	var b strings.Builder
	if err := t.thought.Execute(&b, data); err != nil {
		return ""
	}
	return strings.TrimSpace(b.String())
}

// Override replaces persona fields with non-empty values from overrides,
// matched by id. Aliases are re-indexed.
func (c *Catalog) Override(overrides []Persona) error {
	for _, o := range overrides {
		i, ok := c.byID[o.ID]
		if !ok {
			return fmt.Errorf("override for unknown agent %q", o.ID)
		}
		a := &c.Agents[i]
		if o.Name != "" {
			a.Name = o.Name
		}
		if o.Role != "" {
			a.Role = o.Role
		}
		if o.Emoji != "" {
			a.Emoji = o.Emoji
		}
		if o.Color != "" {
			a.Color = o.Color
		}
		if len(o.Aliases) > 0 {
			a.Aliases = o.Aliases
		}
		if o.SystemPrompt != "" {
			a.SystemPrompt = o.SystemPrompt
		}
	}
	return c.index()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
