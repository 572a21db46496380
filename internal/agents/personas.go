package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScanPersonas reads persona overrides from *.md files in dir. Each file has
// YAML frontmatter (id, name, role, emoji, color, aliases) and the markdown
// body becomes the system prompt.
func ScanPersonas(dir string) ([]Persona, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// A missing directory just means no overrides
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona dir %s: %w", dir, err)
	}

	var personas []Persona
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}

		p, err := parsePersona(data)
		if err != nil {
			return nil, fmt.Errorf("persona %s: %w", entry.Name(), err)
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(entry.Name(), ".md")
		}
		personas = append(personas, p)
	}

	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	return personas, nil
}

// parsePersona splits --- delimited frontmatter from the prompt body.
func parsePersona(data []byte) (Persona, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "---") {
		return Persona{}, fmt.Errorf("no frontmatter found")
	}

	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return Persona{}, fmt.Errorf("no closing frontmatter delimiter")
	}

	var p Persona
	if err := yaml.Unmarshal([]byte(rest[:idx]), &p); err != nil {
		return Persona{}, fmt.Errorf("parse yaml: %w", err)
	}

	body := rest[idx+len("\n---"):]
	p.SystemPrompt = strings.TrimSpace(body)
	return p, nil
}
