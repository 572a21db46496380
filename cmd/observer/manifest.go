package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

const manifestName = "buildroom.toml"

// manifest records how a site on disk was produced.
type manifest struct {
	SessionID     string              `toml:"session_id"`
	Brief         string              `toml:"brief"`
	Server        string              `toml:"server"`
	CompletedAt   time.Time           `toml:"completed_at"`
	Summary       string              `toml:"summary"`
	SkippedPhases []string            `toml:"skipped_phases"`
	Options       models.BuildOptions `toml:"options"`
	Tokens        *manifestTokens     `toml:"tokens,omitempty"`
	Contributions map[string]int      `toml:"contributions,omitempty"`
	Files         []vfs.FileRecord    `toml:"files"`
}

type manifestTokens struct {
	Prompt     int `toml:"prompt"`
	Completion int `toml:"completion"`
	Total      int `toml:"total"`
}

func newManifest(sessionID, brief, server string, opts models.BuildOptions, done build.BuildComplete, now time.Time) *manifest {
	m := &manifest{
		SessionID:     sessionID,
		Brief:         brief,
		Server:        server,
		CompletedAt:   now.UTC().Truncate(time.Second),
		Summary:       done.Summary,
		SkippedPhases: make([]string, 0, len(done.SkippedPhases)),
		Options:       opts,
		Contributions: make(map[string]int, len(done.Stats.Contributions)),
	}
	for _, p := range done.SkippedPhases {
		m.SkippedPhases = append(m.SkippedPhases, p.String())
	}
	if u := done.TokenUsage; u != nil {
		m.Tokens = &manifestTokens{Prompt: u.PromptTokens, Completion: u.CompletionTokens, Total: u.TotalTokens}
	}
	for writer, c := range done.Stats.Contributions {
		m.Contributions[writer] = len(c.Files)
	}
	return m
}

// writeSite writes every file under dir and returns the records actually
// written. Paths that fail sanitization are skipped and reported.
func writeSite(dir string, files []vfs.FileRecord) (written []vfs.FileRecord, skipped []string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output dir: %w", err)
	}
	for _, f := range files {
		clean, err := vfs.SanitizePath(f.Path)
		if err != nil {
			skipped = append(skipped, f.Path)
			continue
		}
		if clean == manifestName {
			skipped = append(skipped, f.Path)
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return written, skipped, fmt.Errorf("create dir for %s: %w", clean, err)
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			return written, skipped, fmt.Errorf("write %s: %w", clean, err)
		}
		f.Path = clean
		written = append(written, f)
	}
	return written, skipped, nil
}

func saveManifest(dir string, m *manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no %s in %s", manifestName, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
