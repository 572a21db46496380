package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// BuildStore archives completed builds and their files.
type BuildStore struct {
	db *DB
}

func NewBuildStore(db *DB) *BuildStore {
	return &BuildStore{db: db}
}

// SaveBuild writes b and its files. Saving an existing ID replaces it.
func (s *BuildStore) SaveBuild(ctx context.Context, b models.ArchivedBuild) error {
	skippedJSON, _ := json.Marshal(b.SkippedPhases)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, b.ID); err != nil {
		return fmt.Errorf("clear build: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (
			id, brief, site_type, summary, file_count, skipped_phases, completed_at,
			prompt_tokens, completion_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.Brief, string(b.SiteType), b.Summary, len(b.Files), string(skippedJSON), b.CompletedAt,
		b.TokenUsage.PromptTokens, b.TokenUsage.CompletionTokens, b.TokenUsage.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO build_files (build_id, path, content, position) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer stmt.Close()

	for i, f := range b.Files {
		if _, err := stmt.ExecContext(ctx, b.ID, f.Path, f.Content, i); err != nil {
			return fmt.Errorf("insert file %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListBuilds returns the most recent builds first, without file contents.
func (s *BuildStore) ListBuilds(ctx context.Context, limit int) ([]models.ArchivedBuild, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, brief, site_type, summary, file_count, skipped_phases, completed_at,
			prompt_tokens, completion_tokens, total_tokens
		FROM builds ORDER BY completed_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	builds := []models.ArchivedBuild{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

// GetBuild fetches a build with its files. It returns nil, nil when the ID
// is unknown.
func (s *BuildStore) GetBuild(ctx context.Context, id string) (*models.ArchivedBuild, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx, `
		SELECT id, brief, site_type, summary, file_count, skipped_phases, completed_at,
			prompt_tokens, completion_tokens, total_tokens
		FROM builds WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content FROM build_files WHERE build_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list build files: %w", err)
	}
	defer rows.Close()

	b.Files = []models.DownloadFile{}
	for rows.Next() {
		var f models.DownloadFile
		if err := rows.Scan(&f.Path, &f.Content); err != nil {
			return nil, fmt.Errorf("scan build file: %w", err)
		}
		b.Files = append(b.Files, f)
	}
	return b, rows.Err()
}

// DeleteBuild removes a build and its files. It reports whether a row
// existed.
func (s *BuildStore) DeleteBuild(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*models.ArchivedBuild, error) {
	var (
		b        models.ArchivedBuild
		siteType string
		skipped  sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Brief, &siteType, &b.Summary, &b.FileCount, &skipped, &b.CompletedAt,
		&b.TokenUsage.PromptTokens, &b.TokenUsage.CompletionTokens, &b.TokenUsage.TotalTokens,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan build: %w", err)
	}
	b.SiteType = models.SiteType(siteType)
	b.SkippedPhases = []string{}
	if skipped.Valid && skipped.String != "" {
		if err := json.Unmarshal([]byte(skipped.String), &b.SkippedPhases); err != nil {
			return nil, fmt.Errorf("decode skipped phases: %w", err)
		}
		if b.SkippedPhases == nil {
			b.SkippedPhases = []string{}
		}
	}
	return &b, nil
}
