// Package postgres provides the Postgres-backed audit store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists audits, pages, and check results in Postgres.
type Store struct {
	pool pgxPool
}

var _ audit.Store = (*Store)(nil)

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateAudit(ctx context.Context, a audit.Audit) error {
	query := `
		INSERT INTO audits (id, target_url, status, page_budget, pages_crawled, cursor, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.TargetURL, a.Status, a.PageBudget, a.PagesCrawled, a.Cursor, a.ErrorText, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert audit %s: %w", a.ID, audit.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetAudit(ctx context.Context, auditID string) (audit.Audit, error) {
	query := `
		SELECT id, target_url, status, page_budget, pages_crawled, cursor, error_text,
		       frontier, scores, created_at, started_at, completed_at
		FROM audits
		WHERE id = $1;
	`
	var (
		a           audit.Audit
		frontierRaw []byte
		scoresRaw   []byte
	)
	err := s.pool.QueryRow(ctx, query, auditID).Scan(
		&a.ID,
		&a.TargetURL,
		&a.Status,
		&a.PageBudget,
		&a.PagesCrawled,
		&a.Cursor,
		&a.ErrorText,
		&frontierRaw,
		&scoresRaw,
		&a.CreatedAt,
		&a.StartedAt,
		&a.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Audit{}, fmt.Errorf("get audit %s: %w", auditID, audit.ErrNotFound)
		}
		return audit.Audit{}, fmt.Errorf("get audit: %w", err)
	}
	if len(frontierRaw) > 0 {
		if err := json.Unmarshal(frontierRaw, &a.Frontier); err != nil {
			return audit.Audit{}, fmt.Errorf("decode frontier for %s: %w", auditID, err)
		}
	}
	if len(scoresRaw) > 0 {
		var scores audit.Scores
		if err := json.Unmarshal(scoresRaw, &scores); err != nil {
			return audit.Audit{}, fmt.Errorf("decode scores for %s: %w", auditID, err)
		}
		a.Scores = &scores
	}
	return a, nil
}

func (s *Store) UpdateAudit(ctx context.Context, auditID string, upd audit.Update) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != "" {
		sets = append(sets, "status = "+arg(upd.Status))
	}
	if upd.ErrorText != nil {
		sets = append(sets, "error_text = "+arg(*upd.ErrorText))
	}
	if upd.Cursor != nil {
		sets = append(sets, "cursor = "+arg(*upd.Cursor))
	}
	if upd.PagesCrawled != nil {
		sets = append(sets, "pages_crawled = "+arg(*upd.PagesCrawled))
	}
	if upd.Frontier != nil {
		encoded, err := json.Marshal(*upd.Frontier)
		if err != nil {
			return fmt.Errorf("encode frontier: %w", err)
		}
		sets = append(sets, "frontier = "+arg(encoded))
	}
	if upd.Scores != nil {
		encoded, err := json.Marshal(upd.Scores)
		if err != nil {
			return fmt.Errorf("encode scores: %w", err)
		}
		sets = append(sets, "scores = "+arg(encoded))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*upd.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	// Terminal rows never change; the WHERE clause makes the guard atomic.
	query := fmt.Sprintf(`
		UPDATE audits
		SET %s
		WHERE id = %s AND status NOT IN ('completed', 'failed');
	`, strings.Join(sets, ", "), arg(auditID))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetAudit(ctx, auditID)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("update audit %s: %w", auditID, audit.ErrTerminal)
		}
		return fmt.Errorf("update audit %s: no row updated", auditID)
	}
	return nil
}

func (s *Store) InsertPages(ctx context.Context, auditID string, pages []audit.Page) error {
	query := `
		INSERT INTO audit_pages (audit_id, position, url, final_url, status_code, content_hash,
		                         blob_uri, depth, error_text, elapsed_ms, rendered, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (audit_id, position) DO NOTHING;
	`
	for _, page := range pages {
		_, err := s.pool.Exec(ctx, query,
			auditID,
			page.Position,
			page.URL,
			page.FinalURL,
			page.StatusCode,
			page.ContentHash,
			page.BlobURI,
			page.Depth,
			page.ErrorText,
			page.ElapsedMs,
			page.Rendered,
			page.FetchedAt,
		)
		if err != nil {
			return fmt.Errorf("insert page %d for %s: %w", page.Position, auditID, err)
		}
	}
	return nil
}

func (s *Store) ListPages(ctx context.Context, auditID string) ([]audit.Page, error) {
	query := `
		SELECT audit_id, position, url, final_url, status_code, content_hash,
		       blob_uri, depth, error_text, elapsed_ms, rendered, fetched_at
		FROM audit_pages
		WHERE audit_id = $1
		ORDER BY position;
	`
	rows, err := s.pool.Query(ctx, query, auditID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []audit.Page
	for rows.Next() {
		var page audit.Page
		err := rows.Scan(
			&page.AuditID,
			&page.Position,
			&page.URL,
			&page.FinalURL,
			&page.StatusCode,
			&page.ContentHash,
			&page.BlobURI,
			&page.Depth,
			&page.ErrorText,
			&page.ElapsedMs,
			&page.Rendered,
			&page.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *Store) InsertCheckResults(ctx context.Context, auditID string, results []audit.CheckResult) error {
	// A batch that crashed after inserting results but before advancing the
	// cursor re-checks the same page on resume; the conflict clause keeps the
	// first result set authoritative.
	query := `
		INSERT INTO audit_check_results (audit_id, check_name, category, priority, page_url, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (audit_id, check_name, page_url) DO NOTHING;
	`
	for _, result := range results {
		details, err := json.Marshal(result.Details)
		if err != nil {
			return fmt.Errorf("encode details for %s: %w", result.Check, err)
		}
		_, err = s.pool.Exec(ctx, query,
			auditID,
			result.Check,
			result.Category,
			result.Priority,
			result.PageURL,
			result.Status,
			details,
			result.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert check result %s: %w", result.Check, err)
		}
	}
	return nil
}

func (s *Store) ListCheckResults(ctx context.Context, auditID string) ([]audit.CheckResult, error) {
	query := `
		SELECT audit_id, check_name, category, priority, page_url, status, details, created_at
		FROM audit_check_results
		WHERE audit_id = $1
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, auditID)
	if err != nil {
		return nil, fmt.Errorf("list check results: %w", err)
	}
	defer rows.Close()

	var results []audit.CheckResult
	for rows.Next() {
		var (
			result     audit.CheckResult
			detailsRaw []byte
		)
		err := rows.Scan(
			&result.AuditID,
			&result.Check,
			&result.Category,
			&result.Priority,
			&result.PageURL,
			&result.Status,
			&detailsRaw,
			&result.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan check result row: %w", err)
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &result.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		results = append(results, result)
	}
	return results, rows.Err()
}
