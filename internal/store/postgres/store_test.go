package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/siteaudit/internal/audit"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateAuditInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	a := audit.Audit{
		ID:         "audit-1",
		TargetURL:  "https://example.com",
		Status:     audit.StatusPending,
		PageBudget: 25,
		Cursor:     audit.NoCursor,
		CreatedAt:  created,
	}

	mock.ExpectExec("INSERT INTO audits").
		WithArgs(a.ID, a.TargetURL, a.Status, a.PageBudget, a.PagesCrawled, a.Cursor, a.ErrorText, a.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateAudit(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAuditConflictIsAlreadyExists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO audits").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateAudit(context.Background(), audit.Audit{ID: "audit-1"})
	require.ErrorIs(t, err, audit.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditBuildsPartialSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cursor := 7

	mock.ExpectExec("UPDATE audits").
		WithArgs(audit.StatusChecking, cursor, "audit-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateAudit(context.Background(), "audit-1", audit.Update{
		Status: audit.StatusChecking,
		Cursor: &cursor,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditTerminalRowReturnsErrTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE audits").
		WithArgs(audit.StatusCrawling, "audit-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	rows := pgxmock.NewRows([]string{
		"id", "target_url", "status", "page_budget", "pages_crawled", "cursor",
		"error_text", "frontier", "scores", "created_at", "started_at", "completed_at",
	}).AddRow(
		"audit-1", "https://example.com", audit.StatusCompleted, 25, 25, 24,
		"", nil, []byte(`{"overall":90}`), time.Now(), nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM audits").
		WithArgs("audit-1").
		WillReturnRows(rows)

	err := store.UpdateAudit(context.Background(), "audit-1", audit.Update{Status: audit.StatusCrawling})
	require.ErrorIs(t, err, audit.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditDecodesScores(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "target_url", "status", "page_budget", "pages_crawled", "cursor",
		"error_text", "frontier", "scores", "created_at", "started_at", "completed_at",
	}).AddRow(
		"audit-1", "https://example.com", audit.StatusCompleted, 25, 25, 24,
		"", nil, []byte(`{"overall":90,"seo":95,"technical":85,"ai_readiness":90}`), created, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM audits").
		WithArgs("audit-1").
		WillReturnRows(rows)

	got, err := store.GetAudit(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, got.Status)
	require.NotNil(t, got.Scores)
	require.Equal(t, 90, *got.Scores.Overall)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM audits").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "target_url", "status", "page_budget", "pages_crawled", "cursor",
			"error_text", "frontier", "scores", "created_at", "started_at", "completed_at",
		}))

	_, err := store.GetAudit(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	fetched := time.Unix(1700000000, 0).UTC()

	page := audit.Page{
		AuditID:     "audit-1",
		Position:    0,
		URL:         "https://example.com/",
		FinalURL:    "https://example.com/",
		StatusCode:  200,
		ContentHash: "abc123",
		BlobURI:     "mem://audit-1/0",
		ElapsedMs:   42,
		FetchedAt:   fetched,
	}

	mock.ExpectExec("INSERT INTO audit_pages").
		WithArgs("audit-1", page.Position, page.URL, page.FinalURL, page.StatusCode,
			page.ContentHash, page.BlobURI, page.Depth, page.ErrorText,
			page.ElapsedMs, page.Rendered, page.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertPages(context.Background(), "audit-1", []audit.Page{page}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCheckResultsEncodesDetails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	result := audit.CheckResult{
		AuditID:   "audit-1",
		Check:     "title-tag",
		Category:  audit.CategorySEO,
		Priority:  audit.PriorityCritical,
		PageURL:   "https://example.com/",
		Status:    audit.CheckPassed,
		Details:   map[string]any{"length": 30},
		CreatedAt: created,
	}

	mock.ExpectExec("INSERT INTO audit_check_results").
		WithArgs("audit-1", result.Check, result.Category, result.Priority,
			result.PageURL, result.Status, []byte(`{"length":30}`), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertCheckResults(context.Background(), "audit-1", []audit.CheckResult{result}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCheckResultsIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	result := audit.CheckResult{
		AuditID:   "audit-1",
		Check:     "title-tag",
		Category:  audit.CategorySEO,
		Priority:  audit.PriorityCritical,
		PageURL:   "https://example.com/",
		Status:    audit.CheckPassed,
		CreatedAt: created,
	}

	// The unique (audit_id, check_name, page_url) constraint swallows the
	// insert; zero rows affected is not an error.
	mock.ExpectExec("INSERT INTO audit_check_results").
		WithArgs("audit-1", result.Check, result.Category, result.Priority,
			result.PageURL, result.Status, []byte(`null`), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.InsertCheckResults(context.Background(), "audit-1", []audit.CheckResult{result}))
	require.NoError(t, mock.ExpectationsWereMet())
}
