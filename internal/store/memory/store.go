// Package memory provides an in-memory Store for tests and single-process
// deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Store keeps all audit state in process memory behind a single lock.
type Store struct {
	mu         sync.RWMutex
	audits     map[string]audit.Audit
	pages      map[string][]audit.Page
	results    map[string][]audit.CheckResult
	resultKeys map[string]map[string]struct{}
}

var _ audit.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		audits:     make(map[string]audit.Audit),
		pages:      make(map[string][]audit.Page),
		results:    make(map[string][]audit.CheckResult),
		resultKeys: make(map[string]map[string]struct{}),
	}
}

func (s *Store) CreateAudit(_ context.Context, a audit.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.audits[a.ID]; exists {
		return fmt.Errorf("create audit %s: %w", a.ID, audit.ErrAlreadyExists)
	}
	s.audits[a.ID] = a
	return nil
}

func (s *Store) GetAudit(_ context.Context, auditID string) (audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.audits[auditID]
	if !ok {
		return audit.Audit{}, fmt.Errorf("get audit %s: %w", auditID, audit.ErrNotFound)
	}
	return a, nil
}

func (s *Store) UpdateAudit(_ context.Context, auditID string, upd audit.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.audits[auditID]
	if !ok {
		return fmt.Errorf("update audit %s: %w", auditID, audit.ErrNotFound)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("update audit %s: %w", auditID, audit.ErrTerminal)
	}
	if upd.Status != "" {
		if !a.Status.CanTransition(upd.Status) {
			return fmt.Errorf("update audit %s: transition %s -> %s not allowed", auditID, a.Status, upd.Status)
		}
		a.Status = upd.Status
	}
	if upd.ErrorText != nil {
		a.ErrorText = *upd.ErrorText
	}
	if upd.Cursor != nil {
		a.Cursor = *upd.Cursor
	}
	if upd.PagesCrawled != nil {
		a.PagesCrawled = *upd.PagesCrawled
	}
	if upd.Frontier != nil {
		a.Frontier = append([]audit.Seed(nil), (*upd.Frontier)...)
	}
	if upd.Scores != nil {
		a.Scores = upd.Scores
	}
	if upd.StartedAt != nil {
		a.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		a.CompletedAt = upd.CompletedAt
	}
	s.audits[auditID] = a
	return nil
}

func (s *Store) InsertPages(_ context.Context, auditID string, pages []audit.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.audits[auditID]; !ok {
		return fmt.Errorf("insert pages for %s: %w", auditID, audit.ErrNotFound)
	}
	s.pages[auditID] = append(s.pages[auditID], pages...)
	return nil
}

func (s *Store) ListPages(_ context.Context, auditID string) ([]audit.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.audits[auditID]; !ok {
		return nil, fmt.Errorf("list pages for %s: %w", auditID, audit.ErrNotFound)
	}
	pages := make([]audit.Page, len(s.pages[auditID]))
	copy(pages, s.pages[auditID])
	sort.Slice(pages, func(i, j int) bool { return pages[i].Position < pages[j].Position })
	return pages, nil
}

func (s *Store) InsertCheckResults(_ context.Context, auditID string, results []audit.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.audits[auditID]; !ok {
		return fmt.Errorf("insert check results for %s: %w", auditID, audit.ErrNotFound)
	}
	keys, ok := s.resultKeys[auditID]
	if !ok {
		keys = make(map[string]struct{})
		s.resultKeys[auditID] = keys
	}
	// At most one result per (check, page); a re-checked page keeps its
	// original result set.
	for _, result := range results {
		key := result.Check + "\x00" + result.PageURL
		if _, dup := keys[key]; dup {
			continue
		}
		keys[key] = struct{}{}
		s.results[auditID] = append(s.results[auditID], result)
	}
	return nil
}

func (s *Store) ListCheckResults(_ context.Context, auditID string) ([]audit.CheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.audits[auditID]; !ok {
		return nil, fmt.Errorf("list check results for %s: %w", auditID, audit.ErrNotFound)
	}
	results := make([]audit.CheckResult, len(s.results[auditID]))
	copy(results, s.results[auditID])
	return results, nil
}
