package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratamem/strata/internal/model"
)

// MemStore is the in-process map adapter. It is the reference default: no
// setup, fully deterministic, and the adapter the manager test suites run
// against. A RWMutex guards the map; per-memory write ordering is still the
// caller's job (see bank.Bank docs).
type MemStore struct {
	mu       sync.RWMutex
	memories map[string]*model.Memory
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{memories: make(map[string]*model.Memory)}
}

// Put inserts or replaces a memory, filling defaults for zero fields.
func (s *MemStore) Put(ctx context.Context, m *model.Memory) (*model.Memory, error) {
	if m == nil || m.ID == "" {
		return nil, fmt.Errorf("memory id is required")
	}
	cp := m.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.ModifiedAt = now
	if cp.State == "" {
		cp.State = model.StateActive
	}
	if cp.Type == "" {
		cp.Type = model.TypeCustom
	}

	s.mu.Lock()
	s.memories[cp.ID] = cp
	s.mu.Unlock()
	return cp.Clone(), nil
}

// Get returns a copy of the memory, or model.ErrNotFound.
func (s *MemStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	s.mu.RLock()
	m, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	return m.Clone(), nil
}

// Update applies a partial patch and stamps ModifiedAt.
func (s *MemStore) Update(ctx context.Context, id string, patch Patch) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	applyPatch(m, patch)
	m.ModifiedAt = time.Now().UTC()
	return m.Clone(), nil
}

// Delete physically removes the memory. False when absent.
func (s *MemStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return false, nil
	}
	delete(s.memories, id)
	return true, nil
}

// Query scans the map, filters, sorts newest-first by CreatedAt, and
// paginates. TotalCount is the pre-pagination match count.
func (s *MemStore) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	s.mu.RLock()
	candidates := make([]*model.Memory, 0, len(s.memories))
	for _, m := range s.memories {
		candidates = append(candidates, m)
	}
	s.mu.RUnlock()

	var matched []*model.Memory
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !stateAllowed(f.States, m.State) || !matchesFilter(m, f) {
			continue
		}
		matched = append(matched, m.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = paginate(matched, f.Offset, f.Limit)
	return &QueryResult{Items: matched, TotalCount: total}, nil
}

// RecordAccess bumps the access counter and stamps LastAccessed/ModifiedAt.
func (s *MemStore) RecordAccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	now := time.Now().UTC()
	m.AccessCount++
	m.LastAccessed = now
	m.ModifiedAt = now
	return nil
}

// Close is a no-op for the map adapter.
func (s *MemStore) Close() error { return nil }

func applyPatch(m *model.Memory, patch Patch) {
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Tags != nil {
		m.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.ProjectContext != nil {
		m.ProjectContext = *patch.ProjectContext
	}
	if patch.FilePath != nil {
		m.FilePath = *patch.FilePath
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.RelatedMemories != nil {
		m.RelatedMemories = append([]string(nil), (*patch.RelatedMemories)...)
	}
	if patch.State != nil {
		m.State = *patch.State
	}
	for k, v := range patch.Metadata {
		m.SetMeta(k, v)
	}
}

func paginate(items []*model.Memory, offset, limit int) []*model.Memory {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
