// Package store defines the persistence interface the lifecycle managers
// consume, plus two adapters: an in-memory map (reference default, zero
// setup) and SQLite (production default for strata serve).
//
// The engine never touches persistence internals directly; everything goes
// through Store so the managers stay storage-agnostic.
package store

import (
	"context"
	"time"

	"github.com/stratamem/strata/internal/model"
)

// Patch is a partial update. Nil fields are left untouched. Adapters stamp
// ModifiedAt on every applied patch, state changes included.
type Patch struct {
	Content         *string        `json:"content,omitempty"`
	Tags            *[]string      `json:"tags,omitempty"`
	ProjectContext  *string        `json:"project_context,omitempty"`
	FilePath        *string        `json:"file_path,omitempty"`
	Importance      *float64       `json:"importance,omitempty"`
	RelatedMemories *[]string      `json:"related_memories,omitempty"`
	State           *model.State   `json:"state,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"` // merged key-by-key, not replaced
}

// Filter selects memories for Query. Zero values mean "not filtered".
type Filter struct {
	States        []model.State // default: active only
	Types         []model.Type
	Tags          []string // any-of
	Project       string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	ModifiedSince time.Time
	Search        string // case-insensitive substring on content
	Limit         int
	Offset        int
}

// QueryResult carries a page of memories plus the unpaginated total.
type QueryResult struct {
	Items      []*model.Memory
	TotalCount int
}

// Store is the persistence contract consumed by the lifecycle managers.
// Implementations return copies; callers own what they get back. Get on a
// missing id returns model.ErrNotFound.
type Store interface {
	// Put inserts a memory, assigning CreatedAt/ModifiedAt/State defaults
	// when unset. Inserting an existing id replaces the row.
	Put(ctx context.Context, m *model.Memory) (*model.Memory, error)
	Get(ctx context.Context, id string) (*model.Memory, error)
	Update(ctx context.Context, id string, patch Patch) (*model.Memory, error)
	// Delete physically removes the row. Returns false when the id was absent.
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, f Filter) (*QueryResult, error)
	// RecordAccess bumps AccessCount and stamps LastAccessed.
	RecordAccess(ctx context.Context, id string) error
	Close() error
}

// matchesFilter is the shared filter predicate. Both adapters use it so
// Query semantics cannot drift between them. State filtering is handled by
// the caller (adapters index state separately).
func matchesFilter(m *model.Memory, f Filter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, m.Type) {
		return false
	}
	if len(f.Tags) > 0 && !anyTagMatch(m.Tags, f.Tags) {
		return false
	}
	if f.Project != "" && m.ProjectContext != f.Project {
		return false
	}
	if !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && m.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if !f.ModifiedSince.IsZero() && m.ModifiedAt.Before(f.ModifiedSince) {
		return false
	}
	if f.Search != "" && !containsFold(m.Content, f.Search) {
		return false
	}
	return true
}

func containsType(types []model.Type, t model.Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func stateAllowed(states []model.State, s model.State) bool {
	if len(states) == 0 {
		return s == model.StateActive
	}
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
