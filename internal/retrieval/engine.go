// Package retrieval scores and ranks memories against a query context using
// six weighted lexical/temporal factors. No embeddings, no learned model —
// ranking is fully deterministic given the population and the clock.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
	strataotel "github.com/stratamem/strata/internal/otel"
	"github.com/stratamem/strata/internal/store"
)

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/retrieval")

const (
	// defaultRelatedDepth bounds the related-memory traversal.
	defaultRelatedDepth = 1
	// relatedFanOut caps expansion per node per level to bound response size.
	relatedFanOut = 3
)

// Query describes the context to rank against. Any field may be absent; the
// engine treats zero values as "not provided" and never fails on a malformed
// query.
type Query struct {
	SearchTerm     string   `json:"search_term,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CurrentProject string   `json:"current_project,omitempty"`
	CurrentFile    string   `json:"current_file,omitempty"`
	// MinScore filters results scoring below it, applied after scoring.
	MinScore float64 `json:"min_score,omitempty"`
	// IncludeRelated expands relatedMemories and tag-similarity edges.
	IncludeRelated bool `json:"include_related,omitempty"`
	// RelatedDepth bounds the traversal; 0 means defaultRelatedDepth.
	RelatedDepth int `json:"related_depth,omitempty"`
	Limit        int `json:"limit,omitempty"`
	Offset       int `json:"offset,omitempty"`
}

// Scored is one ranked result: the memory, its [0,1] relevance score, and a
// human-readable reason.
type Scored struct {
	Memory *model.Memory `json:"memory"`
	Score  float64       `json:"score"`
	Reason string        `json:"reason"`
}

// Engine ranks memories from the store. The candidate fetch uses the store's
// plain (non-contextual) query path, so retrieval never re-enters itself.
type Engine struct {
	store store.Store
	now   func() time.Time
}

// NewEngine creates a retrieval engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Retrieve fetches the active population, scores every candidate, filters by
// MinScore, optionally expands related memories, and paginates last.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]Scored, error) {
	ctx, span := tracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(
			attribute.String("query.search_term", q.SearchTerm),
			attribute.Bool("query.include_related", q.IncludeRelated),
		))
	defer span.End()

	result, err := e.store.Query(ctx, store.Filter{States: []model.State{model.StateActive}})
	if err != nil {
		return nil, err
	}

	now := e.now()
	scored := make([]Scored, 0, len(result.Items))
	byID := make(map[string]*model.Memory, len(result.Items))
	for _, m := range result.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byID[m.ID] = m
		s := e.score(q, m, now)
		if q.MinScore > 0 && s.Score < q.MinScore {
			continue
		}
		scored = append(scored, s)
	}

	if q.IncludeRelated {
		scored = e.expandRelated(ctx, q, scored, byID, now)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	retrievalsTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("retrieval.candidates", len(result.Items)),
		attribute.Int("retrieval.matched", len(scored)),
	)
	return paginateScored(scored, q.Offset, q.Limit), nil
}

// score computes the six-factor weighted relevance of m against q.
func (e *Engine) score(q Query, m *model.Memory, now time.Time) Scored {
	f := factorScores{
		semantic:  semanticFactor(q.SearchTerm, m.Content),
		recency:   recencyFactor(m.LastAccessed, m.CreatedAt, now),
		frequency: frequencyFactor(m.AccessCount),
		tags:      tagFactor(q.Tags, m.Tags),
		project:   projectFactor(q.CurrentProject, m.ProjectContext),
		path:      pathFactor(q.CurrentFile, m.FilePath),
	}
	return Scored{Memory: m, Score: f.total(), Reason: f.reason()}
}

// expandRelated walks relatedMemories edges plus tag-similarity edges from
// the ranked result set, depth-first with a visited set so cycles terminate.
// Each level is capped to relatedFanOut per node. Expanded memories are
// scored with the same factors but exempt from MinScore — they are included
// for graph relevance, not lexical relevance.
func (e *Engine) expandRelated(ctx context.Context, q Query, scored []Scored, byID map[string]*model.Memory, now time.Time) []Scored {
	depth := q.RelatedDepth
	if depth <= 0 {
		depth = defaultRelatedDepth
	}

	visited := make(map[string]bool, len(scored))
	for _, s := range scored {
		visited[s.Memory.ID] = true
	}

	frontier := make([]*model.Memory, 0, len(scored))
	for _, s := range scored {
		frontier = append(frontier, s.Memory)
	}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []*model.Memory
		for _, m := range frontier {
			if ctx.Err() != nil {
				return scored
			}
			added := 0
			for _, rel := range e.neighbors(ctx, m, byID) {
				if added >= relatedFanOut {
					break
				}
				if visited[rel.ID] {
					continue
				}
				visited[rel.ID] = true
				s := e.score(q, rel, now)
				s.Reason = "related to " + m.ID + "; " + s.Reason
				scored = append(scored, s)
				next = append(next, rel)
				added++
			}
		}
		frontier = next
	}
	return scored
}

// neighbors returns explicit related memories first, then tag-similarity
// edges (any shared tag). Dangling related ids are tolerated and skipped.
func (e *Engine) neighbors(ctx context.Context, m *model.Memory, byID map[string]*model.Memory) []*model.Memory {
	var out []*model.Memory
	seen := map[string]bool{m.ID: true}

	for _, id := range m.RelatedMemories {
		rel, ok := byID[id]
		if !ok {
			// Related id may be outside the active candidate set.
			fetched, err := e.store.Get(ctx, id)
			if err != nil {
				continue
			}
			rel = fetched
		}
		if seen[rel.ID] {
			continue
		}
		seen[rel.ID] = true
		out = append(out, rel)
	}

	if len(m.Tags) > 0 {
		var tagNeighbors []*model.Memory
		for _, candidate := range byID {
			if seen[candidate.ID] {
				continue
			}
			if tagFactor(m.Tags, candidate.Tags) > 0 {
				seen[candidate.ID] = true
				tagNeighbors = append(tagNeighbors, candidate)
			}
		}
		// Map iteration order is random; sort so fan-out capping is stable.
		sort.Slice(tagNeighbors, func(i, j int) bool { return tagNeighbors[i].ID < tagNeighbors[j].ID })
		out = append(out, tagNeighbors...)
	}
	return out
}

func paginateScored(items []Scored, offset, limit int) []Scored {
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
