package archival

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
)

// SearchQuery scopes an archive search. Zero values mean "not filtered";
// an empty tier set scans all tiers.
type SearchQuery struct {
	Tiers  []Tier    `json:"tiers,omitempty"`
	Text   string    `json:"text,omitempty"`
	Tags   []string  `json:"tags,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Hit pairs an archive record with the archived copy it points at.
type Hit struct {
	Record *Record       `json:"record"`
	Memory *model.Memory `json:"memory"`
}

// SearchMeta reports how the search executed.
type SearchMeta struct {
	Elapsed         time.Duration `json:"elapsed"`
	TiersScanned    []Tier        `json:"tiers_scanned"`
	PoliciesMatched []string      `json:"policies_matched,omitempty"`
	TotalMatched    int           `json:"total_matched"`
}

// SearchResult is a paginated archive search outcome.
type SearchResult struct {
	Hits []Hit      `json:"hits"`
	Meta SearchMeta `json:"meta"`
}

// SearchArchives scans the requested tier partitions linearly, filtering by
// free text (content, tags, project), tag intersection, and archival-date
// range. Results are sorted newest-first by archival timestamp; pagination
// applies after all filtering.
func (m *Manager) SearchArchives(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	ctx, span := tracer.Start(ctx, "archival.search",
		trace.WithAttributes(attribute.String("archival.search_text", q.Text)))
	defer span.End()

	started := time.Now()
	tiers := q.Tiers
	if len(tiers) == 0 {
		tiers = AllTiers
	}

	// Snapshot records and copies under the lock, filter outside it.
	type candidate struct {
		rec *Record
		mem *model.Memory
	}
	m.mu.Lock()
	var candidates []candidate
	for _, rec := range m.records {
		if !tierIn(tiers, rec.Tier) {
			continue
		}
		mem, ok := m.partitions[rec.Tier][rec.MemoryID]
		if !ok {
			continue // restored or swept since the record was written
		}
		cp := *rec
		candidates = append(candidates, candidate{rec: &cp, mem: mem.Clone()})
	}
	m.mu.Unlock()

	var hits []Hit
	policySet := make(map[string]bool)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !q.From.IsZero() && c.rec.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && c.rec.Timestamp.After(q.To) {
			continue
		}
		if len(q.Tags) > 0 && !tagsIntersect(c.mem.Tags, q.Tags) {
			continue
		}
		if q.Text != "" && !freeTextMatch(c.mem, q.Text) {
			continue
		}
		if c.rec.PolicyName != "" {
			policySet[c.rec.PolicyName] = true
		}
		hits = append(hits, Hit{Record: c.rec, Memory: c.mem})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Record.Timestamp.Equal(hits[j].Record.Timestamp) {
			return hits[i].Record.OperationID < hits[j].Record.OperationID
		}
		return hits[i].Record.Timestamp.After(hits[j].Record.Timestamp)
	})

	total := len(hits)
	hits = paginateHits(hits, q.Offset, q.Limit)

	policies := make([]string, 0, len(policySet))
	for name := range policySet {
		policies = append(policies, name)
	}
	sort.Strings(policies)

	span.SetAttributes(attribute.Int("archival.search_matched", total))
	return &SearchResult{
		Hits: hits,
		Meta: SearchMeta{
			Elapsed:         time.Since(started),
			TiersScanned:    tiers,
			PoliciesMatched: policies,
			TotalMatched:    total,
		},
	}, nil
}

// freeTextMatch checks content, tags, and project, case-insensitive.
func freeTextMatch(mem *model.Memory, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(mem.Content), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(mem.ProjectContext), needle) {
		return true
	}
	for _, tag := range mem.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func tierIn(tiers []Tier, t Tier) bool {
	for _, candidate := range tiers {
		if candidate == t {
			return true
		}
	}
	return false
}

func paginateHits(hits []Hit, offset, limit int) []Hit {
	if offset > 0 {
		if offset >= len(hits) {
			return nil
		}
		hits = hits[offset:]
	}
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits
}
