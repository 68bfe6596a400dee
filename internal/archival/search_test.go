package archival

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
)

func seedArchives(t *testing.T) *Manager {
	t.Helper()
	mgr, st := testManager(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	entries := []struct {
		id   string
		tier Tier
		mem  *model.Memory
		at   time.Time
	}{
		{"mem_docs", TierWarm, &model.Memory{ID: "mem_docs", Content: "api documentation draft", Tags: []string{"docs"}}, base},
		{"mem_infra", TierCold, &model.Memory{ID: "mem_infra", Content: "terraform state notes", Tags: []string{"infra"}, ProjectContext: "platform"}, base.AddDate(0, 0, 1)},
		{"mem_perf", TierCold, &model.Memory{ID: "mem_perf", Content: "profiling results", Tags: []string{"perf", "infra"}}, base.AddDate(0, 0, 2)},
	}
	for _, e := range entries {
		seed(t, st, e.mem)
		at := e.at
		mgr.now = func() time.Time { return at }
		_, err := mgr.Archive(ctx, e.id, e.tier, Options{})
		require.NoError(t, err)
	}
	return mgr
}

func TestSearchArchives_AllTiersNewestFirst(t *testing.T) {
	mgr := seedArchives(t)

	res, err := mgr.SearchArchives(context.Background(), SearchQuery{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "mem_perf", res.Hits[0].Memory.ID)
	assert.Equal(t, "mem_infra", res.Hits[1].Memory.ID)
	assert.Equal(t, "mem_docs", res.Hits[2].Memory.ID)
	assert.Equal(t, 3, res.Meta.TotalMatched)
	assert.Equal(t, AllTiers, res.Meta.TiersScanned)
}

func TestSearchArchives_TierAndTextFilters(t *testing.T) {
	mgr := seedArchives(t)
	ctx := context.Background()

	res, err := mgr.SearchArchives(ctx, SearchQuery{Tiers: []Tier{TierCold}})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	// Free text matches content and project, case-insensitive.
	res, err = mgr.SearchArchives(ctx, SearchQuery{Text: "TERRAFORM"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "mem_infra", res.Hits[0].Memory.ID)

	res, err = mgr.SearchArchives(ctx, SearchQuery{Text: "platform"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "mem_infra", res.Hits[0].Memory.ID)

	res, err = mgr.SearchArchives(ctx, SearchQuery{Tags: []string{"infra"}})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
}

func TestSearchArchives_DateRangeAndPagination(t *testing.T) {
	mgr := seedArchives(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	res, err := mgr.SearchArchives(ctx, SearchQuery{From: base.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	res, err = mgr.SearchArchives(ctx, SearchQuery{To: base})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "mem_docs", res.Hits[0].Memory.ID)

	res, err = mgr.SearchArchives(ctx, SearchQuery{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "mem_infra", res.Hits[0].Memory.ID)
	assert.Equal(t, 3, res.Meta.TotalMatched)
}

func TestSearchArchives_RestoredCopiesDropOut(t *testing.T) {
	mgr := seedArchives(t)
	ctx := context.Background()

	res, err := mgr.SearchArchives(ctx, SearchQuery{Text: "documentation"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)

	mgr.now = func() time.Time { return time.Now().UTC() }
	_, err = mgr.Restore(ctx, res.Hits[0].Record.OperationID)
	require.NoError(t, err)

	res, err = mgr.SearchArchives(ctx, SearchQuery{Text: "documentation"})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}
