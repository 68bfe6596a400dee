package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePut_RoundTrip(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	stored, err := s.Put(ctx, &model.Memory{
		ID:              "mem_1",
		Content:         "schema design notes",
		Type:            model.TypeDecision,
		Tags:            []string{"db", "sqlite"},
		ProjectContext:  "strata",
		Importance:      0.7,
		RelatedMemories: []string{"mem_2"},
		Metadata:        map[string]any{"source": "review"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, stored.State)

	got, err := s.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "schema design notes", got.Content)
	assert.Equal(t, model.TypeDecision, got.Type)
	assert.Equal(t, []string{"db", "sqlite"}, got.Tags)
	assert.Equal(t, []string{"mem_2"}, got.RelatedMemories)
	assert.Equal(t, 0.7, got.Importance)
	assert.Equal(t, "review", got.Metadata["source"])
}

func TestSQLiteGet_NotFound(t *testing.T) {
	s := testSQLiteStore(t)
	_, err := s.Get(context.Background(), "mem_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteUpdate_StateTransition(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, &model.Memory{ID: "mem_1", Content: "x"})
	require.NoError(t, err)

	state := model.StateSoftDeleted
	updated, err := s.Update(ctx, "mem_1", Patch{
		State:    &state,
		Metadata: map[string]any{model.MetaDeleteOperationID: "del_abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateSoftDeleted, updated.State)
	assert.Equal(t, "del_abc", updated.Metadata[model.MetaDeleteOperationID])

	// Default query no longer sees it.
	res, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = s.Query(ctx, Filter{States: []model.State{model.StateSoftDeleted}})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
}

func TestSQLiteUpdate_NotFound(t *testing.T) {
	s := testSQLiteStore(t)
	content := "x"
	_, err := s.Update(context.Background(), "mem_missing", Patch{Content: &content})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteQuery_TagAndTextFiltering(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, &model.Memory{ID: "mem_1", Content: "retry backoff pattern", Tags: []string{"resilience"}})
	require.NoError(t, err)
	_, err = s.Put(ctx, &model.Memory{ID: "mem_2", Content: "api key rotation", Tags: []string{"security"}})
	require.NoError(t, err)

	res, err := s.Query(ctx, Filter{Tags: []string{"security"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "mem_2", res.Items[0].ID)

	res, err = s.Query(ctx, Filter{Search: "backoff"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "mem_1", res.Items[0].ID)
}

func TestSQLiteDelete(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, &model.Memory{ID: "mem_1", Content: "x"})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "mem_1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "mem_1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSQLiteRecordAccess(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, &model.Memory{ID: "mem_1", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, s.RecordAccess(ctx, "mem_1"))
	got, err := s.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.False(t, got.LastAccessed.IsZero())

	assert.ErrorIs(t, s.RecordAccess(ctx, "mem_missing"), model.ErrNotFound)
}
