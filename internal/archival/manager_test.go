package archival

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	return NewManager(st, Config{}), st
}

func seed(t *testing.T, st *store.MemStore, m *model.Memory) *model.Memory {
	t.Helper()
	if m.Content == "" {
		m.Content = "seed content"
	}
	stored, err := st.Put(context.Background(), m)
	require.NoError(t, err)
	return stored
}

func TestConfigWithDefaults_FillsBooleans(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.NotNil(t, cfg.Compression)
	assert.True(t, *cfg.Compression)
	require.NotNil(t, cfg.Checksums)
	assert.True(t, *cfg.Checksums)

	// Explicit false survives.
	off := Config{Compression: boolPtr(false), Checksums: boolPtr(false)}.WithDefaults()
	assert.False(t, *off.Compression)
	assert.False(t, *off.Checksums)
}

func TestArchive_MovesToTierAndFlagsRow(t *testing.T) {
	mgr, st := testManager(t)
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1", Importance: 0.4, Tags: []string{"infra"}})

	rec, err := mgr.Archive(ctx, "mem_1", TierCold, Options{Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, TierCold, rec.Tier)
	assert.Equal(t, TriggerManual, rec.Trigger)
	assert.True(t, rec.Recoverable)
	assert.Equal(t, 0.4, rec.PreArchive.Importance)
	assert.Equal(t, []string{"infra"}, rec.PreArchive.Tags)
	assert.NotEmpty(t, rec.Storage.Checksum)
	assert.Greater(t, rec.Storage.CompressedSize, int64(0))
	assert.Equal(t, "cold/"+rec.OperationID, rec.Storage.StorageKey)

	assert.True(t, mgr.TierContains(TierCold, "mem_1"))

	got, err := st.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, model.StateArchived, got.State)
	assert.Equal(t, "cold", got.Metadata[model.MetaArchiveTier])
	assert.Equal(t, rec.OperationID, got.Metadata[model.MetaArchiveOperationID])
}

func TestArchive_EmptyTierUsesDefault(t *testing.T) {
	mgr, st := testManager(t)
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.Archive(context.Background(), "mem_1", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, TierWarm, rec.Tier)
}

func TestArchive_UnknownTier(t *testing.T) {
	mgr, st := testManager(t)
	seed(t, st, &model.Memory{ID: "mem_1"})
	_, err := mgr.Archive(context.Background(), "mem_1", Tier("glacier"), Options{})
	assert.Error(t, err)
}

func TestArchive_AlreadyArchived(t *testing.T) {
	mgr, st := testManager(t)
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	_, err := mgr.Archive(ctx, "mem_1", TierWarm, Options{})
	require.NoError(t, err)
	_, err = mgr.Archive(ctx, "mem_1", TierCold, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestArchive_MissingMemory(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Archive(context.Background(), "mem_missing", TierWarm, Options{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRestore_OneShot(t *testing.T) {
	mgr, st := testManager(t)
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1", Content: "precious"})

	rec, err := mgr.Archive(ctx, "mem_1", TierWarm, Options{})
	require.NoError(t, err)

	restored, err := mgr.Restore(ctx, rec.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, restored.State)
	assert.Equal(t, "precious", restored.Content)
	assert.NotContains(t, restored.Metadata, model.MetaArchiveTier)
	assert.Contains(t, restored.Metadata, model.MetaRestoredAt)
	assert.False(t, mgr.TierContains(TierWarm, "mem_1"))

	_, err = mgr.Restore(ctx, rec.OperationID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRestore_Expired(t *testing.T) {
	st := store.NewMemStore()
	mgr := NewManager(st, Config{ArchiveExpiryDays: 7})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.Archive(ctx, "mem_1", TierFrozen, Options{})
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)

	mgr.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 8) }
	_, err = mgr.Restore(ctx, rec.OperationID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRestore_UnknownOperation(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Restore(context.Background(), "arc_unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	st := store.NewMemStore()
	mgr := NewManager(st, Config{ArchiveExpiryDays: 1})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})
	seed(t, st, &model.Memory{ID: "mem_2"})

	rec1, err := mgr.Archive(ctx, "mem_1", TierCold, Options{})
	require.NoError(t, err)
	_, err = mgr.Archive(ctx, "mem_2", TierCold, Options{})
	require.NoError(t, err)

	assert.Zero(t, mgr.SweepExpired(ctx))

	mgr.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 2) }
	assert.Equal(t, 2, mgr.SweepExpired(ctx))
	assert.False(t, mgr.TierContains(TierCold, "mem_1"))
	_, err = mgr.Record(rec1.OperationID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMaintain_SweepsAndRunsPolicies(t *testing.T) {
	st := store.NewMemStore()
	mgr := NewManager(st, Config{ArchiveExpiryDays: 1})
	ctx := context.Background()
	now := time.Now().UTC()

	// One archive already past expiry.
	seed(t, st, &model.Memory{ID: "mem_expired"})
	mgr.now = func() time.Time { return now.AddDate(0, 0, -10) }
	expired, err := mgr.Archive(ctx, "mem_expired", TierCold, Options{})
	require.NoError(t, err)
	mgr.now = func() time.Time { return now }

	// One live memory a policy should pick up.
	_, err = st.Put(ctx, &model.Memory{
		ID: "mem_stale", Content: "x",
		CreatedAt: now.AddDate(0, 0, -200), Importance: 0.1,
	})
	require.NoError(t, err)
	mgr.SetPolicies([]Policy{
		{Name: "age-out", MaxAgeDays: intPtr(90), TargetTier: TierCold, Enabled: true},
	})

	require.NoError(t, mgr.Maintain(ctx))

	_, err = mgr.Record(expired.OperationID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, mgr.TierContains(TierCold, "mem_expired"))
	assert.True(t, mgr.TierContains(TierCold, "mem_stale"))

	hits, err := mgr.SearchArchives(ctx, SearchQuery{})
	require.NoError(t, err)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, TriggerPolicyBased, hits.Hits[0].Record.Trigger)
}
