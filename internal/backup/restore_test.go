package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

func TestRestore_FullBringsBackMissingMemories(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1", Content: "first"})
	seed(t, st, &model.Memory{ID: "mem_2", Content: "second"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	_, err = st.Delete(ctx, "mem_1")
	require.NoError(t, err)
	_, err = st.Delete(ctx, "mem_2")
	require.NoError(t, err)

	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{ValidateAfterRecovery: true})
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, recovery.Status)
	assert.Equal(t, 2, recovery.RecoveredCount)
	assert.Zero(t, recovery.FailedCount)
	assert.NotNil(t, recovery.CompletedAt)
	assert.Empty(t, recovery.Result.Warnings)

	got, err := st.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
	assert.Contains(t, got.Metadata, model.MetaRestoredAt)
}

func TestRestore_ConflictsWithoutOverwrite(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1", Content: "original"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	// Mutate the live row after the backup.
	content := "edited after backup"
	_, err = st.Update(ctx, "mem_1", store.Patch{Content: &content})
	require.NoError(t, err)

	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, recovery.Status)
	assert.Zero(t, recovery.RecoveredCount)
	assert.Equal(t, []string{"mem_1"}, recovery.Result.ConflictIDs)

	got, err := st.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "edited after backup", got.Content)

	// Overwrite replaces the live row with the backup copy.
	recovery, err = mgr.Restore(ctx, rec.BackupID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, recovery.RecoveredCount)

	got, err = st.Get(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
}

func TestRestore_SelectiveFilter(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_doc", Type: model.TypeDocumentation, Tags: []string{"docs"}, ProjectContext: "strata"})
	seed(t, st, &model.Memory{ID: "mem_dec", Type: model.TypeDecision, Tags: []string{"adr"}, ProjectContext: "strata"})
	seed(t, st, &model.Memory{ID: "mem_other", Type: model.TypeDecision, Tags: []string{"adr"}, ProjectContext: "legacy"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	for _, id := range []string{"mem_doc", "mem_dec", "mem_other"} {
		_, err = st.Delete(ctx, id)
		require.NoError(t, err)
	}

	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{
		Mode: RestoreSelective,
		Filter: &RestoreFilter{
			Types:    []model.Type{model.TypeDecision},
			Projects: []string{"strata"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_dec"}, recovery.Result.RecoveredIDs)

	_, err = st.Get(ctx, "mem_doc")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRestore_PointInTime(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()

	early := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	seed(t, st, &model.Memory{ID: "mem_early", CreatedAt: early})
	seed(t, st, &model.Memory{ID: "mem_late", CreatedAt: late})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	for _, id := range []string{"mem_early", "mem_late"} {
		_, err = st.Delete(ctx, id)
		require.NoError(t, err)
	}

	target := early.AddDate(0, 0, 7)
	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{
		Mode:        RestorePointInTime,
		PointInTime: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_early"}, recovery.Result.RecoveredIDs)
}

func TestRestore_PointInTimeNeedsTarget(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})
	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	_, err = mgr.Restore(ctx, rec.BackupID, RestoreOptions{Mode: RestorePointInTime})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRestore_CorruptedFileAborts(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	fileBytes := readFile(t, rec.FilePath)
	fileBytes[0] ^= 0xff
	require.NoError(t, os.WriteFile(rec.FilePath, fileBytes, 0o600))

	_, err = mgr.Restore(ctx, rec.BackupID, RestoreOptions{})
	assert.ErrorIs(t, err, model.ErrIntegrityFailure)

	// The failed verification is recorded on the backup.
	rec, err = mgr.Record(rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupted, rec.Status)
}

func TestRestore_UnusableBackupRejected(t *testing.T) {
	mgr, _ := testManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.Restore(ctx, "bak_missing", RestoreOptions{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	mgr.saveRecord(&Record{BackupID: "bak_failed", Status: StatusFailed})
	_, err = mgr.Restore(ctx, "bak_failed", RestoreOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRestore_CreatesRecoveryPoint(t *testing.T) {
	mgr, st := testManager(t, Config{AutoCleanup: boolPtr(false)})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{
		OverwriteExisting:   true,
		CreateRecoveryPoint: true,
	})
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, recovery.Status)

	// The restore itself plus a pre-restore snapshot.
	assert.Len(t, mgr.Records(), 2)
}

func TestRecovery_Lookup(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	recovery, err := mgr.Restore(ctx, rec.BackupID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)

	found, err := mgr.Recovery(recovery.RecoveryID)
	require.NoError(t, err)
	assert.Equal(t, recovery.RecoveryID, found.RecoveryID)
	assert.Equal(t, rec.BackupID, found.BackupID)

	_, err = mgr.Recovery("rec_unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
