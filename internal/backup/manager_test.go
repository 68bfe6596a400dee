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

func testManager(t *testing.T, cfg Config) (*Manager, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	return NewManager(st, cfg), st
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
	require.NotNil(t, cfg.AutoCleanup)
	assert.True(t, *cfg.AutoCleanup)
	assert.Equal(t, 1, cfg.VerificationFrequencyDays)

	// Explicit false survives.
	off := Config{Compression: boolPtr(false), AutoCleanup: boolPtr(false)}.WithDefaults()
	assert.False(t, *off.Compression)
	assert.False(t, *off.AutoCleanup)
}

func TestCreateFull_SnapshotsAllStates(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_active"})
	seed(t, st, &model.Memory{ID: "mem_deleted", State: model.StateSoftDeleted})
	seed(t, st, &model.Memory{ID: "mem_archived", State: model.StateArchived})

	rec, err := mgr.CreateFull(ctx, Metadata{Description: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, KindFull, rec.Kind)
	assert.Equal(t, StatusVerified, rec.Status)
	require.NotNil(t, rec.Validation)
	assert.True(t, rec.Validation.Valid)
	assert.Equal(t, 3, rec.MemoryCount)
	assert.NotEmpty(t, rec.Checksum)
	assert.NotNil(t, rec.CompletedAt)
	assert.Greater(t, rec.FileSize, int64(0))
	assert.Equal(t, "nightly", rec.Metadata.Description)
	assert.Equal(t, envelopeVersion, rec.Metadata.FormatVersion)

	info, err := os.Stat(rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, rec.FileSize, info.Size())
}

func TestCreateFull_CompressionShrinksFile(t *testing.T) {
	mgr, st := testManager(t, Config{Compression: boolPtr(true)})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		seed(t, st, &model.Memory{
			ID:      "mem_" + string(rune('a'+i)),
			Content: "the same highly repetitive content body repeated across many memories",
		})
	}

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	assert.Less(t, rec.CompressionRatio, 1.0)
}

func TestCreateIncremental_OnlyModifiedSinceBase(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_old"})

	base, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	// Creation time boundaries are clock-driven; step the manager clock
	// forward and touch one memory after the base.
	time.Sleep(10 * time.Millisecond)
	seed(t, st, &model.Memory{ID: "mem_new"})

	inc, err := mgr.CreateIncremental(ctx, base.BackupID, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, KindIncremental, inc.Kind)
	assert.Equal(t, base.BackupID, inc.BaseBackupID)
	assert.Equal(t, 1, inc.MemoryCount)

	env, err := mgr.codec.decode(readFile(t, inc.FilePath))
	require.NoError(t, err)
	require.Len(t, env.Memories, 1)
	assert.Equal(t, "mem_new", env.Memories[0].ID)
}

func TestCreateIncremental_BaseMustBeUsable(t *testing.T) {
	mgr, _ := testManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.CreateIncremental(ctx, "bak_missing", Metadata{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	mgr.saveRecord(&Record{BackupID: "bak_failed", Status: StatusFailed})
	_, err = mgr.CreateIncremental(ctx, "bak_failed", Metadata{})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestValidate_VerifiesIntactBackup(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	result, err := mgr.Validate(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)

	rec, err = mgr.Record(rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, rec.Status)
	require.NotNil(t, rec.Validation)
	assert.True(t, rec.Validation.Valid)
}

func TestValidate_TamperedFileMarksCorrupted(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	fileBytes := readFile(t, rec.FilePath)
	fileBytes[len(fileBytes)/2] ^= 0xff
	require.NoError(t, os.WriteFile(rec.FilePath, fileBytes, 0o600))

	result, err := mgr.Validate(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	rec, err = mgr.Record(rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupted, rec.Status)
}

func TestValidate_MissingFile(t *testing.T) {
	mgr, st := testManager(t, Config{})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.FilePath))

	result, err := mgr.Validate(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestCleanup_KeepsMostRecentUsable(t *testing.T) {
	mgr, st := testManager(t, Config{MaxBackups: 2, RetentionDays: 30, AutoCleanup: boolPtr(false)})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.AddDate(0, 0, -40+i) // all past retention
		mgr.now = func() time.Time { return at }
		rec, err := mgr.CreateFull(ctx, Metadata{})
		require.NoError(t, err)
		ids = append(ids, rec.BackupID)
	}

	mgr.now = func() time.Time { return base }
	removed, err := mgr.Cleanup(ctx)
	require.NoError(t, err)
	// Two most recent usable are retained, the oldest is past retention.
	assert.Equal(t, []string{ids[0]}, removed)
	_, err = mgr.Record(ids[0])
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = mgr.Record(ids[1])
	assert.NoError(t, err)
}

func TestLatestUsable(t *testing.T) {
	mgr, st := testManager(t, Config{AutoCleanup: boolPtr(false)})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	_, err := mgr.LatestUsable()
	assert.ErrorIs(t, err, model.ErrNotFound)

	first, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	latest, err := mgr.LatestUsable()
	require.NoError(t, err)
	assert.Equal(t, second.BackupID, latest.BackupID)

	// Corrupted backups are skipped.
	fileBytes := readFile(t, second.FilePath)
	fileBytes[0] ^= 0xff
	require.NoError(t, os.WriteFile(second.FilePath, fileBytes, 0o600))
	_, err = mgr.Validate(ctx, second.BackupID)
	require.NoError(t, err)

	latest, err = mgr.LatestUsable()
	require.NoError(t, err)
	assert.Equal(t, first.BackupID, latest.BackupID)
}

func TestFileName_PatternSubstitution(t *testing.T) {
	mgr, _ := testManager(t, Config{FileNamePattern: "{type}-{timestamp}.backup"})
	at := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "full-20260801T123045.backup", mgr.fileName(KindFull, at))
	assert.Equal(t, "incremental-20260801T123045.backup", mgr.fileName(KindIncremental, at))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestFileName_UniquePerBackup(t *testing.T) {
	mgr, st := testManager(t, Config{AutoCleanup: boolPtr(false)})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	first, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	second, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)
	assert.NotEqual(t, first.FilePath, second.FilePath)
}

func TestCodec_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemStore()
	mgr := NewManager(st, Config{Dir: dir, Compression: boolPtr(true), Encryption: true, EncryptionKey: "unit-test-key"})
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_secret", Content: "credentials rotation runbook"})

	rec, err := mgr.CreateFull(ctx, Metadata{})
	require.NoError(t, err)

	// Ciphertext does not leak plaintext.
	fileBytes := readFile(t, rec.FilePath)
	assert.NotContains(t, string(fileBytes), "credentials rotation runbook")

	env, err := mgr.codec.decode(fileBytes)
	require.NoError(t, err)
	require.Len(t, env.Memories, 1)
	assert.Equal(t, "credentials rotation runbook", env.Memories[0].Content)

	// A different key cannot decode.
	other := NewManager(st, Config{Dir: dir, Compression: boolPtr(true), Encryption: true, EncryptionKey: "wrong-key"})
	_, err = other.codec.decode(fileBytes)
	assert.ErrorIs(t, err, model.ErrIntegrityFailure)
}
