package backup

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

func TestRegisterSchedules(t *testing.T) {
	mgr, _ := testManager(t, Config{})
	sched := NewScheduler(mgr, Config{})

	require.NoError(t, sched.RegisterSchedules())
	assert.Equal(t, 3, sched.Entries())
}

func TestRegisterSchedules_CronExpression(t *testing.T) {
	mgr, _ := testManager(t, Config{})

	sched := NewScheduler(mgr, Config{Schedule: "0 3 * * *"})
	require.NoError(t, sched.RegisterSchedules())
	assert.Equal(t, 3, sched.Entries())

	bad := NewScheduler(mgr, Config{Schedule: "not a cron spec"})
	assert.Error(t, bad.RegisterSchedules())
}

func TestRunIncremental_FallsBackToFull(t *testing.T) {
	mgr, st := testManager(t, Config{})
	seed(t, st, &model.Memory{ID: "mem_1"})
	sched := NewScheduler(mgr, Config{})

	// No base exists yet: the incremental job takes a full backup instead.
	sched.runIncremental()
	records := mgr.Records()
	require.Len(t, records, 1)
	assert.Equal(t, KindFull, records[0].Kind)
	assert.Equal(t, "scheduler", records[0].Metadata.Creator)

	// With a usable base the next run is incremental.
	sched.runIncremental()
	latest := mgr.Records()[0]
	assert.Equal(t, KindIncremental, latest.Kind)
	assert.Equal(t, records[0].BackupID, latest.BaseBackupID)
}

func TestRunVerification_RevalidatesLatest(t *testing.T) {
	mgr, st := testManager(t, Config{})
	sched := NewScheduler(mgr, Config{})

	// Nothing to verify is a no-op.
	sched.runVerification()

	seed(t, st, &model.Memory{ID: "mem_1"})
	rec, err := mgr.CreateFull(context.Background(), Metadata{})
	require.NoError(t, err)

	// Corrupt the file on disk; the scheduled pass flags it.
	fileBytes := readFile(t, rec.FilePath)
	fileBytes[0] ^= 0xff
	require.NoError(t, os.WriteFile(rec.FilePath, fileBytes, 0o600))

	sched.runVerification()
	rec, err = mgr.Record(rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupted, rec.Status)
}

func TestStartStop(t *testing.T) {
	mgr := NewManager(store.NewMemStore(), Config{Dir: t.TempDir()})
	sched := NewScheduler(mgr, Config{})
	require.NoError(t, sched.RegisterSchedules())

	sched.Start()
	sched.Stop()
}
