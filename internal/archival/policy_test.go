package archival

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	content := `policies:
  - name: stale-docs
    max_inactivity_days: 90
    max_importance: 0.5
    target_tier: cold
    enabled: true
    priority: 10
  - name: old-notes
    max_age_days: 365
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	assert.Equal(t, "stale-docs", policies[0].Name)
	require.NotNil(t, policies[0].MaxInactivityDays)
	assert.Equal(t, 90, *policies[0].MaxInactivityDays)
	assert.Equal(t, TierCold, policies[0].TargetTier)
	assert.True(t, policies[0].Enabled)
	assert.Equal(t, 10, policies[0].Priority)

	// Missing target tier defaults to warm.
	assert.Equal(t, TierWarm, policies[1].TargetTier)
	assert.False(t, policies[1].Enabled)
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("policies:\n  - max_age_days: 10\n"), 0o600))
	_, err := LoadPolicies(unnamed)
	assert.Error(t, err)

	badTier := filepath.Join(dir, "badtier.yaml")
	require.NoError(t, os.WriteFile(badTier, []byte("policies:\n  - name: x\n    target_tier: glacier\n"), 0o600))
	_, err = LoadPolicies(badTier)
	assert.Error(t, err)

	_, err = LoadPolicies(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicyMatches_AllThresholdsMustHold(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mem := &model.Memory{
		ID:             "mem_1",
		CreatedAt:      now.AddDate(0, 0, -100),
		LastAccessed:   now.AddDate(0, 0, -50),
		AccessCount:    3,
		Importance:     0.4,
		Tags:           []string{"docs"},
		ProjectContext: "strata",
	}

	pol := &Policy{
		MaxAgeDays:        intPtr(90),
		MaxInactivityDays: intPtr(30),
		MinAccessCount:    intPtr(5),
		MaxImportance:     floatPtr(0.5),
		Tags:              []string{"docs"},
		Projects:          []string{"strata"},
	}
	assert.True(t, policyMatches(pol, mem, now))

	tooYoung := *pol
	tooYoung.MaxAgeDays = intPtr(200)
	assert.False(t, policyMatches(&tooYoung, mem, now))

	tooActive := *pol
	tooActive.MinAccessCount = intPtr(2)
	assert.False(t, policyMatches(&tooActive, mem, now))

	tooImportant := *pol
	tooImportant.MaxImportance = floatPtr(0.3)
	assert.False(t, policyMatches(&tooImportant, mem, now))

	wrongTag := *pol
	wrongTag.Tags = []string{"code"}
	assert.False(t, policyMatches(&wrongTag, mem, now))

	wrongProject := *pol
	wrongProject.Projects = []string{"other"}
	assert.False(t, policyMatches(&wrongProject, mem, now))
}

func TestPolicyMatches_InactivityFallsBackToCreation(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mem := &model.Memory{ID: "mem_1", CreatedAt: now.AddDate(0, 0, -40)}
	pol := &Policy{MaxInactivityDays: intPtr(30)}
	assert.True(t, policyMatches(pol, mem, now))
}

func TestRunPolicies_PriorityOrderAndDeDup(t *testing.T) {
	mgr, st := testManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale and unimportant: matched by both policies below.
	_, err := st.Put(ctx, &model.Memory{
		ID: "mem_stale", Content: "x",
		CreatedAt: now.AddDate(0, 0, -200), Importance: 0.1,
	})
	require.NoError(t, err)
	// Fresh: matched by neither.
	seed(t, st, &model.Memory{ID: "mem_fresh", Importance: 0.9})

	mgr.SetPolicies([]Policy{
		{Name: "low-priority", MaxAgeDays: intPtr(90), TargetTier: TierCold, Enabled: true, Priority: 1},
		{Name: "high-priority", MaxAgeDays: intPtr(90), TargetTier: TierFrozen, Enabled: true, Priority: 10},
	})

	report, err := mgr.RunPolicies(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.PoliciesEvaluated)
	assert.Equal(t, 1, report.Archived)
	assert.Zero(t, report.Failed)
	// Higher priority policy wins the candidate.
	assert.Equal(t, 1, report.ByPolicy["high-priority"])
	assert.Zero(t, report.ByPolicy["low-priority"])
	assert.True(t, mgr.TierContains(TierFrozen, "mem_stale"))
	assert.False(t, mgr.TierContains(TierCold, "mem_stale"))

	got, err := st.Get(ctx, "mem_fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.State)
}

func TestRunPolicies_SkipsDisabledAndUnconfigured(t *testing.T) {
	mgr, st := testManager(t)
	ctx := context.Background()
	seed(t, st, &model.Memory{ID: "mem_1"})

	mgr.SetPolicies([]Policy{
		{Name: "disabled", MaxAgeDays: intPtr(0), Enabled: false, TargetTier: TierWarm},
		{Name: "no-thresholds", Enabled: true, TargetTier: TierWarm},
	})

	report, err := mgr.RunPolicies(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, report.PoliciesEvaluated)
	assert.Zero(t, report.Archived)
}

func TestCheckStoragePressure(t *testing.T) {
	st := store.NewMemStore()
	mgr := NewManager(st, Config{StoragePressureThreshold: 0.5})
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"mem_1", "mem_2", "mem_3"} {
		_, err := st.Put(ctx, &model.Memory{
			ID: id, Content: "x", CreatedAt: now.AddDate(0, 0, -100),
		})
		require.NoError(t, err)
	}
	mgr.SetPolicies([]Policy{
		{Name: "pressure-relief", MaxAgeDays: intPtr(30), TargetTier: TierCold, Enabled: true},
	})

	// 3 of 100 entries: below threshold, nothing runs.
	report, err := mgr.CheckStoragePressure(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, report)

	// 3 of 4: above threshold, policies fire with the pressure trigger.
	report, err = mgr.CheckStoragePressure(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Archived)

	for _, rec := range []string{"mem_1", "mem_2", "mem_3"} {
		assert.True(t, mgr.TierContains(TierCold, rec))
	}
	// Trigger is recorded on the archive records.
	hits, err := mgr.SearchArchives(ctx, SearchQuery{})
	require.NoError(t, err)
	for _, h := range hits.Hits {
		assert.Equal(t, TriggerStoragePressure, h.Record.Trigger)
	}
}

func TestCheckStoragePressure_Disabled(t *testing.T) {
	mgr, _ := testManager(t)
	report, err := mgr.CheckStoragePressure(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, report)
}
