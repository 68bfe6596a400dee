package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
)

// RecoveryStatus tracks a restore run.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
	RecoveryPartial    RecoveryStatus = "partial"
)

// RestoreMode selects which part of a backup to bring back.
type RestoreMode string

const (
	RestoreFull        RestoreMode = "full"
	RestoreSelective   RestoreMode = "selective"
	RestorePointInTime RestoreMode = "point_in_time"
)

// RestoreFilter narrows a selective restore. Empty fields match everything.
type RestoreFilter struct {
	Tags     []string
	Types    []model.Type
	Projects []string
	From     time.Time
	To       time.Time
}

// RestoreOptions controls one restore run.
type RestoreOptions struct {
	Mode                  RestoreMode
	Filter                *RestoreFilter
	PointInTime           *time.Time
	OverwriteExisting     bool
	ValidateAfterRecovery bool
	CreateRecoveryPoint   bool
}

// RecoveryResult itemizes what happened to each selected memory. Conflicts
// are memories skipped because they already exist and overwrite is off;
// they count as neither recovered nor failed.
type RecoveryResult struct {
	RecoveredIDs []string `json:"recovered_ids"`
	FailedIDs    []string `json:"failed_ids"`
	ConflictIDs  []string `json:"conflict_ids"`
	Warnings     []string `json:"warnings,omitempty"`
}

// RecoveryRecord is the ledger entry for one restore run.
type RecoveryRecord struct {
	RecoveryID        string          `json:"recovery_id"`
	BackupID          string          `json:"backup_id"`
	Status            RecoveryStatus  `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Mode              RestoreMode     `json:"mode"`
	TargetPointInTime *time.Time      `json:"target_point_in_time,omitempty"`
	RecoveredCount    int             `json:"recovered_count"`
	FailedCount       int             `json:"failed_count"`
	Result            *RecoveryResult `json:"result,omitempty"`
}

// Restore brings memories from a backup back into the store. The backup
// must be completed or verified; its checksum is re-verified first and a
// mismatch aborts the run and marks the backup corrupted. With
// CreateRecoveryPoint a full backup of the current population is taken
// before any writes.
func (m *Manager) Restore(ctx context.Context, backupID string, opts RestoreOptions) (*RecoveryRecord, error) {
	ctx, span := tracer.Start(ctx, "backup.restore", trace.WithAttributes(
		attribute.String("backup.id", backupID),
		attribute.String("restore.mode", string(opts.Mode)),
	))
	defer span.End()

	if opts.Mode == "" {
		opts.Mode = RestoreFull
	}
	if opts.Mode == RestorePointInTime && opts.PointInTime == nil {
		return nil, fmt.Errorf("point-in-time restore needs a target timestamp: %w", model.ErrInvalidState)
	}

	rec, err := m.Record(backupID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusCompleted && rec.Status != StatusVerified {
		return nil, fmt.Errorf("backup %s has status %s: %w", backupID, rec.Status, model.ErrInvalidState)
	}

	fileBytes, err := os.ReadFile(rec.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading backup file: %w", err)
	}
	if sum := checksumBytes(fileBytes); sum != rec.Checksum {
		m.recordValidation(backupID, &ValidationResult{
			Valid:       false,
			ValidatedAt: m.now(),
			Errors:      []string{fmt.Sprintf("checksum mismatch: recorded %s, computed %s", rec.Checksum, sum)},
		})
		return nil, fmt.Errorf("backup %s failed checksum verification: %w", backupID, model.ErrIntegrityFailure)
	}
	env, err := m.codec.decode(fileBytes)
	if err != nil {
		return nil, err
	}

	recovery := &RecoveryRecord{
		RecoveryID:        "rec_" + uuid.NewString()[:12],
		BackupID:          backupID,
		Status:            RecoveryInProgress,
		StartedAt:         m.now(),
		Mode:              opts.Mode,
		TargetPointInTime: opts.PointInTime,
	}
	m.saveRecovery(recovery)
	span.SetAttributes(attribute.String("recovery.id", recovery.RecoveryID))

	result := &RecoveryResult{}
	if opts.CreateRecoveryPoint {
		if _, err := m.CreateFull(ctx, Metadata{Description: "recovery point before restore " + recovery.RecoveryID}); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("recovery point creation failed: %v", err))
		}
	}

	for _, mem := range m.selectMemories(env.Memories, opts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, getErr := m.store.Get(ctx, mem.ID); getErr == nil && !opts.OverwriteExisting {
			result.ConflictIDs = append(result.ConflictIDs, mem.ID)
			continue
		}
		restored := mem.Clone()
		restored.SetMeta(model.MetaRestoredAt, m.now().UTC().Format(time.RFC3339))
		if _, err := m.store.Put(ctx, restored); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("memory_id", mem.ID).Msg("memory_restore_failed")
			result.FailedIDs = append(result.FailedIDs, mem.ID)
			continue
		}
		result.RecoveredIDs = append(result.RecoveredIDs, mem.ID)
	}

	if opts.ValidateAfterRecovery {
		for _, id := range result.RecoveredIDs {
			if _, err := m.store.Get(ctx, id); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("post-restore check failed for %s: %v", id, err))
			}
		}
	}

	completed := m.now()
	recovery.CompletedAt = &completed
	recovery.RecoveredCount = len(result.RecoveredIDs)
	recovery.FailedCount = len(result.FailedIDs)
	recovery.Result = result
	switch {
	case len(result.FailedIDs) == 0:
		recovery.Status = RecoveryCompleted
	case len(result.RecoveredIDs) > 0:
		recovery.Status = RecoveryPartial
	default:
		recovery.Status = RecoveryFailed
	}
	m.saveRecovery(recovery)
	recordRecovery(ctx, recovery.Status)

	log.Ctx(ctx).Info().
		Str("recovery_id", recovery.RecoveryID).
		Str("backup_id", backupID).
		Str("status", string(recovery.Status)).
		Int("recovered", recovery.RecoveredCount).
		Int("failed", recovery.FailedCount).
		Int("conflicts", len(result.ConflictIDs)).
		Msg("recovery_completed")

	cp := *recovery
	return &cp, nil
}

// selectMemories applies the restore mode to the envelope contents.
// Point-in-time keeps memories created no later than the target.
func (m *Manager) selectMemories(memories []*model.Memory, opts RestoreOptions) []*model.Memory {
	switch opts.Mode {
	case RestoreSelective:
		if opts.Filter == nil {
			return memories
		}
		var out []*model.Memory
		for _, mem := range memories {
			if filterMatches(opts.Filter, mem) {
				out = append(out, mem)
			}
		}
		return out
	case RestorePointInTime:
		var out []*model.Memory
		for _, mem := range memories {
			if !mem.CreatedAt.After(*opts.PointInTime) {
				out = append(out, mem)
			}
		}
		return out
	default:
		return memories
	}
}

func filterMatches(f *RestoreFilter, mem *model.Memory) bool {
	if len(f.Types) > 0 && !typeIn(mem.Type, f.Types) {
		return false
	}
	if len(f.Projects) > 0 && !stringIn(mem.ProjectContext, f.Projects) {
		return false
	}
	if len(f.Tags) > 0 && !anyTagIn(mem.Tags, f.Tags) {
		return false
	}
	if !f.From.IsZero() && mem.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && mem.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func typeIn(t model.Type, set []model.Type) bool {
	for _, candidate := range set {
		if candidate == t {
			return true
		}
	}
	return false
}

func stringIn(s string, set []string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func anyTagIn(tags, want []string) bool {
	for _, t := range tags {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

// Recovery returns a copy of the ledger entry for one restore run.
func (m *Manager) Recovery(recoveryID string) (*RecoveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recoveries[recoveryID]
	if !ok {
		return nil, fmt.Errorf("recovery %s: %w", recoveryID, model.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *Manager) saveRecovery(rec *RecoveryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recoveries[rec.RecoveryID] = &cp
}
