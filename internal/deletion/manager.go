// Package deletion validates and executes memory deletion through four
// strategies, tracks recoverability windows, and repairs dangling
// relationship references left behind by removals.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
	strataotel "github.com/stratamem/strata/internal/otel"
	"github.com/stratamem/strata/internal/store"
)

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/deletion")

// Strategy selects how a deletion executes.
type Strategy string

const (
	StrategySoft              Strategy = "soft"
	StrategyHard              Strategy = "hard"
	StrategyCascade           Strategy = "cascade"
	StrategyArchiveThenDelete Strategy = "archive-then-delete"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategySoft, StrategyHard, StrategyCascade, StrategyArchiveThenDelete:
		return true
	}
	return false
}

// Status is the terminal state of a deletion operation.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusRejected           Status = "rejected"
)

// Record is the audit trail of one deletion operation. It is created at
// deletion time and mutated exactly once afterwards (Recover flips
// Recoverable to false); retention trimming is the only removal path.
type Record struct {
	OperationID      string        `json:"operation_id"`
	MemoryID         string        `json:"memory_id"`
	Strategy         Strategy      `json:"strategy"`
	Status           Status        `json:"status"`
	Timestamp        time.Time     `json:"timestamp"`
	Actor            string        `json:"actor"`
	Reason           string        `json:"reason,omitempty"`
	Snapshot         *model.Memory `json:"snapshot,omitempty"`
	AffectedIDs      []string      `json:"affected_ids,omitempty"`
	RecoveryDeadline *time.Time    `json:"recovery_deadline,omitempty"`
	Recoverable      bool          `json:"recoverable"`
}

// Config tunes the deletion manager. Zero values fall back to defaults via
// WithDefaults. Booleans that default to true are pointers so an explicit
// false is distinguishable from an unset key.
type Config struct {
	RecoveryPeriodDays             int     `mapstructure:"recovery_period_days"`
	RequireConfirmationForCritical *bool   `mapstructure:"require_confirmation_for_critical"`
	CriticalImportanceThreshold    float64 `mapstructure:"critical_importance_threshold"`
	AutoCleanupOrphans             *bool   `mapstructure:"auto_cleanup_orphans"`
	MaxRecords                     int     `mapstructure:"max_records"`
	BackupBeforeHardDelete         *bool   `mapstructure:"backup_before_hard_delete"`
}

func boolPtr(v bool) *bool { return &v }

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RecoveryPeriodDays:             30,
		RequireConfirmationForCritical: boolPtr(true),
		CriticalImportanceThreshold:    0.8,
		AutoCleanupOrphans:             boolPtr(true),
		MaxRecords:                     1000,
		BackupBeforeHardDelete:         boolPtr(true),
	}
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RecoveryPeriodDays <= 0 {
		c.RecoveryPeriodDays = d.RecoveryPeriodDays
	}
	if c.RequireConfirmationForCritical == nil {
		c.RequireConfirmationForCritical = d.RequireConfirmationForCritical
	}
	if c.CriticalImportanceThreshold <= 0 {
		c.CriticalImportanceThreshold = d.CriticalImportanceThreshold
	}
	if c.AutoCleanupOrphans == nil {
		c.AutoCleanupOrphans = d.AutoCleanupOrphans
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.BackupBeforeHardDelete == nil {
		c.BackupBeforeHardDelete = d.BackupBeforeHardDelete
	}
	return c
}

// Options are per-call deletion parameters.
type Options struct {
	Force  bool   `json:"force,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Manager owns the deletion record map. Operations on distinct memory ids
// may run concurrently; calls racing on the same id must be serialized by
// the caller (the mutex here protects the record map, not memory rows).
type Manager struct {
	mu      sync.Mutex
	store   store.Store
	cfg     Config
	records map[string]*Record
	now     func() time.Time
}

// NewManager creates a deletion manager over the given store.
func NewManager(st store.Store, cfg Config) *Manager {
	return &Manager{
		store:   st,
		cfg:     cfg.WithDefaults(),
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Delete validates and executes a deletion. Policy rejection produces a
// Record with StatusRejected and an error wrapping model.ErrPolicyViolation;
// a missing memory returns model.ErrNotFound with no record.
func (m *Manager) Delete(ctx context.Context, id string, strategy Strategy, opts Options) (*Record, error) {
	ctx, span := tracer.Start(ctx, "deletion.delete",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("deletion.strategy", string(strategy)),
		))
	defer span.End()

	if !ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown deletion strategy %q", strategy)
	}

	target, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	validation, err := m.Validate(ctx, id, strategy, opts)
	if err != nil {
		return nil, err
	}
	if !validation.Allowed {
		rec := m.newRecord(id, strategy, opts)
		rec.Status = StatusRejected
		m.saveRecord(rec)
		return rec, fmt.Errorf("deletion of %s blocked: %s: %w",
			id, firstOr(validation.Reasons, "validation failed"), model.ErrPolicyViolation)
	}

	rec := m.newRecord(id, strategy, opts)
	switch strategy {
	case StrategySoft:
		err = m.softDelete(ctx, target, rec, m.recoveryPeriod())
	case StrategyArchiveThenDelete:
		// Documented behavior: an extended soft delete. The archival hand-off
		// itself is the caller's responsibility (see bank.Bank).
		err = m.softDelete(ctx, target, rec, 2*m.recoveryPeriod())
	case StrategyHard:
		err = m.hardDelete(ctx, target, rec)
	case StrategyCascade:
		err = m.cascadeDelete(ctx, target, rec, opts)
	}
	if err != nil {
		return nil, err
	}

	m.saveRecord(rec)

	if *m.cfg.AutoCleanupOrphans {
		m.cleanupOrphanReferences(ctx, id)
	}
	m.trimRecords()

	deletionsTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("deletion.operation_id", rec.OperationID),
		attribute.String("deletion.status", string(rec.Status)),
	)
	return rec, nil
}

// softDelete snapshots the memory, marks the live row SoftDeleted, and sets
// the recovery deadline. The row is not removed from the store.
func (m *Manager) softDelete(ctx context.Context, target *model.Memory, rec *Record, window time.Duration) error {
	rec.Snapshot = target.Clone()
	deadline := m.now().Add(window)
	rec.RecoveryDeadline = &deadline
	rec.Recoverable = true

	state := model.StateSoftDeleted
	_, err := m.store.Update(ctx, target.ID, store.Patch{
		State:    &state,
		Metadata: map[string]any{model.MetaDeleteOperationID: rec.OperationID},
	})
	if err != nil {
		return fmt.Errorf("marking %s soft-deleted: %w", target.ID, err)
	}
	rec.Status = StatusCompleted
	return nil
}

// hardDelete physically removes the row. Not recoverable; the snapshot is
// kept only when configured, for audit purposes.
func (m *Manager) hardDelete(ctx context.Context, target *model.Memory, rec *Record) error {
	if *m.cfg.BackupBeforeHardDelete {
		rec.Snapshot = target.Clone()
	}
	removed, err := m.store.Delete(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("hard-deleting %s: %w", target.ID, err)
	}
	if !removed {
		return fmt.Errorf("memory %s: %w", target.ID, model.ErrNotFound)
	}
	rec.Recoverable = false
	rec.Status = StatusCompleted
	return nil
}

// cascadeDelete soft-deletes every related memory (best-effort, each with
// its own child record), then hard-deletes the target. A failure on one
// related id does not abort the others; any failure downgrades the status
// to partially completed.
func (m *Manager) cascadeDelete(ctx context.Context, target *model.Memory, rec *Record, opts Options) error {
	failures := 0
	for _, relID := range target.RelatedMemories {
		if err := ctx.Err(); err != nil {
			return err
		}
		related, err := m.store.Get(ctx, relID)
		if err != nil {
			// Dangling references are tolerated, not counted as failures.
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			failures++
			log.Warn().Err(err).Str("memory_id", relID).Msg("cascade_related_load_failed")
			continue
		}
		child := m.newRecord(relID, StrategySoft, opts)
		child.Reason = "cascade from " + rec.OperationID
		if err := m.softDelete(ctx, related, child, m.recoveryPeriod()); err != nil {
			failures++
			log.Warn().Err(err).Str("memory_id", relID).Msg("cascade_soft_delete_failed")
			continue
		}
		m.saveRecord(child)
		rec.AffectedIDs = append(rec.AffectedIDs, relID)
	}

	if err := m.hardDelete(ctx, target, rec); err != nil {
		return err
	}
	if failures > 0 {
		rec.Status = StatusPartiallyCompleted
	}
	return nil
}

// Recover re-inserts the snapshotted memory. One-shot: the record's
// Recoverable flag flips to false and a second attempt fails with
// model.ErrInvalidState, as does recovery past the deadline.
func (m *Manager) Recover(ctx context.Context, operationID string) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "deletion.recover",
		trace.WithAttributes(attribute.String("deletion.operation_id", operationID)))
	defer span.End()

	m.mu.Lock()
	rec, ok := m.records[operationID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("deletion record %s: %w", operationID, model.ErrNotFound)
	}
	if !rec.Recoverable || rec.Snapshot == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("operation %s is not recoverable: %w", operationID, model.ErrInvalidState)
	}
	if rec.RecoveryDeadline != nil && m.now().After(*rec.RecoveryDeadline) {
		rec.Recoverable = false
		m.mu.Unlock()
		return nil, fmt.Errorf("recovery window for %s expired: %w", operationID, model.ErrInvalidState)
	}
	snapshot := rec.Snapshot.Clone()
	m.mu.Unlock()

	snapshot.State = model.StateActive
	snapshot.SetMeta(model.MetaRecoveredAt, m.now().Format(time.RFC3339))
	delete(snapshot.Metadata, model.MetaDeleteOperationID)

	restored, err := m.store.Put(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("restoring memory %s: %w", snapshot.ID, err)
	}

	m.mu.Lock()
	rec.Recoverable = false
	m.mu.Unlock()

	recoveriesTotal.Add(ctx, 1)
	log.Info().
		Str("operation_id", operationID).
		Str("memory_id", restored.ID).
		Func(strataotel.LogTraceFields(ctx)).
		Msg("memory_recovered")
	return restored, nil
}

// Record returns a copy of the record for operationID.
func (m *Manager) Record(operationID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[operationID]
	if !ok {
		return nil, fmt.Errorf("deletion record %s: %w", operationID, model.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// Records returns copies of all records, newest first.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// cleanupOrphanReferences strips deletedID from every memory whose
// relatedMemories still names it. Idempotent and best-effort: a failure is
// logged and never fails the deletion that triggered it.
func (m *Manager) cleanupOrphanReferences(ctx context.Context, deletedID string) {
	result, err := m.store.Query(ctx, store.Filter{
		States: []model.State{model.StateActive, model.StateSoftDeleted, model.StateArchived},
	})
	if err != nil {
		log.Warn().Err(err).Str("memory_id", deletedID).Msg("orphan_cleanup_scan_failed")
		return
	}

	cleaned := 0
	for _, candidate := range result.Items {
		if ctx.Err() != nil {
			return
		}
		pruned, found := removeID(candidate.RelatedMemories, deletedID)
		if !found {
			continue
		}
		if _, err := m.store.Update(ctx, candidate.ID, store.Patch{RelatedMemories: &pruned}); err != nil {
			log.Warn().Err(err).Str("memory_id", candidate.ID).Msg("orphan_cleanup_update_failed")
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		log.Debug().Int("cleaned", cleaned).Str("deleted_id", deletedID).Msg("orphan_references_removed")
	}
}

// trimRecords drops the oldest records beyond MaxRecords.
func (m *Manager) trimRecords() {
	m.mu.Lock()
	defer m.mu.Unlock()
	excess := len(m.records) - m.cfg.MaxRecords
	if excess <= 0 {
		return
	}
	byAge := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		byAge = append(byAge, rec)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].Timestamp.Before(byAge[j].Timestamp) })
	for _, rec := range byAge[:excess] {
		delete(m.records, rec.OperationID)
	}
}

func (m *Manager) newRecord(memoryID string, strategy Strategy, opts Options) *Record {
	return &Record{
		OperationID: "del_" + uuid.New().String()[:12],
		MemoryID:    memoryID,
		Strategy:    strategy,
		Timestamp:   m.now(),
		Actor:       opts.Actor,
		Reason:      opts.Reason,
	}
}

func (m *Manager) saveRecord(rec *Record) {
	m.mu.Lock()
	m.records[rec.OperationID] = rec
	m.mu.Unlock()
}

func (m *Manager) recoveryPeriod() time.Duration {
	return time.Duration(m.cfg.RecoveryPeriodDays) * 24 * time.Hour
}

func removeID(ids []string, target string) (pruned []string, found bool) {
	for _, id := range ids {
		if id == target {
			found = true
			continue
		}
		pruned = append(pruned, id)
	}
	if pruned == nil {
		pruned = []string{}
	}
	return pruned, found
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
