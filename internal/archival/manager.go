// Package archival moves stale memories into tiered archive partitions
// (hot/warm/cold/frozen), driven manually or by named, priority-ordered
// policies, and restores them on demand. Tiers are an ordered staleness
// scale, not a physical medium.
package archival

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/archival")

// Tier names an archive partition.
type Tier string

const (
	TierHot    Tier = "hot"
	TierWarm   Tier = "warm"
	TierCold   Tier = "cold"
	TierFrozen Tier = "frozen"
)

// AllTiers in staleness order.
var AllTiers = []Tier{TierHot, TierWarm, TierCold, TierFrozen}

// ValidTier reports whether t names a known partition.
func ValidTier(t Tier) bool {
	for _, known := range AllTiers {
		if t == known {
			return true
		}
	}
	return false
}

// Trigger records what initiated an archival.
type Trigger string

const (
	TriggerManual          Trigger = "manual"
	TriggerAgeBased        Trigger = "age-based"
	TriggerUsageBased      Trigger = "usage-based"
	TriggerStoragePressure Trigger = "storage-pressure"
	TriggerPolicyBased     Trigger = "policy-based"
)

// PreArchiveMeta snapshots the ranking-relevant fields at archival time.
type PreArchiveMeta struct {
	Importance   float64   `json:"importance"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
	Tags         []string  `json:"tags,omitempty"`
	Project      string    `json:"project,omitempty"`
}

// StorageMeta describes how the archived copy is stored.
type StorageMeta struct {
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Checksum         string  `json:"checksum,omitempty"`
	StorageKey       string  `json:"storage_key"`
}

// Record is the audit trail of one archival operation.
type Record struct {
	OperationID string         `json:"operation_id"`
	MemoryID    string         `json:"memory_id"`
	Tier        Tier           `json:"tier"`
	Trigger     Trigger        `json:"trigger"`
	PolicyName  string         `json:"policy_name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor,omitempty"`
	PreArchive  PreArchiveMeta `json:"pre_archive"`
	Storage     StorageMeta    `json:"storage"`
	Recoverable bool           `json:"recoverable"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Config tunes the archival manager. Compression and Checksums are pointers
// so an explicit false in the config file is distinguishable from an unset
// key; both default to true.
type Config struct {
	MaxRecords               int     `mapstructure:"max_records"`
	DefaultTier              Tier    `mapstructure:"default_tier"`
	Compression              *bool   `mapstructure:"compression"`
	Checksums                *bool   `mapstructure:"checksums"`
	CleanupIntervalHours     int     `mapstructure:"cleanup_interval_hours"`
	StoragePressureThreshold float64 `mapstructure:"storage_pressure_threshold"`
	// ArchiveExpiryDays bounds how long an archived copy stays restorable;
	// 0 disables expiry.
	ArchiveExpiryDays int `mapstructure:"archive_expiry_days"`
}

func boolPtr(v bool) *bool { return &v }

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecords:               1000,
		DefaultTier:              TierWarm,
		Compression:              boolPtr(true),
		Checksums:                boolPtr(true),
		CleanupIntervalHours:     24,
		StoragePressureThreshold: 0.9,
	}
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.DefaultTier == "" {
		c.DefaultTier = d.DefaultTier
	}
	if c.Compression == nil {
		c.Compression = d.Compression
	}
	if c.Checksums == nil {
		c.Checksums = d.Checksums
	}
	if c.CleanupIntervalHours <= 0 {
		c.CleanupIntervalHours = d.CleanupIntervalHours
	}
	if c.StoragePressureThreshold <= 0 || c.StoragePressureThreshold > 1 {
		c.StoragePressureThreshold = d.StoragePressureThreshold
	}
	return c
}

// Options are per-call archival parameters.
type Options struct {
	Actor      string  `json:"actor,omitempty"`
	Trigger    Trigger `json:"trigger,omitempty"`
	PolicyName string  `json:"policy_name,omitempty"`
}

// Manager owns the tier partitions and the archive record map. The mutex
// guards only that shared state; population scans snapshot their candidate
// list before processing (see RunPolicies).
type Manager struct {
	mu         sync.Mutex
	store      store.Store
	cfg        Config
	policies   []Policy
	records    map[string]*Record
	partitions map[Tier]map[string]*model.Memory // tier -> memory id -> archived copy
	now        func() time.Time
}

// NewManager creates an archival manager over the given store.
func NewManager(st store.Store, cfg Config) *Manager {
	partitions := make(map[Tier]map[string]*model.Memory, len(AllTiers))
	for _, t := range AllTiers {
		partitions[t] = make(map[string]*model.Memory)
	}
	return &Manager{
		store:      st,
		cfg:        cfg.WithDefaults(),
		records:    make(map[string]*Record),
		partitions: partitions,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Archive moves the memory into the tier's partition and flags the live row
// archived. A memory key exists in at most one tier at a time; archiving an
// already-archived memory fails with model.ErrInvalidState.
func (m *Manager) Archive(ctx context.Context, id string, tier Tier, opts Options) (*Record, error) {
	ctx, span := tracer.Start(ctx, "archival.archive",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("archival.tier", string(tier)),
		))
	defer span.End()

	if tier == "" {
		tier = m.cfg.DefaultTier
	}
	if !ValidTier(tier) {
		return nil, fmt.Errorf("unknown archive tier %q", tier)
	}

	target, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.State == model.StateArchived {
		return nil, fmt.Errorf("memory %s is already archived: %w", id, model.ErrInvalidState)
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	rec := &Record{
		OperationID: "arc_" + uuid.New().String()[:12],
		MemoryID:    id,
		Tier:        tier,
		Trigger:     trigger,
		PolicyName:  opts.PolicyName,
		Timestamp:   m.now(),
		Actor:       opts.Actor,
		Recoverable: true,
		PreArchive: PreArchiveMeta{
			Importance:   target.Importance,
			AccessCount:  target.AccessCount,
			LastAccessed: target.LastAccessed,
			CreatedAt:    target.CreatedAt,
			Tags:         append([]string(nil), target.Tags...),
			Project:      target.ProjectContext,
		},
	}
	rec.Storage.StorageKey = fmt.Sprintf("%s/%s", tier, rec.OperationID)

	serialized, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("serializing memory %s: %w", id, err)
	}
	rec.Storage.CompressedSize = int64(len(serialized))
	rec.Storage.CompressionRatio = 1.0
	if *m.cfg.Compression {
		compressed, err := gzipBytes(serialized)
		if err != nil {
			return nil, fmt.Errorf("compressing memory %s: %w", id, err)
		}
		rec.Storage.CompressedSize = int64(len(compressed))
		rec.Storage.CompressionRatio = float64(len(compressed)) / float64(len(serialized))
	}
	if *m.cfg.Checksums {
		sum := sha256.Sum256(serialized)
		rec.Storage.Checksum = hex.EncodeToString(sum[:])
	}
	if m.cfg.ArchiveExpiryDays > 0 {
		expiry := rec.Timestamp.AddDate(0, 0, m.cfg.ArchiveExpiryDays)
		rec.ExpiresAt = &expiry
	}

	state := model.StateArchived
	if _, err := m.store.Update(ctx, id, store.Patch{
		State: &state,
		Metadata: map[string]any{
			model.MetaArchiveTier:        string(tier),
			model.MetaArchiveOperationID: rec.OperationID,
		},
	}); err != nil {
		return nil, fmt.Errorf("flagging %s archived: %w", id, err)
	}

	m.mu.Lock()
	m.partitions[tier][id] = target.Clone()
	m.records[rec.OperationID] = rec
	m.mu.Unlock()
	m.trimRecords()

	archivesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("archival.operation_id", rec.OperationID))
	return rec, nil
}

// Restore re-inserts the archived copy into the live store and removes it
// from its tier partition. One-shot: a second restore of the same operation
// fails with model.ErrInvalidState, as does restoring past expiry.
func (m *Manager) Restore(ctx context.Context, operationID string) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "archival.restore",
		trace.WithAttributes(attribute.String("archival.operation_id", operationID)))
	defer span.End()

	m.mu.Lock()
	rec, ok := m.records[operationID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("archive record %s: %w", operationID, model.ErrNotFound)
	}
	if !rec.Recoverable {
		m.mu.Unlock()
		return nil, fmt.Errorf("archive %s is not recoverable: %w", operationID, model.ErrInvalidState)
	}
	if rec.ExpiresAt != nil && m.now().After(*rec.ExpiresAt) {
		rec.Recoverable = false
		m.mu.Unlock()
		return nil, fmt.Errorf("archive %s has expired: %w", operationID, model.ErrInvalidState)
	}
	copyInTier, ok := m.partitions[rec.Tier][rec.MemoryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("tier %s has no copy of %s: %w", rec.Tier, rec.MemoryID, model.ErrIntegrityFailure)
	}
	snapshot := copyInTier.Clone()
	m.mu.Unlock()

	snapshot.State = model.StateActive
	snapshot.SetMeta(model.MetaRestoredAt, m.now().Format(time.RFC3339))
	delete(snapshot.Metadata, model.MetaArchiveTier)
	delete(snapshot.Metadata, model.MetaArchiveOperationID)

	restored, err := m.store.Put(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("restoring memory %s: %w", snapshot.ID, err)
	}

	m.mu.Lock()
	delete(m.partitions[rec.Tier], rec.MemoryID)
	rec.Recoverable = false
	m.mu.Unlock()

	restoresTotal.Add(ctx, 1)
	log.Info().
		Str("operation_id", operationID).
		Str("memory_id", restored.ID).
		Str("tier", string(rec.Tier)).
		Func(strataotel.LogTraceFields(ctx)).
		Msg("archive_restored")
	return restored, nil
}

// Record returns a copy of the record for operationID.
func (m *Manager) Record(operationID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[operationID]
	if !ok {
		return nil, fmt.Errorf("archive record %s: %w", operationID, model.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// TierContains reports whether the tier partition holds a copy of memoryID
// (for tests and the search path).
func (m *Manager) TierContains(tier Tier, memoryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[tier][memoryID]
	return ok
}

// SweepExpired purges every record past its expiry from both the record map
// and its tier partition. Returns the number purged. Runs periodically via
// StartMaintenanceLoop, independent of manual or policy-driven archival.
func (m *Manager) SweepExpired(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "archival.sweep_expired")
	defer span.End()

	now := m.now()
	m.mu.Lock()
	var expired []*Record
	for _, rec := range m.records {
		if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		delete(m.partitions[rec.Tier], rec.MemoryID)
		delete(m.records, rec.OperationID)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		log.Info().Int("purged", len(expired)).Msg("archive_expiry_sweep_completed")
	}
	span.SetAttributes(attribute.Int("archival.expired", len(expired)))
	return len(expired)
}

// Maintain runs one maintenance pass: expired archives are swept, then the
// configured policies are evaluated against the live population.
func (m *Manager) Maintain(ctx context.Context) error {
	m.SweepExpired(ctx)
	if _, err := m.RunPolicies(ctx, TriggerPolicyBased); err != nil {
		return fmt.Errorf("running archival policies: %w", err)
	}
	return nil
}

// StartMaintenanceLoop runs Maintain on the configured interval in a
// goroutine. Returns a cancel function to stop the loop.
func (m *Manager) StartMaintenanceLoop(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	interval := time.Duration(m.cfg.CleanupIntervalHours) * time.Hour
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Maintain(ctx); err != nil {
					log.Ctx(ctx).Warn().Err(err).Msg("archival_maintenance_failed")
				}
			}
		}
	}()
	return cancel
}

// trimRecords drops the oldest archive records beyond MaxRecords. The tier
// copy is dropped with the record; a record-less copy would be unreachable.
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
		delete(m.partitions[rec.Tier], rec.MemoryID)
		delete(m.records, rec.OperationID)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
