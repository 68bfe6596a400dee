// Package bank is the facade over the memory store, the retrieval engine,
// and the three lifecycle managers. All mutations flow through here so that
// lifecycle events are published exactly once per operation. Callers racing
// on the same memory id must serialize those calls themselves; the managers
// guard their own ledgers, not memory rows.
package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/backup"
	"github.com/stratamem/strata/internal/deletion"
	"github.com/stratamem/strata/internal/events"
	"github.com/stratamem/strata/internal/model"
	strataotel "github.com/stratamem/strata/internal/otel"
	"github.com/stratamem/strata/internal/retrieval"
	"github.com/stratamem/strata/internal/store"
)

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/bank")

// Config aggregates the lifecycle managers' configuration.
type Config struct {
	Deletion deletion.Config `mapstructure:"deletion"`
	Archival archival.Config `mapstructure:"archival"`
	Backup   backup.Config   `mapstructure:"backup"`
}

// Bank wires the store, the retrieval engine, and the lifecycle managers
// behind one surface.
type Bank struct {
	store     store.Store
	retrieval *retrieval.Engine
	deletion  *deletion.Manager
	archival  *archival.Manager
	backup    *backup.Manager
	bus       *events.Bus
	now       func() time.Time
}

// New builds a bank on top of the given store.
func New(st store.Store, cfg Config) *Bank {
	return &Bank{
		store:     st,
		retrieval: retrieval.NewEngine(st),
		deletion:  deletion.NewManager(st, cfg.Deletion),
		archival:  archival.NewManager(st, cfg.Archival),
		backup:    backup.NewManager(st, cfg.Backup),
		bus:       events.NewBus(),
		now:       time.Now,
	}
}

// CreateRequest carries the caller-supplied fields of a new memory.
// Everything else (id, timestamps, state) is assigned here.
type CreateRequest struct {
	Content         string         `json:"content"`
	Type            model.Type     `json:"type"`
	Tags            []string       `json:"tags,omitempty"`
	ProjectContext  string         `json:"project_context,omitempty"`
	FilePath        string         `json:"file_path,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	Importance      float64        `json:"importance,omitempty"`
	RelatedMemories []string       `json:"related_memories,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Create stores a new active memory and publishes memory-created.
func (b *Bank) Create(ctx context.Context, req CreateRequest) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "bank.create")
	defer span.End()

	if req.Content == "" {
		return nil, fmt.Errorf("memory content is required: %w", model.ErrInvalidState)
	}
	if req.Type == "" {
		req.Type = model.TypeCustom
	}
	if !model.ValidType(req.Type) {
		return nil, fmt.Errorf("unknown memory type %q: %w", req.Type, model.ErrInvalidState)
	}
	if req.Importance < 0 || req.Importance > 1 {
		return nil, fmt.Errorf("importance %v out of range [0,1]: %w", req.Importance, model.ErrInvalidState)
	}

	now := b.now()
	mem := &model.Memory{
		ID:              "mem_" + uuid.NewString()[:12],
		Content:         req.Content,
		Type:            req.Type,
		Tags:            req.Tags,
		CreatedAt:       now,
		ModifiedAt:      now,
		CreatedBy:       req.CreatedBy,
		ProjectContext:  req.ProjectContext,
		FilePath:        req.FilePath,
		Importance:      req.Importance,
		RelatedMemories: req.RelatedMemories,
		State:           model.StateActive,
		Metadata:        req.Metadata,
	}
	stored, err := b.store.Put(ctx, mem)
	if err != nil {
		return nil, fmt.Errorf("storing memory: %w", err)
	}
	span.SetAttributes(attribute.String("memory.id", stored.ID))
	log.Ctx(ctx).Debug().Str("memory_id", stored.ID).Str("type", string(stored.Type)).Msg("memory_created")

	b.bus.Publish(ctx, events.MemoryCreated, stored.Clone())
	return stored, nil
}

// Get returns the memory regardless of lifecycle state.
func (b *Bank) Get(ctx context.Context, id string) (*model.Memory, error) {
	return b.store.Get(ctx, id)
}

// Update applies the patch, stamps ModifiedAt, and publishes memory-updated.
func (b *Bank) Update(ctx context.Context, id string, patch store.Patch) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "bank.update", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	mem, err := b.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	b.bus.Publish(ctx, events.MemoryUpdated, mem.Clone())
	return mem, nil
}

// RecordAccess bumps the access counters used by the recency and frequency
// retrieval factors.
func (b *Bank) RecordAccess(ctx context.Context, id string) error {
	return b.store.RecordAccess(ctx, id)
}

// Retrieve runs the scoring engine over the active population.
func (b *Bank) Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Scored, error) {
	return b.retrieval.Retrieve(ctx, q)
}

// Query exposes raw store filtering (used by the HTTP listing surface).
func (b *Bank) Query(ctx context.Context, f store.Filter) (*store.QueryResult, error) {
	return b.store.Query(ctx, f)
}

// Delete runs the deletion manager and publishes memory-deleted when the
// operation was not rejected.
func (b *Bank) Delete(ctx context.Context, id string, strategy deletion.Strategy, opts deletion.Options) (*deletion.Record, error) {
	ctx, span := tracer.Start(ctx, "bank.delete", trace.WithAttributes(
		attribute.String("memory.id", id),
		attribute.String("deletion.strategy", string(strategy)),
	))
	defer span.End()

	rec, err := b.deletion.Delete(ctx, id, strategy, opts)
	if err != nil {
		return rec, err
	}
	b.bus.Publish(ctx, events.MemoryDeleted, rec)
	return rec, nil
}

// ValidateDeletion previews a deletion without executing it.
func (b *Bank) ValidateDeletion(ctx context.Context, id string, strategy deletion.Strategy, opts deletion.Options) (*deletion.ValidationResult, error) {
	return b.deletion.Validate(ctx, id, strategy, opts)
}

// RecoverDeleted restores a soft-deleted memory from its deletion record and
// publishes recovery-completed.
func (b *Bank) RecoverDeleted(ctx context.Context, operationID string) (*model.Memory, error) {
	mem, err := b.deletion.Recover(ctx, operationID)
	if err != nil {
		return nil, err
	}
	b.bus.Publish(ctx, events.RecoveryCompleted, mem.Clone())
	return mem, nil
}

// Archive moves a memory into a storage tier and publishes memory-archived.
func (b *Bank) Archive(ctx context.Context, id string, tier archival.Tier, opts archival.Options) (*archival.Record, error) {
	ctx, span := tracer.Start(ctx, "bank.archive", trace.WithAttributes(
		attribute.String("memory.id", id),
		attribute.String("archive.tier", string(tier)),
	))
	defer span.End()

	rec, err := b.archival.Archive(ctx, id, tier, opts)
	if err != nil {
		return nil, err
	}
	b.bus.Publish(ctx, events.MemoryArchived, rec)
	return rec, nil
}

// RestoreArchived brings an archived memory back to the active state and
// publishes recovery-completed.
func (b *Bank) RestoreArchived(ctx context.Context, operationID string) (*model.Memory, error) {
	mem, err := b.archival.Restore(ctx, operationID)
	if err != nil {
		return nil, err
	}
	b.bus.Publish(ctx, events.RecoveryCompleted, mem.Clone())
	return mem, nil
}

// CreateBackup takes a full snapshot and publishes backup-completed on
// success.
func (b *Bank) CreateBackup(ctx context.Context, meta backup.Metadata) (*backup.Record, error) {
	rec, err := b.backup.CreateFull(ctx, meta)
	if err != nil {
		return rec, err
	}
	b.bus.Publish(ctx, events.BackupCompleted, rec)
	return rec, nil
}

// CreateIncrementalBackup snapshots changes since the base backup and
// publishes backup-completed on success.
func (b *Bank) CreateIncrementalBackup(ctx context.Context, baseID string, meta backup.Metadata) (*backup.Record, error) {
	rec, err := b.backup.CreateIncremental(ctx, baseID, meta)
	if err != nil {
		return rec, err
	}
	b.bus.Publish(ctx, events.BackupCompleted, rec)
	return rec, nil
}

// RestoreBackup replays a backup into the store and publishes
// recovery-completed.
func (b *Bank) RestoreBackup(ctx context.Context, backupID string, opts backup.RestoreOptions) (*backup.RecoveryRecord, error) {
	rec, err := b.backup.Restore(ctx, backupID, opts)
	if err != nil {
		return nil, err
	}
	b.bus.Publish(ctx, events.RecoveryCompleted, rec)
	return rec, nil
}

// Subscribe registers a lifecycle event handler. See package events for the
// event names and payload types.
func (b *Bank) Subscribe(event string, h events.Handler) (unsubscribe func()) {
	return b.bus.Subscribe(event, h)
}

// Deletion exposes the deletion manager for record inspection.
func (b *Bank) Deletion() *deletion.Manager { return b.deletion }

// Archival exposes the archival manager for policy and search surfaces.
func (b *Bank) Archival() *archival.Manager { return b.archival }

// Backups exposes the backup manager for validation and cleanup surfaces.
func (b *Bank) Backups() *backup.Manager { return b.backup }

// StartMaintenance launches the archival maintenance loop (expiry sweeps
// plus policy evaluation) and returns a stop function.
func (b *Bank) StartMaintenance(ctx context.Context) func() {
	return b.archival.StartMaintenanceLoop(ctx)
}

// Stats summarizes the population by lifecycle state.
type Stats struct {
	Active      int `json:"active"`
	SoftDeleted int `json:"soft_deleted"`
	Archived    int `json:"archived"`
	Total       int `json:"total"`
}

// Stats counts memories per lifecycle state.
func (b *Bank) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	for _, st := range []model.State{model.StateActive, model.StateSoftDeleted, model.StateArchived} {
		res, err := b.store.Query(ctx, store.Filter{States: []model.State{st}, Limit: 1})
		if err != nil {
			return nil, err
		}
		switch st {
		case model.StateActive:
			s.Active = res.TotalCount
		case model.StateSoftDeleted:
			s.SoftDeleted = res.TotalCount
		case model.StateArchived:
			s.Archived = res.TotalCount
		}
	}
	s.Total = s.Active + s.SoftDeleted + s.Archived
	return s, nil
}

// Close releases the underlying store.
func (b *Bank) Close() error {
	return b.store.Close()
}
