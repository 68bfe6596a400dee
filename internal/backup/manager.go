package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
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

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/backup")

// Kind classifies what a backup file contains.
type Kind string

const (
	KindFull         Kind = "full"
	KindIncremental  Kind = "incremental"
	KindDifferential Kind = "differential"
	KindSnapshot     Kind = "snapshot"
)

// Status tracks a backup through its lifecycle. Verified and corrupted are
// terminal refinements of completed, set by validation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCorrupted  Status = "corrupted"
	StatusVerified   Status = "verified"
)

// Metadata travels inside the envelope and on the record.
type Metadata struct {
	FormatVersion string   `json:"format_version"`
	Creator       string   `json:"creator,omitempty"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// ValidationResult is the outcome of the most recent Validate call.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	ValidatedAt time.Time `json:"validated_at"`
	Errors      []string  `json:"errors,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Record is the in-memory ledger entry for one backup file.
type Record struct {
	BackupID         string            `json:"backup_id"`
	Kind             Kind              `json:"kind"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	FilePath         string            `json:"file_path"`
	FileSize         int64             `json:"file_size"`
	MemoryCount      int               `json:"memory_count"`
	Checksum         string            `json:"checksum"`
	CompressionRatio float64           `json:"compression_ratio"`
	BaseBackupID     string            `json:"base_backup_id,omitempty"`
	Metadata         Metadata          `json:"metadata"`
	Validation       *ValidationResult `json:"validation,omitempty"`
}

// Config controls backup behavior. Mapstructure tags line up with the
// viper keys under "backup.".
// Booleans that default to true are pointers so an explicit false in the
// config file is distinguishable from an unset key.
type Config struct {
	Dir                       string `mapstructure:"dir"`
	Schedule                  string `mapstructure:"schedule"`
	MaxBackups                int    `mapstructure:"max_backups"`
	RetentionDays             int    `mapstructure:"retention_days"`
	Compression               *bool  `mapstructure:"compression"`
	Encryption                bool   `mapstructure:"encryption"`
	EncryptionKey             string `mapstructure:"encryption_key"`
	IncrementalFrequencyHour  int    `mapstructure:"incremental_frequency_hours"`
	FullFrequencyDays         int    `mapstructure:"full_frequency_days"`
	VerificationFrequencyDays int    `mapstructure:"verification_frequency_days"`
	AutoCleanup               *bool  `mapstructure:"auto_cleanup"`
	FileNamePattern           string `mapstructure:"file_name_pattern"`
}

func boolPtr(v bool) *bool { return &v }

// DefaultConfig returns the config used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Dir:                       "backups",
		MaxBackups:                10,
		RetentionDays:             30,
		Compression:               boolPtr(true),
		IncrementalFrequencyHour:  6,
		FullFrequencyDays:         7,
		VerificationFrequencyDays: 1,
		AutoCleanup:               boolPtr(true),
		FileNamePattern:           "{type}-{timestamp}.backup",
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = def.RetentionDays
	}
	if c.Compression == nil {
		c.Compression = def.Compression
	}
	if c.IncrementalFrequencyHour == 0 {
		c.IncrementalFrequencyHour = def.IncrementalFrequencyHour
	}
	if c.FullFrequencyDays == 0 {
		c.FullFrequencyDays = def.FullFrequencyDays
	}
	if c.VerificationFrequencyDays == 0 {
		c.VerificationFrequencyDays = def.VerificationFrequencyDays
	}
	if c.AutoCleanup == nil {
		c.AutoCleanup = def.AutoCleanup
	}
	if c.FileNamePattern == "" {
		c.FileNamePattern = def.FileNamePattern
	}
	return c
}

// Manager creates, validates, restores, and prunes backup files. Records
// and recoveries are kept in memory; the files themselves live under
// cfg.Dir.
type Manager struct {
	mu         sync.Mutex
	store      store.Store
	cfg        Config
	codec      *codec
	records    map[string]*Record
	recoveries map[string]*RecoveryRecord
	now        func() time.Time
}

func NewManager(st store.Store, cfg Config) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		store:      st,
		cfg:        cfg,
		codec:      newCodec(cfg),
		records:    make(map[string]*Record),
		recoveries: make(map[string]*RecoveryRecord),
		now:        time.Now,
	}
}

// CreateFull snapshots the entire memory population, every lifecycle state
// included, into a new backup file.
func (m *Manager) CreateFull(ctx context.Context, meta Metadata) (*Record, error) {
	return m.create(ctx, KindFull, "", meta)
}

// CreateIncremental snapshots only memories modified at or after the base
// backup's creation time. The base must exist and be usable.
func (m *Manager) CreateIncremental(ctx context.Context, baseID string, meta Metadata) (*Record, error) {
	return m.create(ctx, KindIncremental, baseID, meta)
}

func (m *Manager) create(ctx context.Context, kind Kind, baseID string, meta Metadata) (*Record, error) {
	ctx, span := tracer.Start(ctx, "backup.create", trace.WithAttributes(
		attribute.String("backup.kind", string(kind)),
	))
	defer span.End()

	filter := store.Filter{States: []model.State{model.StateActive, model.StateSoftDeleted, model.StateArchived}}
	if kind == KindIncremental {
		base, err := m.Record(baseID)
		if err != nil {
			return nil, fmt.Errorf("looking up base backup %s: %w", baseID, err)
		}
		if base.Status != StatusCompleted && base.Status != StatusVerified {
			return nil, fmt.Errorf("base backup %s has status %s: %w", baseID, base.Status, model.ErrInvalidState)
		}
		filter.ModifiedSince = base.CreatedAt
	}

	now := m.now()
	rec := &Record{
		BackupID:     "bak_" + uuid.NewString()[:12],
		Kind:         kind,
		Status:       StatusInProgress,
		CreatedAt:    now,
		BaseBackupID: baseID,
		Metadata:     meta,
	}
	rec.Metadata.FormatVersion = envelopeVersion
	span.SetAttributes(attribute.String("backup.id", rec.BackupID))

	res, err := m.store.Query(ctx, filter)
	if err != nil {
		rec.Status = StatusFailed
		m.saveRecord(rec)
		recordBackup(ctx, kind, StatusFailed)
		return rec, fmt.Errorf("reading memory population: %w", err)
	}

	env := &Envelope{
		Version:      envelopeVersion,
		Kind:         kind,
		CreatedAt:    now,
		BaseBackupID: baseID,
		Memories:     res.Items,
		Metadata:     rec.Metadata,
	}
	fileBytes, uncompressed, err := m.codec.encode(env)
	if err != nil {
		rec.Status = StatusFailed
		m.saveRecord(rec)
		recordBackup(ctx, kind, StatusFailed)
		return rec, err
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		rec.Status = StatusFailed
		m.saveRecord(rec)
		recordBackup(ctx, kind, StatusFailed)
		return rec, fmt.Errorf("creating backup directory: %w", err)
	}
	rec.FilePath = filepath.Join(m.cfg.Dir, m.fileName(kind, now))
	if err := os.WriteFile(rec.FilePath, fileBytes, 0o600); err != nil {
		rec.Status = StatusFailed
		m.saveRecord(rec)
		recordBackup(ctx, kind, StatusFailed)
		return rec, fmt.Errorf("writing backup file: %w", err)
	}

	completed := m.now()
	rec.CompletedAt = &completed
	rec.Status = StatusCompleted
	rec.FileSize = int64(len(fileBytes))
	rec.MemoryCount = len(res.Items)
	rec.Checksum = checksumBytes(fileBytes)
	if uncompressed > 0 {
		rec.CompressionRatio = float64(len(fileBytes)) / float64(uncompressed)
	}
	m.saveRecord(rec)
	recordBackup(ctx, kind, StatusCompleted)

	log.Ctx(ctx).Info().
		Str("backup_id", rec.BackupID).
		Str("kind", string(kind)).
		Int("memory_count", rec.MemoryCount).
		Int64("file_size", rec.FileSize).
		Msg("backup_completed")

	// Verify the file straight away so a bad write surfaces here rather
	// than at restore time.
	if _, err := m.Validate(ctx, rec.BackupID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("backup_id", rec.BackupID).Msg("backup_self_validation_failed")
	}

	if *m.cfg.AutoCleanup {
		if _, err := m.Cleanup(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("backup_auto_cleanup_failed")
		}
	}
	return m.Record(rec.BackupID)
}

// Validate re-checks a backup file: the checksum against the recorded
// digest and the envelope structure. The two checks are independent so a
// checksum mismatch still reports structural findings. The record's status
// moves to verified or corrupted.
func (m *Manager) Validate(ctx context.Context, backupID string) (*ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "backup.validate", trace.WithAttributes(
		attribute.String("backup.id", backupID),
	))
	defer span.End()

	rec, err := m.Record(backupID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Valid: true, ValidatedAt: m.now()}

	fileBytes, err := os.ReadFile(rec.FilePath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("reading backup file: %v", err))
		m.recordValidation(backupID, result)
		return result, nil
	}

	if sum := checksumBytes(fileBytes); sum != rec.Checksum {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("checksum mismatch: recorded %s, computed %s", rec.Checksum, sum))
	}

	env, err := m.codec.decode(fileBytes)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		if problems := structuralErrors(env); len(problems) > 0 {
			result.Valid = false
			result.Errors = append(result.Errors, problems...)
		}
		if env != nil && len(env.Memories) != rec.MemoryCount {
			result.Warnings = append(result.Warnings, fmt.Sprintf("memory count drift: recorded %d, envelope holds %d", rec.MemoryCount, len(env.Memories)))
		}
	}

	m.recordValidation(backupID, result)
	log.Ctx(ctx).Info().
		Str("backup_id", backupID).
		Bool("valid", result.Valid).
		Int("errors", len(result.Errors)).
		Msg("backup_validated")
	return result, nil
}

func (m *Manager) recordValidation(backupID string, result *ValidationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[backupID]
	if !ok {
		return
	}
	rec.Validation = result
	if result.Valid {
		rec.Status = StatusVerified
	} else {
		rec.Status = StatusCorrupted
	}
}

// Cleanup prunes old backups: the MaxBackups most recent usable backups are
// always kept, and anything older than the retention window beyond that is
// deleted. File removal failures are logged and skipped. Returns the ids of
// removed backups.
func (m *Manager) Cleanup(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	all := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		all = append(all, rec)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	cutoff := m.now().AddDate(0, 0, -m.cfg.RetentionDays)
	kept := 0
	var removed []string
	for _, rec := range all {
		usable := rec.Status == StatusCompleted || rec.Status == StatusVerified
		if usable && kept < m.cfg.MaxBackups {
			kept++
			continue
		}
		if rec.CreatedAt.After(cutoff) && usable {
			continue
		}
		if rec.FilePath != "" {
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				log.Ctx(ctx).Warn().Err(err).Str("backup_id", rec.BackupID).Msg("backup_file_removal_failed")
				continue
			}
		}
		m.mu.Lock()
		delete(m.records, rec.BackupID)
		m.mu.Unlock()
		removed = append(removed, rec.BackupID)
	}
	if len(removed) > 0 {
		log.Ctx(ctx).Info().Strs("removed", removed).Msg("backup_cleanup_completed")
	}
	return removed, nil
}

// Record returns a copy of the ledger entry for the given backup.
func (m *Manager) Record(backupID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[backupID]
	if !ok {
		return nil, fmt.Errorf("backup %s: %w", backupID, model.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// Records returns all ledger entries, newest first.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LatestUsable returns the most recent completed or verified backup, or
// ErrNotFound when none exists. Used by the scheduler to pick an
// incremental base.
func (m *Manager) LatestUsable() (*Record, error) {
	for _, rec := range m.Records() {
		if rec.Status == StatusCompleted || rec.Status == StatusVerified {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no usable backup: %w", model.ErrNotFound)
}

func (m *Manager) saveRecord(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.BackupID] = rec
}

func (m *Manager) fileName(kind Kind, t time.Time) string {
	name := m.cfg.FileNamePattern
	name = strings.ReplaceAll(name, "{type}", string(kind))
	name = strings.ReplaceAll(name, "{timestamp}", t.UTC().Format("20060102T150405"))
	return name
}
