package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs full and incremental backups on a cadence. Full backups
// follow cfg.Schedule when set (standard 5-field cron: minute hour
// day-of-month month day-of-week), falling back to an @every interval from
// FullFrequencyDays. Incrementals run @every IncrementalFrequencyHours
// against the latest usable backup, and fall back to a full backup when no
// base exists yet. A verification pass re-validates the latest usable
// backup @every VerificationFrequencyDays.
type Scheduler struct {
	cron    *cron.Cron
	manager *Manager
	cfg     Config
}

func NewScheduler(manager *Manager, cfg Config) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		manager: manager,
		cfg:     cfg.WithDefaults(),
	}
}

// RegisterSchedules adds the full and incremental cron entries.
func (s *Scheduler) RegisterSchedules() error {
	fullSpec := s.cfg.Schedule
	if fullSpec == "" {
		fullSpec = fmt.Sprintf("@every %dh", s.cfg.FullFrequencyDays*24)
	}
	if _, err := s.cron.AddFunc(fullSpec, s.runFull); err != nil {
		return fmt.Errorf("registering full backup cron %q: %w", fullSpec, err)
	}

	incSpec := fmt.Sprintf("@every %dh", s.cfg.IncrementalFrequencyHour)
	if _, err := s.cron.AddFunc(incSpec, s.runIncremental); err != nil {
		return fmt.Errorf("registering incremental backup cron %q: %w", incSpec, err)
	}

	verifySpec := fmt.Sprintf("@every %dh", s.cfg.VerificationFrequencyDays*24)
	if _, err := s.cron.AddFunc(verifySpec, s.runVerification); err != nil {
		return fmt.Errorf("registering backup verification cron %q: %w", verifySpec, err)
	}
	return nil
}

func (s *Scheduler) runFull() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	log.Info().Msg("scheduled_full_backup_fired")
	if _, err := s.manager.CreateFull(ctx, Metadata{Creator: "scheduler"}); err != nil {
		log.Error().Err(err).Msg("scheduled_full_backup_failed")
	}
}

func (s *Scheduler) runIncremental() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	base, err := s.manager.LatestUsable()
	if err != nil {
		log.Info().Msg("no_base_backup_running_full")
		s.runFull()
		return
	}

	log.Info().Str("base_backup_id", base.BackupID).Msg("scheduled_incremental_backup_fired")
	if _, err := s.manager.CreateIncremental(ctx, base.BackupID, Metadata{Creator: "scheduler"}); err != nil {
		log.Error().Err(err).Str("base_backup_id", base.BackupID).Msg("scheduled_incremental_backup_failed")
	}
}

func (s *Scheduler) runVerification() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	rec, err := s.manager.LatestUsable()
	if err != nil {
		log.Info().Msg("no_backup_to_verify")
		return
	}

	result, err := s.manager.Validate(ctx, rec.BackupID)
	if err != nil {
		log.Error().Err(err).Str("backup_id", rec.BackupID).Msg("scheduled_verification_failed")
		return
	}
	if !result.Valid {
		log.Error().Str("backup_id", rec.BackupID).Strs("errors", result.Errors).Msg("scheduled_verification_found_corruption")
	}
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
