package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/backup"
	"github.com/stratamem/strata/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Strata server with scheduled backups and archival maintenance",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, cfg, err := openBank()
	if err != nil {
		return err
	}
	defer b.Close()

	stopMaintenance := b.StartMaintenance(ctx)
	defer stopMaintenance()

	// Storage-pressure check piggybacks on the archival maintenance cadence.
	stopPressure := startPressureLoop(ctx, b.Archival(), cfg.MaxEntries, time.Duration(cfg.Archival.CleanupIntervalHours)*time.Hour)
	defer stopPressure()

	scheduler := backup.NewScheduler(b.Backups(), cfg.Backup)
	if err := scheduler.RegisterSchedules(); err != nil {
		return fmt.Errorf("registering backup schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(b,
		server.WithRateLimiter(server.NewRateLimiter(cfg.GlobalRPM, cfg.PerCallerRPM)),
		server.WithCORSOrigins([]string{"*"}),
		server.WithVersion(resolvedVersion()),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("store", cfg.StoreBackend).
		Int("cron_entries", scheduler.Entries()).
		Int("archival_policies", len(b.Archival().Policies())).
		Msg("strata_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// startPressureLoop periodically archives under storage pressure. Returns a
// stop function.
func startPressureLoop(ctx context.Context, mgr *archival.Manager, maxEntries int, interval time.Duration) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := mgr.CheckStoragePressure(loopCtx, maxEntries); err != nil {
					log.Warn().Err(err).Msg("storage_pressure_check_failed")
				}
			}
		}
	}()
	return cancel
}
