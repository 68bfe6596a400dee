package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratamem/strata/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, validate, restore, and prune backups",
}

var (
	backupIncremental bool
	backupBase        string
	backupDescription string

	restoreMode        string
	restoreOverwrite   bool
	restorePointInTime string
	restoreCheckpoint  bool
)

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a full (or incremental) backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_create")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		meta := backup.Metadata{Creator: "cli", Description: backupDescription}
		var rec *backup.Record
		if backupIncremental {
			base := backupBase
			if base == "" {
				latest, err := b.Backups().LatestUsable()
				if err != nil {
					return fmt.Errorf("no usable base backup; run a full backup first: %w", err)
				}
				base = latest.BackupID
			}
			rec, err = b.CreateIncrementalBackup(ctx, base, meta)
		} else {
			rec, err = b.CreateBackup(ctx, meta)
		}
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()
		return printJSON(b.Backups().Records())
	},
}

var backupValidateCmd = &cobra.Command{
	Use:   "validate <backup-id>",
	Short: "Verify a backup's checksum and structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_validate")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		result, err := b.Backups().Validate(ctx, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.Valid {
			os.Exit(1)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore memories from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_restore")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		opts := backup.RestoreOptions{
			Mode:                  backup.RestoreMode(restoreMode),
			OverwriteExisting:     restoreOverwrite,
			ValidateAfterRecovery: true,
			CreateRecoveryPoint:   restoreCheckpoint,
		}
		if restorePointInTime != "" {
			t, err := time.Parse(time.RFC3339, restorePointInTime)
			if err != nil {
				return fmt.Errorf("--point-in-time must be RFC3339: %w", err)
			}
			opts.Mode = backup.RestorePointInTime
			opts.PointInTime = &t
		}

		rec, err := b.RestoreBackup(ctx, args[0], opts)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove backups beyond the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_cleanup")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		removed, err := b.Backups().Cleanup(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"removed": removed})
	},
}

func init() {
	backupCreateCmd.Flags().BoolVar(&backupIncremental, "incremental", false, "create an incremental backup against the latest usable base")
	backupCreateCmd.Flags().StringVar(&backupBase, "base", "", "base backup id for incremental (default: latest usable)")
	backupCreateCmd.Flags().StringVar(&backupDescription, "description", "", "free-form backup description")

	backupRestoreCmd.Flags().StringVar(&restoreMode, "mode", string(backup.RestoreFull), "restore mode (full, selective, point_in_time)")
	backupRestoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "overwrite memories that already exist")
	backupRestoreCmd.Flags().StringVar(&restorePointInTime, "point-in-time", "", "RFC3339 target timestamp (implies point_in_time mode)")
	backupRestoreCmd.Flags().BoolVar(&restoreCheckpoint, "recovery-point", false, "take a full backup before restoring")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupValidateCmd, backupRestoreCmd, backupCleanupCmd)
	rootCmd.AddCommand(backupCmd)
}

// printJSON writes indented JSON to stdout (logs stay on stderr).
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
