package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/bank"
	"github.com/stratamem/strata/internal/deletion"
	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/retrieval"
	"github.com/stratamem/strata/internal/store"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Store, retrieve, and manage memories",
}

var (
	addType    string
	addTags    []string
	addProject string
	addFile    string
	addImport  float64

	listState   string
	listLimit   int
	listProject string

	retrieveTags    []string
	retrieveProject string
	retrieveFile    string
	retrieveMin     float64
	retrieveLimit   int
	retrieveRelated bool

	deleteStrategy string
	deleteForce    bool
	deleteReason   string

	archiveTier string
)

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_add")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		mem, err := b.Create(ctx, bank.CreateRequest{
			Content:        args[0],
			Type:           model.Type(addType),
			Tags:           addTags,
			ProjectContext: addProject,
			FilePath:       addFile,
			Importance:     addImport,
			CreatedBy:      "cli",
		})
		if err != nil {
			return err
		}
		return printJSON(mem)
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get <memory-id>",
	Short: "Show one memory, whatever its lifecycle state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		mem, err := b.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(mem)
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		f := store.Filter{Project: listProject, Limit: listLimit}
		if listState != "" {
			f.States = []model.State{model.State(listState)}
		}
		res, err := b.Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var memoryRetrieveCmd = &cobra.Command{
	Use:   "retrieve <search-term>",
	Short: "Score and rank memories against the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_retrieve")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		scored, err := b.Retrieve(ctx, retrieval.Query{
			SearchTerm:     args[0],
			Tags:           retrieveTags,
			CurrentProject: retrieveProject,
			CurrentFile:    retrieveFile,
			MinScore:       retrieveMin,
			IncludeRelated: retrieveRelated,
			Limit:          retrieveLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(scored)
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <memory-id>",
	Short: "Delete a memory using the configured safeguards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_delete")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		rec, err := b.Delete(ctx, args[0], deletion.Strategy(deleteStrategy),
			deletion.Options{Force: deleteForce, Reason: deleteReason, Actor: "cli"})
		if rec != nil {
			if printErr := printJSON(rec); printErr != nil {
				return printErr
			}
		}
		return err
	},
}

var memoryRecoverCmd = &cobra.Command{
	Use:   "recover <operation-id>",
	Short: "Recover a soft-deleted memory within its recovery window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_recover")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		mem, err := b.RecoverDeleted(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(mem)
	},
}

var memoryArchiveCmd = &cobra.Command{
	Use:   "archive <memory-id>",
	Short: "Move a memory into an archive tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_archive")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		rec, err := b.Archive(ctx, args[0], archival.Tier(archiveTier),
			archival.Options{Actor: "cli", Trigger: archival.TriggerManual})
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var memoryPoliciesRunCmd = &cobra.Command{
	Use:   "run-policies",
	Short: "Evaluate archival policies against the active population",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_run_policies")
		defer span.End()

		b, _, err := openBank()
		if err != nil {
			return err
		}
		defer b.Close()

		report, err := b.Archival().RunPolicies(ctx, archival.TriggerManual)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	memoryAddCmd.Flags().StringVar(&addType, "type", string(model.TypeCustom), "memory type (code, documentation, conversation, decision, pattern, preference, custom)")
	memoryAddCmd.Flags().StringSliceVar(&addTags, "tag", nil, "tag (repeatable)")
	memoryAddCmd.Flags().StringVar(&addProject, "project", "", "project context")
	memoryAddCmd.Flags().StringVar(&addFile, "file", "", "associated file path")
	memoryAddCmd.Flags().Float64Var(&addImport, "importance", 0, "importance in [0,1]")

	memoryListCmd.Flags().StringVar(&listState, "state", "", "lifecycle state filter (active, soft_deleted, archived)")
	memoryListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum results")
	memoryListCmd.Flags().StringVar(&listProject, "project", "", "project filter")

	memoryRetrieveCmd.Flags().StringSliceVar(&retrieveTags, "tag", nil, "context tag (repeatable)")
	memoryRetrieveCmd.Flags().StringVar(&retrieveProject, "project", "", "current project")
	memoryRetrieveCmd.Flags().StringVar(&retrieveFile, "file", "", "current file path")
	memoryRetrieveCmd.Flags().Float64Var(&retrieveMin, "min-score", 0, "minimum relevance score")
	memoryRetrieveCmd.Flags().IntVar(&retrieveLimit, "limit", 10, "maximum results")
	memoryRetrieveCmd.Flags().BoolVar(&retrieveRelated, "related", false, "expand related memories")

	memoryDeleteCmd.Flags().StringVar(&deleteStrategy, "strategy", string(deletion.StrategySoft), "deletion strategy (soft, hard, cascade, archive-then-delete)")
	memoryDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "override the critical-importance safeguard")
	memoryDeleteCmd.Flags().StringVar(&deleteReason, "reason", "", "why this memory is being deleted")

	memoryArchiveCmd.Flags().StringVar(&archiveTier, "tier", "", "target tier (hot, warm, cold, frozen; default from config)")

	memoryCmd.AddCommand(
		memoryAddCmd, memoryGetCmd, memoryListCmd, memoryRetrieveCmd,
		memoryDeleteCmd, memoryRecoverCmd, memoryArchiveCmd, memoryPoliciesRunCmd,
	)
	rootCmd.AddCommand(memoryCmd)
}
