package deletion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

// Validation thresholds for non-blocking warnings.
const (
	frequentAccessCount = 10
	recentAccessWindow  = 7 * 24 * time.Hour
)

// ValidationResult is a structured outcome, never an error: callers branch
// on Allowed without exception handling. Warnings never block execution;
// only the critical-importance check does, and Force overrides it.
type ValidationResult struct {
	Allowed      bool     `json:"allowed"`
	Reasons      []string `json:"reasons,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Validate fails closed when the memory is missing or when importance meets
// the critical threshold without a force flag. Everything else is a warning
// with suggested alternatives.
func (m *Manager) Validate(ctx context.Context, id string, strategy Strategy, opts Options) (*ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "deletion.validate",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("deletion.strategy", string(strategy)),
			attribute.Bool("deletion.force", opts.Force),
		))
	defer span.End()

	result := &ValidationResult{Allowed: true}

	target, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			result.Allowed = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("memory %s does not exist", id))
			return result, nil
		}
		return nil, err
	}

	if *m.cfg.RequireConfirmationForCritical &&
		target.Importance >= m.cfg.CriticalImportanceThreshold && !opts.Force {
		result.Allowed = false
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("importance %.2f meets the critical threshold %.2f",
				target.Importance, m.cfg.CriticalImportanceThreshold))
		result.Alternatives = append(result.Alternatives,
			"archive the memory instead of deleting it",
			"re-run with force to confirm the deletion")
	}

	if target.AccessCount >= frequentAccessCount {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("memory has been accessed %d times", target.AccessCount))
		result.Alternatives = appendUnique(result.Alternatives,
			"archive the memory instead of deleting it")
	}
	if !target.LastAccessed.IsZero() && m.now().Sub(target.LastAccessed) < recentAccessWindow {
		result.Warnings = append(result.Warnings, "memory was accessed within the last 7 days")
	}
	if len(target.RelatedMemories) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("memory links to %d related memories", len(target.RelatedMemories)))
	}

	if refs := m.referencedBy(ctx, id); len(refs) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("memory is referenced by %d other memories", len(refs)))
		result.Alternatives = appendUnique(result.Alternatives,
			"clean up inbound references manually before deleting")
	}

	span.SetAttributes(
		attribute.Bool("deletion.allowed", result.Allowed),
		attribute.Int("deletion.warnings", len(result.Warnings)),
	)
	return result, nil
}

// referencedBy returns ids of memories whose relatedMemories include id.
// Best-effort: scan errors degrade to an empty result.
func (m *Manager) referencedBy(ctx context.Context, id string) []string {
	result, err := m.store.Query(ctx, store.Filter{
		States: []model.State{model.StateActive, model.StateSoftDeleted, model.StateArchived},
	})
	if err != nil {
		return nil
	}
	var refs []string
	for _, candidate := range result.Items {
		if ctx.Err() != nil {
			return refs
		}
		if candidate.ID == id {
			continue
		}
		for _, rel := range candidate.RelatedMemories {
			if rel == id {
				refs = append(refs, candidate.ID)
				break
			}
		}
	}
	return refs
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
