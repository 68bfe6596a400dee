package archival

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/store"
)

// Policy is a named archival rule. A memory is selected only when EVERY
// configured threshold holds simultaneously; nil thresholds are not
// evaluated. Policies run in descending priority order.
type Policy struct {
	Name              string   `yaml:"name" json:"name"`
	MaxAgeDays        *int     `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	MaxInactivityDays *int     `yaml:"max_inactivity_days,omitempty" json:"max_inactivity_days,omitempty"`
	MinAccessCount    *int     `yaml:"min_access_count,omitempty" json:"min_access_count,omitempty"`
	MaxImportance     *float64 `yaml:"max_importance,omitempty" json:"max_importance,omitempty"`
	Tags              []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Projects          []string `yaml:"projects,omitempty" json:"projects,omitempty"`
	TargetTier        Tier     `yaml:"target_tier" json:"target_tier"`
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Priority          int      `yaml:"priority" json:"priority"`
}

// configured reports whether the policy has at least one threshold set. A
// policy with no thresholds would select the entire population; such
// policies are skipped and logged instead.
func (p *Policy) configured() bool {
	return p.MaxAgeDays != nil || p.MaxInactivityDays != nil || p.MinAccessCount != nil ||
		p.MaxImportance != nil || len(p.Tags) > 0 || len(p.Projects) > 0
}

// policyFile is the YAML shape of an archival policy file.
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicies reads a YAML policy file:
//
//	policies:
//	  - name: stale-docs
//	    max_inactivity_days: 90
//	    max_importance: 0.5
//	    target_tier: cold
//	    enabled: true
//	    priority: 10
func LoadPolicies(path string) ([]Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var file policyFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	for i := range file.Policies {
		p := &file.Policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d in %s has no name", i, path)
		}
		if p.TargetTier == "" {
			p.TargetTier = TierWarm
		}
		if !ValidTier(p.TargetTier) {
			return nil, fmt.Errorf("policy %q: unknown target tier %q", p.Name, p.TargetTier)
		}
	}
	return file.Policies, nil
}

// SetPolicies replaces the manager's policy set.
func (m *Manager) SetPolicies(policies []Policy) {
	m.mu.Lock()
	m.policies = append([]Policy(nil), policies...)
	m.mu.Unlock()
}

// Policies returns a copy of the configured policy set.
func (m *Manager) Policies() []Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Policy(nil), m.policies...)
}

// PolicyRunReport summarizes one RunPolicies pass.
type PolicyRunReport struct {
	PoliciesEvaluated int            `json:"policies_evaluated"`
	Archived          int            `json:"archived"`
	Failed            int            `json:"failed"`
	ByPolicy          map[string]int `json:"by_policy,omitempty"`
}

// RunPolicies evaluates enabled policies in descending priority order
// against the live (non-archived) population. The candidate list is
// snapshotted up front so no lock is held across the scan; one memory's
// failure aborts neither the remaining candidates nor the remaining
// policies. Trigger records what initiated the run (policy-based for the
// periodic loop, storage-pressure when invoked from the pressure check).
func (m *Manager) RunPolicies(ctx context.Context, trigger Trigger) (*PolicyRunReport, error) {
	ctx, span := tracer.Start(ctx, "archival.run_policies",
		trace.WithAttributes(attribute.String("archival.trigger", string(trigger))))
	defer span.End()

	if trigger == "" {
		trigger = TriggerPolicyBased
	}

	m.mu.Lock()
	policies := append([]Policy(nil), m.policies...)
	m.mu.Unlock()
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Priority > policies[j].Priority })

	// Snapshot the candidate population once; later policies see the same
	// view minus what this run already archived.
	result, err := m.store.Query(ctx, store.Filter{States: []model.State{model.StateActive}})
	if err != nil {
		return nil, fmt.Errorf("scanning population: %w", err)
	}

	report := &PolicyRunReport{ByPolicy: make(map[string]int)}
	archivedThisRun := make(map[string]bool)
	now := m.now()

	for _, pol := range policies {
		if !pol.Enabled {
			continue
		}
		if !pol.configured() {
			log.Warn().Str("policy", pol.Name).Msg("archival_policy_has_no_thresholds_skipped")
			continue
		}
		report.PoliciesEvaluated++

		for _, candidate := range result.Items {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if archivedThisRun[candidate.ID] {
				continue
			}
			if !policyMatches(&pol, candidate, now) {
				continue
			}
			_, err := m.Archive(ctx, candidate.ID, pol.TargetTier, Options{
				Trigger:    trigger,
				PolicyName: pol.Name,
				Actor:      "policy:" + pol.Name,
			})
			if err != nil {
				report.Failed++
				log.Warn().Err(err).
					Str("policy", pol.Name).
					Str("memory_id", candidate.ID).
					Msg("policy_archival_failed")
				continue
			}
			archivedThisRun[candidate.ID] = true
			report.Archived++
			report.ByPolicy[pol.Name]++
		}
	}

	if report.Archived > 0 || report.Failed > 0 {
		log.Info().
			Int("archived", report.Archived).
			Int("failed", report.Failed).
			Int("policies", report.PoliciesEvaluated).
			Str("trigger", string(trigger)).
			Msg("archival_policy_run_completed")
	}
	span.SetAttributes(
		attribute.Int("archival.archived", report.Archived),
		attribute.Int("archival.failed", report.Failed),
	)
	return report, nil
}

// CheckStoragePressure runs the policies with the storage-pressure trigger
// when the live population reaches the configured fraction of maxEntries.
// Returns nil when below threshold.
func (m *Manager) CheckStoragePressure(ctx context.Context, maxEntries int) (*PolicyRunReport, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	result, err := m.store.Query(ctx, store.Filter{States: []model.State{model.StateActive}})
	if err != nil {
		return nil, fmt.Errorf("counting population: %w", err)
	}
	pressure := float64(result.TotalCount) / float64(maxEntries)
	if pressure < m.cfg.StoragePressureThreshold {
		return nil, nil
	}
	log.Info().
		Float64("pressure", pressure).
		Float64("threshold", m.cfg.StoragePressureThreshold).
		Msg("storage_pressure_archival_triggered")
	return m.RunPolicies(ctx, TriggerStoragePressure)
}

// policyMatches applies every configured threshold; all must hold
// simultaneously. Unset thresholds are not evaluated.
func policyMatches(p *Policy, mem *model.Memory, now time.Time) bool {
	if p.MaxAgeDays != nil {
		age := now.Sub(mem.CreatedAt)
		if age < time.Duration(*p.MaxAgeDays)*24*time.Hour {
			return false
		}
	}
	if p.MaxInactivityDays != nil {
		ref := mem.LastAccessed
		if ref.IsZero() {
			ref = mem.CreatedAt
		}
		if now.Sub(ref) < time.Duration(*p.MaxInactivityDays)*24*time.Hour {
			return false
		}
	}
	if p.MinAccessCount != nil && mem.AccessCount >= *p.MinAccessCount {
		return false
	}
	if p.MaxImportance != nil && mem.Importance > *p.MaxImportance {
		return false
	}
	if len(p.Tags) > 0 && !tagsIntersect(mem.Tags, p.Tags) {
		return false
	}
	if len(p.Projects) > 0 && !stringIn(mem.ProjectContext, p.Projects) {
		return false
	}
	return true
}

func tagsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func stringIn(s string, list []string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
