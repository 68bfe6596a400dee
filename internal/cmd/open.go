package cmd

import (
	"fmt"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/bank"
	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/store"
)

// openBank loads config, opens the configured store backend, and builds the
// memory bank. Callers own the returned bank and must Close it.
func openBank() (*bank.Bank, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		st = store.NewMemStore()
	default:
		st, err = store.NewSQLiteStore(cfg.MemoryDBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("opening memory store: %w", err)
		}
	}

	b := bank.New(st, bank.Config{
		Deletion: cfg.Deletion,
		Archival: cfg.Archival,
		Backup:   cfg.Backup,
	})

	if cfg.PoliciesFile != "" {
		policies, err := archival.LoadPolicies(cfg.PoliciesFile)
		if err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("loading archival policies: %w", err)
		}
		b.Archival().SetPolicies(policies)
	}
	return b, cfg, nil
}
