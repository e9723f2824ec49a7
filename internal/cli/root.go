// Package cli implements the tiermem CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/backup"
	"github.com/tiermem/tiermem/internal/config"
	"github.com/tiermem/tiermem/internal/memory"
	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/observability"
	"github.com/tiermem/tiermem/internal/promotion"
	"github.com/tiermem/tiermem/internal/semantic"
	"github.com/tiermem/tiermem/internal/store"
)

var (
	configPath string
	dataDir    string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Tiered persistent memory for AI agents",
	Long:  "Tiered memory for AI agents: records move between interact, insights and assets tiers based on access patterns, with checksummed backup and restore.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	RootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "Data directory (default: $TIERMEM_DATA or ~/.tiermem)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.BackupDir = filepath.Join(dataDir, "backups")
	} else if env := os.Getenv("TIERMEM_DATA"); env != "" {
		cfg.DataDir = env
		cfg.BackupDir = filepath.Join(env, "backups")
	}
	return cfg, nil
}

// openCoordinator wires stores, engine, backup manager and coordinator
// from the effective configuration.
func openCoordinator() (*memory.Coordinator, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	stores := make(map[model.Tier]store.TierStore, len(model.Tiers))
	for _, tier := range model.Tiers {
		var st store.TierStore
		switch cfg.Backend {
		case "", "sqlite":
			st, err = store.NewSQLiteStore(filepath.Join(cfg.DataDir, string(tier)+".db"), tier)
			if err != nil {
				return nil, nil, fmt.Errorf("open %s store: %w", tier, err)
			}
		case "memory":
			st = store.NewMemoryStore(tier)
		default:
			return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
		}
		stores[tier] = st
	}

	policies, err := cfg.PromotionPolicies()
	if err != nil {
		return nil, nil, err
	}

	metrics := observability.NewMetrics("tiermem", prometheus.NewRegistry())
	engine := promotion.NewEngine(stores, policies, metrics, nil)
	backups, err := backup.NewManager(cfg.BackupDir, metrics, nil)
	if err != nil {
		return nil, nil, err
	}

	var index semantic.Index
	indexDir := filepath.Join(cfg.DataDir, "semantic")
	switch cfg.Semantic.Provider {
	case "ollama":
		embedModel := cfg.Semantic.Model
		if embedModel == "" {
			embedModel = "nomic-embed-text"
		}
		index, err = semantic.NewChromemIndex(semantic.NewOllamaEmbedder(embedModel), indexDir)
	case "hash":
		index, err = semantic.NewChromemIndex(semantic.NewHashEmbedder(cfg.Semantic.Dims), indexDir)
	case "":
		// indexing disabled
	default:
		return nil, nil, fmt.Errorf("unknown semantic provider %q", cfg.Semantic.Provider)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("semantic index: %w", err)
	}

	coord, err := memory.NewCoordinator(stores, engine, backups, memory.Options{
		Index:     index,
		Metrics:   metrics,
		CacheSize: cfg.CacheSizeBytes,
	})
	if err != nil {
		return nil, nil, err
	}
	return coord, cfg, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
