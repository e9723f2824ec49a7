// Package config loads the YAML configuration file and resolves
// defaults for everything the CLI wires together.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiermem/tiermem/internal/model"
)

// PolicyConfig is one tier's promotion policy as written in YAML. TTL
// accepts compact durations like "7d", "24h", "30m", "60s".
type PolicyConfig struct {
	MinAccessCount     uint32   `yaml:"min_access_count"`
	TTL                string   `yaml:"ttl"`
	ForcePromotionTags []string `yaml:"force_promotion_tags"`
}

// SemanticConfig selects the optional embedding provider for the
// semantic index. An empty provider disables indexing.
type SemanticConfig struct {
	Provider string `yaml:"provider"` // "ollama" | "hash" | ""
	Model    string `yaml:"model"`
	Dims     int    `yaml:"dims"`
}

// Config is the full tiermem configuration.
type Config struct {
	DataDir        string                  `yaml:"data_dir"`
	BackupDir      string                  `yaml:"backup_dir"`
	Backend        string                  `yaml:"backend"` // "sqlite" | "memory"
	CacheSizeBytes int64                   `yaml:"cache_size_bytes"`
	KeepBackups    int                     `yaml:"keep_backups"`
	Policies       map[string]PolicyConfig `yaml:"policies"`
	Semantic       SemanticConfig          `yaml:"semantic"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".tiermem")
	return &Config{
		DataDir:        dataDir,
		BackupDir:      filepath.Join(dataDir, "backups"),
		Backend:        "sqlite",
		CacheSizeBytes: 32 << 20,
		KeepBackups:    10,
		Policies: map[string]PolicyConfig{
			string(model.TierInteract): {
				MinAccessCount: 5,
				TTL:            "24h",
			},
			string(model.TierInsights): {
				MinAccessCount: 20,
				TTL:            "90d",
			},
		},
	}
}

// Load reads a config file and overlays it on the defaults. A missing
// path (empty string) just returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}
	return cfg, nil
}

// PromotionPolicies converts the YAML policies into model policies
// keyed by source tier.
func (c *Config) PromotionPolicies() (map[model.Tier]model.PromotionPolicy, error) {
	out := make(map[model.Tier]model.PromotionPolicy, len(c.Policies))
	for name, pc := range c.Policies {
		tier, err := model.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		if _, ok := tier.Next(); !ok {
			return nil, fmt.Errorf("policy for terminal tier %s", tier)
		}
		ttl, err := ParseTTL(pc.TTL)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		out[tier] = model.PromotionPolicy{
			MinAccessCount:     pc.MinAccessCount,
			TTL:                ttl,
			ForcePromotionTags: pc.ForcePromotionTags,
		}
	}
	return out, nil
}

// ParseTTL parses a TTL string like "7d", "24h", "30m", "60s".
var ttlRegex = regexp.MustCompile(`^(\d+)([dhms])$`)

func ParseTTL(s string) (time.Duration, error) {
	m := ttlRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ttl format %q (use e.g. 7d, 24h, 30m, 60s)", s)
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("unknown ttl unit %q", m[2])
}
