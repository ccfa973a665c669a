package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/sitegraph/internal/capability"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Config holds all sitegraph configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBPath          string              `json:"db_path" yaml:"db_path"`
	LogLevel        string              `json:"log_level" yaml:"log_level"`
	PoolSize        int                 `json:"pool_size" yaml:"pool_size"`
	ListenAddr      string              `json:"listen_addr" yaml:"listen_addr"`
	Panel           bool                `json:"panel" yaml:"panel"`
	Autosave        string              `json:"autosave" yaml:"autosave"`
	Project         string              `json:"project" yaml:"project"`
	VaultPassphrase string              `json:"vault_passphrase" yaml:"vault_passphrase"`
	LLMBaseURL      string              `json:"llm_base_url" yaml:"llm_base_url"`
	LLMModel        string              `json:"llm_model" yaml:"llm_model"`
	SearchURL       string              `json:"search_url" yaml:"search_url"`
	DiscoveryURL    string              `json:"discovery_url" yaml:"discovery_url"`
	DeployURL       string              `json:"deploy_url" yaml:"deploy_url"`
	RateLimit       float64             `json:"rate_limit" yaml:"rate_limit"`
	ItemDelay       string              `json:"item_delay" yaml:"item_delay"`
	SearchCacheTTL  string              `json:"search_cache_ttl" yaml:"search_cache_ttl"`
	CachePurge      string              `json:"cache_purge" yaml:"cache_purge"`
	EnvFile         string              `json:"env_file" yaml:"env_file"`
	Retry           *schema.RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(sitegraphDir(), "sitegraph.db"),
		LogLevel:       "info",
		PoolSize:       4,
		ListenAddr:     ":4200",
		Project:        "autosave",
		RateLimit:      2,
		ItemDelay:      "500ms",
		SearchCacheTTL: capability.DefaultSearchTTL.String(),
		CachePurge:     "@hourly",
		EnvFile:        ".env",
	}
}

func sitegraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sitegraph"
	}
	return filepath.Join(home, ".sitegraph")
}

// settingsPath returns the first settings file that exists, preferring YAML.
func settingsPath() string {
	for _, name := range []string{"settings.yaml", "settings.yml", "settings.json"} {
		p := filepath.Join(sitegraphDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(sitegraphDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path (or the default
// location when path is empty) and SITEGRAPH_* environment variables.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeSettings(path, data, &cfg); err != nil {
			return cfg, err
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read settings %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func decodeSettings(path string, data []byte, cfg *Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SITEGRAPH_DB_PATH":          &cfg.DBPath,
		"SITEGRAPH_LOG_LEVEL":        &cfg.LogLevel,
		"SITEGRAPH_LISTEN_ADDR":      &cfg.ListenAddr,
		"SITEGRAPH_AUTOSAVE":         &cfg.Autosave,
		"SITEGRAPH_PROJECT":          &cfg.Project,
		"SITEGRAPH_VAULT_PASSPHRASE": &cfg.VaultPassphrase,
		"SITEGRAPH_LLM_BASE_URL":     &cfg.LLMBaseURL,
		"SITEGRAPH_LLM_MODEL":        &cfg.LLMModel,
		"SITEGRAPH_SEARCH_URL":       &cfg.SearchURL,
		"SITEGRAPH_DISCOVERY_URL":    &cfg.DiscoveryURL,
		"SITEGRAPH_DEPLOY_URL":       &cfg.DeployURL,
		"SITEGRAPH_ITEM_DELAY":       &cfg.ItemDelay,
		"SITEGRAPH_SEARCH_CACHE_TTL": &cfg.SearchCacheTTL,
		"SITEGRAPH_CACHE_PURGE":      &cfg.CachePurge,
		"SITEGRAPH_ENV_FILE":         &cfg.EnvFile,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SITEGRAPH_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SITEGRAPH_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v, ok := lookup("SITEGRAPH_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SITEGRAPH_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	if v, ok := lookup("SITEGRAPH_PANEL"); ok && v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	return nil
}

func (c Config) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.Autosave != "" && strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("autosave needs a project name")
	}
	for name, v := range map[string]string{"item_delay": c.ItemDelay, "search_cache_ttl": c.SearchCacheTTL} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) itemDelay() time.Duration      { return parseDuration(c.ItemDelay) }
func (c Config) searchCacheTTL() time.Duration { return parseDuration(c.SearchCacheTTL) }

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name     string
		old, new string
	}{
		{"db_path", old.DBPath, new.DBPath},
		{"listen_addr", old.ListenAddr, new.ListenAddr},
		{"pool_size", strconv.Itoa(old.PoolSize), strconv.Itoa(new.PoolSize)},
		{"panel", strconv.FormatBool(old.Panel), strconv.FormatBool(new.Panel)},
		{"autosave", old.Autosave, new.Autosave},
		{"llm_base_url", old.LLMBaseURL, new.LLMBaseURL},
		{"search_url", old.SearchURL, new.SearchURL},
		{"discovery_url", old.DiscoveryURL, new.DiscoveryURL},
		{"deploy_url", old.DeployURL, new.DeployURL},
	}
	for _, f := range restart {
		if f.old != f.new {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
