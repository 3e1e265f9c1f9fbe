package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steam-nexus/backend/internal/steam"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Manager ManagerConfig `yaml:"manager"`
	Catalog CatalogConfig `yaml:"catalog"`
	Sim     SimConfig     `yaml:"sim"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type ManagerConfig struct {
	// BroadcastInterval is the status broadcast tick.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// PumpInterval is each session's own event pump cadence.
	PumpInterval time.Duration `yaml:"pump_interval"`
}

type CatalogConfig struct {
	Enabled           bool          `yaml:"enabled"`
	APIKey            string        `yaml:"api_key"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	StartupDelay      time.Duration `yaml:"startup_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	ScanLimit         int           `yaml:"scan_limit"`
	AppListURL        string        `yaml:"app_list_url"`
	AppDetailsURL     string        `yaml:"app_details_url"`
}

// SimConfig describes the in-process fake Steam platform used in --sim
// mode: its accounts and the packages its catalog treats as free.
type SimConfig struct {
	Accounts     []steam.Account `yaml:"accounts"`
	FreePackages []uint32        `yaml:"free_packages"`
}

// Load reads a YAML config with defaults pre-applied, so a partial (or
// absent) file yields a runnable configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Manager: ManagerConfig{
			BroadcastInterval: 50 * time.Millisecond,
			PumpInterval:      100 * time.Millisecond,
		},
		Catalog: CatalogConfig{
			Enabled:           true,
			RefreshInterval:   24 * time.Hour,
			StartupDelay:      5 * time.Second,
			RequestsPerSecond: 1,
			ScanLimit:         200,
		},
	}
}
