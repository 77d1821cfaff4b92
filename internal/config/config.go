// Package config loads the fleetd YAML configuration, validates it
// against a CUE schema, and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/fleet"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// DetectionConfig mirrors detection.Profile with YAML-friendly units.
type DetectionConfig struct {
	MinDurationSec   float64 `yaml:"min_duration_sec"`
	MinDistanceM     float64 `yaml:"min_distance_m"`
	RequireGPSLock   bool    `yaml:"require_gps_lock"`
	DisarmTimeoutSec float64 `yaml:"disarm_timeout_sec"`
}

// Profile converts the YAML form into the engine's profile.
func (d DetectionConfig) Profile() detection.Profile {
	return detection.Profile{
		MinDuration:    time.Duration(d.MinDurationSec * float64(time.Second)),
		MinDistanceM:   d.MinDistanceM,
		RequireGPSLock: d.RequireGPSLock,
		DisarmTimeout:  time.Duration(d.DisarmTimeoutSec * float64(time.Second)),
	}
}

type RuntimeConfig struct {
	GraceWindowSec  float64 `yaml:"grace_window_sec"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
}

func (r RuntimeConfig) GraceWindow() time.Duration {
	return time.Duration(r.GraceWindowSec * float64(time.Second))
}

type ArchiveConfig struct {
	FilePath         string `yaml:"file_path"`
	GreptimeEndpoint string `yaml:"greptime_endpoint"`
	GreptimeDatabase string `yaml:"greptime_database"`
}

// AgentConfig pre-enrolls an agent at startup.
type AgentConfig struct {
	ID         string           `yaml:"id"`
	Attributes fleet.Attributes `yaml:"attributes"`
}

type Config struct {
	ClusterID string          `yaml:"cluster_id"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Detection DetectionConfig `yaml:"detection"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// Load reads the YAML config, validates it against the CUE schema when a
// schema path is given, applies defaults and environment overrides.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	if cueSchemaPath != "" {
		if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/fleetcore.db"
	}
	if c.Detection.MinDurationSec == 0 {
		c.Detection.MinDurationSec = 30
	}
	if c.Detection.MinDistanceM == 0 {
		c.Detection.MinDistanceM = 10
	}
	if c.Detection.DisarmTimeoutSec == 0 {
		c.Detection.DisarmTimeoutSec = 300
	}
	if c.Runtime.GraceWindowSec == 0 {
		c.Runtime.GraceWindowSec = 120
	}
	if c.Runtime.CheckpointEvery == 0 {
		c.Runtime.CheckpointEvery = 32
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETD_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FLEETD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CLUSTER_ID"); v != "" {
		c.ClusterID = v
	}
	if v := os.Getenv("GREPTIMEDB_ENDPOINT"); v != "" {
		c.Archive.GreptimeEndpoint = v
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[agent.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, agent.ID)
		}
		seen[agent.ID] = true
	}
	if c.Archive.GreptimeEndpoint != "" && c.Archive.GreptimeDatabase == "" {
		return fmt.Errorf("archive: greptime_database is required with greptime_endpoint")
	}
	return nil
}
