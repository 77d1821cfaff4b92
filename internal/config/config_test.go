package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
cluster_id: test-cluster
server:
  addr: ":9090"
detection:
  min_duration_sec: 30
  min_distance_m: 10
agents:
  - id: drone-1
    attributes:
      model: mk2
      sensors: [rgb, lidar]
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, "fleetd.yaml", validYAML)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "drone-1" {
		t.Fatalf("unexpected agents: %+v", cfg.Agents)
	}
	if got := cfg.Agents[0].Attributes.Sensors; len(got) != 2 || got[1] != "lidar" {
		t.Errorf("unexpected sensors: %v", got)
	}
	// Defaults fill the rest.
	if cfg.Storage.Path == "" || cfg.Runtime.CheckpointEvery == 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Detection.Profile().MinDistanceM != 10 {
		t.Errorf("unexpected detection profile: %+v", cfg.Detection.Profile())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_HTTP_ADDR", ":7070")
	t.Setenv("CLUSTER_ID", "env-cluster")

	path := writeTemp(t, "fleetd.yaml", validYAML)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("env override not applied: %q", cfg.Server.Addr)
	}
	if cfg.ClusterID != "env-cluster" {
		t.Errorf("env override not applied: %q", cfg.ClusterID)
	}
}

func TestLoadRejectsDuplicateAgents(t *testing.T) {
	path := writeTemp(t, "fleetd.yaml", `
agents:
  - id: drone-1
  - id: drone-1
`)
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected duplicate agent error")
	}
}

func TestValidateWithCue(t *testing.T) {
	schema := writeTemp(t, "schema.cue", `
server?: {
	addr?: string
}
agents?: [...{
	id: string & !=""
}]
`)
	good := writeTemp(t, "good.yaml", validYAML)
	if err := ValidateWithCue(good, schema); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := writeTemp(t, "bad.yaml", `
server:
  addr: 8080
`)
	if err := ValidateWithCue(bad, schema); err == nil {
		t.Fatal("expected schema violation for numeric addr")
	}
}
