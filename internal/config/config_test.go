package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ActivationHopCap != 3 || cfg.CacheShardCount != 16 {
		t.Errorf("expected default values, got %+v", cfg)
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mindmap.yaml")
	if err := os.WriteFile(path, []byte("activation_hop_cap: 5\ncache_shard_count: 32\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ActivationHopCap != 5 {
		t.Errorf("expected overlay to set hop cap 5, got %d", cfg.ActivationHopCap)
	}
	if cfg.CacheShardCount != 32 {
		t.Errorf("expected overlay to set shard count 32, got %d", cfg.CacheShardCount)
	}
	if cfg.ActivationTau != Default().ActivationTau {
		t.Errorf("expected untouched fields to keep their default, got %v", cfg.ActivationTau)
	}
}

func TestLoadHonorsStatePathEnvVar(t *testing.T) {
	t.Setenv("MINDMAP_STATE_PATH", "/tmp/custom-state")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StateDir != "/tmp/custom-state" {
		t.Errorf("expected MINDMAP_STATE_PATH to override state dir, got %s", cfg.StateDir)
	}
}
