package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("search:\n  provider: brave\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8099 {
		t.Errorf("Listen.Port = %d, want 8099", cfg.Listen.Port)
	}
	if cfg.Research.DefaultDepth != 2 || cfg.Research.DefaultBreadth != 3 {
		t.Errorf("research defaults = %d/%d, want 2/3", cfg.Research.DefaultDepth, cfg.Research.DefaultBreadth)
	}
	if cfg.PersonaFile != "persona.json" {
		t.Errorf("PersonaFile = %q, want persona.json", cfg.PersonaFile)
	}
}

func TestLoadRejectsOutOfRangeDepth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("research:\n  default_depth: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for depth 9")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("SEARCH_API_KEY", "env-search-key")
	t.Setenv("LLM_API_KEY", "env-llm-key")
	t.Setenv("STORAGE_DIR", "/tmp/deepquery-test")
	t.Setenv("REMOTE_SYNC_ENABLED", "true")

	cfg := Default()
	cfg.Search.APIKey = "file-key"
	cfg.ApplyEnv()

	if cfg.Search.APIKey != "env-search-key" {
		t.Errorf("Search.APIKey = %q, want env override", cfg.Search.APIKey)
	}
	if cfg.LLM.APIKey != "env-llm-key" {
		t.Errorf("LLM.APIKey = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.DataDir != "/tmp/deepquery-test" {
		t.Errorf("DataDir = %q, want STORAGE_DIR override", cfg.DataDir)
	}
	if !cfg.RemoteSync.Enabled {
		t.Error("RemoteSync.Enabled should be true")
	}
}

func TestFindConfigMissingExplicit(t *testing.T) {
	if _, err := FindConfig("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestSearchConfigured(t *testing.T) {
	brave := SearchConfig{Provider: "brave"}
	if brave.Configured() {
		t.Error("brave with no API key should not be configured")
	}
	brave.APIKey = "k"
	if !brave.Configured() {
		t.Error("brave with API key should be configured")
	}

	searxng := SearchConfig{Provider: "searxng"}
	if searxng.Configured() {
		t.Error("searxng with no base URL should not be configured")
	}
	searxng.BaseURL = "http://localhost:8888"
	if !searxng.Configured() {
		t.Error("searxng with base URL should be configured")
	}
}
