package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate default config: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved != path {
		t.Fatalf("expected resolved path %q, got %q", path, resolved)
	}
	if cfg.Segmenter.ConfidenceThreshold != defaultConfidenceThreshold {
		t.Fatalf("expected default threshold, got %v", cfg.Segmenter.ConfidenceThreshold)
	}
	if cfg.Analysis.MaxInFlight != defaultAnalysisMaxInFlight {
		t.Fatalf("expected default max in flight, got %d", cfg.Analysis.MaxInFlight)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[segmenter]
confidence_threshold = 0.7
merge_gap = 4

[synthesis]
worker_count = 6
format = "flac"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Segmenter.ConfidenceThreshold != 0.7 {
		t.Fatalf("expected threshold 0.7, got %v", cfg.Segmenter.ConfidenceThreshold)
	}
	if cfg.Segmenter.MergeGap != 4 {
		t.Fatalf("expected merge gap 4, got %d", cfg.Segmenter.MergeGap)
	}
	if cfg.Synthesis.WorkerCount != 6 {
		t.Fatalf("expected 6 workers, got %d", cfg.Synthesis.WorkerCount)
	}
	if cfg.Synthesis.Format != "flac" {
		t.Fatalf("expected flac, got %q", cfg.Synthesis.Format)
	}
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[segmenter]\nconfidence_threshold = 1.5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, _, _, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for threshold > 1")
	}
	if !strings.Contains(err.Error(), "confidence_threshold") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[synthesis]\nformat = \"aiff\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported synthesis format")
	}
}

func TestAnalysisAPIKeyFromEnv(t *testing.T) {
	t.Setenv("FABLE_ANALYSIS_API_KEY", "env-key")
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Analysis.APIKey != "env-key" {
		t.Fatalf("expected env key, got %q", cfg.Analysis.APIKey)
	}
}

func TestCachePathDefaultsUnderDataDir(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataDir = "/tmp/fable-test"
	if got := cfg.CachePath(); got != filepath.Join("/tmp/fable-test", "analysis_cache.json") {
		t.Fatalf("unexpected cache path %q", got)
	}
	cfg.Cache.Enabled = false
	if got := cfg.CachePath(); got != "" {
		t.Fatalf("expected empty cache path when disabled, got %q", got)
	}
}
