package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIAddr != defaultAPIAddr || !cfg.APIEnabled {
		t.Errorf("api = %q enabled=%v", cfg.APIAddr, cfg.APIEnabled)
	}
	if want := filepath.Join(home, ".local", "share", "logtt", "logtt.duckdb"); cfg.DBPath != want {
		t.Errorf("db-path = %q, want %q", cfg.DBPath, want)
	}
	if cfg.SimilarityThreshold != 0.5 || cfg.TreeDepth != 4 || cfg.MaxChildren != 100 {
		t.Errorf("drain defaults = %v %d %d", cfg.SimilarityThreshold, cfg.TreeDepth, cfg.MaxChildren)
	}
	if cfg.FailureRateThreshold != 0 {
		t.Errorf("failure-rate-threshold = %v, want disabled", cfg.FailureRateThreshold)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("config path = %q, want none", cfg.ConfigPath)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOGTT_API_ADDR", "0.0.0.0:9000")

	path := filepath.Join(t.TempDir(), "config.yml")
	body := `
db-path: ~/data/logs.duckdb
api-addr: 127.0.0.1:7000
similarity-threshold: 0.7
cancel-grace: 1s
backup-enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIAddr != "0.0.0.0:9000" {
		t.Errorf("env should override file: api-addr = %q", cfg.APIAddr)
	}
	if want := filepath.Join(home, "data", "logs.duckdb"); cfg.DBPath != want {
		t.Errorf("db-path = %q, want %q", cfg.DBPath, want)
	}
	if cfg.SimilarityThreshold != 0.7 || cfg.CancelGrace != time.Second || !cfg.BackupEnabled {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.ConfigPath != path {
		t.Errorf("config path = %q, want %q", cfg.ConfigPath, path)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"threshold above one", "LOGTT_SIMILARITY_THRESHOLD", "1.5"},
		{"negative threshold", "LOGTT_SIMILARITY_THRESHOLD", "-0.1"},
		{"single child", "LOGTT_MAX_CHILDREN", "1"},
		{"shallow tree", "LOGTT_TREE_DEPTH", "2"},
		{"negative failure rate", "LOGTT_FAILURE_RATE_THRESHOLD", "-0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			t.Setenv(tt.env, tt.val)
			if _, err := loadConfig(viper.New(), ""); err == nil {
				t.Fatalf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}

func TestLoadConfig_ZeroThresholdAndNumericTokens(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOGTT_SIMILARITY_THRESHOLD", "0")
	t.Setenv("LOGTT_PARAMETRIZE_NUMERIC", "true")

	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.SimilarityThreshold != 0 || !cfg.ParametrizeNumeric {
		t.Fatalf("threshold %v numeric %v, want 0 and true", cfg.SimilarityThreshold, cfg.ParametrizeNumeric)
	}
}
