package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/logtt/internal/model"
)

const (
	defaultAPIAddr             = "127.0.0.1:3000"
	defaultQueryTimeout        = 30 * time.Second
	defaultInsertBatchSize     = model.DefaultInsertBatchSize
	defaultInsertFlushInterval = model.DefaultInsertFlushInterval
	defaultCancelGrace         = model.DefaultCancelGrace
	defaultFailureMinLines     = model.DefaultFailureMinLines
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
)

// appConfig is internal runtime configuration.
type appConfig struct {
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
	APIEnabled   bool          `mapstructure:"api-enabled"`
	APIAddr      string        `mapstructure:"api-addr"`
	MetricsOn    bool          `mapstructure:"metrics-enabled"`
	FormatsFile  string        `mapstructure:"formats-file"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	SimilarityThreshold  float64       `mapstructure:"similarity-threshold"`
	TreeDepth            int           `mapstructure:"tree-depth"`
	MaxChildren          int           `mapstructure:"max-children"`
	ParametrizeNumeric   bool          `mapstructure:"parametrize-numeric"`
	FailureRateThreshold float64       `mapstructure:"failure-rate-threshold"`
	FailureMinLines      int64         `mapstructure:"failure-min-lines"`
	CancelGrace          time.Duration `mapstructure:"cancel-grace"`
	InsertBatchSize      int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval  time.Duration `mapstructure:"insert-flush-interval"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func setDefaults(v *viper.Viper, home string) {
	dataDir := filepath.Join(home, ".local", "share", "logtt")

	v.SetDefault("db-path", filepath.Join(dataDir, "logtt.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("metrics-enabled", true)
	v.SetDefault("formats-file", filepath.Join(home, ".config", "logtt", "formats.yml"))
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("log-file", "")
	v.SetDefault("similarity-threshold", model.DefaultSimilarityThreshold)
	v.SetDefault("tree-depth", model.DefaultTreeDepth)
	v.SetDefault("max-children", model.DefaultMaxChildren)
	v.SetDefault("parametrize-numeric", false)
	v.SetDefault("failure-rate-threshold", 0.0)
	v.SetDefault("failure-min-lines", defaultFailureMinLines)
	v.SetDefault("cancel-grace", defaultCancelGrace)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-bucket-url", "")
	v.SetDefault("backup-s3-endpoint", "")
	v.SetDefault("backup-s3-region", "")
	v.SetDefault("backup-s3-access-key", "")
	v.SetDefault("backup-s3-secret-key", "")
	v.SetDefault("backup-s3-session-token", "")
	v.SetDefault("backup-s3-use-ssl", true)
}

// loadConfig layers defaults, the config file, LOGTT_* environment
// variables and bound flags, in increasing precedence.
func loadConfig(v *viper.Viper, configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v.SetEnvPrefix("LOGTT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "logtt", "config.yml"))
	}

	used := ""
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	} else {
		used = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = used

	cfg.DBPath = expandHome(cfg.DBPath, home)
	cfg.FormatsFile = expandHome(cfg.FormatsFile, home)
	cfg.BackupLocalDir = expandHome(cfg.BackupLocalDir, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)

	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		return cfg, fmt.Errorf("invalid similarity-threshold: %v", cfg.SimilarityThreshold)
	}
	if cfg.TreeDepth < 3 {
		return cfg, fmt.Errorf("invalid tree-depth: %d (minimum 3)", cfg.TreeDepth)
	}
	if cfg.MaxChildren < 2 {
		return cfg, fmt.Errorf("invalid max-children: %d (minimum 2)", cfg.MaxChildren)
	}
	if cfg.FailureRateThreshold < 0 || cfg.FailureRateThreshold > 1 {
		return cfg, fmt.Errorf("invalid failure-rate-threshold: %v", cfg.FailureRateThreshold)
	}
	return cfg, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
