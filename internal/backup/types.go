// Package backup snapshots the DuckDB result store on an interval, writes a
// manifest of the registered logs next to each snapshot and optionally ships
// both to S3.
package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Config controls periodic DuckDB backups.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool

	// Logs lists the registered logs recorded in each manifest. Optional.
	Logs func() []model.LogEntity

	Logger *logging.Logger
}

// Snapshotter is the minimal DB snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}

// Uploader uploads one backup artifact.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}

// Manifest describes one snapshot: which store it came from and the state of
// every registered log at the time it was taken.
type Manifest struct {
	Snapshot string        `yaml:"snapshot"`
	Store    string        `yaml:"store"`
	Taken    time.Time     `yaml:"taken"`
	Bytes    int64         `yaml:"bytes"`
	Logs     []ManifestLog `yaml:"logs"`
	// Partial lists logs whose extraction was running, so their results
	// in the snapshot are a prefix of the run.
	Partial []int64 `yaml:"partial,omitempty"`
}

// ManifestLog is one registered log as recorded in a manifest.
type ManifestLog struct {
	ID     int64        `yaml:"id"`
	Name   string       `yaml:"name"`
	Source string       `yaml:"source"`
	Status model.Status `yaml:"status"`
	Lines  int64        `yaml:"lines"`
	Method string       `yaml:"method,omitempty"`
}
