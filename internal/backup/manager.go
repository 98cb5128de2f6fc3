package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	snapshotExt = ".duckdb"
	manifestExt = ".manifest.yml"
	stampLayout = "20060102-150405.000"
)

// Manager snapshots one result store on an interval. Snapshots are named
// after the store file, so stores sharing a backup directory never prune
// each other's copies.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader
	name     string
	log      *logging.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates cfg, takes a startup snapshot and starts the
// periodic loop. It returns nil when backups are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory store)")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
			ContentType:  "application/octet-stream",
		})
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := newManager(store, cfg, uploader)
	if _, err := m.Snapshot(m.ctx); err != nil {
		m.log.Error().Err(err).Msg("startup snapshot failed")
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func newManager(store Snapshotter, cfg Config, uploader Uploader) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		name:     storeName(store.DBPath()),
		log:      cfg.Logger.WithComponent("backup"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// storeName is the store file name without its extension.
func storeName(dbPath string) string {
	base := filepath.Base(dbPath)
	switch name := strings.TrimSuffix(base, filepath.Ext(base)); name {
	case "", ".", string(filepath.Separator):
		return "logtt"
	default:
		return name
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Snapshot(m.ctx); err != nil {
				m.log.Error().Err(err).Msg("periodic snapshot failed")
			}
		case <-m.done:
			return
		}
	}
}

// Snapshot copies the store into the backup directory, writes its manifest,
// uploads both when a bucket is configured and prunes the oldest local
// snapshots of this store.
func (m *Manager) Snapshot(ctx context.Context) (Manifest, error) {
	taken := time.Now().UTC()
	stem := m.name + "-" + taken.Format(stampLayout)
	snapPath := filepath.Join(m.cfg.LocalDir, stem+snapshotExt)

	if err := m.store.SnapshotTo(snapPath); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: %w", err)
	}
	man := m.manifest(snapPath, taken)
	manPath := filepath.Join(m.cfg.LocalDir, stem+manifestExt)
	if err := writeManifest(manPath, man); err != nil {
		return man, fmt.Errorf("manifest: %w", err)
	}
	m.log.Info().Str("path", snapPath).Int64("bytes", man.Bytes).Int("logs", len(man.Logs)).
		Int("partial", len(man.Partial)).Msg("created snapshot")

	if m.uploader != nil {
		for _, p := range []string{snapPath, manPath} {
			if err := m.uploader.UploadFile(ctx, p); err != nil {
				return man, fmt.Errorf("upload: %w", err)
			}
		}
		m.log.Info().Str("file", filepath.Base(snapPath)).Msg("uploaded snapshot")
	}

	if err := m.prune(); err != nil {
		return man, fmt.Errorf("prune local backups: %w", err)
	}
	return man, nil
}

func (m *Manager) manifest(snapPath string, taken time.Time) Manifest {
	man := Manifest{
		Snapshot: filepath.Base(snapPath),
		Store:    m.store.DBPath(),
		Taken:    taken,
	}
	if fi, err := os.Stat(snapPath); err == nil {
		man.Bytes = fi.Size()
	}
	if m.cfg.Logs == nil {
		return man
	}
	for _, e := range m.cfg.Logs() {
		man.Logs = append(man.Logs, ManifestLog{
			ID:     e.ID,
			Name:   e.Name,
			Source: e.Source.URI(),
			Status: e.Status,
			Lines:  e.LineCount,
			Method: e.ExtractMethod,
		})
		if e.Status == model.StatusExtracting {
			man.Partial = append(man.Partial, e.ID)
		}
	}
	return man
}

func writeManifest(path string, man Manifest) error {
	data, err := yaml.Marshal(man)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadManifest loads the manifest written next to a snapshot.
func ReadManifest(snapshotPath string) (Manifest, error) {
	var man Manifest
	data, err := os.ReadFile(strings.TrimSuffix(snapshotPath, snapshotExt) + manifestExt)
	if err != nil {
		return man, err
	}
	if err := yaml.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("parse manifest: %w", err)
	}
	return man, nil
}

// Stop cancels any in-flight upload and terminates the periodic loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

// prune keeps the newest KeepLast snapshots of this store and removes the
// rest together with their manifests.
func (m *Manager) prune() error {
	if m.cfg.KeepLast <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(m.cfg.LocalDir, m.name+"-[0-9]*"+snapshotExt))
	if err != nil {
		return err
	}
	if len(matches) <= m.cfg.KeepLast {
		return nil
	}

	// The timestamp in the name sorts lexically in chronological order.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for _, old := range matches[m.cfg.KeepLast:] {
		for _, p := range []string{old, strings.TrimSuffix(old, snapshotExt) + manifestExt} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
