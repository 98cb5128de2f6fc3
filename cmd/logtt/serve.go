package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/logtt/internal/backup"
	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/duckdb"
	"github.com/tinytelemetry/logtt/internal/extract"
	"github.com/tinytelemetry/logtt/internal/httpserver"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/metrics"
	"github.com/tinytelemetry/logtt/internal/model"
	"github.com/tinytelemetry/logtt/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log registry and extraction service with the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(c.cfg)
		},
	}
	cmd.Flags().String("api-addr", "", "HTTP API listen address")
	cmd.Flags().Bool("backup-enabled", false, "take periodic database snapshots")
	_ = c.v.BindPFlag("api-addr", cmd.Flags().Lookup("api-addr"))
	_ = c.v.BindPFlag("backup-enabled", cmd.Flags().Lookup("backup-enabled"))
	return cmd
}

// service is the wired set of long-lived components.
type service struct {
	store    *duckdb.Store
	catalog  *logformat.Catalog
	registry *registry.Registry
	metrics  *metrics.Collector
	jobs     *extract.Manager
}

func openService(cfg appConfig, dbPath string, logger *logging.Logger) (*service, error) {
	store, err := duckdb.NewStore(dbPath, duckdb.StoreConfig{
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	catalog, err := logformat.NewCatalog(cfg.FormatsFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load formats: %w", err)
	}

	reg, err := registry.New(store, catalog, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load log registry: %w", err)
	}

	var collector *metrics.Collector
	if cfg.MetricsOn {
		collector = metrics.NewCollector()
	}

	broker := extract.NewBroker(model.DefaultNotificationBacklog, model.DefaultTerminalNotifyWindow, logger)
	jobs := extract.NewManager(reg, store, catalog, broker, extract.Config{
		SimThreshold:         drain.Threshold(cfg.SimilarityThreshold),
		Depth:                cfg.TreeDepth,
		MaxChildren:          cfg.MaxChildren,
		ParametrizeNumeric:   cfg.ParametrizeNumeric,
		FailureRateThreshold: cfg.FailureRateThreshold,
		FailureMinLines:      cfg.FailureMinLines,
		CancelGrace:          cfg.CancelGrace,
		InsertBatchSize:      cfg.InsertBatchSize,
		InsertFlushInterval:  cfg.InsertFlushInterval,
		Logger:               logger,
		Metrics:              collector,
	})

	return &service{
		store:    store,
		catalog:  catalog,
		registry: reg,
		metrics:  collector,
		jobs:     jobs,
	}, nil
}

// close interrupts running jobs and closes the store.
func (s *service) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.jobs.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// runServer starts the service and blocks until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	svc, err := openService(cfg, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	backupManager, err := backup.NewManager(svc.store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
		Logs: func() []model.LogEntity {
			return svc.registry.List(registry.ListOptions{})
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	var apiServer *httpserver.Server
	if cfg.APIEnabled {
		apiServer = httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Registry: svc.registry,
			Results:  svc.store,
			Jobs:     svc.jobs,
			Formats:  svc.catalog,
			Metrics:  svc.metrics,
			Logger:   logger,
		})
		if err := apiServer.Listen(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		cfg.APIAddr = apiServer.Addr()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(shutdownTimeout)
		defer deadline.Stop()
		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, len(svc.registry.List(registry.ListOptions{})))

	// The API server and its shutdown run in one group: a failing listener
	// ends the service the same way a signal does.
	g, gctx := errgroup.WithContext(ctx)
	if apiServer != nil {
		g.Go(apiServer.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		if apiServer != nil {
			return apiServer.Stop()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func printStartupBanner(cfg appConfig, logs int) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦  ╔═╗╔═╗╔╦╗╔╦╗
    ║  ║ ║║ ╦ ║  ║ 
    ╩═╝╚═╝╚═╝ ╩  ╩ `)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
		if cfg.MetricsOn {
			lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, cyan.Render(cfg.APIAddr+"/metrics")))
		}
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, fmt.Sprintf("    %s  Registered     %s", check, dim.Render(fmt.Sprintf("%d logs", logs))))
	if cfg.BackupEnabled {
		target := shortenPath(cfg.BackupLocalDir)
		if cfg.BackupBucketURL != "" {
			target += " → " + cfg.BackupBucketURL
		}
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(target)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Formats File   %s", check, dim.Render(shortenPath(cfg.FormatsFile))))

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
