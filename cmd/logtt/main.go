// Command logtt registers log sources, extracts message templates from them
// and serves the results over HTTP.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/logtt/internal/logging"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        appConfig
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "logtt",
		Short: "Extract message templates from structured logs",
		Long: `logtt reads logs from files, stdin or syslog over UDP/TCP, parses them
with a named or custom format and clusters their messages into templates.
Results are stored in DuckDB and can be filtered over an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default is $HOME/.config/logtt/config.yml)")
	flags.String("db-path", "", "DuckDB database file")
	flags.String("formats-file", "", "user formats file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log output format (console or json)")
	for _, name := range []string{"db-path", "formats-file", "log-level", "log-format"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newServeCommand(c),
		newExtractCommand(c),
		newFormatsCommand(c),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logtt - Log Template Extraction\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}

// newLogger builds the process logger. When log-file is set, output goes
// there instead of stderr.
func newLogger(cfg appConfig) (*logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	cleanup := func() {}
	format := cfg.LogFormat

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
		format = "json"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: format, Output: out})
	logging.SetGlobal(logger)
	return logger, cleanup, nil
}
