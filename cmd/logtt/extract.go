package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/logtt/internal/extract"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/model"
)

type extractOptions struct {
	name     string
	format   string
	patterns []string
	method   string
	top      int
	persist  bool
}

func newExtractCommand(c *cli) *cobra.Command {
	var opts extractOptions
	cmd := &cobra.Command{
		Use:   "extract <source>",
		Short: "Run one extraction and print the templates found",
		Long: `Run one extraction against a source and print a template summary.

The source is a file path, "-" for stdin, or a udp://, tcp:// or tcp+dial://
address. Network sources run until interrupted with Ctrl+C. Results are kept
in memory unless --persist is given.`,
		Example: `  logtt extract /var/log/app.log --format HDFS
  logtt extract - --pattern '^(?P<Level>\w+) (?P<Content>.*)$'
  logtt extract udp://0.0.0.0:5514 --persist --name edge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.Context(), c.cfg, args[0], opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "log name (default: derived from the source)")
	f.StringVar(&opts.format, "format", "", "named format (default: Plain for files, Syslog for network)")
	f.StringArrayVar(&opts.patterns, "pattern", nil, "custom regex with named groups; repeatable, first match wins")
	f.StringVar(&opts.method, "method", model.DefaultExtractMethod, "extraction algorithm ("+strings.Join(extract.Algorithms(), ", ")+")")
	f.IntVar(&opts.top, "top", 20, "number of templates to print")
	f.BoolVar(&opts.persist, "persist", false, "store the log and its results in the configured database")
	return cmd
}

func (o extractOptions) formatSpec(src model.SourceDescriptor) (model.FormatSpec, error) {
	switch {
	case len(o.patterns) > 0 && o.format != "":
		return model.FormatSpec{}, fmt.Errorf("--format and --pattern are mutually exclusive")
	case len(o.patterns) > 0:
		return model.CustomFormat(o.patterns...), nil
	case o.format != "":
		return model.NamedFormat(o.format), nil
	case src.Bounded():
		return model.NamedFormat(logformat.FormatPlain), nil
	default:
		return model.NamedFormat(logformat.FormatSyslog), nil
	}
}

func sourceName(src model.SourceDescriptor) string {
	switch src.Protocol {
	case model.ProtocolFile:
		return filepath.Base(src.Path)
	case model.ProtocolStdin:
		return "stdin"
	default:
		return string(src.Protocol) + "-" + src.Address()
	}
}

func runExtract(ctx context.Context, cfg appConfig, rawSource string, opts extractOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, cleanupLogger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	src, err := model.ParseSourceURI(rawSource)
	if err != nil {
		return err
	}
	format, err := opts.formatSpec(src)
	if err != nil {
		return err
	}
	name := opts.name
	if name == "" {
		name = sourceName(src)
	}

	dbPath := ""
	if opts.persist {
		dbPath = cfg.DBPath
	}
	svc, err := openService(cfg, dbPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	entity, err := svc.registry.Lookup(name)
	if err != nil {
		entity, err = svc.registry.Register(name, src, format)
		if err != nil {
			return err
		}
	}

	run, err := svc.jobs.Start(entity.ID, extract.StartOptions{Method: opts.method, Format: format})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			if src.Bounded() {
				_ = svc.jobs.Cancel(entity.ID)
			} else {
				// A network source has no end of its own.
				_ = svc.jobs.Complete(entity.ID)
			}
		case <-run.Done():
		}
	}()

	res, err := run.Wait(ctx)
	if err != nil {
		_ = svc.jobs.Cancel(entity.ID)
		res = run.Result()
	}
	return printSummary(out, svc, entity.ID, run, res, opts.top)
}

func printSummary(out io.Writer, svc *service, logID int64, run *extract.Run, res extract.Result, top int) error {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	bold := lipgloss.NewStyle().Bold(true)
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	switch res.Status {
	case model.StatusFailed:
		status = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case model.StatusInterrupted:
		status = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s  %s\n", bold.Render("Run"), dim.Render(run.ID))
	fmt.Fprintf(out, "  %-16s %s\n", "Status", status.Render(string(res.Status)))
	fmt.Fprintf(out, "  %-16s %s / %s\n", "Method / Format", run.Method, run.Format)
	fmt.Fprintf(out, "  %-16s %d\n", "Lines", res.Lines)
	fmt.Fprintf(out, "  %-16s %d\n", "Templates", res.Templates)
	fmt.Fprintf(out, "  %-16s %d\n", "Parse failures", res.ParseFailures)
	if res.Skipped > 0 {
		fmt.Fprintf(out, "  %-16s %d\n", "Skipped", res.Skipped)
	}
	fmt.Fprintf(out, "  %-16s %s\n", "Took", res.Duration.Round(time.Millisecond))
	if res.Err != nil {
		fmt.Fprintf(out, "  %-16s %s\n", "Error", res.Err)
	}
	if res.Status == model.StatusFailed {
		return res.Err
	}

	page, err := svc.store.QueryTemplates(logID, nil, model.SortByMatchCount, model.Page{Limit: top})
	if err != nil {
		return err
	}
	if len(page.Rows) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s %s\n", bold.Render("Top templates"), dim.Render(fmt.Sprintf("(%d of %d)", page.RowCount, page.Total)))
	fmt.Fprintln(out)
	for _, t := range page.Rows {
		fmt.Fprintf(out, "  %s %s %s\n",
			dim.Render(fmt.Sprintf("%4d", t.ID)),
			cyan.Render(fmt.Sprintf("%8d", t.MatchCount)),
			strings.TrimSpace(t.Pattern()))
	}
	fmt.Fprintln(out)
	return nil
}
