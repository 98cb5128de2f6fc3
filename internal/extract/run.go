package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/logtt/internal/duckdb"
	"github.com/tinytelemetry/logtt/internal/ingest"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/logsource"
	"github.com/tinytelemetry/logtt/internal/model"
)

// progressTick is how often a run reports progress while lines trickle in.
const progressTick = time.Second

// Result is the terminal outcome of a run.
type Result struct {
	Status        model.Status
	Lines         int64
	Templates     int64
	ParseFailures int64
	Skipped       int64
	Duration      time.Duration
	Err           error
}

// Run is the handle of one extraction run.
type Run struct {
	ID      string
	LogID   int64
	Method  string
	Format  string
	Started time.Time

	entity    model.LogEntity
	src       logsource.LogSource
	parser    logformat.Parser
	extractor ingest.TemplateExtractor

	ctx         context.Context
	cancel      context.CancelFunc
	interrupted atomic.Bool
	total       atomic.Int64

	done   chan struct{}
	result Result
}

// Done is closed once the run reached its terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the outcome. Valid once Done is closed.
func (r *Run) Result() Result {
	<-r.done
	return r.result
}

// Wait blocks until the run ends or ctx expires.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Run) interrupt() {
	r.interrupted.Store(true)
	r.cancel()
}

// progress is the fraction of the source processed, or -1 when the source
// has no known end.
func (r *Run) progress(processed, skipped int64) float64 {
	if !r.entity.Source.Bounded() || r.entity.Source.Protocol == model.ProtocolStdin {
		return -1
	}
	total := r.total.Load()
	if total <= 0 {
		return 0
	}
	p := float64(processed+skipped) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

func (m *Manager) execute(run *Run) {
	defer close(run.done)
	defer run.cancel()

	log := m.log.WithLog(run.LogID)
	m.conf.Metrics.JobStarted()

	if run.entity.Source.Protocol == model.ProtocolFile {
		go func() {
			n, err := logsource.CountLines(run.entity.Source.Path)
			if err != nil {
				log.Warn().Err(err).Msg("counting lines failed, progress unknown")
				return
			}
			run.total.Store(n)
		}()
	}

	buf := duckdb.NewInsertBuffer(m.results, run.LogID, duckdb.InsertBufferConfig{
		BatchSize:     m.conf.InsertBatchSize,
		FlushInterval: m.conf.InsertFlushInterval,
		Logger:        m.conf.Logger,
		OnFlush:       m.conf.Metrics.ObserveCommit,
	})
	proc := ingest.NewProcessor(run.parser, run.extractor, buf, m.conf.Logger.WithLog(run.LogID))

	// All progress goes through the reporter goroutine, so the published
	// line counts never go backwards.
	kick := make(chan struct{}, 1)
	report := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	pumpDone := make(chan struct{})
	g, gctx := errgroup.WithContext(run.ctx)
	g.Go(func() error {
		defer close(pumpDone)
		return m.pump(gctx, run, proc, buf, report)
	})
	g.Go(func() error {
		ticker := time.NewTicker(progressTick)
		defer ticker.Stop()
		last := int64(-1)
		publish := func(force bool) {
			lines := proc.Processed()
			if !force && lines == last {
				return
			}
			last = lines
			progress := run.progress(lines, run.src.Skipped())
			m.registry.SetProgress(run.LogID, progress, lines)
			m.broker.Publish(model.Notification{
				LogID:    run.LogID,
				RunID:    run.ID,
				Status:   model.StatusExtracting,
				Progress: progress,
				Lines:    lines,
			})
		}
		publish(true)
		for {
			select {
			case <-pumpDone:
				return nil
			case <-gctx.Done():
				return nil
			case <-kick:
				publish(false)
			case <-ticker.C:
				publish(false)
			}
		}
	})
	pumpErr := g.Wait()

	run.src.Stop()
	writeErr := buf.Close()

	res := Result{
		Lines:         proc.Processed(),
		Templates:     proc.TemplatesCreated(),
		ParseFailures: proc.ParseFailures(),
		Skipped:       run.src.Skipped(),
		Duration:      time.Since(run.Started),
	}
	res.Status, res.Err = outcome(pumpErr, writeErr, run.interrupted.Load())

	if res.Status == model.StatusFailed {
		if err := m.results.DiscardResults(run.LogID); err != nil {
			log.Error().Err(err).Msg("discarding results of failed run")
		}
	}
	if _, err := m.registry.FinishExtraction(run.LogID, res.Status, res.Lines, res.Err); err != nil {
		log.Error().Err(err).Msg("recording extraction outcome failed")
	}

	m.conf.Metrics.ObserveLines(run.entity.Source.Protocol, res.Lines, res.Skipped)
	m.conf.Metrics.ObserveParseFailures(run.Format, res.ParseFailures)
	m.conf.Metrics.ObserveTemplates(res.Templates)
	m.conf.Metrics.JobFinished(res.Status, res.Duration, proc.FailureRate())

	progress := run.progress(res.Lines, res.Skipped)
	switch res.Status {
	case model.StatusExtracted:
		progress = 1
	case model.StatusFailed:
		progress = 0
	}
	msg := fmt.Sprintf("%d lines, %d templates, %d parse failures", res.Lines, res.Templates, res.ParseFailures)
	if res.Err != nil {
		msg = res.Err.Error()
	}
	run.result = res
	m.broker.Publish(model.Notification{
		LogID:    run.LogID,
		RunID:    run.ID,
		Status:   res.Status,
		Progress: progress,
		Lines:    res.Lines,
		Message:  msg,
	})

	ev := log.Info()
	if res.Status == model.StatusFailed {
		ev = log.Error().Err(res.Err)
	}
	ev.Str("run_id", run.ID).Str("status", string(res.Status)).Int64("lines", res.Lines).
		Int64("templates", res.Templates).Int64("parse_failures", res.ParseFailures).
		Int64("skipped", res.Skipped).Dur("took", res.Duration).Msg("extraction finished")
}

// pump moves lines from the source through the processor until the source
// ends, the run is interrupted or a fatal error occurs. Cancellation and
// result write failures are observed between lines.
func (m *Manager) pump(ctx context.Context, run *Run, proc *ingest.Processor, buf *duckdb.InsertBuffer, report func()) error {
	lines := run.src.Lines()
	for {
		if ctx.Err() != nil {
			return model.ErrInterrupted
		}
		select {
		case <-ctx.Done():
			return model.ErrInterrupted
		case <-buf.Failed():
			return buf.Err()
		case line, ok := <-lines:
			if !ok {
				if err := run.src.Err(); err != nil {
					return fmt.Errorf("%w: %v", model.ErrSourceUnavailable, err)
				}
				if run.interrupted.Load() {
					return model.ErrInterrupted
				}
				return nil
			}
			if _, err := proc.ProcessLine(line); err != nil {
				return err
			}
			n := proc.Processed()
			if t := m.conf.FailureRateThreshold; t > 0 && n >= m.conf.FailureMinLines && proc.FailureRate() > t {
				return fmt.Errorf("%w: %d of %d lines did not match", model.ErrFailureRateExceeded, proc.ParseFailures(), n)
			}
			if n%m.conf.ProgressEvery == 0 {
				report()
			}
		}
	}
}

// outcome maps how the pipeline ended onto a terminal status.
func outcome(pumpErr, writeErr error, interrupted bool) (model.Status, error) {
	switch {
	case writeErr != nil:
		return model.StatusFailed, fmt.Errorf("writing results: %w", writeErr)
	case interrupted || errors.Is(pumpErr, model.ErrInterrupted):
		return model.StatusInterrupted, model.ErrInterrupted
	case pumpErr != nil:
		return model.StatusFailed, pumpErr
	default:
		return model.StatusExtracted, nil
	}
}
