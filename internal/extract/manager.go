// Package extract runs extraction jobs: for one log entity it streams the
// source through the format parser and the template extractor into the
// result store, reporting progress and a terminal outcome.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/logsource"
	"github.com/tinytelemetry/logtt/internal/metrics"
	"github.com/tinytelemetry/logtt/internal/model"
	"github.com/tinytelemetry/logtt/internal/registry"
)

// Config holds the tunables of every run started by a Manager.
type Config struct {
	// SimThreshold is passed to the extractor; nil selects its default.
	SimThreshold       *float64
	Depth              int
	MaxChildren        int
	ParametrizeNumeric bool

	// FailureRateThreshold aborts a run as Failed once the share of lines
	// that do not match the format exceeds it. Zero disables the check.
	FailureRateThreshold float64
	// FailureMinLines is the number of lines read before the rate is checked.
	FailureMinLines int64

	CancelGrace   time.Duration
	ProgressEvery int64

	InsertBatchSize     int
	InsertFlushInterval time.Duration

	Source  logsource.Config
	Logger  *logging.Logger
	Metrics *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = model.DefaultTreeDepth
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = model.DefaultMaxChildren
	}
	if c.FailureMinLines <= 0 {
		c.FailureMinLines = model.DefaultFailureMinLines
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = model.DefaultCancelGrace
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = model.DefaultProgressEvery
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = model.DefaultInsertBatchSize
	}
	if c.InsertFlushInterval <= 0 {
		c.InsertFlushInterval = model.DefaultInsertFlushInterval
	}
	if c.Source.Logger == nil {
		c.Source.Logger = c.Logger
	}
	return c
}

// FormatResolver turns a format spec into a parser and clustering hints.
type FormatResolver interface {
	Resolve(spec model.FormatSpec) (logformat.Parser, logformat.Hints, error)
}

// Manager starts, cancels and tracks extraction runs. It holds only the
// handles of active runs; entity state lives in the registry.
type Manager struct {
	registry *registry.Registry
	results  model.ResultWriter
	formats  FormatResolver
	broker   *Broker
	conf     Config
	log      *logging.Logger

	mu     sync.Mutex
	runs   map[int64]*Run
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a job manager.
func NewManager(reg *registry.Registry, results model.ResultWriter, formats FormatResolver, broker *Broker, conf Config) *Manager {
	conf = conf.withDefaults()
	if broker == nil {
		broker = NewBroker(0, 0, conf.Logger)
	}
	return &Manager{
		registry: reg,
		results:  results,
		formats:  formats,
		broker:   broker,
		conf:     conf,
		log:      conf.Logger.WithComponent("extract"),
		runs:     make(map[int64]*Run),
	}
}

// StartOptions selects the algorithm and optionally a format for a run.
// An empty Method selects the default; a Format without a kind keeps the
// entity's registered format.
type StartOptions struct {
	Method string
	Format model.FormatSpec
}

// Start begins an extraction run for logID. It fails with
// ErrAlreadyRunning while a run is active and with ErrSourceUnavailable
// when the source cannot be opened; in both cases the entity is unchanged.
func (m *Manager) Start(logID int64, opts StartOptions) (*Run, error) {
	method, alg, err := lookupAlgorithm(opts.Method)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("extract: manager is shut down")
	}
	m.mu.Unlock()

	entity, err := m.registry.Get(logID)
	if err != nil {
		return nil, err
	}
	if entity.Status == model.StatusExtracting {
		return nil, fmt.Errorf("log %d: %w", logID, model.ErrAlreadyRunning)
	}
	format := entity.Format
	if opts.Format.Kind != "" {
		format = opts.Format
	}
	parser, hints, err := m.formats.Resolve(format)
	if err != nil {
		return nil, err
	}
	extractor, err := alg(drain.Config{
		Depth:              m.conf.Depth,
		SimThreshold:       m.conf.SimThreshold,
		MaxChildren:        m.conf.MaxChildren,
		Delimiters:         hints.Delimiters,
		Masks:              hints.Masks,
		ParametrizeNumeric: m.conf.ParametrizeNumeric,
	})
	if err != nil {
		return nil, err
	}

	entity, restore, err := m.registry.BeginExtraction(logID, method, opts.Format)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	src, err := logsource.Open(ctx, entity.Source, m.conf.Source)
	if err != nil {
		cancel()
		restore()
		return nil, err
	}
	if err := m.results.ResetResults(logID); err != nil {
		src.Stop()
		cancel()
		restore()
		return nil, fmt.Errorf("reset results of log %d: %w", logID, err)
	}

	run := &Run{
		ID:        uuid.NewString(),
		LogID:     logID,
		Method:    method,
		Format:    format.String(),
		Started:   time.Now(),
		entity:    entity,
		src:       src,
		parser:    parser,
		extractor: extractor,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		src.Stop()
		cancel()
		restore()
		return nil, errors.New("extract: manager is shut down")
	}
	m.runs[logID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info().Int64("log_id", logID).Str("run_id", run.ID).Str("method", method).
		Str("format", run.Format).Str("source", entity.Source.URI()).Msg("extraction started")

	go func() {
		defer m.wg.Done()
		m.execute(run)
		m.mu.Lock()
		if m.runs[logID] == run {
			delete(m.runs, logID)
		}
		m.mu.Unlock()
	}()
	return run, nil
}

// Cancel requests a cooperative stop of the active run for logID and waits
// up to the cancel grace period. If the pipeline is still running then,
// its source is torn down so sockets and files are released.
func (m *Manager) Cancel(logID int64) error {
	run, err := m.active(logID)
	if err != nil {
		return err
	}
	run.interrupt()

	timer := time.NewTimer(m.conf.CancelGrace)
	defer timer.Stop()
	select {
	case <-run.done:
	case <-timer.C:
		m.log.Warn().Int64("log_id", logID).Str("run_id", run.ID).Dur("grace", m.conf.CancelGrace).
			Msg("pipeline did not stop within grace period, tearing down source")
		run.src.Stop()
	}
	return nil
}

// Complete ends the active run for logID as if its source had closed: the
// lines received so far are processed and the run finishes as Extracted.
// It is how an unbounded network source is finalized.
func (m *Manager) Complete(logID int64) error {
	run, err := m.active(logID)
	if err != nil {
		return err
	}
	run.src.Stop()
	return nil
}

// Active returns the running job for logID.
func (m *Manager) Active(logID int64) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[logID]
	return run, ok
}

func (m *Manager) active(logID int64) (*Run, error) {
	run, ok := m.Active(logID)
	if !ok {
		return nil, fmt.Errorf("no active extraction for log %d: %w", logID, model.ErrNotFound)
	}
	return run, nil
}

// Subscribe returns a stream of notifications for every run.
func (m *Manager) Subscribe() (<-chan model.Notification, func()) {
	return m.broker.Subscribe()
}

// Shutdown interrupts every active run and waits for them to finish or
// for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		run.interrupt()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, run := range runs {
			run.src.Stop()
		}
		return ctx.Err()
	}
}
