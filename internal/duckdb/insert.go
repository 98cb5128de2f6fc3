package duckdb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 16

// ResultBatch is one unit of commit: rows plus the latest state of the
// templates created or updated while producing them.
type ResultBatch struct {
	Rows      []model.RecordRow
	Templates []model.Template
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Logger         *logging.Logger
	// OnFlush is called from the flush goroutine after each committed batch.
	OnFlush func(rows int)
}

// InsertBuffer batches the results of one extraction run and commits them
// in order on a single flush goroutine. When the flush queue is full, Add
// blocks, which back-pressures the pipeline instead of dropping rows.
// After the first failed batch nothing further is written, so committed
// rows always form a prefix of the run.
type InsertBuffer struct {
	writer        model.ResultWriter
	logID         int64
	log           *logging.Logger
	onFlush       func(rows int)
	mu            sync.Mutex
	pending       ResultBatch
	pendingTpl    map[int64]int // template id -> index in pending.Templates
	flushChan     chan ResultBatch
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	closeOnce     sync.Once

	committed atomic.Int64
	errMu     sync.Mutex
	err       error
	failed    chan struct{}

	// backpressureCount tracks blocking sends for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix timestamp of last backpressure log
}

// NewInsertBuffer creates a buffer writing logID's results to writer.
func NewInsertBuffer(writer model.ResultWriter, logID int64, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := model.DefaultInsertBatchSize
	flushInterval := model.DefaultInsertFlushInterval
	flushQueueSize := DefaultFlushQueueSize
	var (
		logger  *logging.Logger
		onFlush func(int)
	)
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		logger = conf[0].Logger
		onFlush = conf[0].OnFlush
	}

	b := &InsertBuffer{
		writer:        writer,
		logID:         logID,
		log:           logger.WithComponent("insert-buffer").WithLog(logID),
		onFlush:       onFlush,
		pendingTpl:    make(map[int64]int),
		flushChan:     make(chan ResultBatch, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		failed:        make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// tickLoop periodically drains the pending buffer so readers see progress
// on slow sources.
func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds)
// when the flush queue is full.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.log.Warn().Int64("blocked_sends", count).Msg("flush queue full, pipeline waiting on DuckDB")
	}
}

func (b *InsertBuffer) takePendingLocked() ResultBatch {
	batch := b.pending
	b.pending = ResultBatch{Rows: make([]model.RecordRow, 0, b.maxBatch)}
	b.pendingTpl = make(map[int64]int)
	return batch
}

// drainPending hands pending results to the flush goroutine.
func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending.Rows) == 0 && len(b.pending.Templates) == 0 {
		return
	}
	b.send(b.takePendingLocked())
}

// send enqueues a batch. Called with b.mu held so batches keep their order.
func (b *InsertBuffer) send(batch ResultBatch) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushChan <- batch
	}
}

// flushWorker commits batches in arrival order.
func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if b.Err() != nil {
			continue
		}
		if err := b.writer.AppendResults(b.logID, batch.Rows, batch.Templates); err != nil {
			b.log.Error().Err(err).Int("rows", len(batch.Rows)).Msg("result flush failed")
			b.setErr(err)
			continue
		}
		b.committed.Add(int64(len(batch.Rows)))
		if b.onFlush != nil {
			b.onFlush(len(batch.Rows))
		}
	}
}

// Add queues one row and the templates changed by it. Templates already
// pending are replaced by their newer state.
func (b *InsertBuffer) Add(row model.RecordRow, changed ...model.Template) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending.Rows = append(b.pending.Rows, row)
	for _, tpl := range changed {
		if i, ok := b.pendingTpl[tpl.ID]; ok {
			b.pending.Templates[i] = tpl
			continue
		}
		b.pendingTpl[tpl.ID] = len(b.pending.Templates)
		b.pending.Templates = append(b.pending.Templates, tpl)
	}

	if len(b.pending.Rows) >= b.maxBatch {
		b.send(b.takePendingLocked())
	}
}

// Close flushes everything still pending, waits for all writes to finish
// and returns the first write error.
func (b *InsertBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		// tickLoop does the final drain; flushChan closes after it.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
	return b.Err()
}

// Committed returns the number of rows written so far.
func (b *InsertBuffer) Committed() int64 {
	return b.committed.Load()
}

// Err returns the first write error, if any.
func (b *InsertBuffer) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Failed is closed when a write fails. Err then returns the cause.
func (b *InsertBuffer) Failed() <-chan struct{} {
	return b.failed
}

func (b *InsertBuffer) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
		close(b.failed)
	}
}
