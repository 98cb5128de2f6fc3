package duckdb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/logtt/internal/model"
)

func TestInsertBuffer_AddAndClose(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	buf := NewInsertBuffer(store, e.ID)

	for i := 1; i <= 10; i++ {
		buf.Add(model.RecordRow{Seq: uint64(i), Message: "test message", TemplateID: 1},
			model.Template{ID: 1, Tokens: []string{"test", "message"}, FirstSeen: 1, MatchCount: int64(i)})
	}

	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Committed() != 10 {
		t.Fatalf("Committed = %d, want 10", buf.Committed())
	}

	page, err := store.QueryRecords(e.ID, nil, model.Page{})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if page.Total != 10 {
		t.Errorf("after Close, Total = %d, want 10", page.Total)
	}
	tpl, err := store.TemplateForRecord(e.ID, 10)
	if err != nil {
		t.Fatalf("TemplateForRecord: %v", err)
	}
	if tpl.MatchCount != 10 {
		t.Fatalf("MatchCount = %d, want the latest state 10", tpl.MatchCount)
	}
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")

	var (
		mu      sync.Mutex
		flushes []int
	)
	buf := NewInsertBuffer(store, e.ID, InsertBufferConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		OnFlush: func(rows int) {
			mu.Lock()
			flushes = append(flushes, rows)
			mu.Unlock()
		},
	})

	for i := 1; i <= 250; i++ {
		buf.Add(model.RecordRow{Seq: uint64(i), Message: "batch test"})
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 3 || flushes[0] != 100 || flushes[1] != 100 || flushes[2] != 50 {
		t.Fatalf("flushes = %v, want [100 100 50]", flushes)
	}
}

func TestInsertBuffer_TickFlush(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	buf := NewInsertBuffer(store, e.ID, InsertBufferConfig{FlushInterval: 10 * time.Millisecond})
	defer buf.Close()

	buf.Add(model.RecordRow{Seq: 1, Message: "slow source"})

	deadline := time.Now().Add(2 * time.Second)
	for buf.Committed() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("pending row was not flushed by the ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failingWriter struct {
	mu      sync.Mutex
	calls   int
	failAt  int
	written []uint64
}

func (w *failingWriter) ResetResults(int64) error   { return nil }
func (w *failingWriter) DiscardResults(int64) error { return nil }

func (w *failingWriter) AppendResults(_ int64, rows []model.RecordRow, _ []model.Template) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls == w.failAt {
		return errors.New("disk full")
	}
	for _, r := range rows {
		w.written = append(w.written, r.Seq)
	}
	return nil
}

func TestInsertBuffer_StopsAfterFirstError(t *testing.T) {
	t.Parallel()
	w := &failingWriter{failAt: 2}
	buf := NewInsertBuffer(w, 1, InsertBufferConfig{BatchSize: 2, FlushInterval: time.Hour})

	for i := 1; i <= 8; i++ {
		buf.Add(model.RecordRow{Seq: uint64(i)})
	}
	err := buf.Close()
	if err == nil {
		t.Fatal("Close returned nil, want the write error")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.written) != 2 || w.written[0] != 1 || w.written[1] != 2 {
		t.Fatalf("written = %v, want prefix [1 2]", w.written)
	}
	if buf.Committed() != 2 {
		t.Fatalf("Committed = %d, want 2", buf.Committed())
	}
}

func TestInsertBuffer_CloseIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	buf := NewInsertBuffer(store, e.ID)

	buf.Add(model.RecordRow{Seq: 1})
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestInsertBuffer_FailedSignalsBeforeClose(t *testing.T) {
	t.Parallel()
	w := &failingWriter{failAt: 1}
	buf := NewInsertBuffer(w, 1, InsertBufferConfig{BatchSize: 1, FlushInterval: time.Hour})
	defer buf.Close()

	select {
	case <-buf.Failed():
		t.Fatal("Failed closed before any write")
	default:
	}
	buf.Add(model.RecordRow{Seq: 1})

	select {
	case <-buf.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("Failed not closed after the write error")
	}
	if buf.Err() == nil {
		t.Fatal("Err = nil after Failed")
	}
}
