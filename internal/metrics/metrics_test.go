package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/tinytelemetry/logtt/internal/model"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c.Registry() == nil {
		t.Fatal("registry is nil")
	}
	if c.LinesRead == nil || c.JobDuration == nil || c.RecordsCommitted == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestSourceMetrics(t *testing.T) {
	c := NewCollector()

	c.ObserveLines(model.ProtocolUDP, 100, 2)
	c.ObserveLines(model.ProtocolUDP, 50, 0)

	metric := &dto.Metric{}
	if err := c.LinesRead.WithLabelValues("udp").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 150 {
		t.Errorf("Expected 150, got %f", metric.Counter.GetValue())
	}
	if got := testutil.ToFloat64(c.LinesSkipped.WithLabelValues("udp")); got != 2 {
		t.Errorf("skipped = %v, want 2", got)
	}
}

func TestJobMetrics(t *testing.T) {
	c := NewCollector()

	c.JobStarted()
	c.JobStarted()
	if got := testutil.ToFloat64(c.JobsActive); got != 2 {
		t.Fatalf("active = %v, want 2", got)
	}

	c.JobFinished(model.StatusExtracted, 2*time.Second, 0.01)
	c.JobFinished(model.StatusFailed, time.Second, 0.9)

	if got := testutil.ToFloat64(c.JobsActive); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.JobOutcomes.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed outcomes = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.JobDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestPipelineMetrics(t *testing.T) {
	c := NewCollector()

	c.ObserveParseFailures("HDFS", 3)
	c.ObserveParseFailures("HDFS", 0)
	c.ObserveCommit(2000)
	c.ObserveTemplates(7)

	if got := testutil.ToFloat64(c.ParseFailures.WithLabelValues("HDFS")); got != 3 {
		t.Errorf("parse failures = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.RecordsCommitted); got != 2000 {
		t.Errorf("committed = %v, want 2000", got)
	}
	if got := testutil.ToFloat64(c.TemplatesCreated); got != 7 {
		t.Errorf("templates = %v, want 7", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveLines(model.ProtocolTCP, 1, 1)
	c.ObserveParseFailures("Plain", 1)
	c.ObserveCommit(1)
	c.ObserveTemplates(1)
	c.JobStarted()
	c.JobFinished(model.StatusExtracted, time.Second, 0)
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveCommit(5)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "logtt_store_records_committed_total 5") {
		t.Fatalf("body missing committed counter:\n%s", rec.Body.String())
	}
}
