package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tinytelemetry/logtt/internal/duckdb"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/model"
)

func newTestRegistry(t *testing.T) (*Registry, *duckdb.Store) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	catalog, err := logformat.NewCatalog("")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	r, err := New(store, catalog, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, store
}

func udpSource() model.SourceDescriptor {
	return model.NetworkSource(model.ProtocolUDP, "0.0.0.0", 0)
}

func TestRegister_DuplicateName(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	first, err := r.Register("web-01", udpSource(), model.NamedFormat("Syslog"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Status != model.StatusNotExtracted {
		t.Fatalf("status = %q", first.Status)
	}
	if first.Source.Port != model.DefaultSyslogPort {
		t.Fatalf("port = %d, want default %d", first.Source.Port, model.DefaultSyslogPort)
	}

	_, err = r.Register("web-01", model.FileSource("/tmp/other.log"), model.NamedFormat("Plain"))
	if !errors.Is(err, model.ErrDuplicateName) {
		t.Fatalf("second Register error = %v, want ErrDuplicateName", err)
	}
	if got := r.List(ListOptions{}); len(got) != 1 {
		t.Fatalf("entities = %d, want exactly 1", len(got))
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	tests := []struct {
		name    string
		logName string
		source  model.SourceDescriptor
		format  model.FormatSpec
		wantErr error
	}{
		{"unknown format", "a", udpSource(), model.NamedFormat("NoSuchFormat"), model.ErrUnknownFormat},
		{"bad regex", "b", udpSource(), model.CustomFormat(`(?P<x`), model.ErrInvalidFormat},
		{"bad source", "c", model.SourceDescriptor{Protocol: "http"}, model.NamedFormat("Plain"), model.ErrInvalidSource},
		{"empty name", "  ", udpSource(), model.NamedFormat("Plain"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.logName, tt.source, tt.format)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := r.List(ListOptions{}); len(got) != 0 {
		t.Fatalf("entities = %d, want 0", len(got))
	}
}

func TestRemove_JobActive(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	e, err := r.Register("web-01", udpSource(), model.NamedFormat("Syslog"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := r.BeginExtraction(e.ID, "Drain", model.FormatSpec{}); err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	if err := r.Remove(e.ID); !errors.Is(err, model.ErrJobActive) {
		t.Fatalf("Remove error = %v, want ErrJobActive", err)
	}
	if _, err := r.Get(e.ID); err != nil {
		t.Fatalf("entity gone after rejected Remove: %v", err)
	}

	if _, err := r.FinishExtraction(e.ID, model.StatusInterrupted, 3, model.ErrInterrupted); err != nil {
		t.Fatalf("FinishExtraction: %v", err)
	}
	if err := r.Remove(e.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(e.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	if err := r.Remove(e.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second Remove error = %v, want ErrNotFound", err)
	}
	// The name can be registered again.
	if _, err := r.Register("web-01", udpSource(), model.NamedFormat("Syslog")); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
}

func TestBeginExtraction_AlreadyRunningKeepsProgress(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	e, _ := r.Register("web-01", model.FileSource("/var/log/web.log"), model.NamedFormat("Plain"))
	if _, _, err := r.BeginExtraction(e.ID, "Drain", model.FormatSpec{}); err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	r.SetProgress(e.ID, 0.4, 40)

	if _, _, err := r.BeginExtraction(e.ID, "Drain", model.FormatSpec{}); !errors.Is(err, model.ErrAlreadyRunning) {
		t.Fatalf("error = %v, want ErrAlreadyRunning", err)
	}
	got, _ := r.Get(e.ID)
	if got.Status != model.StatusExtracting || got.Progress != 0.4 || got.LineCount != 40 {
		t.Fatalf("entity after rejected start = %+v", got)
	}
}

func TestBeginExtraction_Restore(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	e, _ := r.Register("web-01", model.FileSource("/var/log/web.log"), model.NamedFormat("Plain"))
	started, restore, err := r.BeginExtraction(e.ID, "Drain", model.NamedFormat("Syslog"))
	if err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	if started.Format.Name != "Syslog" {
		t.Fatalf("format override not applied: %+v", started.Format)
	}
	restore()

	got, _ := r.Get(e.ID)
	if got.Status != model.StatusNotExtracted || got.ExtractMethod != "" || got.Format.Name != "Plain" {
		t.Fatalf("entity after restore = %+v", got)
	}
}

func TestFinishExtraction_Outcomes(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	tests := []struct {
		status       model.Status
		err          error
		wantStatus   model.Status
		wantProgress float64
		wantLines    int64
	}{
		{model.StatusExtracted, nil, model.StatusExtracted, 1, 4},
		{model.StatusInterrupted, model.ErrInterrupted, model.StatusInterrupted, 0.5, 4},
		{model.StatusFailed, model.ErrFailureRateExceeded, model.StatusNotExtracted, 0, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			e, err := r.Register("log-"+string(tt.status), model.FileSource("/tmp/x.log"), model.NamedFormat("Plain"))
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if _, _, err := r.BeginExtraction(e.ID, "Drain", model.FormatSpec{}); err != nil {
				t.Fatalf("BeginExtraction: %v", err)
			}
			r.SetProgress(e.ID, 0.5, 2)

			got, err := r.FinishExtraction(e.ID, tt.status, 4, tt.err)
			if err != nil {
				t.Fatalf("FinishExtraction: %v", err)
			}
			if got.Status != tt.wantStatus || got.Progress != tt.wantProgress || got.LineCount != tt.wantLines {
				t.Fatalf("entity = %+v", got)
			}
			if (tt.err != nil) != (got.LastError != "") {
				t.Fatalf("LastError = %q", got.LastError)
			}
		})
	}

	if _, err := r.FinishExtraction(999, model.StatusExtracted, 0, nil); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestList_FilterAndSort(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	for _, name := range []string{"web-02", "db-01", "web-01"} {
		if _, err := r.Register(name, udpSource(), model.NamedFormat("Syslog")); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	byID := r.List(ListOptions{})
	if byID[0].Name != "web-02" || byID[2].Name != "web-01" {
		t.Fatalf("default order = %v", names(byID))
	}

	web := r.List(ListOptions{NameContains: "WEB", Sort: SortByName})
	if got := names(web); len(got) != 2 || got[0] != "web-01" || got[1] != "web-02" {
		t.Fatalf("filtered = %v", got)
	}

	desc := r.List(ListOptions{Sort: SortByName, Descending: true})
	if got := names(desc); got[0] != "web-02" || got[2] != "db-01" {
		t.Fatalf("descending = %v", got)
	}

	if _, err := r.Lookup("db-01"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
}

func names(es []model.LogEntity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func TestNew_MarksUnfinishedRunsInterrupted(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "logtt.duckdb")
	store, err := duckdb.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, _ := r.Register("web-01", model.FileSource("/var/log/web.log"), model.NamedFormat("Plain"))
	if _, _, err := r.BeginExtraction(e.ID, "Drain", model.FormatSpec{}); err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	store.Close()

	store, err = duckdb.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	r, err = New(store, nil, nil)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	got, err := r.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusInterrupted {
		t.Fatalf("status after restart = %q, want interrupted", got.Status)
	}
}
