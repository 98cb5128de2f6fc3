package duckdb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tinytelemetry/logtt/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func registerTestEntity(t *testing.T, store *Store, name string) model.LogEntity {
	t.Helper()
	e := model.LogEntity{
		Name:   name,
		Source: model.FileSource("/var/log/" + name + ".log"),
		Format: model.NamedFormat("Syslog"),
		Status: model.StatusNotExtracted,
	}
	if err := store.InsertEntity(&e); err != nil {
		t.Fatalf("InsertEntity(%q): %v", name, err)
	}
	return e
}

// sampleResults mirrors a four line run: three connection timeouts
// clustered into template 1 and one startup line in template 2.
func sampleResults() ([]model.RecordRow, []model.Template) {
	rows := []model.RecordRow{
		{Seq: 1, Message: "ERR conn timeout host=a", Raw: "<11>web-01 ERR conn timeout host=a", TemplateID: 1,
			Fields: map[string]string{"host": "web-01", "level": "ERROR"}},
		{Seq: 2, Message: "ERR conn timeout host=b", Raw: "<11>web-01 ERR conn timeout host=b", TemplateID: 1,
			Fields: map[string]string{"host": "web-01", "level": "ERROR"}},
		{Seq: 3, Message: "INFO started", Raw: "<14>web-02 INFO started", TemplateID: 2,
			Fields: map[string]string{"host": "web-02", "level": "INFO"}},
		{Seq: 4, Message: "ERR conn timeout host=c", Raw: "<11>web-01 ERR conn timeout host=c", TemplateID: 1,
			Fields: map[string]string{"host": "web-01", "level": "ERROR"}},
	}
	templates := []model.Template{
		{ID: 1, Tokens: []string{"ERR", "conn", "timeout", "host=<*>"}, FirstSeen: 1, MatchCount: 3},
		{ID: 2, Tokens: []string{"INFO", "started"}, FirstSeen: 3, MatchCount: 1},
	}
	return rows, templates
}

func seedResults(t *testing.T, store *Store, logID int64) {
	t.Helper()
	rows, templates := sampleResults()
	if err := store.AppendResults(logID, rows, templates); err != nil {
		t.Fatalf("AppendResults: %v", err)
	}
}

func TestEntities_InsertListUpdate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	a := registerTestEntity(t, store, "web-01")
	b := registerTestEntity(t, store, "web-02")
	if a.ID == 0 || b.ID <= a.ID {
		t.Fatalf("ids = %d, %d; want increasing non-zero", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	a.Status = model.StatusExtracted
	a.Progress = 1
	a.LineCount = 4
	a.ExtractMethod = "Drain"
	if err := store.UpdateEntity(a); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}

	list, err := store.ListEntities()
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("entities = %d, want 2", len(list))
	}
	got := list[0]
	if got.Name != "web-01" || got.Status != model.StatusExtracted || got.LineCount != 4 || got.ExtractMethod != "Drain" {
		t.Fatalf("entity = %+v", got)
	}
	if got.Source != a.Source {
		t.Fatalf("source = %+v, want %+v", got.Source, a.Source)
	}
	if got.Format.Kind != model.FormatNamed || got.Format.Name != "Syslog" {
		t.Fatalf("format = %+v", got.Format)
	}
}

func TestEntities_DuplicateName(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	registerTestEntity(t, store, "web-01")
	dup := model.LogEntity{Name: "web-01", Source: model.FileSource("/tmp/x"), Format: model.NamedFormat("Plain")}
	if err := store.InsertEntity(&dup); !errors.Is(err, model.ErrDuplicateName) {
		t.Fatalf("InsertEntity error = %v, want ErrDuplicateName", err)
	}
}

func TestEntities_UpdateDeleteMissing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if err := store.UpdateEntity(model.LogEntity{ID: 99, Name: "nope"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateEntity error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteEntity(99); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("DeleteEntity error = %v, want ErrNotFound", err)
	}
}

func TestEntities_CustomFormatRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	e := model.LogEntity{
		Name:   "gw",
		Source: model.NetworkSource(model.ProtocolUDP, "0.0.0.0", 5514),
		Format: model.CustomFormat(`(?P<level>\w+) (?P<message>.*)`),
		Status: model.StatusNotExtracted,
	}
	if err := store.InsertEntity(&e); err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}
	list, err := store.ListEntities()
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(list[0].Format.Patterns) != 1 || list[0].Format.Patterns[0] != e.Format.Patterns[0] {
		t.Fatalf("patterns = %v", list[0].Format.Patterns)
	}
	if list[0].Source.Port != 5514 || list[0].Source.Protocol != model.ProtocolUDP {
		t.Fatalf("source = %+v", list[0].Source)
	}
}

func TestQueryRecords_AllRowsInOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	page, err := store.QueryRecords(e.ID, nil, model.Page{})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if page.Total != 4 || page.Matched != 4 || page.RowCount != 4 {
		t.Fatalf("page counts = total %d matched %d rows %d", page.Total, page.Matched, page.RowCount)
	}
	for i, row := range page.Rows {
		if row.Seq != uint64(i+1) {
			t.Fatalf("row %d seq = %d", i, row.Seq)
		}
	}
	if page.Rows[0].Template != "ERR conn timeout host=<*>" {
		t.Fatalf("template = %q", page.Rows[0].Template)
	}
	if page.Rows[2].Fields["host"] != "web-02" {
		t.Fatalf("fields = %v", page.Rows[2].Fields)
	}
}

func TestQueryRecords_Filters(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	tests := []struct {
		name    string
		filters model.Filters
		want    []uint64
	}{
		{"field value", model.Filters{{Column: "host", Values: []string{"web-01"}}}, []uint64{1, 2, 4}},
		{"field values", model.Filters{{Column: "level", Values: []string{"INFO", "ERROR"}}}, []uint64{1, 2, 3, 4}},
		{"message contains", model.Filters{{Column: "message", Contains: "HOST=B"}}, []uint64{2}},
		{"template id", model.Filters{{Column: "template_id", Values: []string{"2"}}}, []uint64{3}},
		{"template contains", model.Filters{{Column: "template", Contains: "timeout"}}, []uint64{1, 2, 4}},
		{"and across columns", model.Filters{
			{Column: "host", Values: []string{"web-01"}},
			{Column: "message", Contains: "host=c"},
		}, []uint64{4}},
		{"values and contains", model.Filters{{Column: "level", Values: []string{"ERROR"}, Contains: "ERR"}}, []uint64{1, 2, 4}},
		{"no match", model.Filters{{Column: "host", Values: []string{"db-01"}}}, nil},
		{"missing field", model.Filters{{Column: "region", Values: []string{"eu"}}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.QueryRecords(e.ID, tt.filters, model.Page{})
			if err != nil {
				t.Fatalf("QueryRecords: %v", err)
			}
			if page.Total != 4 {
				t.Fatalf("total = %d, want 4", page.Total)
			}
			if page.Matched != int64(len(tt.want)) {
				t.Fatalf("matched = %d, want %d", page.Matched, len(tt.want))
			}
			var got []uint64
			for _, r := range page.Rows {
				got = append(got, r.Seq)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("seqs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryRecords_FilterIdempotentAndClear(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	spec := model.FilterSpec{Column: "host", Values: []string{"web-02"}}
	once := model.Filters{}.With(spec)
	twice := once.With(spec)

	a, err := store.QueryRecords(e.ID, once, model.Page{})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	b, err := store.QueryRecords(e.ID, twice, model.Page{})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if a.Matched != 1 || b.Matched != a.Matched {
		t.Fatalf("matched once %d twice %d", a.Matched, b.Matched)
	}

	cleared, err := store.QueryRecords(e.ID, twice.Clear(), model.Page{})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if cleared.Matched != cleared.Total || cleared.Total != 4 {
		t.Fatalf("after clear matched %d total %d", cleared.Matched, cleared.Total)
	}
}

func TestQueryRecords_Paging(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	page, err := store.QueryRecords(e.ID, nil, model.Page{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if page.RowCount != 2 || page.Rows[0].Seq != 2 || page.Rows[1].Seq != 3 {
		t.Fatalf("page = %+v", page.Rows)
	}
	if page.Matched != 4 {
		t.Fatalf("matched = %d, want 4", page.Matched)
	}

	tail, err := store.QueryRecords(e.ID, nil, model.Page{Offset: 3})
	if err != nil {
		t.Fatalf("QueryRecords: %v", err)
	}
	if tail.RowCount != 1 || tail.Rows[0].Seq != 4 {
		t.Fatalf("tail = %+v", tail.Rows)
	}
}

func TestQueryRecords_InvalidColumn(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")

	_, err := store.QueryRecords(e.ID, model.Filters{{Column: "x'; DROP TABLE templates; --", Values: []string{"1"}}}, model.Page{})
	if !errors.Is(err, model.ErrInvalidFilter) {
		t.Fatalf("error = %v, want ErrInvalidFilter", err)
	}
}

func TestQueryTemplates_Sort(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")

	templates := []model.Template{
		{ID: 1, Tokens: []string{"a", "<*>"}, FirstSeen: 1, MatchCount: 2},
		{ID: 2, Tokens: []string{"b"}, FirstSeen: 2, MatchCount: 5},
		{ID: 3, Tokens: []string{"c", "d"}, FirstSeen: 4, MatchCount: 1},
	}
	if err := store.AppendResults(e.ID, nil, templates); err != nil {
		t.Fatalf("AppendResults: %v", err)
	}

	byFirst, err := store.QueryTemplates(e.ID, nil, model.SortByFirstSeen, model.Page{})
	if err != nil {
		t.Fatalf("QueryTemplates: %v", err)
	}
	if got := templateIDs(byFirst.Rows); got != "[1 2 3]" {
		t.Fatalf("first_seen order = %s", got)
	}

	byCount, err := store.QueryTemplates(e.ID, nil, model.SortByMatchCount, model.Page{})
	if err != nil {
		t.Fatalf("QueryTemplates: %v", err)
	}
	if got := templateIDs(byCount.Rows); got != "[2 1 3]" {
		t.Fatalf("match_count order = %s", got)
	}
	if byCount.Rows[1].Pattern() != "a <*>" {
		t.Fatalf("pattern = %q", byCount.Rows[1].Pattern())
	}

	if _, err := store.QueryTemplates(e.ID, nil, "alphabetical", model.Page{}); !errors.Is(err, model.ErrInvalidFilter) {
		t.Fatalf("bad sort error = %v, want ErrInvalidFilter", err)
	}
}

func templateIDs(ts []model.Template) string {
	ids := make([]int64, len(ts))
	for i, tpl := range ts {
		ids[i] = tpl.ID
	}
	return fmt.Sprint(ids)
}

func TestQueryTemplates_FilterAndCount(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	page, err := store.QueryTemplates(e.ID, model.Filters{{Column: "pattern", Contains: "started"}}, "", model.Page{})
	if err != nil {
		t.Fatalf("QueryTemplates: %v", err)
	}
	if page.Total != 2 || page.Matched != 1 || page.Rows[0].ID != 2 {
		t.Fatalf("page = %+v", page)
	}

	n, err := store.CountTemplates(e.ID, nil)
	if err != nil {
		t.Fatalf("CountTemplates: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountTemplates = %d, want 2", n)
	}

	if _, err := store.CountTemplates(e.ID, model.Filters{{Column: "host", Values: []string{"a"}}}); !errors.Is(err, model.ErrInvalidFilter) {
		t.Fatalf("field filter on templates error = %v, want ErrInvalidFilter", err)
	}
}

func TestAppendResults_TemplateUpsert(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")

	first := model.Template{ID: 1, Tokens: []string{"ERR", "conn", "timeout", "host=a"}, FirstSeen: 1, MatchCount: 1}
	if err := store.AppendResults(e.ID, []model.RecordRow{{Seq: 1, Message: "ERR conn timeout host=a", TemplateID: 1}}, []model.Template{first}); err != nil {
		t.Fatalf("AppendResults: %v", err)
	}
	merged := model.Template{ID: 1, Tokens: []string{"ERR", "conn", "timeout", "host=<*>"}, FirstSeen: 1, MatchCount: 2}
	if err := store.AppendResults(e.ID, []model.RecordRow{{Seq: 2, Message: "ERR conn timeout host=b", TemplateID: 1}}, []model.Template{merged}); err != nil {
		t.Fatalf("AppendResults: %v", err)
	}

	tpl, err := store.TemplateForRecord(e.ID, 1)
	if err != nil {
		t.Fatalf("TemplateForRecord: %v", err)
	}
	if tpl.Pattern() != "ERR conn timeout host=<*>" || tpl.MatchCount != 2 || tpl.FirstSeen != 1 {
		t.Fatalf("template = %+v", tpl)
	}
	n, _ := store.CountTemplates(e.ID, nil)
	if n != 1 {
		t.Fatalf("templates = %d, want 1", n)
	}
}

func TestTemplateForRecord_NotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	tpl, err := store.TemplateForRecord(e.ID, 3)
	if err != nil {
		t.Fatalf("TemplateForRecord: %v", err)
	}
	if tpl.ID != 2 {
		t.Fatalf("template id = %d, want 2", tpl.ID)
	}
	if _, err := store.TemplateForRecord(e.ID, 42); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDistinctValuesAndFieldNames(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	values, err := store.DistinctValues(e.ID, "host", 0)
	if err != nil {
		t.Fatalf("DistinctValues: %v", err)
	}
	if len(values) != 2 || values[0] != (model.ValueCount{Value: "web-01", Count: 3}) {
		t.Fatalf("values = %+v", values)
	}

	ids, err := store.DistinctValues(e.ID, "template_id", 1)
	if err != nil {
		t.Fatalf("DistinctValues: %v", err)
	}
	if len(ids) != 1 || ids[0].Value != "1" {
		t.Fatalf("template ids = %+v", ids)
	}

	names, err := store.FieldNames(e.ID)
	if err != nil {
		t.Fatalf("FieldNames: %v", err)
	}
	if fmt.Sprint(names) != "[host level]" {
		t.Fatalf("field names = %v", names)
	}
}

func TestResetResults(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	a := registerTestEntity(t, store, "web-01")
	b := registerTestEntity(t, store, "web-02")
	seedResults(t, store, a.ID)
	seedResults(t, store, b.ID)

	if err := store.DiscardResults(a.ID); err != nil {
		t.Fatalf("DiscardResults: %v", err)
	}

	pa, _ := store.QueryRecords(a.ID, nil, model.Page{})
	pb, _ := store.QueryRecords(b.ID, nil, model.Page{})
	if pa.Total != 0 || pb.Total != 4 {
		t.Fatalf("totals after discard: a=%d b=%d", pa.Total, pb.Total)
	}
	if n, _ := store.CountTemplates(a.ID, nil); n != 0 {
		t.Fatalf("templates of a = %d, want 0", n)
	}
}

func TestDeleteEntity_RemovesResults(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")
	seedResults(t, store, e.ID)

	if err := store.DeleteEntity(e.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	list, _ := store.ListEntities()
	if len(list) != 0 {
		t.Fatalf("entities = %d, want 0", len(list))
	}
	page, _ := store.QueryRecords(e.ID, nil, model.Page{})
	if page.Total != 0 {
		t.Fatalf("records left = %d", page.Total)
	}

	// The name is free again.
	registerTestEntity(t, store, "web-01")
}

func TestConcurrentReadsDuringAppend(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := registerTestEntity(t, store, "web-01")

	const batches = 20
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			seq := uint64(i + 1)
			row := model.RecordRow{Seq: seq, Message: "tick", TemplateID: 1}
			tpl := model.Template{ID: 1, Tokens: []string{"tick"}, FirstSeen: 1, MatchCount: int64(seq)}
			if err := store.AppendResults(e.ID, []model.RecordRow{row}, []model.Template{tpl}); err != nil {
				t.Errorf("AppendResults: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for i := 0; i < batches; i++ {
				page, err := store.QueryRecords(e.ID, nil, model.Page{})
				if err != nil {
					t.Errorf("QueryRecords: %v", err)
					return
				}
				if page.Total < last {
					t.Errorf("total went backwards: %d < %d", page.Total, last)
					return
				}
				last = page.Total
				for _, row := range page.Rows {
					if row.Template != "tick" {
						t.Errorf("row %d without template", row.Seq)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
