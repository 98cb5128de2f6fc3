package model

import "strings"

// FilterSpec narrows a tabular view on one column, either to an accepted
// value set (exact match) or by substring.
type FilterSpec struct {
	Column   string   `json:"column"`
	Values   []string `json:"values,omitempty"`
	Contains string   `json:"contains,omitempty"`
}

// Empty reports whether the spec accepts every row.
func (f FilterSpec) Empty() bool {
	return len(f.Values) == 0 && f.Contains == ""
}

// Filters is the set of FilterSpecs on one view. Specs compose with AND;
// a column carries at most one spec.
type Filters []FilterSpec

// With returns a copy with spec set for its column, replacing any previous
// spec on that column. Applying the same spec twice is a no-op.
func (fs Filters) With(spec FilterSpec) Filters {
	out := fs.Without(spec.Column)
	if spec.Empty() {
		return out
	}
	return append(out, spec)
}

// Without returns a copy with the spec on column removed.
func (fs Filters) Without(column string) Filters {
	out := make(Filters, 0, len(fs))
	for _, f := range fs {
		if !strings.EqualFold(f.Column, column) {
			out = append(out, f)
		}
	}
	return out
}

// Clear removes every filter.
func (fs Filters) Clear() Filters {
	return Filters{}
}

// Page is an offset/limit window over a result set. Limit <= 0 means all rows.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// TemplateSort selects the ordering of template listings.
type TemplateSort string

const (
	SortByFirstSeen  TemplateSort = "first_seen"
	SortByMatchCount TemplateSort = "match_count"
)

// RecordPage is one window of structured rows.
// Matched counts rows passing the filters, Total counts all rows of the log.
type RecordPage struct {
	Rows     []RecordRow `json:"rows"`
	RowCount int         `json:"row_count"`
	Matched  int64       `json:"matched"`
	Total    int64       `json:"total"`
}

// TemplatePage is one window of templates.
type TemplatePage struct {
	Rows     []Template `json:"rows"`
	RowCount int        `json:"row_count"`
	Matched  int64      `json:"matched"`
	Total    int64      `json:"total"`
}
