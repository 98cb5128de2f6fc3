package model

import "testing"

func TestFilters_WithReplacesSameColumn(t *testing.T) {
	t.Parallel()

	var fs Filters
	fs = fs.With(FilterSpec{Column: "level", Values: []string{"ERROR"}})
	fs = fs.With(FilterSpec{Column: "level", Values: []string{"WARN"}})
	if len(fs) != 1 || fs[0].Values[0] != "WARN" {
		t.Fatalf("filters = %+v, want single WARN filter", fs)
	}
}

func TestFilters_WithIsIdempotent(t *testing.T) {
	t.Parallel()

	spec := FilterSpec{Column: "message", Contains: "timeout"}
	once := Filters{}.With(spec)
	twice := once.With(spec)
	if len(once) != len(twice) || once[0].Contains != twice[0].Contains {
		t.Fatalf("once = %+v, twice = %+v", once, twice)
	}
}

func TestFilters_WithoutAndClear(t *testing.T) {
	t.Parallel()

	fs := Filters{}.
		With(FilterSpec{Column: "level", Values: []string{"ERROR"}}).
		With(FilterSpec{Column: "component", Contains: "dfs"})

	if got := fs.Without("LEVEL"); len(got) != 1 || got[0].Column != "component" {
		t.Fatalf("Without(level) = %+v", got)
	}
	if len(fs) != 2 {
		t.Fatalf("Without mutated receiver: %+v", fs)
	}
	if got := fs.Clear(); len(got) != 0 {
		t.Fatalf("Clear() = %+v", got)
	}
}

func TestFilters_EmptySpecDropped(t *testing.T) {
	t.Parallel()
	fs := Filters{}.With(FilterSpec{Column: "level"})
	if len(fs) != 0 {
		t.Fatalf("empty spec kept: %+v", fs)
	}
}

func TestIsVariableToken(t *testing.T) {
	t.Parallel()
	for tok, want := range map[string]bool{
		"<*>":      true,
		"host=<*>": true,
		"host=A":   false,
		"<IP>":     false,
		"":         false,
	} {
		if got := IsVariableToken(tok); got != want {
			t.Errorf("IsVariableToken(%q) = %v, want %v", tok, got, want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	if StatusExtracting.Terminal() || StatusNotExtracted.Terminal() {
		t.Error("non-terminal status reported terminal")
	}
	for _, s := range []Status{StatusExtracted, StatusInterrupted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
}
