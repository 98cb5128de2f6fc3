package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the extraction state of a log entity or the outcome of a run.
type Status string

const (
	StatusNotExtracted Status = "not_extracted"
	StatusExtracting   Status = "extracting"
	StatusExtracted    Status = "extracted"
	StatusInterrupted  Status = "interrupted"
	StatusFailed       Status = "failed"
)

// Terminal reports whether s ends an extraction run.
func (s Status) Terminal() bool {
	switch s {
	case StatusExtracted, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// FormatKind selects between the built-in schemas and a user regex list.
type FormatKind string

const (
	FormatNamed  FormatKind = "named"
	FormatCustom FormatKind = "custom"
)

// FormatSpec is the tagged variant {Named(name), Custom(patterns)}.
type FormatSpec struct {
	Kind     FormatKind `json:"kind" yaml:"kind"`
	Name     string     `json:"name,omitempty" yaml:"name,omitempty"`
	Patterns []string   `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// NamedFormat returns a FormatSpec referring to a catalogued format.
func NamedFormat(name string) FormatSpec {
	return FormatSpec{Kind: FormatNamed, Name: name}
}

// CustomFormat returns a FormatSpec backed by an ordered regex list.
func CustomFormat(patterns ...string) FormatSpec {
	return FormatSpec{Kind: FormatCustom, Patterns: patterns}
}

// String renders the format for listings and logs.
func (f FormatSpec) String() string {
	switch f.Kind {
	case FormatCustom:
		return fmt.Sprintf("custom(%d patterns)", len(f.Patterns))
	case FormatNamed:
		return f.Name
	default:
		return ""
	}
}

// LogEntity is one registered log and its extraction state.
type LogEntity struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	Source        SourceDescriptor `json:"source"`
	Format        FormatSpec       `json:"format"`
	LineCount     int64            `json:"line_count"`
	CreatedAt     time.Time        `json:"created_at"`
	Status        Status           `json:"status"`
	Progress      float64          `json:"progress"`
	ExtractMethod string           `json:"extract_method,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// IngestEnvelope carries one raw line from a network or file reader before
// it has been sequenced.
type IngestEnvelope struct {
	Source   string
	Line     []byte
	Received time.Time
}

// RawLine is a sequenced line as delivered by a log source.
type RawLine struct {
	Seq     uint64
	Content []byte
	Arrived time.Time
	Source  string
}

// FieldMessage is the field every structured record carries.
const FieldMessage = "message"

// StructuredRecord is a raw line split into named fields.
type StructuredRecord struct {
	Seq    uint64            `json:"seq"`
	Fields map[string]string `json:"fields"`
	Raw    string            `json:"raw"`
}

// Message returns the message field, falling back to the raw line.
func (r StructuredRecord) Message() string {
	if msg, ok := r.Fields[FieldMessage]; ok {
		return msg
	}
	return r.Raw
}

// Wildcard marks a variable slot in a template token.
const Wildcard = "<*>"

// IsVariableToken reports whether a template token is a placeholder,
// either bare (<*>) or key-qualified (key=<*>).
func IsVariableToken(tok string) bool {
	return strings.HasSuffix(tok, Wildcard)
}

// Template is a masked pattern summarizing a cluster of similar messages.
type Template struct {
	ID         int64    `json:"id"`
	Tokens     []string `json:"tokens"`
	FirstSeen  uint64   `json:"first_seen"`
	MatchCount int64    `json:"match_count"`
}

// Pattern joins the tokens into the displayed template string.
func (t Template) Pattern() string {
	return strings.Join(t.Tokens, " ")
}

// Assignment links one record to the template it was clustered into.
type Assignment struct {
	Seq        uint64 `json:"seq"`
	TemplateID int64  `json:"template_id"`
}

// RecordRow is a stored structured record with its assignment.
type RecordRow struct {
	Seq         uint64            `json:"seq"`
	Message     string            `json:"message"`
	Raw         string            `json:"raw"`
	Fields      map[string]string `json:"fields"`
	TemplateID  int64             `json:"template_id"`
	Template    string            `json:"template,omitempty"`
	ParseFailed bool              `json:"parse_failed,omitempty"`
}

// Notification is a status or progress update for one extraction run.
// Progress is -1 when the source is unbounded.
type Notification struct {
	LogID    int64     `json:"logId"`
	RunID    string    `json:"runId"`
	Status   Status    `json:"status"`
	Progress float64   `json:"progress"`
	Lines    int64     `json:"lines"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}
