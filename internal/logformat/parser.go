// Package logformat turns raw lines into structured records, either with a
// named format string such as "<Date> <Time> <Level> <Component>: <Content>"
// or with an ordered list of user regular expressions.
package logformat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/logtt/internal/logparse"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Parser converts one raw line into a structured record. Implementations
// are stateless and safe for concurrent use.
//
// A line that does not fit the format still yields a record carrying the
// whole line as its message, together with an error wrapping
// model.ErrParseFailure.
type Parser interface {
	Name() string
	Parse(line model.RawLine) (model.StructuredRecord, error)
}

// FieldLevel is the normalized severity column.
const FieldLevel = "level"

// fieldKey maps a header or capture group name onto its field name.
func fieldKey(name string) string {
	key := strings.ToLower(name)
	if key == "content" {
		return model.FieldMessage
	}
	return key
}

func unparsed(line model.RawLine, raw string) model.StructuredRecord {
	return model.StructuredRecord{
		Seq:    line.Seq,
		Fields: map[string]string{model.FieldMessage: raw},
		Raw:    raw,
	}
}

func recordFrom(line model.RawLine, raw string, re *regexp.Regexp, m []string) model.StructuredRecord {
	fields := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		key := fieldKey(name)
		// Optional groups that did not participate leave earlier values alone.
		if _, exists := fields[key]; exists && m[i] == "" {
			continue
		}
		fields[key] = m[i]
	}
	if lvl, ok := fields[FieldLevel]; ok {
		if norm, known := logparse.NormalizeSeverity(lvl); known {
			fields[FieldLevel] = norm
		}
	}
	return model.StructuredRecord{Seq: line.Seq, Fields: fields, Raw: raw}
}

// FormatParser applies a compiled named format string.
type FormatParser struct {
	name    string
	format  string
	re      *regexp.Regexp
	headers []string
}

var headerRe = regexp.MustCompile(`<[^<>]+>`)

// CompileFormat builds a parser from a format string. Each <Header> becomes
// a lazy named group, runs of spaces match any whitespace and the remaining
// text is used as a regular expression fragment.
func CompileFormat(name, format string) (*FormatParser, error) {
	if strings.TrimSpace(format) == "" {
		return nil, fmt.Errorf("%w: format %q is empty", model.ErrInvalidFormat, name)
	}

	var (
		b       strings.Builder
		headers []string
		last    int
	)
	b.WriteString("^")
	for _, loc := range headerRe.FindAllStringIndex(format, -1) {
		b.WriteString(spaceRun.ReplaceAllString(format[last:loc[0]], `\s+`))
		header := strings.TrimSpace(format[loc[0]+1 : loc[1]-1])
		if !groupName.MatchString(header) {
			return nil, fmt.Errorf("%w: format %q: bad header <%s>", model.ErrInvalidFormat, name, header)
		}
		fmt.Fprintf(&b, "(?P<%s>.*?)", header)
		headers = append(headers, header)
		last = loc[1]
	}
	b.WriteString(spaceRun.ReplaceAllString(format[last:], `\s+`))
	b.WriteString("$")

	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: format %q has no <Header> fields", model.ErrInvalidFormat, name)
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: format %q: %v", model.ErrInvalidFormat, name, err)
	}
	return &FormatParser{name: name, format: format, re: re, headers: headers}, nil
}

var (
	spaceRun  = regexp.MustCompile(` +`)
	groupName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func (p *FormatParser) Name() string { return p.name }

// Headers returns the field headers in format order.
func (p *FormatParser) Headers() []string {
	return append([]string(nil), p.headers...)
}

// Parse matches the trimmed line against the format.
func (p *FormatParser) Parse(line model.RawLine) (model.StructuredRecord, error) {
	raw := strings.TrimSpace(string(line.Content))
	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return unparsed(line, raw), fmt.Errorf("%w: line %d does not match %s", model.ErrParseFailure, line.Seq, p.name)
	}
	return recordFrom(line, raw, p.re, m), nil
}

// RegexListParser tries an ordered list of expressions; the first one that
// matches the whole line wins and its named groups become fields.
type RegexListParser struct {
	patterns []*regexp.Regexp
}

// CompileRegexList anchors and compiles every pattern.
func CompileRegexList(patterns []string) (*RegexListParser, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: custom format needs at least one pattern", model.ErrInvalidFormat)
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d: %v", model.ErrInvalidFormat, i, err)
		}
		compiled = append(compiled, re)
	}
	return &RegexListParser{patterns: compiled}, nil
}

func (p *RegexListParser) Name() string {
	return fmt.Sprintf("custom(%d)", len(p.patterns))
}

// Parse returns the record of the first matching pattern. Trailing CR and
// LF are dropped, other whitespace is significant.
func (p *RegexListParser) Parse(line model.RawLine) (model.StructuredRecord, error) {
	raw := strings.TrimRight(string(line.Content), "\r\n")
	for _, re := range p.patterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return recordFrom(line, raw, re, m), nil
		}
	}
	return unparsed(line, raw), fmt.Errorf("%w: line %d matches none of %d patterns", model.ErrParseFailure, line.Seq, len(p.patterns))
}
