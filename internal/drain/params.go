package drain

import (
	"regexp"
	"strings"
)

// placeholderRe matches <*> and mask placeholders such as <IP> inside a token.
var placeholderRe = regexp.MustCompile(`<(\*|[A-Z]{1,8})>`)

// Parameters recovers the values a message carries under its template's
// placeholders, in token order. It returns nil when the template has no
// placeholders or the message does not fit it.
func Parameters(tokens []string, message string, delimiters []string) []string {
	if len(tokens) == 0 {
		return nil
	}

	alts := []string{`\s`}
	for _, d := range delimiters {
		if d != "" {
			alts = append(alts, regexp.QuoteMeta(d))
		}
	}
	sep := `(?:` + strings.Join(alts, "|") + `)+`
	var b strings.Builder
	b.WriteString(`^\s*`)
	groups := 0
	for i, tok := range tokens {
		if i > 0 {
			b.WriteString(sep)
		}
		last := 0
		for _, loc := range placeholderRe.FindAllStringIndex(tok, -1) {
			b.WriteString(regexp.QuoteMeta(tok[last:loc[0]]))
			b.WriteString(`(.*?)`)
			groups++
			last = loc[1]
		}
		b.WriteString(regexp.QuoteMeta(tok[last:]))
	}
	b.WriteString(`\s*$`)
	if groups == 0 {
		return nil
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	m := re.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	return m[1:]
}
