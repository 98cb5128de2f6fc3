package logformat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tinytelemetry/logtt/internal/logparse"
	"github.com/tinytelemetry/logtt/internal/model"
)

var (
	rfc5424Re = regexp.MustCompile(`^<(?P<pri>\d{1,3})>1 (?P<timestamp>\S+) (?P<host>\S+) (?P<app>\S+) (?P<pid>\S+) (?P<msgid>\S+) (?P<sd>-|(?:\[[^\]]*\])+) ?(?P<message>.*)$`)
	rfc3164Re = regexp.MustCompile(`^(?:<(?P<pri>\d{1,3})>)?(?P<timestamp>[A-Z][a-z]{2}\s+\d{1,2} \d{2}:\d{2}:\d{2}) (?P<host>\S+) (?P<app>[^\s\[:]+)(?:\[(?P<pid>[^\]]*)\])?: ?(?P<message>.*)$`)
)

// SyslogParser reads RFC 5424 and RFC 3164 lines as received on port 514 or
// written to /var/log/syslog. Severity comes from the PRI value when present
// and from the message text otherwise.
type SyslogParser struct{}

func (SyslogParser) Name() string { return "Syslog" }

func (SyslogParser) Parse(line model.RawLine) (model.StructuredRecord, error) {
	raw := strings.TrimSpace(string(line.Content))

	re := rfc5424Re
	m := re.FindStringSubmatch(raw)
	if m == nil {
		re = rfc3164Re
		m = re.FindStringSubmatch(raw)
	}
	if m == nil {
		return unparsed(line, raw), fmt.Errorf("%w: line %d is not syslog", model.ErrParseFailure, line.Seq)
	}

	fields := make(map[string]string, 8)
	for i, name := range re.SubexpNames() {
		if name == "" || m[i] == "" || m[i] == "-" {
			continue
		}
		fields[name] = m[i]
	}
	fields[model.FieldMessage] = m[re.SubexpIndex("message")]

	if pri, ok := fields["pri"]; ok {
		if n, err := strconv.Atoi(pri); err == nil && n <= 191 {
			fields["facility"] = strconv.Itoa(n / 8)
			fields[FieldLevel] = logparse.SyslogSeverity(n % 8)
		}
		delete(fields, "pri")
	}
	if _, ok := fields[FieldLevel]; !ok {
		if lvl := logparse.SeverityFromText(fields[model.FieldMessage]); lvl != "" {
			fields[FieldLevel] = lvl
		}
	}
	return model.StructuredRecord{Seq: line.Seq, Fields: fields, Raw: raw}, nil
}
