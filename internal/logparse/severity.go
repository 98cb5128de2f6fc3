package logparse

import (
	"regexp"
	"strings"
)

// severityWord matches a standalone severity keyword inside free text.
var severityWord = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|NOTICE|WARN|WARNING|ERROR|ERR|FATAL|CRITICAL|CRIT|PANIC|EMERG|ALERT)\b`)

// NormalizeSeverity maps the level spellings seen in HDFS, Hadoop, Spark,
// Zookeeper and syslog lines onto TRACE, DEBUG, INFO, WARN, ERROR or FATAL.
// Unrecognized values are returned upper-cased and trimmed, ok is false.
func NormalizeSeverity(level string) (string, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(level))

	switch normalized {
	case "TRACE", "TRAC", "TRC", "FINEST", "FINER":
		return "TRACE", true
	case "DEBUG", "DEBU", "DBG", "DEB", "FINE", "D":
		return "DEBUG", true
	case "INFO", "INFORMATION", "INF", "NOTICE", "I":
		return "INFO", true
	case "WARN", "WARNING", "WRN", "W":
		return "WARN", true
	case "ERROR", "ERR", "ERRO", "SEVERE", "E":
		return "ERROR", true
	case "FATAL", "FTL", "CRITICAL", "CRIT", "PANIC", "EMERG", "ALERT", "F":
		return "FATAL", true
	}

	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "TRAC":
			return "TRACE", true
		case "DEBU":
			return "DEBUG", true
		case "INFO":
			return "INFO", true
		case "WARN":
			return "WARN", true
		case "ERRO":
			return "ERROR", true
		case "FATA", "CRIT":
			return "FATAL", true
		}
	}
	return normalized, false
}

// SeverityFromText finds the first severity keyword in a message, for
// formats that carry no level column. Returns "" when none is present.
func SeverityFromText(message string) string {
	m := severityWord.FindStringSubmatch(message)
	if len(m) < 2 {
		return ""
	}
	level, _ := NormalizeSeverity(m[1])
	return level
}

// SyslogSeverity converts an RFC 5424 severity number (the low three bits
// of a PRI value) to its level name.
func SyslogSeverity(code int) string {
	switch {
	case code <= 2:
		return "FATAL"
	case code == 3:
		return "ERROR"
	case code == 4:
		return "WARN"
	case code <= 6:
		return "INFO"
	default:
		return "DEBUG"
	}
}
