package logformat

import (
	"errors"
	"testing"

	"github.com/tinytelemetry/logtt/internal/model"
)

func rawLine(seq uint64, s string) model.RawLine {
	return model.RawLine{Seq: seq, Content: []byte(s)}
}

func TestCompileFormat_HDFS(t *testing.T) {
	t.Parallel()

	p, err := CompileFormat("HDFS", `<Date> <Time> <Pid> <Level> <Component>: <Content>`)
	if err != nil {
		t.Fatalf("CompileFormat: %v", err)
	}

	rec, err := p.Parse(rawLine(7, "081109 203615 148 INFO dfs.DataNode$PacketResponder: PacketResponder 1 for block blk_38865049064139660 terminating"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]string{
		"date":      "081109",
		"time":      "203615",
		"pid":       "148",
		"level":     "INFO",
		"component": "dfs.DataNode$PacketResponder",
		"message":   "PacketResponder 1 for block blk_38865049064139660 terminating",
	}
	for k, v := range want {
		if rec.Fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, rec.Fields[k], v)
		}
	}
	if rec.Seq != 7 {
		t.Errorf("seq = %d, want 7", rec.Seq)
	}
}

func TestFormatParser_NormalizesLevel(t *testing.T) {
	t.Parallel()

	p, err := CompileFormat("Apache", `\[<Time>\] \[<Level>\] <Content>`)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Parse(rawLine(1, "[Sun Dec 04 04:47:44 2005] [error] mod_jk child workerEnv in error state 6"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Fields["level"] != "ERROR" {
		t.Errorf("level = %q, want ERROR", rec.Fields["level"])
	}
	if rec.Fields["time"] != "Sun Dec 04 04:47:44 2005" {
		t.Errorf("time = %q", rec.Fields["time"])
	}
}

func TestFormatParser_MismatchIsParseFailure(t *testing.T) {
	t.Parallel()

	p, err := CompileFormat("Spark", `<Date> <Time> <Level> <Component>: <Content>`)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Parse(rawLine(3, "garbage"))
	if !errors.Is(err, model.ErrParseFailure) {
		t.Fatalf("err = %v, want ErrParseFailure", err)
	}
	if len(rec.Fields) != 1 || rec.Message() != "garbage" || rec.Seq != 3 {
		t.Fatalf("fallback record = %+v", rec)
	}
}

func TestCompileFormat_Rejects(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"", "no headers here", "<Bad Header> <Content>", `<Date> ( <Content>`} {
		if _, err := CompileFormat("x", format); !errors.Is(err, model.ErrInvalidFormat) {
			t.Errorf("CompileFormat(%q) err = %v, want ErrInvalidFormat", format, err)
		}
	}
}

func TestRegexListParser_FirstMatchWins(t *testing.T) {
	t.Parallel()

	p, err := CompileRegexList([]string{
		`(?P<level>[A-Z]+) (?P<message>.*)`,
		`(?P<message>.*)`,
	})
	if err != nil {
		t.Fatalf("CompileRegexList: %v", err)
	}

	rec, err := p.Parse(rawLine(1, "WARN disk almost full"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["level"] != "WARN" || rec.Message() != "disk almost full" {
		t.Fatalf("record = %+v", rec.Fields)
	}

	rec, err = p.Parse(rawLine(2, "lowercase start"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.Fields["level"]; ok || rec.Message() != "lowercase start" {
		t.Fatalf("second pattern record = %+v", rec.Fields)
	}
}

func TestRegexListParser_RequiresFullMatch(t *testing.T) {
	t.Parallel()

	p, err := CompileRegexList([]string{`(?P<code>\d+)`})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Parse(rawLine(4, "code 42"))
	if !errors.Is(err, model.ErrParseFailure) {
		t.Fatalf("err = %v, want ErrParseFailure", err)
	}
	if rec.Fields[model.FieldMessage] != "code 42" || len(rec.Fields) != 1 {
		t.Fatalf("fallback = %+v", rec.Fields)
	}
}

func TestRegexListParser_Pure(t *testing.T) {
	t.Parallel()

	p, err := CompileRegexList([]string{`(?P<k>\w+)=(?P<v>\w+)`})
	if err != nil {
		t.Fatal(err)
	}
	line := rawLine(9, "a=b")
	first, err1 := p.Parse(line)
	second, err2 := p.Parse(line)
	if (err1 == nil) != (err2 == nil) || first.Fields["k"] != second.Fields["k"] || first.Fields["v"] != second.Fields["v"] {
		t.Fatalf("parse not repeatable: %+v vs %+v", first, second)
	}
}

func TestCompileRegexList_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := CompileRegexList(nil); !errors.Is(err, model.ErrInvalidFormat) {
		t.Errorf("empty list err = %v", err)
	}
	if _, err := CompileRegexList([]string{`(`}); !errors.Is(err, model.ErrInvalidFormat) {
		t.Errorf("bad pattern err = %v", err)
	}
}

func TestSyslogParser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		line   string
		fields map[string]string
	}{
		{
			name: "rfc3164",
			line: "<34>Oct 11 22:14:15 mymachine su[230]: 'su root' failed for lonvick on /dev/pts/8",
			fields: map[string]string{
				"host": "mymachine", "app": "su", "pid": "230", "facility": "4", "level": "FATAL",
				"message": "'su root' failed for lonvick on /dev/pts/8",
			},
		},
		{
			name: "rfc5424",
			line: "<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog - ID47 [exampleSDID@32473 iut=\"3\"] An application event",
			fields: map[string]string{
				"host": "mymachine.example.com", "app": "evntslog", "msgid": "ID47", "facility": "20", "level": "INFO",
				"message": "An application event",
			},
		},
		{
			name: "file without pri",
			line: "Jun  3 10:01:02 web-01 sshd[99]: error: PAM authentication failure",
			fields: map[string]string{
				"host": "web-01", "app": "sshd", "pid": "99", "level": "ERROR",
				"message": "error: PAM authentication failure",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, err := SyslogParser{}.Parse(rawLine(1, tt.line))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			for k, v := range tt.fields {
				if rec.Fields[k] != v {
					t.Errorf("%s = %q, want %q", k, rec.Fields[k], v)
				}
			}
			if _, ok := rec.Fields["pri"]; ok {
				t.Error("pri should be folded into facility and level")
			}
		})
	}

	if _, err := (SyslogParser{}).Parse(rawLine(2, "not a syslog line")); !errors.Is(err, model.ErrParseFailure) {
		t.Errorf("err = %v, want ErrParseFailure", err)
	}
}
