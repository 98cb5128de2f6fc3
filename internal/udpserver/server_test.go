package udpserver

import (
	"net"
	"testing"
	"time"
)

func TestSplitDatagram(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"single line", "<34>Oct 11 22:14:15 host su: failed", []string{"<34>Oct 11 22:14:15 host su: failed"}},
		{"trailing newline", "a\n", []string{"a"}},
		{"multiple lines", "a\r\nb\n\nc", []string{"a", "b", "c"}},
		{"empty", "", nil},
		{"nul padded", "a\x00\x00", []string{"a"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitDatagram([]byte(tt.payload))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d lines, want %d (%q)", len(got), len(tt.want), got)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestServer_ReceivesDatagramLines(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("udp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("first\nsecond\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, want := range []string{"first", "second"} {
		select {
		case env := <-s.Lines():
			if string(env.Line) != want {
				t.Fatalf("line = %q, want %q", env.Line, want)
			}
			if env.Source != "udp" {
				t.Errorf("source = %q, want udp", env.Source)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if _, ok := <-s.Lines(); ok {
		t.Fatal("expected closed line channel after Stop")
	}
}
