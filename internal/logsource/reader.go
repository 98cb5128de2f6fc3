package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinytelemetry/logtt/internal/model"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

// newReaderSource reads newline-delimited lines from rc (file, stdin or a
// dialed TCP connection) until EOF or Stop.
func newReaderSource(parent context.Context, name string, rc io.ReadCloser, cfg Config) *sequencer {
	ctx, cancel := context.WithCancel(parent)
	in := make(chan model.IngestEnvelope, cfg.BufferSize)

	closer := func() {
		cancel()
		_ = rc.Close()
	}
	s := newSequencer(parent, name, in, closer, cfg.Logger, "")
	go produceLines(ctx, rc, name, cfg.MaxLineSize, in, s.setErr)
	return s
}

func produceLines(ctx context.Context, r io.Reader, name string, maxLineSize int, out chan<- model.IngestEnvelope, setErr func(error)) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env := model.IngestEnvelope{
			Source:   name,
			Line:     append([]byte(nil), line...),
			Received: time.Now(),
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			setErr(fmt.Errorf("read %s: line exceeds %d bytes: %w", name, maxLineSize, err))
			return
		}
		setErr(fmt.Errorf("read %s: %w", name, err))
	}
}

// CountLines counts the lines a file source will deliver: non-empty lines,
// including undecodable ones. Used as the denominator for progress.
func CountLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxLineSize)
	var n int64
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
