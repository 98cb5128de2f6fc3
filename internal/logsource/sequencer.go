package logsource

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// sequencer turns a stream of envelopes into sequenced RawLines. It is the
// single point where sequence numbers are assigned, so concurrent producers
// (one goroutine per TCP connection) still yield a total arrival order.
type sequencer struct {
	name   string
	addr   string
	out    chan model.RawLine
	ctx    context.Context
	cancel context.CancelFunc
	closer func()
	logger *logging.Logger

	skipped  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newSequencer(parent context.Context, name string, in <-chan model.IngestEnvelope, closer func(), logger *logging.Logger, addr string) *sequencer {
	ctx, cancel := context.WithCancel(parent)
	s := &sequencer{
		name:   name,
		addr:   addr,
		out:    make(chan model.RawLine),
		ctx:    ctx,
		cancel: cancel,
		closer: closer,
		logger: logger.WithComponent("logsource"),
		done:   make(chan struct{}),
	}
	go s.run(in)
	go s.watch()
	return s
}

func (s *sequencer) run(in <-chan model.IngestEnvelope) {
	defer close(s.done)
	defer close(s.out)

	var seq uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if len(env.Line) == 0 {
				continue
			}
			if !utf8.Valid(env.Line) {
				n := s.skipped.Add(1)
				s.logger.Debug().Str("source", s.name).Int64("skipped", n).Msg("skipping undecodable line")
				continue
			}
			seq++
			line := model.RawLine{
				Seq:     seq,
				Content: env.Line,
				Arrived: env.Received,
				Source:  s.name,
			}
			select {
			case s.out <- line:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// watch releases the underlying handle once the stream ends on its own or
// the parent context is cancelled.
func (s *sequencer) watch() {
	select {
	case <-s.ctx.Done():
		s.Stop()
	case <-s.done:
		s.stopOnce.Do(func() {
			s.cancel()
			s.closer()
		})
	}
}

func (s *sequencer) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *sequencer) Lines() <-chan model.RawLine { return s.out }
func (s *sequencer) Name() string                { return s.name }
func (s *sequencer) Skipped() int64              { return s.skipped.Load() }

func (s *sequencer) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop cancels the stream, releases the socket or file and waits until the
// output channel is closed.
func (s *sequencer) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.closer()
	})
	<-s.done
}
