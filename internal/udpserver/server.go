package udpserver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

const (
	// DefaultLineChannelSize is the default buffer size for the incoming line channel.
	DefaultLineChannelSize = 10_000

	// DefaultMaxDatagramSize bounds one read; larger datagrams are truncated by the kernel.
	DefaultMaxDatagramSize = 64 * 1024
)

// ServerConfig holds tunable parameters for the UDP server.
type ServerConfig struct {
	LineChannelSize int
	MaxDatagramSize int
	Logger          *logging.Logger
}

// Server receives syslog-style datagrams. One datagram may carry several
// newline-separated lines; each becomes its own envelope.
type Server struct {
	conn            net.PacketConn
	addr            string
	lineChan        chan model.IngestEnvelope
	maxDatagramSize int
	logger          *logging.Logger
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	stopOnce        sync.Once
}

// NewServer creates a new UDP server. Default addr is ":514".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = ":514"
	}
	lineChannelSize := DefaultLineChannelSize
	maxDatagramSize := DefaultMaxDatagramSize
	var logger *logging.Logger
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxDatagramSize > 0 {
			maxDatagramSize = conf[0].MaxDatagramSize
		}
		logger = conf[0].Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:            addr,
		lineChan:        make(chan model.IngestEnvelope, lineChannelSize),
		maxDatagramSize: maxDatagramSize,
		logger:          logger.WithComponent("udpserver"),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start binds the socket and begins reading datagrams.
func (s *Server) Start() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return err
	}
	s.conn = conn

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.maxDatagramSize)
	for {
		n, remote, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("read failed")
			continue
		}
		received := time.Now()
		for _, line := range SplitDatagram(buf[:n]) {
			env := model.IngestEnvelope{
				Source:   "udp",
				Line:     line,
				Received: received,
			}
			select {
			case s.lineChan <- env:
			case <-s.ctx.Done():
				return
			}
		}
		if remote != nil {
			s.logger.Trace().Str("remote", remote.String()).Int("bytes", n).Msg("datagram")
		}
	}
}

// SplitDatagram splits a datagram payload into non-empty lines, trimming
// trailing carriage returns. The returned slices are copies.
func SplitDatagram(payload []byte) [][]byte {
	var lines [][]byte
	for _, part := range bytes.Split(payload, []byte{'\n'}) {
		part = bytes.TrimRight(part, "\r\x00")
		if len(part) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), part...))
	}
	return lines
}

// Stop closes the socket, waits for the reader and closes the line channel.
// Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
		s.wg.Wait()
		close(s.lineChan)
	})
	return nil
}

// Lines returns the channel of received log lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.addr
}
