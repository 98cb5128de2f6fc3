package logsource

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
	"github.com/tinytelemetry/logtt/internal/tcpserver"
	"github.com/tinytelemetry/logtt/internal/udpserver"
)

const (
	// DefaultBufferSize is the default channel buffer between a reader and the sequencer.
	DefaultBufferSize = 10_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB

	// DefaultDialTimeout bounds connecting to a remote TCP endpoint.
	DefaultDialTimeout = 5 * time.Second
)

// LogSource is a unified interface for all log inputs (UDP, TCP, file, stdin).
// Lines are delivered in arrival order with strictly increasing sequence numbers.
type LogSource interface {
	Lines() <-chan model.RawLine // closed on EOF, peer close or Stop
	Stop()                       // idempotent; no line is delivered after it returns
	Name() string                // "udp", "tcp", "file", "stdin"
	Skipped() int64              // undecodable lines dropped so far
	Err() error                  // fatal read error, valid once Lines is closed
}

// Config holds tunable parameters shared by every source.
type Config struct {
	BufferSize  int
	MaxLineSize int
	DialTimeout time.Duration
	Logger      *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

type opener func(ctx context.Context, desc model.SourceDescriptor, cfg Config) (LogSource, error)

var openers = map[model.Protocol]opener{
	model.ProtocolFile:  openFile,
	model.ProtocolStdin: openStdin,
	model.ProtocolTCP:   openTCP,
	model.ProtocolUDP:   openUDP,
}

// Open starts reading from desc. It fails with model.ErrSourceUnavailable
// when the file cannot be opened or the endpoint cannot bind or connect.
// Cancelling ctx stops the source.
func Open(ctx context.Context, desc model.SourceDescriptor, conf ...Config) (LogSource, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	cfg = cfg.withDefaults()

	open, ok := openers[desc.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol %q", model.ErrInvalidSource, desc.Protocol)
	}
	return open(ctx, desc, cfg)
}

func unavailable(desc model.SourceDescriptor, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrSourceUnavailable, desc.URI(), err)
}

func openFile(ctx context.Context, desc model.SourceDescriptor, cfg Config) (LogSource, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, unavailable(desc, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, unavailable(desc, fmt.Errorf("is a directory"))
	}
	return newReaderSource(ctx, "file", f, cfg), nil
}

func openStdin(ctx context.Context, _ model.SourceDescriptor, cfg Config) (LogSource, error) {
	return newReaderSource(ctx, "stdin", nopCloser{os.Stdin}, cfg), nil
}

func openTCP(ctx context.Context, desc model.SourceDescriptor, cfg Config) (LogSource, error) {
	if desc.Dial {
		dialer := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", desc.Address())
		if err != nil {
			return nil, unavailable(desc, err)
		}
		return newReaderSource(ctx, "tcp", conn, cfg), nil
	}

	server := tcpserver.NewServer(desc.Address(), tcpserver.ServerConfig{
		LineChannelSize: cfg.BufferSize,
		MaxLineSize:     cfg.MaxLineSize,
		Logger:          cfg.Logger,
	})
	if err := server.Start(); err != nil {
		return nil, unavailable(desc, err)
	}
	return newSequencer(ctx, "tcp", server.Lines(), func() { _ = server.Stop() }, cfg.Logger, server.Addr()), nil
}

func openUDP(ctx context.Context, desc model.SourceDescriptor, cfg Config) (LogSource, error) {
	server := udpserver.NewServer(desc.Address(), udpserver.ServerConfig{
		LineChannelSize: cfg.BufferSize,
		Logger:          cfg.Logger,
	})
	if err := server.Start(); err != nil {
		return nil, unavailable(desc, err)
	}
	return newSequencer(ctx, "udp", server.Lines(), func() { _ = server.Stop() }, cfg.Logger, server.Addr()), nil
}

// Addr returns the bound address of a network source, or "" for other sources.
func Addr(src LogSource) string {
	if s, ok := src.(*sequencer); ok {
		return s.addr
	}
	return ""
}
