package model

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Protocol identifies how a log source is read.
type Protocol string

const (
	ProtocolUDP   Protocol = "udp"
	ProtocolTCP   Protocol = "tcp"
	ProtocolFile  Protocol = "file"
	ProtocolStdin Protocol = "stdin"
)

// SourceDescriptor addresses where raw lines originate.
// Dial applies to TCP only: connect to host:port instead of listening on it.
type SourceDescriptor struct {
	Protocol Protocol `json:"protocol"`
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	Path     string   `json:"path,omitempty"`
	Dial     bool     `json:"dial,omitempty"`
}

// FileSource returns a descriptor for a local file.
func FileSource(path string) SourceDescriptor {
	return SourceDescriptor{Protocol: ProtocolFile, Path: path}
}

// NetworkSource returns a descriptor for a UDP or TCP listener.
func NetworkSource(protocol Protocol, host string, port int) SourceDescriptor {
	return SourceDescriptor{Protocol: protocol, Host: host, Port: port}
}

// Validate checks the descriptor is internally consistent.
func (d SourceDescriptor) Validate() error {
	switch d.Protocol {
	case ProtocolFile:
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("%w: file source needs a path", ErrInvalidSource)
		}
	case ProtocolUDP, ProtocolTCP:
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidSource, d.Port)
		}
		if d.Dial && d.Protocol != ProtocolTCP {
			return fmt.Errorf("%w: dial mode is tcp only", ErrInvalidSource)
		}
		if d.Dial && d.Host == "" {
			return fmt.Errorf("%w: dial mode needs a host", ErrInvalidSource)
		}
	case ProtocolStdin:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidSource, d.Protocol)
	}
	return nil
}

// Address returns host:port for network sources. An empty host binds all
// interfaces and port 0 picks an ephemeral port; WithDefaults fills in 514.
func (d SourceDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// WithDefaults fills in the syslog port for network sources without one.
func (d SourceDescriptor) WithDefaults() SourceDescriptor {
	if (d.Protocol == ProtocolUDP || d.Protocol == ProtocolTCP) && d.Port == 0 {
		d.Port = DefaultSyslogPort
	}
	return d
}

// Bounded reports whether the source ends on its own (EOF).
func (d SourceDescriptor) Bounded() bool {
	return d.Protocol == ProtocolFile || d.Protocol == ProtocolStdin
}

// URI renders the descriptor in the form accepted by ParseSourceURI.
func (d SourceDescriptor) URI() string {
	switch d.Protocol {
	case ProtocolFile:
		return d.Path
	case ProtocolStdin:
		return "-"
	case ProtocolTCP:
		if d.Dial {
			return "tcp+dial://" + d.Address()
		}
		return "tcp://" + d.Address()
	default:
		return string(d.Protocol) + "://" + d.Address()
	}
}

// ParseSourceURI accepts "udp://host:port", "tcp://host:port",
// "tcp+dial://host:port", "file:///path", "-" for stdin, or a bare path.
func ParseSourceURI(raw string) (SourceDescriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SourceDescriptor{}, fmt.Errorf("%w: empty source", ErrInvalidSource)
	}
	if raw == "-" {
		return SourceDescriptor{Protocol: ProtocolStdin}, nil
	}
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return SourceDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		return FileSource(filepath.ToSlash(abs)), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return SourceDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	var d SourceDescriptor
	switch u.Scheme {
	case "file":
		d = FileSource(u.Path)
	case "udp":
		d.Protocol = ProtocolUDP
	case "tcp":
		d.Protocol = ProtocolTCP
	case "tcp+dial":
		d.Protocol = ProtocolTCP
		d.Dial = true
	default:
		return SourceDescriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}

	if d.Protocol != ProtocolFile {
		d.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return SourceDescriptor{}, fmt.Errorf("%w: bad port %q", ErrInvalidSource, p)
			}
			d.Port = port
		} else {
			d.Port = DefaultSyslogPort
		}
	}
	return d, d.Validate()
}
