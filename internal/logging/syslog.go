package logging

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"grimm.is/netconverge/internal/brand"
)

const (
	syslogFacilityDaemon = 3
	syslogSeverityInfo   = 6
	syslogDialTimeout    = 5 * time.Second
)

// SyslogWriter forwards log lines to a remote syslog collector using the
// RFC 3164 framing. A failed write drops the line and redials once.
type SyslogWriter struct {
	mu       sync.Mutex
	network  string
	addr     string
	hostname string
	conn     net.Conn
}

// ParseSyslogTarget splits a target such as "udp://10.0.0.1:514" or
// "tcp://collector" into a network and a host:port address.
func ParseSyslogTarget(target string) (network, addr string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("invalid syslog target %q: %w", target, err)
	}
	switch u.Scheme {
	case "udp", "tcp":
	default:
		return "", "", fmt.Errorf("invalid syslog target %q: scheme must be udp or tcp", target)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("invalid syslog target %q: missing host", target)
	}
	port := u.Port()
	if port == "" {
		port = "514"
	}
	return u.Scheme, net.JoinHostPort(u.Hostname(), port), nil
}

// NewSyslogWriter dials target.
func NewSyslogWriter(target string) (*SyslogWriter, error) {
	network, addr, err := ParseSyslogTarget(target)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	w := &SyslogWriter{network: network, addr: addr, hostname: hostname}
	if err := w.dial(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) dial() error {
	conn, err := net.DialTimeout(w.network, w.addr, syslogDialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog server %s: %w", w.addr, err)
	}
	w.conn = conn
	return nil
}

// Write implements io.Writer.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog writer closed")
	}
	msg := w.format(time.Now(), p)
	if _, err := w.conn.Write(msg); err != nil {
		w.conn.Close()
		if derr := w.dial(); derr != nil {
			w.conn = nil
		}
		return 0, err
	}
	return len(p), nil
}

func (w *SyslogWriter) format(t time.Time, p []byte) []byte {
	priority := syslogFacilityDaemon*8 + syslogSeverityInfo
	return []byte(fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, t.Format(time.Stamp), w.hostname, brand.BinaryName, os.Getpid(), p))
}

// Close closes the connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
