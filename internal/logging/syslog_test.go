package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseSyslogTarget(t *testing.T) {
	tests := []struct {
		target  string
		network string
		addr    string
		wantErr bool
	}{
		{"udp://10.0.0.1:1514", "udp", "10.0.0.1:1514", false},
		{"tcp://collector", "tcp", "collector:514", false},
		{"udp://[2001:db8::1]", "udp", "[2001:db8::1]:514", false},
		{"http://collector", "", "", true},
		{"udp://", "", "", true},
	}
	for _, tt := range tests {
		network, addr, err := ParseSyslogTarget(tt.target)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.target)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.target, err)
			continue
		}
		if network != tt.network || addr != tt.addr {
			t.Errorf("%s: got %s %s, want %s %s", tt.target, network, addr, tt.network, tt.addr)
		}
	}
}

func TestSyslogWriterSendsFramedLines(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on udp: %v", err)
	}
	defer pc.Close()

	w, err := NewSyslogWriter("udp://" + pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("rolled back\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 1024)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "<30>") {
		t.Errorf("expected daemon.info priority, got %q", got)
	}
	if !strings.Contains(got, "netconverge[") || !strings.HasSuffix(got, "rolled back\n") {
		t.Errorf("unexpected frame %q", got)
	}
}

func TestSyslogWriterClosed(t *testing.T) {
	w := &SyslogWriter{}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("expected error writing to closed writer")
	}
	if err := w.Close(); err != nil {
		t.Errorf("close of closed writer: %v", err)
	}
}
