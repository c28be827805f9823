package logger

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// SyslogWriter sends each formatted record as one RFC 3164 style message.
type SyslogWriter struct {
	Network  string
	Address  string
	Tag      string
	Hostname string
	Facility int
	conn     net.Conn
	mu       sync.Mutex
}

func (w *SyslogWriter) connect() error {
	if w.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout(w.Network, w.Address, time.Second)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// severity strips the slog level marker from msg and returns the matching syslog severity.
func severity(msg string) (int, string) {
	for _, lv := range []struct {
		marker string
		sev    int
	}{
		{"level=ERROR", 3},
		{"level=WARN", 4},
		{"level=DEBUG", 7},
		{"level=INFO", 6},
	} {
		if strings.Contains(msg, lv.marker) {
			return lv.sev, strings.TrimSpace(strings.Replace(msg, lv.marker, "", 1))
		}
	}
	return 6, strings.TrimSpace(msg)
}

func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sev, msg := severity(strings.TrimSuffix(string(p), "\n"))
	pri := w.Facility*8 + sev
	line := fmt.Sprintf("<%d>%s %s %s: %s", pri, time.Now().Format(time.RFC3339), w.Hostname, w.Tag, msg)

	// Logging must never fail the caller; unreachable syslog just loses the line.
	if err := w.connect(); err != nil {
		return len(p), nil
	}
	if _, err := fmt.Fprint(w.conn, line); err != nil {
		w.conn.Close()
		w.conn = nil
		if err := w.connect(); err == nil {
			fmt.Fprint(w.conn, line)
		}
	}
	return len(p), nil
}
