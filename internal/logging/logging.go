// Package logging provides the gateway's process logger: a terse
// per-subsystem prefixed writer for normal operation, plus an optional
// verbose debug sink that can be filtered to specific subsystems for
// protocol-level troubleshooting (raw Modbus ADU bytes, retry timing).
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is a small wrapper around the standard logger that tags every
// line with a subsystem name and fans debug-level lines out to an
// optional verbose sink.
type Logger struct {
	subsystem string
	std       *log.Logger
	debug     *DebugSink
}

// New returns a Logger for the given subsystem writing to stderr.
func New(subsystem string) *Logger {
	return &Logger{
		subsystem: subsystem,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithDebug attaches a verbose sink; debug lines from this subsystem are
// written there only when the sink's filter admits the subsystem.
func (l *Logger) WithDebug(d *DebugSink) *Logger {
	return &Logger{subsystem: l.subsystem, std: l.std, debug: d}
}

// Sub returns a Logger for a nested subsystem name, e.g. "poller.ctrl".
func (l *Logger) Sub(name string) *Logger {
	return &Logger{subsystem: l.subsystem + "." + name, std: l.std, debug: l.debug}
}

// Printf logs an informational line.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf("[%s] %s", l.subsystem, fmt.Sprintf(format, args...))
}

// Errorf logs an error line. It never returns an error itself; error
// handling policy (swallow vs propagate) is the caller's decision, per
// the error-handling taxonomy in SPEC_FULL.md §7.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf("[%s] ERROR: %s", l.subsystem, fmt.Sprintf(format, args...))
}

// Debugf logs a verbose line, only emitted if a debug sink is attached
// and its filter admits this subsystem.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.debug == nil {
		return
	}
	l.debug.log(l.subsystem, format, args...)
}

// DebugSink is a protocol-filterable verbose log file, modeled on the
// teacher's per-protocol debug logger: operators enable it with a
// comma-separated subsystem list (or "all") to capture wire-level
// traces without drowning in noise from unrelated families.
type DebugSink struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty means "log everything"
}

// NewDebugSink creates a debug sink writing to path, truncating any
// previous content.
func NewDebugSink(path string) (*DebugSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open debug sink: %w", err)
	}
	d := &DebugSink{file: f, filters: make(map[string]bool)}
	d.log("debug", "debug logging started %s", time.Now().Format(time.RFC3339))
	return d, nil
}

// SetFilter restricts logging to the given comma-separated subsystem
// list. An empty filter logs every subsystem.
func (d *DebugSink) SetFilter(filter string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = make(map[string]bool)
	if filter == "" || strings.EqualFold(filter, "all") {
		return
	}
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			d.filters[p] = true
		}
	}
}

func (d *DebugSink) log(subsystem, format string, args ...interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(d.filters) > 0 && !d.filters[strings.ToLower(subsystem)] {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(d.file, "%s [%s] %s\n", ts, subsystem, fmt.Sprintf(format, args...))
}

// Close closes the underlying file.
func (d *DebugSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}
