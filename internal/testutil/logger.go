package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// TestLogger captures structured log records for assertions.
type TestLogger struct {
	Logger *slog.Logger

	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one captured record with its attributes flattened.
type LogEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// NewTestLogger returns a debug-level logger that records every entry.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()
	tl := &TestLogger{}
	tl.Logger = slog.New(&captureHandler{sink: tl})
	return tl
}

type captureHandler struct {
	sink  *TestLogger
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	h.sink.entries = append(h.sink.entries, entry)
	h.sink.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &captureHandler{sink: h.sink, attrs: merged}
}

// Groups are flattened; the conductor does not log with groups.
func (h *captureHandler) WithGroup(string) slog.Handler { return h }

// Entries returns a copy of the captured entries.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Find returns entries whose message contains substring.
func (l *TestLogger) Find(substring string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substring) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails the test when no entry contains substring.
func (l *TestLogger) AssertLogged(t *testing.T, substring string) {
	t.Helper()
	if len(l.Find(substring)) == 0 {
		t.Errorf("no log entry contains %q", substring)
	}
}

// AssertNoErrors fails the test if anything was logged at error level.
func (l *TestLogger) AssertNoErrors(t *testing.T) {
	t.Helper()
	for _, e := range l.Entries() {
		if e.Level >= slog.LevelError {
			t.Errorf("unexpected error log: %s %v", e.Message, e.Attrs)
		}
	}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// NewBufferLogger returns a JSON logger writing to a buffer.
func NewBufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})), buf
}

// ParseJSONLogs decodes JSON log lines from buf.
func ParseJSONLogs(buf *bytes.Buffer) ([]map[string]any, error) {
	var entries []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
