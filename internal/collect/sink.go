package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openbach-stack/conductor/internal/config"
)

// Severity of a log record, matching syslog levels used by the collect agent.
type Severity int

const (
	SeverityError   Severity = 3
	SeverityWarning Severity = 4
	SeverityInfo    Severity = 6
	SeverityDebug   Severity = 7
)

// Source identifies who produced a record.
type Source struct {
	InstanceID string `json:"scenario_instance_id"`
	FunctionID int    `json:"function_id"`
	Kind       string `json:"function_kind"`
}

// Record is one message sent to the collector.
type Record struct {
	Type      string         `json:"type"` // register, stat, log, deregister
	Source    Source         `json:"source"`
	Timestamp int64          `json:"timestamp"` // milliseconds
	Severity  Severity       `json:"severity,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives records. Implementations must not block callers for long
// and never fail them: the collector is fire-and-forget.
type Sink interface {
	Emit(r Record)
	Close() error
}

// NewSink builds the sink selected by configuration.
func NewSink(cfg config.CollectorConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Sink {
	case config.SinkUDP:
		return NewUDPSink(cfg.SinkAddress, logger)
	default:
		return NewLogSink(logger), nil
	}
}

// Register opens a registration for src. The returned Registration must be
// closed on every exit path; Close sends the deregister record once.
func Register(sink Sink, src Source) *Registration {
	r := &Registration{sink: sink, src: src}
	r.emit(Record{Type: "register"})
	return r
}

// Registration scopes the records of one function execution.
type Registration struct {
	sink Sink
	src  Source
	once sync.Once
}

func (r *Registration) emit(rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	rec.Source = r.src
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	r.sink.Emit(rec)
}

// Stat sends a statistic.
func (r *Registration) Stat(ts time.Time, fields map[string]any) {
	r.emit(Record{Type: "stat", Timestamp: ts.UnixMilli(), Fields: fields})
}

// Log sends a log line.
func (r *Registration) Log(severity Severity, format string, args ...any) {
	r.emit(Record{Type: "log", Severity: severity, Message: fmt.Sprintf(format, args...)})
}

// Close deregisters. It is safe to call more than once.
func (r *Registration) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() { r.emit(Record{Type: "deregister"}) })
	return nil
}

// LogSink writes records through the process logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at debug level, errors at warn.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "collector")}
}

func (s *LogSink) Emit(r Record) {
	level := slog.LevelDebug
	if r.Type == "log" && r.Severity <= SeverityWarning {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "collect "+r.Type,
		"instance_id", r.Source.InstanceID,
		"function_id", r.Source.FunctionID,
		"message", r.Message,
		"fields", r.Fields,
	)
}

func (s *LogSink) Close() error { return nil }

// UDPSink sends each record as one JSON datagram to the local collect agent.
type UDPSink struct {
	conn   net.Conn
	logger *slog.Logger
	mu     sync.Mutex
}

// NewUDPSink connects a datagram socket to address.
func NewUDPSink(address string, logger *slog.Logger) (*UDPSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting collect sink %s: %w", address, err)
	}
	return &UDPSink{conn: conn, logger: logger.With("component", "collector")}, nil
}

func (s *UDPSink) Emit(r Record) {
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("dropping collect record", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		s.logger.Debug("collect send failed", "error", err)
	}
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}
