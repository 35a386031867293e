// Package notify is the user-facing notification side channel. The engine
// reports call progress and recoverable failures here; rendering them is
// up to the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/pkg/buffer"
)

// Level of a notification
type Level int

// Notification levels
const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
	LevelError
)

// String returns the level name
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the level name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(level Level, message string)
}

// Func adapts a function to Sink
type Func func(level Level, message string)

// Notify calls f
func (f Func) Notify(level Level, message string) {
	f(level, message)
}

// LogSink forwards notifications to slog
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over logger, slog.Default when nil
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify logs the message at the matching slog level
func (s *LogSink) Notify(level Level, message string) {
	slogLevel := slog.LevelInfo
	switch level {
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	}
	s.logger.Log(context.Background(), slogLevel, message, "notify_level", level.String())
}

// Entry is one recorded notification
type Entry struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Recorder keeps the most recent notifications in memory
type Recorder struct {
	ring *buffer.Ring[Entry]
}

// NewRecorder keeps at most max entries; max <= 0 keeps 100
func NewRecorder(max int) *Recorder {
	r, _ := NewMeteredRecorder(max, nil)
	return r
}

// NewMeteredRecorder is NewRecorder with buffer counters exported to registry
func NewMeteredRecorder(max int, registry *metric.MetricsRegistry) (*Recorder, error) {
	if max <= 0 {
		max = 100
	}
	ring, err := buffer.New[Entry](max, buffer.WithMetrics[Entry](registry, "notifications"))
	if err != nil {
		return nil, err
	}
	return &Recorder{ring: ring}, nil
}

// Notify records the notification, evicting the oldest when full
func (r *Recorder) Notify(level Level, message string) {
	_ = r.ring.Write(Entry{Level: level, Message: message, Time: time.Now()})
}

// Entries returns a copy of the recorded notifications, oldest first
func (r *Recorder) Entries() []Entry {
	return r.ring.Snapshot()
}

// Stats reports how many notifications were recorded and evicted
func (r *Recorder) Stats() buffer.Stats {
	return r.ring.Stats()
}

// Multi fans a notification out to several sinks
type Multi []Sink

// Notify forwards to every non-nil sink
func (m Multi) Notify(level Level, message string) {
	for _, s := range m {
		if s != nil {
			s.Notify(level, message)
		}
	}
}

// Discard drops every notification
var Discard Sink = Func(func(Level, string) {})
