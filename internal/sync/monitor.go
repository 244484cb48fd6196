package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of monitoring events
type EventType string

const (
	EventSynced           EventType = "synced"
	EventDeleted          EventType = "deleted"
	EventSkipped          EventType = "skipped"
	EventRetryScheduled   EventType = "retry_scheduled"
	EventRetryExhausted   EventType = "retry_exhausted"
	EventPermanentFailure EventType = "permanent_failure"
	EventProviderDisabled EventType = "provider_disabled"
)

// Event is a structured record published to monitoring sinks
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Path      string    `json:"path,omitempty"`
	Providers []string  `json:"providers,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

func newEvent(typ EventType, path string, now time.Time) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: typ,
		Path: path,
		Time: now,
	}
}

func (e Event) withProviders(providers []string) Event {
	e.Providers = providers
	return e
}

func (e Event) withError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func (e Event) withAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// MonitoringSink receives every event. Publish must not block.
type MonitoringSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to MonitoringSink
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) {
	f(e)
}

// MultiSink fans events out to several sinks
type MultiSink []MonitoringSink

func (m MultiSink) Publish(e Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

// LogSink writes events to a slog logger
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(e Event) {
	level := slog.LevelInfo
	switch e.Type {
	case EventRetryScheduled, EventSkipped:
		level = slog.LevelWarn
	case EventRetryExhausted, EventPermanentFailure, EventProviderDisabled:
		level = slog.LevelError
	}

	attrs := []any{"type", e.Type}
	if e.Path != "" {
		attrs = append(attrs, "path", e.Path)
	}
	if len(e.Providers) > 0 {
		attrs = append(attrs, "providers", e.Providers)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	s.logger.Log(context.Background(), level, "sync event", attrs...)
}
