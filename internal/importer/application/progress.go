package application

import (
	"context"
	"log/slog"
	"time"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// EventType identifies an import progress event.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventRateLimit EventType = "rate_limit"
	EventAuthError EventType = "auth_error"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// Terminal reports whether t ends a run. Every run emits exactly one
// terminal event unless its sink failed.
func (t EventType) Terminal() bool {
	switch t {
	case EventRateLimit, EventAuthError, EventComplete, EventError:
		return true
	}
	return false
}

// Counters track run progress. Remaining is Total minus Processed.
type Counters struct {
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Remaining   int    `json:"remaining"`
	CurrentDate string `json:"current_date,omitempty"`
}

// DateStatus summarises one processed date.
type DateStatus string

const (
	// DateOK means every fetcher succeeded.
	DateOK DateStatus = "ok"
	// DatePartial means some fetchers failed and the rest were merged.
	DatePartial DateStatus = "partial"
	// DateFailed means nothing was merged.
	DateFailed DateStatus = "failed"
)

// DateResult is the outcome of one date.
type DateResult struct {
	Date    string                      `json:"date"`
	Status  DateStatus                  `json:"status"`
	Fetched []providers.Family          `json:"fetched,omitempty"`
	Errors  map[providers.Family]string `json:"errors,omitempty"`
	// Empty is set when the provider had no data for any fetched family.
	Empty bool `json:"empty,omitempty"`
}

// Event is one entry of the progress stream. Seq is strictly increasing
// within a run, starting at 1.
type Event struct {
	Seq      int64              `json:"seq"`
	Type     EventType          `json:"type"`
	RunID    string             `json:"run_id"`
	Provider providers.Provider `json:"provider"`
	Time     time.Time          `json:"time"`
	Counters Counters           `json:"counters"`

	Message     string `json:"message,omitempty"`
	Remediation string `json:"remediation,omitempty"`

	// Start only.
	Adjusted        bool   `json:"adjusted,omitempty"`
	SkippedExisting int    `json:"skipped_existing,omitempty"`
	Start           string `json:"start_date,omitempty"`
	End             string `json:"end_date,omitempty"`

	// Progress only.
	Result *DateResult `json:"result,omitempty"`

	// Terminal only.
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
	LastProcessedDate string       `json:"last_processed_date,omitempty"`
	Results           []DateResult `json:"results,omitempty"`
}

// EventSink receives the events of one run in order. A returned error
// cancels the run.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// FuncSink adapts a function to EventSink.
type FuncSink func(ctx context.Context, event Event) error

func (f FuncSink) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ChannelSink delivers events on a channel. Emit blocks until the consumer
// receives the event or ctx is done.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the channel. Emit must not be called afterwards.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// LogSink writes every event to a logger and never fails.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch event.Type {
	case EventProgress:
		level = slog.LevelDebug
	case EventRateLimit, EventAuthError, EventError:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "import "+string(event.Type),
		"run_id", event.RunID,
		"seq", event.Seq,
		"provider", event.Provider,
		"processed", event.Counters.Processed,
		"total", event.Counters.Total,
		"current_date", event.Counters.CurrentDate,
		"message", event.Message,
	)
	return nil
}

// Stream plans req and, when valid, runs it in a new goroutine. The channel
// is closed after the terminal event. Validation errors are returned before
// any event is produced.
func (i *Importer) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	plan, err := i.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	sink := NewChannelSink(16)
	go func() {
		defer sink.Close()
		_, _ = i.Execute(ctx, plan, sink)
	}()
	return sink.Events(), nil
}
