package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LogRecord is a captured log line with its attributes flattened by key.
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]slog.Value
}

// LogRecorder is an slog.Handler that keeps every record at any level.
// Groups are ignored.
type LogRecorder struct {
	state *recorderState
	attrs []slog.Attr
}

type recorderState struct {
	mu      sync.Mutex
	records []LogRecord
}

// NewLogRecorder returns a recorder and a logger writing to it.
func NewLogRecorder() (*LogRecorder, *slog.Logger) {
	r := &LogRecorder{state: &recorderState{}}
	return r, slog.New(r)
}

func (r *LogRecorder) Enabled(context.Context, slog.Level) bool {
	return true
}

func (r *LogRecorder) Handle(_ context.Context, record slog.Record) error {
	attrs := make(map[string]slog.Value, len(r.attrs)+record.NumAttrs())
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value
		return true
	})

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.records = append(r.state.records, LogRecord{
		Level:   record.Level,
		Message: record.Message,
		Attrs:   attrs,
	})
	return nil
}

func (r *LogRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	merged = append(merged, r.attrs...)
	merged = append(merged, attrs...)
	return &LogRecorder{state: r.state, attrs: merged}
}

func (r *LogRecorder) WithGroup(string) slog.Handler {
	return r
}

// Records returns the records at level or above, in order.
func (r *LogRecorder) Records(level slog.Level) []LogRecord {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	var out []LogRecord
	for _, rec := range r.state.records {
		if rec.Level >= level {
			out = append(out, rec)
		}
	}
	return out
}
