package event

import (
	"context"
	"log/slog"
	"sync"
)

// Sink is the downstream stage receiving normalized events.
type Sink interface {
	Forward(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Forward(ctx context.Context, e Event) error { return f(ctx, e) }

// LogSink writes one structured log line per event.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogSink returns a sink that logs events at info level.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l, Level: slog.LevelInfo}
}

func (s *LogSink) Forward(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.Uint64("seq", e.Seq),
		slog.String("source", e.Source),
		slog.Int("pid", e.PID),
		slog.Int("tid", e.TID),
		slog.String("syscall", e.Label()),
	}
	if e.Comm != "" {
		attrs = append(attrs, slog.String("comm", e.Comm))
	}
	if !e.Time.IsZero() {
		attrs = append(attrs, slog.Time("ts", e.Time))
	}
	if e.Dir == DirExit {
		attrs = append(attrs, slog.Int64("ret", e.Ret))
	}
	if len(e.Args) > 0 {
		attrs = append(attrs, slog.Any("args", e.Args))
	}
	if e.Info != "" {
		attrs = append(attrs, slog.String("info", e.Info))
	}
	switch {
	case e.Data != "":
		attrs = append(attrs, slog.String("data", e.Data), slog.String("encoding", string(e.Encoding)))
	case e.HasPayload():
		attrs = append(attrs, slog.String("data", string(e.Buffer)))
	}
	s.Logger.LogAttrs(ctx, s.Level, "event", attrs...)
	return nil
}

// Recorder is an in-memory sink, mostly useful for tests and embedding.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Forward(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
