// Package consumer pulls events from a provider, normalizes them and forwards
// them downstream.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/metrics"
)

// Source is the read side of a provider.
type Source interface {
	Events() <-chan event.Event
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome tells why the pull loop ended.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	// OutcomeEndOfStream means the provider closed its stream.
	OutcomeEndOfStream
	// OutcomeStopped means Stop ended the loop.
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEndOfStream:
		return "end-of-stream"
	case OutcomeStopped:
		return "stopped"
	default:
		return "none"
	}
}

var ErrAlreadyStarted = errors.New("consumer already started")

type Option func(*Consumer)

func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.log = l }
}

// WithMaxPayload bounds the buffer size accepted by hex normalization.
func WithMaxPayload(n int) Option {
	return func(c *Consumer) { c.maxPayload = n }
}

// WithSource names the provider in metrics and log lines.
func WithSource(name string) Option {
	return func(c *Consumer) { c.source = name }
}

// Consumer forwards the events of one target.
type Consumer struct {
	pid        int
	sink       event.Sink
	log        *slog.Logger
	maxPayload int
	source     string

	state   atomic.Int32
	outcome atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	payloadBytes atomic.Uint64
}

// New creates an idle consumer for the target pid.
func New(pid int, sink event.Sink, opts ...Option) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		pid:    pid,
		sink:   sink,
		source: "unknown",
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.sink == nil {
		c.sink = event.NewLogSink(c.log)
	}
	return c
}

// Start runs the pull loop in the calling goroutine until the stream closes
// or Stop is called. With hexNormalize raw buffers are forwarded as
// lowercase hex text, otherwise events pass unmodified. A consumer runs at
// most once: Start on a running consumer fails, on a stopped one it returns
// at once.
func (c *Consumer) Start(src Source, hexNormalize bool) error {
	if !c.transition(StateIdle, StateRunning) {
		if c.State() == StateStopped {
			return nil
		}
		return ErrAlreadyStarted
	}
	defer c.finish()

	var norm event.Normalizer = event.PassThrough
	if hexNormalize {
		norm = event.HexNormalizer{MaxPayload: c.maxPayload}
	}
	c.log.Debug("consumer started", "pid", c.pid, "source", c.source, "hex", hexNormalize)

	events := src.Events()
	for {
		if c.stopRequested() {
			c.outcome.CompareAndSwap(int32(OutcomeNone), int32(OutcomeStopped))
			return nil
		}
		select {
		case <-c.stopCh:
			c.outcome.CompareAndSwap(int32(OutcomeNone), int32(OutcomeStopped))
			return nil
		case e, ok := <-events:
			if !ok {
				c.outcome.CompareAndSwap(int32(OutcomeNone), int32(OutcomeEndOfStream))
				return nil
			}
			c.handle(norm, e)
		}
	}
}

func (c *Consumer) handle(norm event.Normalizer, e event.Event) {
	size := len(e.Buffer)
	out, err := norm.Normalize(e)
	if err != nil {
		c.drop(e, event.NewCaptureError("normalize", err))
		return
	}
	if err := c.sink.Forward(c.ctx, out); err != nil {
		c.drop(e, event.NewCaptureError("forward", err))
		return
	}
	c.forwarded.Add(1)
	c.payloadBytes.Add(uint64(size))
	metrics.IncForwarded(c.source)
}

func (c *Consumer) drop(e event.Event, err *event.CaptureError) {
	c.dropped.Add(1)
	metrics.IncDropped(c.source, err.Stage)
	c.log.Warn("event dropped", "pid", c.pid, "seq", e.Seq, "event", e.Label(), "error", err)
}

// Stop ends the loop after the event in progress. It never blocks and may be
// called from any goroutine any number of times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
	})
	if c.transition(StateIdle, StateStopped) {
		c.outcome.CompareAndSwap(int32(OutcomeNone), int32(OutcomeStopped))
		c.closeDone()
	}
}

func (c *Consumer) finish() {
	c.transition(StateRunning, StateStopped)
	c.cancel()
	c.log.Info("consumer finished",
		"pid", c.pid,
		"outcome", c.Outcome().String(),
		"forwarded", c.forwarded.Load(),
		"dropped", c.dropped.Load(),
		"payload", humanize.Bytes(c.payloadBytes.Load()))
	c.closeDone()
}

func (c *Consumer) closeDone() { c.doneOnce.Do(func() { close(c.done) }) }

func (c *Consumer) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Consumer) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.RecordStateTransition("consumer", from.String(), to.String())
	return true
}

// Done is closed once the consumer reached the stopped state.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) State() State     { return State(c.state.Load()) }
func (c *Consumer) Outcome() Outcome { return Outcome(c.outcome.Load()) }
func (c *Consumer) Forwarded() uint64 { return c.forwarded.Load() }
func (c *Consumer) Dropped() uint64   { return c.dropped.Load() }
func (c *Consumer) PID() int          { return c.pid }
