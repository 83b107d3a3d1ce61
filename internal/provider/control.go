package provider

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/metrics"
)

// DefaultEventBuffer is the capacity of the event stream when none is set.
const DefaultEventBuffer = 1024

// State is the capture state of a provider.
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

// Control carries the state every provider variant shares: the capture
// state machine, the stop channel, the bound target and the event stream.
type Control struct {
	name string
	log  *slog.Logger

	state    atomic.Int32
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	events    chan event.Event
	closeOnce sync.Once
	seq       atomic.Uint64
	emitted   atomic.Uint64
	dropped   atomic.Uint64

	mu         sync.Mutex
	target     Target
	attachedAt time.Time
	resumeOnce sync.Once
	resumeErr  error
}

// NewControl creates a Control whose events are tagged with name.
func NewControl(name string, buffer int, log *slog.Logger) *Control {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Control{
		name:   name,
		log:    log,
		stopCh: make(chan struct{}),
		events: make(chan event.Event, buffer),
	}
}

// Bind records the target being attached. A provider binds once.
func (c *Control) Bind(t Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target != nil {
		return ErrAlreadyAttached
	}
	c.target = t
	c.attachedAt = time.Now()
	return nil
}

// Unbind forgets a target whose attach failed.
func (c *Control) Unbind() {
	c.mu.Lock()
	c.target = nil
	c.mu.Unlock()
}

// Target returns the bound target or nil.
func (c *Control) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// AttachedAt returns when Bind succeeded.
func (c *Control) AttachedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachedAt
}

// Begin moves idle to running. It fails when nothing is bound or Start was
// already called once. A provider stopped before Start stays stopped; the
// caller checks Stopped and returns at once.
func (c *Control) Begin() error {
	if c.Target() == nil {
		return ErrNotAttached
	}
	if c.started.Swap(true) {
		return ErrAlreadyStarted
	}
	c.transition(StateIdle, StateRunning)
	return nil
}

// Stop requests the capture loop to end. Safe from any goroutine, any number
// of times.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.log.Debug("capture stop requested", "provider", c.name)
	})
	for {
		cur := c.State()
		if cur == StateStopped || c.transition(cur, StateStopped) {
			return
		}
	}
}

// Stopping is closed once Stop was called.
func (c *Control) Stopping() <-chan struct{} { return c.stopCh }

// Stopped reports whether Stop was called.
func (c *Control) Stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Finish marks the loop as ended and closes the event stream. Start calls it
// on return.
func (c *Control) Finish() {
	for {
		cur := c.State()
		if cur == StateStopped || c.transition(cur, StateStopped) {
			break
		}
	}
	c.closeOnce.Do(func() { close(c.events) })
}

// State returns the current capture state.
func (c *Control) State() State { return State(c.state.Load()) }

// Events is the stream read by the consumer.
func (c *Control) Events() <-chan event.Event { return c.events }

// ResumeTarget releases the bound target. Only the first call signals it.
func (c *Control) ResumeTarget() error {
	t := c.Target()
	if t == nil {
		return ErrNotAttached
	}
	c.resumeOnce.Do(func() {
		c.resumeErr = t.Resume()
		if c.resumeErr == nil {
			c.log.Info("target released", "provider", c.name, "pid", t.Pid(),
				"armed_for", time.Since(c.AttachedAt()).Round(time.Microsecond))
		}
	})
	return c.resumeErr
}

// Emit numbers e and hands it to the consumer. It returns false when the
// provider was stopped while waiting for room in the stream.
func (c *Control) Emit(e event.Event) bool {
	e.Seq = c.seq.Add(1)
	if e.Source == "" {
		e.Source = c.name
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case c.events <- e:
		c.emitted.Add(1)
		metrics.IncCaptured(c.name)
		return true
	case <-c.stopCh:
		return false
	}
}

// Drop logs and counts a per-event failure. The capture loop continues.
func (c *Control) Drop(err error) {
	c.dropped.Add(1)
	stage := "capture"
	var ce *event.CaptureError
	if errors.As(err, &ce) {
		stage = ce.Stage
	}
	metrics.IncDropped(c.name, stage)
	c.log.Warn("event dropped", "provider", c.name, "stage", stage, "error", err)
}

// Emitted returns the number of events handed to the stream.
func (c *Control) Emitted() uint64 { return c.emitted.Load() }

// Dropped returns the number of events lost to per-event failures.
func (c *Control) Dropped() uint64 { return c.dropped.Load() }

// Exited builds the result for a target that exited on its own.
func (c *Control) Exited() Result {
	code := ExitStopped
	if t := c.Target(); t != nil {
		code = t.ExitCode()
	}
	return Result{ExitCode: code, Outcome: OutcomeExited}
}

// StoppedResult builds the result for a loop ended by Stop or cancellation.
func (c *Control) StoppedResult() Result {
	return Result{ExitCode: ExitStopped, Outcome: OutcomeStopped}
}

func (c *Control) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.RecordStateTransition("provider", from.String(), to.String())
	c.log.Debug("provider state", "provider", c.name, "from", from.String(), "to", to.String())
	return true
}
