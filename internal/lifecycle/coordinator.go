// Package lifecycle turns termination signals into a single, ordered stop
// sequence for the consumer and the provider.
package lifecycle

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/loykin/spawntrace/internal/metrics"
)

// Stopper is anything with a non-blocking, idempotent Stop.
type Stopper interface {
	Stop()
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func()

func (f StopperFunc) Stop() { f() }

// DefaultSignals are installed when Install is called without arguments.
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// Coordinator owns the stop-requested flag of a run.
type Coordinator struct {
	mu        sync.Mutex
	stoppers  []Stopper
	log       *slog.Logger
	requested atomic.Bool
	sig       atomic.Value // os.Signal
	once      sync.Once
	done      chan struct{}
}

// New returns a coordinator stopping the given components in order.
func New(log *slog.Logger, stoppers ...Stopper) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		stoppers: stoppers,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Add appends stoppers to the stop sequence. When a stop was already
// requested they are stopped right away.
func (c *Coordinator) Add(stoppers ...Stopper) {
	c.mu.Lock()
	if !c.requested.Load() {
		c.stoppers = append(c.stoppers, stoppers...)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	for _, s := range stoppers {
		s.Stop()
	}
}

// Install routes the given signals (SIGINT and SIGTERM by default) to
// RequestStop until the returned function is called.
func (c *Coordinator) Install(signals ...os.Signal) (uninstall func()) {
	if len(signals) == 0 {
		signals = DefaultSignals
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, signals...)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case s := <-ch:
				c.RequestStop(s)
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			wg.Wait()
		})
	}
}

// RequestStop records the request and stops every component. Only the first
// call has an effect; sig may be nil when the stop is not signal driven.
func (c *Coordinator) RequestStop(sig os.Signal) {
	name := "none"
	if sig != nil {
		name = sig.String()
	}
	metrics.IncStopRequest(name)
	first := false
	var stoppers []Stopper
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		if sig != nil {
			c.sig.Store(sig)
		}
		c.requested.Store(true)
		stoppers = c.stoppers
		c.mu.Unlock()
		metrics.RecordStateTransition("run", "running", "stopping")
		close(c.done)
	})
	if !first {
		c.log.Debug("stop already requested", "signal", name)
		return
	}
	c.log.Info("stop requested", "signal", name)
	for _, s := range stoppers {
		s.Stop()
	}
}

// Requested reports whether a stop was requested.
func (c *Coordinator) Requested() bool { return c.requested.Load() }

// Signal returns the signal behind the first stop request, or nil.
func (c *Coordinator) Signal() os.Signal {
	s, _ := c.sig.Load().(os.Signal)
	return s
}

// Done is closed by the first RequestStop.
func (c *Coordinator) Done() <-chan struct{} { return c.done }
