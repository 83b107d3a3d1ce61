// Package providertest offers a scripted provider for tests that need the
// full attach/start/stop contract without kernel instrumentation.
package providertest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/provider"
)

// AttachRecord captures what the provider observed at attach time.
type AttachRecord struct {
	PID int
	At  time.Time
	// Exe is /proc/<pid>/exe when the target exposes it.
	Exe string
	// StubImage is true when the pid still ran the tracer binary, i.e. the
	// target program had not been loaded yet.
	StubImage bool
}

// Provider replays Script once the target is released, then waits for the
// target to exit or for Stop.
type Provider struct {
	*provider.Control
	kind provider.Kind

	Script []event.Event
	// Repeat keeps emitting Script every Interval until stopped.
	Repeat   bool
	Interval time.Duration
	// AttachErr makes Attach fail with an AttachError wrapping it.
	AttachErr error

	mu     sync.Mutex
	record AttachRecord
	closed atomic.Bool
	starts atomic.Int32
}

// New returns a scripted provider reporting kind.
func New(kind provider.Kind, script ...event.Event) *Provider {
	return &Provider{
		Control: provider.NewControl("test", 64, logger.Discard()),
		kind:    kind,
		Script:  script,
	}
}

func (p *Provider) Name() string        { return "test" }
func (p *Provider) Kind() provider.Kind { return p.kind }

func (p *Provider) Attach(_ context.Context, t provider.Target) error {
	if p.AttachErr != nil {
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: p.AttachErr}
	}
	rec := AttachRecord{PID: t.Pid(), At: time.Now()}
	if x, ok := t.(interface{ Exe() (string, error) }); ok {
		if exe, err := x.Exe(); err == nil {
			rec.Exe = exe
			rec.StubImage = sameFile(exe, selfExe())
		}
	}
	if err := p.Bind(t); err != nil {
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}
	p.mu.Lock()
	p.record = rec
	p.mu.Unlock()
	return nil
}

func (p *Provider) Start(ctx context.Context) (provider.Result, error) {
	if err := p.Begin(); err != nil {
		return p.StoppedResult(), err
	}
	p.starts.Add(1)
	defer p.Finish()
	if p.Stopped() {
		return p.StoppedResult(), nil
	}
	if err := p.ResumeTarget(); err != nil {
		return p.StoppedResult(), err
	}
	t := p.Target()

	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		for _, e := range p.Script {
			if !p.Emit(e) {
				return p.StoppedResult(), nil
			}
		}
		if !p.Repeat {
			break
		}
		select {
		case <-p.Stopping():
			return p.StoppedResult(), nil
		case <-ctx.Done():
			return p.StoppedResult(), nil
		case <-t.Done():
			return p.Exited(), nil
		case <-time.After(interval):
		}
	}

	select {
	case <-t.Done():
		return p.Exited(), nil
	case <-p.Stopping():
		return p.StoppedResult(), nil
	case <-ctx.Done():
		return p.StoppedResult(), nil
	}
}

func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

// Attached returns what Attach observed.
func (p *Provider) Attached() AttachRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

// Closed reports whether Close was called.
func (p *Provider) Closed() bool { return p.closed.Load() }

// Starts returns how many times Start entered its loop.
func (p *Provider) Starts() int { return int(p.starts.Load()) }

func selfExe() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return ra == rb
}

var _ provider.Provider = (*Provider)(nil)
