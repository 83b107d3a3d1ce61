// Package bpf captures the target's syscalls with in-kernel eBPF programs
// attached to the raw_syscalls tracepoints.
package bpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/metrics"
	"github.com/loykin/spawntrace/internal/provider"
)

// Object names in bpf/spawntrace.bpf.c.
const (
	mapTargets    = "target_pids"
	mapEvents     = "events"
	progSysEnter  = "handle_sys_enter"
	progSysExit   = "handle_sys_exit"
	progForkTrack = "handle_fork"
)

const DefaultDrainTimeout = 200 * time.Millisecond

type tracepoint struct {
	group, name, prog string
	optional          bool
}

type Config struct {
	ObjectPath   string
	FollowForks  bool
	DrainTimeout time.Duration
	EventBuffer  int
}

// Provider streams raw syscall events of the target pid.
type Provider struct {
	*provider.Control
	cfg Config
	log *slog.Logger

	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
	bootNs int64

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Provider{
		Control: provider.NewControl(string(provider.KindBPF), cfg.EventBuffer, log),
		cfg:     cfg,
		log:     log.With("provider", provider.KindBPF),
	}
}

func (p *Provider) Name() string        { return string(provider.KindBPF) }
func (p *Provider) Kind() provider.Kind { return provider.KindBPF }

// Attach loads the collection, registers the pid in the in-kernel filter,
// attaches the tracepoints and opens the ring buffer. Once it returns every
// syscall of the pid is recorded.
func (p *Provider) Attach(ctx context.Context, t provider.Target) error {
	start := time.Now()
	if err := p.Bind(t); err != nil {
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		p.Unbind()
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}
	if err := p.arm(uint32(t.Pid())); err != nil {
		p.Unbind()
		p.cleanup()
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}
	p.bootNs = bootOffset()
	elapsed := time.Since(start)
	metrics.ObserveAttachDuration(p.Name(), elapsed.Seconds())
	p.log.Info("capture armed", "pid", t.Pid(), "object", p.cfg.ObjectPath,
		"follow_forks", p.cfg.FollowForks, "took", elapsed)
	return nil
}

func (p *Provider) arm(pid uint32) error {
	spec, err := ebpf.LoadCollectionSpec(p.cfg.ObjectPath)
	if err != nil {
		return fmt.Errorf("load collection spec: %w", err)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			p.log.Debug("verifier log", "log", fmt.Sprintf("%+v", ve))
		}
		return fmt.Errorf("new collection: %w", err)
	}
	p.coll = coll

	targets := coll.Maps[mapTargets]
	if targets == nil {
		return fmt.Errorf("map %s not found", mapTargets)
	}
	if err := targets.Put(pid, uint8(1)); err != nil {
		return fmt.Errorf("register pid %d: %w", pid, err)
	}

	progs := []tracepoint{
		{"raw_syscalls", "sys_enter", progSysEnter, false},
		{"raw_syscalls", "sys_exit", progSysExit, false},
	}
	if p.cfg.FollowForks {
		progs = append(progs, tracepoint{"sched", "sched_process_fork", progForkTrack, true})
	}
	for _, tp := range progs {
		prog := coll.Programs[tp.prog]
		if prog == nil {
			if tp.optional {
				p.log.Warn("program missing, children are not followed", "program", tp.prog)
				continue
			}
			return fmt.Errorf("program %s not found", tp.prog)
		}
		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			return fmt.Errorf("attach %s:%s: %w", tp.group, tp.name, err)
		}
		p.links = append(p.links, l)
	}

	events := coll.Maps[mapEvents]
	if events == nil {
		return fmt.Errorf("map %s not found", mapEvents)
	}
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("opening ring buffer: %w", err)
	}
	p.reader = rd
	return nil
}

// Start reads the ring buffer until the target exits or Stop is called.
// After the target exits the buffer is drained for DrainTimeout.
func (p *Provider) Start(ctx context.Context) (provider.Result, error) {
	if err := p.Begin(); err != nil {
		return p.StoppedResult(), err
	}
	defer p.Finish()
	if p.Stopped() {
		return p.StoppedResult(), nil
	}
	if p.reader == nil {
		return p.StoppedResult(), provider.ErrNotAttached
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop()
	}()

	if err := p.ResumeTarget(); err != nil {
		p.Stop()
		wg.Wait()
		return p.StoppedResult(), err
	}

	t := p.Target()
	select {
	case <-t.Done():
		p.log.Debug("target exited, draining", "timeout", p.cfg.DrainTimeout)
		p.reader.SetDeadline(time.Now().Add(p.cfg.DrainTimeout))
		wg.Wait()
		p.summary()
		return p.Exited(), nil
	case <-p.Stopping():
	case <-ctx.Done():
		p.Stop()
	}
	p.reader.SetDeadline(time.Now())
	wg.Wait()
	p.summary()
	return p.StoppedResult(), nil
}

func (p *Provider) readLoop() {
	var rec ringbuf.Record
	for {
		if p.Stopped() {
			return
		}
		if err := p.reader.ReadInto(&rec); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			p.Drop(event.NewCaptureError("read", err))
			continue
		}
		e, err := decode(rec.RawSample, p.bootNs)
		if err != nil {
			p.Drop(event.NewCaptureError("decode", err))
			continue
		}
		if !p.Emit(e) {
			return
		}
	}
}

func (p *Provider) summary() {
	p.log.Info("capture finished",
		"events", p.Emitted(),
		"dropped", p.Dropped(),
		"decoded", humanize.Bytes(p.Emitted()*uint64(recordSize)))
}

// Close detaches the programs and releases kernel objects.
func (p *Provider) Close() error {
	p.Stop()
	p.closeOnce.Do(func() { p.closeErr = p.cleanup() })
	return p.closeErr
}

func (p *Provider) cleanup() error {
	var errs []error
	if p.reader != nil {
		if err := p.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ring buffer: %w", err))
		}
		p.reader = nil
	}
	for i := len(p.links) - 1; i >= 0; i-- {
		if err := p.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tracepoint link: %w", err))
		}
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
	return errors.Join(errs...)
}

var _ provider.Provider = (*Provider)(nil)
