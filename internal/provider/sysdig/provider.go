// Package sysdig captures the target's events by running the external sysdig
// tracer and parsing its JSON output.
package sysdig

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/metrics"
	"github.com/loykin/spawntrace/internal/provider"
)

const (
	DefaultBinary     = "sysdig"
	DefaultSnaplen    = 256
	DefaultArmTimeout = 10 * time.Second
	DefaultStopGrace  = 2 * time.Second

	maxLine = 4 << 20
)

var (
	// ErrTracerExited reports that sysdig ended while the target still ran.
	ErrTracerExited = errors.New("sysdig exited before the target")
	errNotArmed     = errors.New("sysdig has not reported the arming marker yet")
)

type Config struct {
	Binary      string
	Snaplen     int
	ArmTimeout  time.Duration
	StopGrace   time.Duration
	ExtraArgs   []string
	EventBuffer int
	FollowForks bool
	// MarkerDir holds the nonexistent arming path; defaults to os.TempDir.
	MarkerDir string
}

// Provider runs sysdig filtered on the target pid.
type Provider struct {
	*provider.Control
	cfg Config
	log *slog.Logger
	pid int // of this process, opening the marker

	cmd    *exec.Cmd
	stderr *tailBuffer
	marker string

	armed    chan struct{}
	armOnce  sync.Once
	scanned  chan struct{}
	exited   chan struct{}
	waitErr  error
	shutOnce sync.Once
	bufBytes atomic.Uint64
}

func New(cfg Config, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = DefaultSnaplen
	}
	if cfg.ArmTimeout <= 0 {
		cfg.ArmTimeout = DefaultArmTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.MarkerDir == "" {
		cfg.MarkerDir = os.TempDir()
	}
	return &Provider{
		Control: provider.NewControl(string(provider.KindSysdig), cfg.EventBuffer, log),
		cfg:     cfg,
		log:     log.With("provider", provider.KindSysdig),
		pid:     os.Getpid(),
		armed:   make(chan struct{}),
		scanned: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (p *Provider) Name() string        { return string(provider.KindSysdig) }
func (p *Provider) Kind() provider.Kind { return provider.KindSysdig }

// filter selects the target (and its descendants when following forks) plus
// the arming probe issued by this process.
func (p *Provider) filter(target int) string {
	sel := fmt.Sprintf("proc.pid=%d", target)
	if p.cfg.FollowForks {
		sel += fmt.Sprintf(" or proc.apid=%d", target)
	}
	return fmt.Sprintf("%s or (proc.pid=%d and evt.info contains %s)", sel, p.pid, p.marker)
}

func (p *Provider) args(target int) []string {
	args := []string{
		"--unbuffered", "-j", "-b",
		"-s", strconv.Itoa(p.cfg.Snaplen),
		"-p", outputFormat(),
	}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args, p.filter(target))
}

// Attach starts sysdig and waits until it provably captures: the provider
// keeps opening a unique nonexistent path until sysdig reports that open.
func (p *Provider) Attach(ctx context.Context, t provider.Target) error {
	start := time.Now()
	if err := p.Bind(t); err != nil {
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}
	fail := func(err error) error {
		p.shutdown()
		p.Unbind()
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: err}
	}

	p.marker = filepath.Join(p.cfg.MarkerDir, "spawntrace-arm-"+uuid.NewString())
	cmd := exec.Command(p.cfg.Binary, p.args(t.Pid())...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	p.stderr = newTailBuffer(4096)
	cmd.Stderr = p.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		p.Unbind()
		return &provider.AttachError{Provider: p.Name(), PID: t.Pid(), Err: fmt.Errorf("start %s: %w", p.cfg.Binary, err)}
	}
	p.cmd = cmd
	p.log.Debug("sysdig started", "pid", cmd.Process.Pid, "args", cmd.Args)

	go p.scan(stdout)
	go func() {
		<-p.scanned
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	if err := p.arm(ctx); err != nil {
		return fail(err)
	}
	elapsed := time.Since(start)
	metrics.ObserveAttachDuration(p.Name(), elapsed.Seconds())
	p.log.Info("capture armed", "pid", t.Pid(), "took", elapsed)
	return nil
}

func (p *Provider) arm(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = p.cfg.ArmTimeout

	attempts := 0
	op := func() error {
		attempts++
		if f, err := os.Open(p.marker); err == nil {
			_ = f.Close()
		}
		select {
		case <-p.armed:
			return nil
		case <-p.exited:
			return backoff.Permanent(p.tracerExitErr())
		default:
			return errNotArmed
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return fmt.Errorf("arming after %d probes: %w", attempts, err)
	}
	return nil
}

func (p *Provider) scan(r io.Reader) {
	defer close(p.scanned)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		l, ok, err := parseLine(sc.Bytes())
		if err != nil {
			p.Drop(event.NewCaptureError("decode", err))
			continue
		}
		if !ok {
			continue
		}
		if int(l.PID) == p.pid && strings.Contains(l.Info, p.marker) {
			p.armOnce.Do(func() { close(p.armed) })
			continue
		}
		if p.Stopped() {
			// keep reading so sysdig never blocks on a full pipe
			continue
		}
		e, err := l.toEvent()
		if err != nil {
			p.Drop(event.NewCaptureError("decode", err))
			continue
		}
		p.bufBytes.Add(uint64(len(e.Buffer)))
		p.Emit(e)
	}
	if err := sc.Err(); err != nil {
		p.log.Warn("reading sysdig output", "error", err)
		// drain so the writer can exit
		_, _ = io.Copy(io.Discard, r)
	}
}

// Start releases the target and forwards events until the target exits or
// Stop is called. sysdig ending first is fatal.
func (p *Provider) Start(ctx context.Context) (provider.Result, error) {
	if err := p.Begin(); err != nil {
		return p.StoppedResult(), err
	}
	defer p.Finish()
	if p.cmd == nil {
		return p.StoppedResult(), provider.ErrNotAttached
	}
	if p.Stopped() {
		p.shutdown()
		return p.StoppedResult(), nil
	}
	if err := p.ResumeTarget(); err != nil {
		p.shutdown()
		return p.StoppedResult(), err
	}

	t := p.Target()
	select {
	case <-t.Done():
		p.shutdown()
		p.summary()
		return p.Exited(), nil
	case <-p.exited:
		select {
		case <-t.Done():
			p.summary()
			return p.Exited(), nil
		default:
		}
		err := p.tracerExitErr()
		p.log.Error("capture lost", "error", err)
		return p.StoppedResult(), err
	case <-p.Stopping():
	case <-ctx.Done():
		p.Stop()
	}
	p.shutdown()
	p.summary()
	return p.StoppedResult(), nil
}

// shutdown interrupts sysdig so it flushes, kills it after the grace period
// and waits until its output was read completely.
func (p *Provider) shutdown() {
	p.shutOnce.Do(func() {
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		pid := p.cmd.Process.Pid
		select {
		case <-p.exited:
			return
		default:
		}
		_ = unix.Kill(-pid, unix.SIGINT)
		select {
		case <-p.exited:
			return
		case <-time.After(p.cfg.StopGrace):
		}
		p.log.Warn("sysdig ignored SIGINT, killing", "pid", pid)
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-p.exited
	})
}

func (p *Provider) tracerExitErr() error {
	msg := strings.TrimSpace(p.stderr.String())
	if p.waitErr != nil {
		return fmt.Errorf("%w: %v: %s", ErrTracerExited, p.waitErr, msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", ErrTracerExited, msg)
	}
	return ErrTracerExited
}

func (p *Provider) summary() {
	p.log.Info("capture finished",
		"events", p.Emitted(),
		"dropped", p.Dropped(),
		"buffers", humanize.Bytes(p.bufBytes.Load()))
}

// Close stops sysdig if it still runs.
func (p *Provider) Close() error {
	p.Stop()
	p.shutdown()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ provider.Provider = (*Provider)(nil)
