package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// reapWait bounds how long Terminate waits for reaping after SIGKILL.
const reapWait = 2 * time.Second

// State is the lifecycle state of a target process.
type State int32

const (
	StateSuspended State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Target is a spawned child process, suspended until Resume.
type Target struct {
	argv   []string
	cmd    *exec.Cmd
	pid    int
	resume syscall.Signal
	log    *slog.Logger

	state    atomic.Int32
	resumed  atomic.Bool
	resumeMu sync.Mutex
	// resumeErr is set by the first Resume call
	resumeErr error

	mu       sync.Mutex
	execErr  error
	exitCode int
	info     ProcInfo

	done chan struct{}
}

func newTarget(cmd *exec.Cmd, argv []string, resume syscall.Signal, ready *os.File, log *slog.Logger) *Target {
	t := &Target{
		argv:     argv,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		resume:   resume,
		log:      log,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	watched := make(chan struct{})
	go t.watchExec(ready, watched)
	go t.reap(watched)
	return t
}

// Pid returns the process id; it stays the same across the image replacement.
func (t *Target) Pid() int { return t.pid }

// Argv returns the target command line.
func (t *Target) Argv() []string { return t.argv }

// State reports the current lifecycle state.
func (t *Target) State() State { return State(t.state.Load()) }

// Resumed reports whether the resume signal has been sent.
func (t *Target) Resumed() bool { return t.resumed.Load() }

// Resume releases the suspended child so it loads the target image.
// Only the first call sends the signal; later calls return its result.
func (t *Target) Resume() error {
	t.resumeMu.Lock()
	defer t.resumeMu.Unlock()
	if t.resumed.Load() {
		return t.resumeErr
	}
	t.resumed.Store(true)
	select {
	case <-t.done:
		t.resumeErr = fmt.Errorf("resume pid %d: target already exited", t.pid)
		return t.resumeErr
	default:
	}
	if err := unix.Kill(t.pid, t.resume); err != nil {
		t.resumeErr = fmt.Errorf("resume pid %d: %w", t.pid, err)
	}
	t.log.Debug("target resumed", "pid", t.pid, "signal", t.resume.String())
	return t.resumeErr
}

// Done is closed once the target has been reaped.
func (t *Target) Done() <-chan struct{} { return t.done }

// ExitCode is valid after Done is closed. A target killed by a signal reports
// 128 plus the signal number.
func (t *Target) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// ExecErr reports an image replacement failure, if any.
func (t *Target) ExecErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execErr
}

// Info returns the description of the target image captured once it runs.
func (t *Target) Info() ProcInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Exe returns the image the pid currently runs. Before Resume this is the
// tracer binary itself.
func (t *Target) Exe() (string, error) { return exePath(t.pid) }

// Wait blocks until the target is reaped and returns its exit code.
func (t *Target) Wait() int {
	<-t.done
	return t.ExitCode()
}

// Terminate stops a live target: SIGTERM, then SIGKILL after grace. It
// returns once the target is reaped or the reap wait expired.
func (t *Target) Terminate(grace time.Duration) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	t.log.Info("terminating target", "pid", t.pid, "grace", grace)
	if err := unix.Kill(t.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate pid %d: %w", t.pid, err)
	}
	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
	}
	t.log.Warn("target ignored SIGTERM, killing", "pid", t.pid)
	_ = unix.Kill(t.pid, unix.SIGKILL)
	select {
	case <-t.done:
		return nil
	case <-time.After(reapWait):
		return fmt.Errorf("pid %d not reaped after SIGKILL", t.pid)
	}
}

func (t *Target) advance(to State) bool {
	for {
		cur := t.state.Load()
		if State(cur) >= to {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// watchExec reads the readiness pipe after the ready byte. A successful exec
// closes it without data; a failed one leaves the reason behind.
func (t *Target) watchExec(ready *os.File, watched chan<- struct{}) {
	defer close(watched)
	defer func() { _ = ready.Close() }()
	msg, _ := io.ReadAll(ready)
	if len(msg) > 0 {
		err := &ExecError{Argv: t.argv, Reason: string(msg)}
		t.mu.Lock()
		t.execErr = err
		t.mu.Unlock()
		t.log.Error("target exec failed", "pid", t.pid, "error", err)
		return
	}
	if !t.resumed.Load() {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	if !t.advance(StateRunning) {
		return
	}
	info, err := Describe(t.pid)
	if err != nil {
		t.log.Debug("describe target failed", "pid", t.pid, "error", err)
		return
	}
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()
	t.log.Info("target running", "pid", t.pid, "name", info.Name, "exe", info.Exe, "started", info.Started)
}

func (t *Target) reap(watched <-chan struct{}) {
	err := t.cmd.Wait()
	<-watched
	code := exitCode(t.cmd.ProcessState, err)
	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
	t.advance(StateExited)
	t.log.Info("target exited", "pid", t.pid, "exit_code", code)
	close(t.done)
}

func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
