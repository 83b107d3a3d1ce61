package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/spawntrace/internal/env"
	"github.com/moby/sys/reexec"
	mobysignal "github.com/moby/sys/signal"
)

const DefaultReadyTimeout = 5 * time.Second

// Options controls how the suspended target is spawned.
type Options struct {
	// ResumeSignal is the signal name releasing the child (default SIGUSR1).
	ResumeSignal string
	ReadyTimeout time.Duration
	// Env holds K=V entries layered over the tracer's environment.
	Env     []string
	WorkDir string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger
}

// Launch spawns a suspended child that will run argv once resumed. It returns
// as soon as the child reported that it waits for the resume signal; the
// target image is not loaded before Target.Resume is called.
func Launch(ctx context.Context, argv []string, opts Options) (*Target, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ResumeSignal == "" {
		opts.ResumeSignal = defaultResumeName
	}
	resume, err := mobysignal.ParseSignal(opts.ResumeSignal)
	if err != nil {
		return nil, fmt.Errorf("resume signal: %w", err)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := env.New()
	e.FromList(os.Environ())
	e.Drop(privateEnvPrefix)
	for _, kv := range opts.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Set(k, v)
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("readiness pipe: %w", err)
	}

	cmd := reexec.Command(append([]string{stubName}, argv...)...)
	cmd.Env = e.Merge([]string{envResumeSignal + "=" + opts.ResumeSignal})
	cmd.Dir = opts.WorkDir
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	cmd.ExtraFiles = []*os.File{pw}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("spawn suspended child: %w", err)
	}
	_ = pw.Close()

	if err := awaitReady(ctx, pr, opts.ReadyTimeout); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = pr.Close()
		return nil, err
	}

	t := newTarget(cmd, argv, resume, pr, log)
	log.Debug("target suspended", "pid", t.Pid(), "argv", argv, "resume_signal", opts.ResumeSignal)
	return t, nil
}

func awaitReady(ctx context.Context, r io.Reader, timeout time.Duration) error {
	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var buf [1]byte
		_, err := io.ReadFull(r, buf[:])
		ch <- result{buf[0], err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, res.err)
		}
		if res.b != readyByte {
			return fmt.Errorf("%w: unexpected byte %q", ErrNotReady, res.b)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
