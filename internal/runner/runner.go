// Package runner drives one traced run: launch the target suspended, attach
// the provider, stream events to the consumer and shut everything down in
// order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/consumer"
	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/launcher"
	"github.com/loykin/spawntrace/internal/lifecycle"
	"github.com/loykin/spawntrace/internal/metrics"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/provider/factory"
)

// ExitSetupFailed is reported when the run could not be set up.
const ExitSetupFailed = 2

// ProviderFactory constructs the provider for a run.
type ProviderFactory func(kind provider.Kind, cfg config.Config, log *slog.Logger) (provider.Provider, error)

// Options describes one run.
type Options struct {
	Argv   []string
	Kind   provider.Kind
	Config config.Config
	Logger *slog.Logger
	// Sink receives normalized events; events go to Logger when nil.
	Sink        event.Sink
	NewProvider ProviderFactory
	// Signals trigger a graceful stop; SIGINT and SIGTERM when empty.
	Signals []os.Signal
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Registerer receives the target sampler gauges when set.
	Registerer prometheus.Registerer
	// OnAttached runs once the provider is armed and the stop path is wired.
	OnAttached func(*lifecycle.Coordinator)
}

// Result summarizes a finished run.
type Result struct {
	RunID       string
	PID         int
	ExitCode    int
	Interrupted bool
	Signal      os.Signal
	Provider    provider.Result
	Consumer    consumer.Outcome
	Captured    uint64
	Forwarded   uint64
	Dropped     uint64
	ExecErr     error
	Duration    time.Duration
}

type counters interface {
	Emitted() uint64
	Dropped() uint64
}

// Run executes opts.Argv under capture and returns once the target exited or
// a stop was requested. A non-nil error means setup or capture failed and
// Result.ExitCode is ExitSetupFailed.
func Run(ctx context.Context, opts Options) (Result, error) {
	began := time.Now()
	res := Result{RunID: uuid.NewString(), ExitCode: ExitSetupFailed}
	if len(opts.Argv) == 0 {
		return res, launcher.ErrNoCommand
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run_id", res.RunID)
	cfg := opts.Config
	kind := opts.Kind
	if kind == "" {
		kind = provider.KindBPF
	}
	newProvider := opts.NewProvider
	if newProvider == nil {
		newProvider = factory.New
	}
	sink := opts.Sink
	if sink == nil {
		sink = event.NewLogSink(log)
	}

	p, err := newProvider(kind, cfg, log)
	if err != nil {
		return res, fmt.Errorf("construct provider: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("provider close failed", "provider", p.Name(), "error", err)
		}
	}()

	// Signals are routed from here on so an early interrupt aborts launch or
	// attach through the regular cleanup paths instead of killing the tracer.
	setupCtx, cancelSetup := context.WithCancel(ctx)
	defer cancelSetup()
	coord := lifecycle.New(log, lifecycle.StopperFunc(cancelSetup))
	uninstall := coord.Install(opts.Signals...)
	defer uninstall()
	stopOnCancel := context.AfterFunc(ctx, func() { coord.RequestStop(nil) })
	defer stopOnCancel()
	stopRequested := func() bool {
		if ctx.Err() != nil {
			coord.RequestStop(nil)
		}
		return coord.Requested()
	}

	t, err := launcher.Launch(setupCtx, opts.Argv, launcher.Options{
		ResumeSignal: cfg.Launcher.ResumeSignal,
		ReadyTimeout: cfg.Launcher.ReadyTimeout,
		Env:          cfg.Target.Env,
		WorkDir:      cfg.Target.WorkDir,
		Stdin:        opts.Stdin,
		Stdout:       opts.Stdout,
		Stderr:       opts.Stderr,
		Logger:       log,
	})
	if err != nil {
		if stopRequested() {
			return interrupted(res, coord, began, log, "launch"), nil
		}
		return res, fmt.Errorf("launch %s: %w", opts.Argv[0], err)
	}
	res.PID = t.Pid()
	log.Info("target launched", "pid", res.PID, "argv", opts.Argv, "provider", p.Name())

	attachStart := time.Now()
	if err := p.Attach(setupCtx, t); err != nil {
		if terr := t.Terminate(cfg.Launcher.TerminateGrace); terr != nil {
			log.Warn("terminate suspended target", "pid", res.PID, "error", terr)
		}
		if stopRequested() {
			return interrupted(res, coord, began, log, "attach"), nil
		}
		var ae *provider.AttachError
		if !errors.As(err, &ae) {
			err = &provider.AttachError{Provider: p.Name(), PID: res.PID, Err: err}
		}
		log.Error("attach failed", "pid", res.PID, "error", err)
		return res, err
	}
	log.Info("provider attached", "pid", res.PID, "provider", p.Name(),
		"took", time.Since(attachStart).Round(time.Microsecond))

	c := consumer.New(res.PID, sink,
		consumer.WithLogger(log),
		consumer.WithMaxPayload(cfg.Consumer.MaxPayload),
		consumer.WithSource(p.Name()))
	// a stop requested during setup stops both right away
	coord.Add(c, p)
	if opts.OnAttached != nil {
		opts.OnAttached(coord)
	}

	sampler := metrics.NewTargetSampler(cfg.Metrics.Sampler, log)
	if opts.Registerer != nil {
		if err := sampler.RegisterMetrics(opts.Registerer); err != nil {
			log.Warn("register target metrics", "error", err)
		}
	}
	sampler.Start(ctx, res.PID, t.Done())
	defer sampler.Stop()

	var g errgroup.Group
	g.Go(func() error { return c.Start(p, kind.HexPayloads()) })

	pres, startErr := p.Start(ctx)
	if ctx.Err() != nil {
		coord.RequestStop(nil)
	}
	p.Stop()
	if startErr != nil {
		// the stream may never have been opened
		c.Stop()
	}
	if err := g.Wait(); err != nil {
		log.Warn("consumer ended with error", "error", err)
	}

	select {
	case <-t.Done():
	default:
		if err := t.Terminate(cfg.Launcher.TerminateGrace); err != nil {
			log.Warn("terminate target", "pid", res.PID, "error", err)
		}
	}

	res.Provider = pres
	res.Consumer = c.Outcome()
	res.Forwarded = c.Forwarded()
	res.Dropped = c.Dropped()
	if n, ok := p.(counters); ok {
		res.Captured = n.Emitted()
		res.Dropped += n.Dropped()
	}
	res.ExecErr = t.ExecErr()
	if res.ExecErr != nil {
		log.Error("target exec failed", "pid", res.PID, "error", res.ExecErr)
	}
	res.Interrupted = coord.Requested()
	res.Signal = coord.Signal()
	res.Duration = time.Since(began)

	if startErr != nil {
		log.Error("capture failed", "provider", p.Name(), "error", startErr)
		return res, fmt.Errorf("capture: %w", startErr)
	}
	res.ExitCode = exitCode(res, pres)
	metrics.SetTargetExitCode(res.ExitCode)

	attrs := []any{
		"pid", res.PID,
		"exit_code", res.ExitCode,
		"interrupted", res.Interrupted,
		"provider_outcome", pres.Outcome.String(),
		"consumer_outcome", res.Consumer.String(),
		"captured", res.Captured,
		"forwarded", res.Forwarded,
		"dropped", res.Dropped,
		"duration", res.Duration.Round(time.Millisecond),
	}
	if sampler.IsEnabled() {
		attrs = append(attrs, "peak_rss", humanize.Bytes(sampler.PeakRSS()))
	}
	log.Info("run finished", attrs...)
	return res, nil
}

// interrupted finishes a run stopped before capture began. The target never
// ran, so the exit status follows the stop request alone.
func interrupted(res Result, coord *lifecycle.Coordinator, began time.Time, log *slog.Logger, phase string) Result {
	res.Interrupted = true
	res.Signal = coord.Signal()
	res.Duration = time.Since(began)
	res.ExitCode = exitCode(res, provider.Result{Outcome: provider.OutcomeStopped, ExitCode: provider.ExitStopped})
	metrics.SetTargetExitCode(res.ExitCode)
	log.Warn("run interrupted before capture", "phase", phase, "pid", res.PID, "exit_code", res.ExitCode)
	return res
}

// exitCode applies the exit rule: a signal interruption yields 128+signo, a
// target that exited yields its own status, a stop without a signal yields 1.
func exitCode(res Result, pres provider.Result) int {
	if res.Interrupted && res.Signal != nil {
		if s, ok := res.Signal.(syscall.Signal); ok {
			return 128 + int(s)
		}
		return 1
	}
	if pres.Outcome == provider.OutcomeExited && pres.ExitCode != provider.ExitStopped {
		return pres.ExitCode
	}
	return 1
}
