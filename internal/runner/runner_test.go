package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/spawntrace/internal/config"
	"github.com/loykin/spawntrace/internal/consumer"
	"github.com/loykin/spawntrace/internal/event"
	"github.com/loykin/spawntrace/internal/lifecycle"
	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/loykin/spawntrace/internal/provider/providertest"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Launcher.TerminateGrace = 200 * time.Millisecond
	return cfg
}

func using(p provider.Provider) ProviderFactory {
	return func(provider.Kind, config.Config, *slog.Logger) (provider.Provider, error) {
		return p, nil
	}
}

func baseOptions(argv []string, p provider.Provider, sink event.Sink) Options {
	return Options{
		Argv:        argv,
		Kind:        p.Kind(),
		Config:      testConfig(),
		Logger:      logger.Discard(),
		Sink:        sink,
		NewProvider: using(p),
		Stdout:      io.Discard,
		Stderr:      io.Discard,
	}
}

func TestAttachHappensBeforeTargetImageLoads(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	p := providertest.New(provider.KindBPF, event.Event{Syscall: "execve"})
	rec := &event.Recorder{}

	opts := baseOptions([]string{"sh", "-c", "touch " + marker}, p, rec)
	markerSeenAtAttach := true
	opts.OnAttached = func(*lifecycle.Coordinator) {
		_, err := os.Stat(marker)
		markerSeenAtAttach = err == nil
	}

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, markerSeenAtAttach, "target ran before attach")
	assert.True(t, p.Attached().StubImage, "attach saw %q", p.Attached().Exe)
	assert.Equal(t, res.PID, p.Attached().PID)
	assert.FileExists(t, marker)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, p.Closed())
	assert.NotEmpty(t, res.RunID)
}

func TestTargetExitCodeFlowsThrough(t *testing.T) {
	p := providertest.New(provider.KindBPF,
		event.Event{Syscall: "openat"},
		event.Event{Syscall: "write"},
	)
	rec := &event.Recorder{}

	res, err := Run(context.Background(), baseOptions([]string{"sh", "-c", "exit 3"}, p, rec))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Interrupted)
	assert.Equal(t, provider.OutcomeExited, res.Provider.Outcome)
	assert.Equal(t, consumer.OutcomeEndOfStream, res.Consumer)
	assert.Len(t, rec.Events(), 2)
	assert.Equal(t, uint64(2), res.Captured)
	assert.Equal(t, uint64(2), res.Forwarded)
}

func TestInterruptStopsBothSides(t *testing.T) {
	p := providertest.New(provider.KindBPF, event.Event{Syscall: "nanosleep"})
	p.Repeat = true
	p.Interval = 5 * time.Millisecond
	rec := &event.Recorder{}

	opts := baseOptions([]string{"sleep", "30"}, p, rec)
	opts.OnAttached = func(c *lifecycle.Coordinator) {
		go func() {
			for len(rec.Events()) == 0 {
				time.Sleep(time.Millisecond)
			}
			c.RequestStop(syscall.SIGINT)
			c.RequestStop(syscall.SIGINT)
		}()
	}

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = Run(context.Background(), opts)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after interrupt")
	}

	require.NoError(t, err)
	assert.Equal(t, 130, res.ExitCode)
	assert.True(t, res.Interrupted)
	assert.Equal(t, syscall.SIGINT, res.Signal)
	assert.Equal(t, consumer.OutcomeStopped, res.Consumer)
	assert.Equal(t, provider.OutcomeStopped, res.Provider.Outcome)
	assert.Equal(t, provider.StateStopped, p.State())
	assert.Error(t, syscall.Kill(res.PID, 0), "target still alive")
}

func TestContextCancelWithoutSignal(t *testing.T) {
	p := providertest.New(provider.KindBPF)
	ctx, cancel := context.WithCancel(context.Background())
	opts := baseOptions([]string{"sleep", "30"}, p, &event.Recorder{})
	opts.OnAttached = func(*lifecycle.Coordinator) {
		time.AfterFunc(20*time.Millisecond, cancel)
	}

	res, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, res.Interrupted)
	assert.Nil(t, res.Signal)
}

// slowAttach blocks in Attach until its context ends.
type slowAttach struct {
	*providertest.Provider
	entered chan struct{}
}

func (s *slowAttach) Attach(ctx context.Context, t provider.Target) error {
	close(s.entered)
	select {
	case <-ctx.Done():
		return &provider.AttachError{Provider: s.Name(), PID: t.Pid(), Err: ctx.Err()}
	case <-time.After(10 * time.Second):
		return s.Provider.Attach(ctx, t)
	}
}

func TestSignalDuringAttachCleansUp(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	p := &slowAttach{Provider: providertest.New(provider.KindBPF), entered: make(chan struct{})}
	opts := baseOptions([]string{"sh", "-c", "touch " + marker}, p, nil)
	opts.NewProvider = using(p)

	go func() {
		<-p.entered
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	}()

	began := time.Now()
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 5*time.Second)
	assert.Equal(t, 130, res.ExitCode)
	assert.True(t, res.Interrupted)
	assert.Equal(t, syscall.SIGINT, res.Signal)
	assert.True(t, p.Closed())
	assert.Equal(t, 0, p.Starts())
	assert.NotZero(t, res.PID)
	assert.Eventually(t, func() bool { return syscall.Kill(res.PID, 0) != nil },
		2*time.Second, 10*time.Millisecond, "suspended target left behind")
	assert.NoFileExists(t, marker)
}

func TestCancelledBeforeLaunch(t *testing.T) {
	p := providertest.New(provider.KindBPF)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, baseOptions([]string{"sleep", "30"}, p, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, res.Interrupted)
	assert.Nil(t, res.Signal)
	assert.Equal(t, 0, p.Starts())
}

func TestAttachFailureTerminatesSuspendedTarget(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	p := providertest.New(provider.KindBPF)
	p.AttachErr = errors.New("no permission")

	res, err := Run(context.Background(), baseOptions([]string{"sh", "-c", "touch " + marker}, p, nil))
	require.Error(t, err)
	var ae *provider.AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, res.PID, ae.PID)
	assert.Equal(t, ExitSetupFailed, res.ExitCode)
	assert.True(t, p.Closed())
	assert.Equal(t, 0, p.Starts())
	assert.NoFileExists(t, marker)
	assert.Error(t, syscall.Kill(res.PID, 0))
}

func TestProviderConstructionFailure(t *testing.T) {
	opts := baseOptions([]string{"true"}, providertest.New(provider.KindBPF), nil)
	opts.NewProvider = func(provider.Kind, config.Config, *slog.Logger) (provider.Provider, error) {
		return nil, errors.New("boom")
	}
	res, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, ExitSetupFailed, res.ExitCode)
	assert.Zero(t, res.PID)
}

func TestSysdigKindForwardsHex(t *testing.T) {
	p := providertest.New(provider.KindSysdig, event.Event{Syscall: "read", Buffer: []byte{0xA1, 0xB2}})
	rec := &event.Recorder{}

	res, err := Run(context.Background(), baseOptions([]string{"true"}, p, rec))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "a1b2", got[0].Data)
}

func TestNoCommand(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestExitCodeRule(t *testing.T) {
	exited := provider.Result{ExitCode: 4, Outcome: provider.OutcomeExited}
	stopped := provider.Result{ExitCode: provider.ExitStopped, Outcome: provider.OutcomeStopped}

	assert.Equal(t, 4, exitCode(Result{}, exited))
	assert.Equal(t, 143, exitCode(Result{Interrupted: true, Signal: syscall.SIGTERM}, stopped))
	assert.Equal(t, 130, exitCode(Result{Interrupted: true, Signal: syscall.SIGINT}, exited))
	assert.Equal(t, 1, exitCode(Result{Interrupted: true}, stopped))
	assert.Equal(t, 1, exitCode(Result{}, stopped))
}
