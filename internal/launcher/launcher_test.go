package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func launch(t *testing.T, argv []string, opts Options) *Target {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tgt, err := Launch(ctx, argv, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tgt.Terminate(100 * time.Millisecond) })
	return tgt
}

func waitDone(t *testing.T, tgt *Target) int {
	t.Helper()
	select {
	case <-tgt.Done():
		return tgt.ExitCode()
	case <-time.After(10 * time.Second):
		t.Fatalf("target %d did not exit", tgt.Pid())
		return -1
	}
}

func TestLaunchSuspendsUntilResume(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	tgt := launch(t, []string{"/bin/sh", "-c", "echo hi > " + marker}, Options{})

	assert.Equal(t, StateSuspended, tgt.State())
	self, err := os.Executable()
	require.NoError(t, err)
	exe, err := tgt.Exe()
	require.NoError(t, err)
	selfResolved, _ := filepath.EvalSymlinks(self)
	exeResolved, _ := filepath.EvalSymlinks(exe)
	assert.Equal(t, selfResolved, exeResolved, "child must still run the stub image")

	time.Sleep(100 * time.Millisecond)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "target ran before resume")

	require.NoError(t, tgt.Resume())
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 0, waitDone(t, tgt))
	assert.Equal(t, StateExited, tgt.State())
	_, err = os.Stat(marker)
	assert.NoError(t, err)
	assert.NoError(t, tgt.ExecErr())
}

func TestExitCodePropagates(t *testing.T) {
	tgt := launch(t, []string{"sh", "-c", "exit 3"}, Options{})
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 3, waitDone(t, tgt))
}

func TestExecFailure(t *testing.T) {
	tgt := launch(t, []string{"/nonexistent/spawntrace-target"}, Options{})
	require.NoError(t, tgt.Resume())
	assert.Equal(t, ExitExecFailed, waitDone(t, tgt))

	var execErr *ExecError
	require.True(t, errors.As(tgt.ExecErr(), &execErr))
	assert.Equal(t, "/nonexistent/spawntrace-target", execErr.Argv[0])
	assert.NotEqual(t, StateRunning, tgt.State())
}

func TestNonResumeSignalIsIgnored(t *testing.T) {
	tgt := launch(t, []string{"true"}, Options{Stderr: &discard{}})
	require.NoError(t, syscall.Kill(tgt.Pid(), syscall.SIGHUP))

	select {
	case <-tgt.Done():
		t.Fatal("suspended target exited on SIGHUP")
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 0, waitDone(t, tgt))
}

func TestCustomResumeSignal(t *testing.T) {
	tgt := launch(t, []string{"true"}, Options{ResumeSignal: "USR2"})
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 0, waitDone(t, tgt))
}

func TestTerminateSuspended(t *testing.T) {
	tgt := launch(t, []string{"true"}, Options{})
	require.NoError(t, tgt.Terminate(time.Second))
	assert.Equal(t, 128+int(syscall.SIGTERM), tgt.ExitCode())
	assert.Error(t, tgt.Resume())
}

func TestTargetEnvironment(t *testing.T) {
	t.Setenv("SPAWNTRACE_TEST_BASE", "base")
	tgt := launch(t, []string{"sh", "-c", `test "$FOO" = bar && test "$SPAWNTRACE_TEST_BASE" = base && test -z "$_SPAWNTRACE_RESUME_SIGNAL"`},
		Options{Env: []string{"FOO=bar", "=skipped"}})
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 0, waitDone(t, tgt))
}

func TestInheritedEnvironmentIsVerbatim(t *testing.T) {
	t.Setenv("HOME", "/home/tracer")
	t.Setenv("SPAWNTRACE_TEST_LITERAL", "${HOME}/x")
	var out bytes.Buffer
	tgt := launch(t, []string{"sh", "-c", `printf %s "$SPAWNTRACE_TEST_LITERAL|$TRACE_HOME"`},
		Options{Env: []string{"TRACE_HOME=${HOME}/trace"}, Stdout: &out})
	require.NoError(t, tgt.Resume())
	assert.Equal(t, 0, waitDone(t, tgt))
	assert.Equal(t, "${HOME}/x|/home/tracer/trace", out.String())
}

func TestLaunchHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Launch(ctx, []string{"true"}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaunchRejectsBadInput(t *testing.T) {
	_, err := Launch(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoCommand)

	_, err = Launch(context.Background(), []string{"true"}, Options{ResumeSignal: "SIGBOGUS"})
	assert.Error(t, err)
}

func TestRunningTargetIsDescribed(t *testing.T) {
	tgt := launch(t, []string{"sleep", "1"}, Options{})
	require.NoError(t, tgt.Resume())
	require.Eventually(t, func() bool {
		return tgt.State() == StateRunning && tgt.Info().Name != ""
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "sleep", tgt.Info().Name)
	assert.Equal(t, tgt.Pid(), tgt.Info().PID)
	assert.Equal(t, 0, waitDone(t, tgt))
}

func TestProcStartUnix(t *testing.T) {
	assert.Zero(t, procStartUnix(0))
	start := procStartUnix(os.Getpid())
	assert.Greater(t, start, int64(0))
	assert.LessOrEqual(t, start, time.Now().Unix()+1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "suspended", StateSuspended.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "unknown", State(42).String())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
