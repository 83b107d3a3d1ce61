package bpf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, r record) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, r))
	return buf.Bytes()
}

func comm(s string) [16]byte {
	var c [16]byte
	copy(c[:], s)
	return c
}

func TestRecordLayout(t *testing.T) {
	assert.Equal(t, 104, recordSize)
}

func TestDecodeEnter(t *testing.T) {
	raw := encode(t, record{
		TsNs: 1_000,
		Pid:  100,
		Tid:  101,
		Nr:   257,
		Args: [6]uint64{0xffffff9c, 0x7ffd0000, 0, 0, 0, 0},
		Dir:  dirEnter,
		Comm: comm("cat"),
	})
	e, err := decode(raw, 5_000)
	require.NoError(t, err)
	assert.Equal(t, 100, e.PID)
	assert.Equal(t, 101, e.TID)
	assert.Equal(t, "cat", e.Comm)
	assert.Equal(t, int64(257), e.Nr)
	assert.Equal(t, "enter", e.Dir.String())
	assert.Equal(t, uint64(0x7ffd0000), e.Args[1])
	assert.Equal(t, int64(6_000), e.Time.UnixNano())
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, "openat", e.Syscall)
	}
}

func TestDecodeExitWithErrno(t *testing.T) {
	raw := encode(t, record{Pid: 1, Tid: 1, Nr: 2, Ret: -2, Dir: dirExit, Comm: comm("sh")})
	e, err := decode(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), e.Ret)
	assert.Equal(t, "no such file or directory", e.Info)
	assert.Nil(t, e.Args)
}

func TestDecodeRejects(t *testing.T) {
	_, err := decode(make([]byte, 10), 0)
	assert.ErrorIs(t, err, errShortSample)

	_, err = decode(encode(t, record{Dir: 9}), 0)
	assert.Error(t, err)
}

func TestSyscallName(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("syscall table is amd64 only")
	}
	assert.Equal(t, "read", syscallName(0))
	assert.Equal(t, "execve", syscallName(59))
	assert.Equal(t, "rseq", syscallName(334))
	assert.Equal(t, "clone3", syscallName(435))
	assert.Equal(t, "", syscallName(400))
	assert.Equal(t, "", syscallName(-1))
}

func TestCString(t *testing.T) {
	assert.Equal(t, "bash", cString([]byte{'b', 'a', 's', 'h', 0, 'x'}))
	assert.Equal(t, "full", cString([]byte("full")))
}

type stubTarget struct{ done chan struct{} }

func (s stubTarget) Pid() int              { return os.Getpid() }
func (s stubTarget) Resume() error         { return nil }
func (s stubTarget) Done() <-chan struct{} { return s.done }
func (s stubTarget) ExitCode() int         { return 0 }

func TestAttachMissingObject(t *testing.T) {
	p := New(Config{ObjectPath: filepath.Join(t.TempDir(), "missing.o")}, logger.Discard())
	err := p.Attach(context.Background(), stubTarget{done: make(chan struct{})})

	var ae *provider.AttachError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "bpf", ae.Provider)
	assert.Equal(t, os.Getpid(), ae.PID)

	// a failed attach leaves the provider unbound
	_, err = p.Start(context.Background())
	assert.ErrorIs(t, err, provider.ErrNotAttached)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestDefaults(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, DefaultDrainTimeout, p.cfg.DrainTimeout)
	assert.Equal(t, provider.KindBPF, p.Kind())
	assert.Equal(t, provider.StateIdle, p.State())
}

// TestCaptureSelf needs root and a compiled object (make bpf).
func TestCaptureSelf(t *testing.T) {
	if os.Getenv("SPAWNTRACE_E2E") != "1" {
		t.Skip("set SPAWNTRACE_E2E=1 to run eBPF capture")
	}
	obj := filepath.Join("..", "..", "..", "bpf", "spawntrace.bpf.o")
	if _, err := os.Stat(obj); err != nil {
		t.Skipf("object not built: %v", err)
	}
	tgt := stubTarget{done: make(chan struct{})}
	p := New(Config{ObjectPath: obj, DrainTimeout: 50 * time.Millisecond}, logger.Discard())
	require.NoError(t, p.Attach(context.Background(), tgt))
	defer func() { _ = p.Close() }()

	got := make(chan struct{})
	go func() {
		for e := range p.Events() {
			if e.PID == os.Getpid() {
				select {
				case <-got:
				default:
					close(got)
				}
			}
		}
	}()
	go func() {
		_, _ = os.Stat("/")
		<-got
		close(tgt.done)
	}()

	res, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provider.OutcomeExited, res.Outcome)
}
