package event

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexNormalizerConvertsBuffer(t *testing.T) {
	in := Event{Syscall: "write", Dir: DirEnter, Buffer: []byte{0xA1, 0xB2}}
	out, err := HexNormalizer{}.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, "a1b2", out.Data)
	assert.Equal(t, EncodingHex, out.Encoding)
	assert.Nil(t, out.Buffer)
	// input is a value; caller's copy keeps its bytes
	assert.Equal(t, []byte{0xA1, 0xB2}, in.Buffer)
}

func TestHexNormalizerWithoutPayloadIsNoop(t *testing.T) {
	in := Event{Syscall: "getpid", Info: "pid=1"}
	out, err := HexNormalizer{}.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHexNormalizerRejects(t *testing.T) {
	_, err := HexNormalizer{MaxPayload: 1}.Normalize(Event{Buffer: []byte{1, 2}})
	require.Error(t, err)

	_, err = HexNormalizer{}.Normalize(Event{Buffer: []byte{1}, Encoding: "base64"})
	require.Error(t, err)
}

func TestPassThroughKeepsBytes(t *testing.T) {
	in := Event{Buffer: []byte{0xA1, 0xB2}}
	out, err := NormalizerFor(false).Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA1, 0xB2}, out.Buffer)
	assert.Empty(t, out.Data)
}

func TestCaptureErrorMatching(t *testing.T) {
	base := errors.New("short read")
	err := error(NewCaptureError("decode", base))
	assert.True(t, errors.Is(err, ErrCapture))
	assert.True(t, errors.Is(err, base))
	var ce *CaptureError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "decode", ce.Stage)
}

func TestLogSinkWritesEventLine(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewLogSink(l)
	err := s.Forward(context.Background(), Event{Seq: 7, PID: 42, Syscall: "read", Dir: DirExit, Ret: 3, Data: "a1b2", Encoding: EncodingHex})
	require.NoError(t, err)
	line := buf.String()
	for _, want := range []string{`"seq":7`, `"pid":42`, `"syscall":"read/exit"`, `"data":"a1b2"`, `"ret":3`} {
		assert.True(t, strings.Contains(line, want), "missing %s in %s", want, line)
	}
}

func TestLabelFallsBackToNumber(t *testing.T) {
	assert.Equal(t, "sys_999/enter", Event{Nr: 999, Dir: DirEnter}.Label())
}
