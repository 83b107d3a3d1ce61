package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/spawntrace/internal/event"
	"golang.org/x/sys/unix"
)

const (
	dirEnter = 1
	dirExit  = 2
)

// record matches struct event in bpf/spawntrace.bpf.c.
type record struct {
	TsNs uint64
	Pid  uint32 // tgid
	Tid  uint32
	Nr   int64
	Args [6]uint64
	Ret  int64
	Dir  uint8
	_    [7]uint8
	Comm [16]byte
}

var recordSize = binary.Size(record{})

var errShortSample = errors.New("short ring buffer sample")

// decode turns one ring buffer sample into an event. bootNs converts the
// kernel monotonic timestamp to wall clock.
func decode(raw []byte, bootNs int64) (event.Event, error) {
	if len(raw) < recordSize {
		return event.Event{}, fmt.Errorf("%w: %d < %d bytes", errShortSample, len(raw), recordSize)
	}
	var r record
	if err := binary.Read(bytes.NewReader(raw[:recordSize]), binary.LittleEndian, &r); err != nil {
		return event.Event{}, err
	}
	e := event.Event{
		Time:    time.Unix(0, bootNs+int64(r.TsNs)),
		PID:     int(r.Pid),
		TID:     int(r.Tid),
		Comm:    cString(r.Comm[:]),
		Nr:      r.Nr,
		Syscall: syscallName(r.Nr),
	}
	switch r.Dir {
	case dirEnter:
		e.Dir = event.DirEnter
		e.Args = append([]uint64(nil), r.Args[:]...)
	case dirExit:
		e.Dir = event.DirExit
		e.Ret = r.Ret
		if r.Ret < 0 && r.Ret > -4096 {
			e.Info = unix.Errno(-r.Ret).Error()
		}
	default:
		return event.Event{}, fmt.Errorf("unknown direction %d", r.Dir)
	}
	return e, nil
}

// bootOffset returns wall clock minus CLOCK_MONOTONIC in nanoseconds, the
// base of bpf_ktime_get_ns.
func bootOffset() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Now().UnixNano() - ts.Nano()
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
