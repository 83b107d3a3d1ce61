package event

import (
	"errors"
	"fmt"
	"time"
)

// Direction tells whether an event was captured on syscall entry or exit.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirEnter
	DirExit
)

func (d Direction) String() string {
	switch d {
	case DirEnter:
		return "enter"
	case DirExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Encoding describes the textual form held in Event.Data.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingHex  Encoding = "hex"
)

// Event is one captured occurrence, e.g. a syscall entry or exit.
// Backends fill the fields they know about; the rest stay zero.
//
// Buffer carries raw payload bytes as captured. After hex normalization the
// payload moves to Data and Buffer is nil.
type Event struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	PID       int       `json:"pid"`
	TID       int       `json:"tid"`
	Comm      string    `json:"comm,omitempty"`
	Nr        int64     `json:"nr"`
	Syscall   string    `json:"syscall,omitempty"`
	Dir       Direction `json:"dir"`
	Args      []uint64  `json:"args,omitempty"`
	Ret       int64     `json:"ret"`
	Info      string    `json:"info,omitempty"`
	Buffer    []byte    `json:"buffer,omitempty"`
	Data      string    `json:"data,omitempty"`
	Encoding  Encoding  `json:"encoding,omitempty"`
	Source    string    `json:"source"`
	Synthetic bool      `json:"-"`
}

// HasPayload reports whether the event carries a raw binary buffer.
func (e Event) HasPayload() bool { return len(e.Buffer) > 0 }

// Label returns a short human readable description used in log lines.
func (e Event) Label() string {
	name := e.Syscall
	if name == "" {
		name = fmt.Sprintf("sys_%d", e.Nr)
	}
	return name + "/" + e.Dir.String()
}

// ErrCapture marks failures that concern a single event only.
var ErrCapture = errors.New("capture event")

// CaptureError wraps a decode or delivery failure for one event. It is never
// fatal to a run: callers log it, count it and move on.
type CaptureError struct {
	Stage string // decode, normalize, forward
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture event (%s): %v", e.Stage, e.Err)
}

func (e *CaptureError) Unwrap() []error { return []error{ErrCapture, e.Err} }

// NewCaptureError builds a CaptureError for stage.
func NewCaptureError(stage string, err error) *CaptureError {
	return &CaptureError{Stage: stage, Err: err}
}
