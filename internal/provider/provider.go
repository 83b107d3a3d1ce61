// Package provider defines the capture backend contract shared by the bpf and
// sysdig variants.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/spawntrace/internal/event"
)

// Kind names a provider variant.
type Kind string

const (
	KindBPF    Kind = "bpf"
	KindSysdig Kind = "sysdig"
)

// HexPayloads reports whether events of this kind carry raw buffers that the
// consumer should hex-normalize.
func (k Kind) HexPayloads() bool { return k == KindSysdig }

func (k Kind) Valid() bool { return k == KindBPF || k == KindSysdig }

// ExitStopped is the exit code reported when capture was stopped before the
// target exited.
const ExitStopped = -1

// Outcome tells how a capture loop ended.
type Outcome int

const (
	OutcomeExited Outcome = iota
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result is returned by Start.
type Result struct {
	ExitCode int
	Outcome  Outcome
}

// Target is the process a provider attaches to. The provider releases it
// with Resume once its capture loop runs.
type Target interface {
	Pid() int
	Resume() error
	Done() <-chan struct{}
	ExitCode() int
}

// Provider is a capture backend producing a uniform event stream.
type Provider interface {
	Name() string
	Kind() Kind
	// Attach arms capture for the target pid. It never runs the capture loop.
	Attach(ctx context.Context, t Target) error
	// Start runs the capture loop until the target exits or Stop is called.
	// The event stream is closed when Start returns.
	Start(ctx context.Context) (Result, error)
	// Stop is non-blocking and idempotent.
	Stop()
	Events() <-chan event.Event
	State() State
	Close() error
}

var (
	ErrNotAttached     = errors.New("provider not attached")
	ErrAlreadyAttached = errors.New("provider already attached")
	ErrAlreadyStarted  = errors.New("provider already started")
)

// AttachError reports that capture could not be armed for a target. It is
// fatal for the run.
type AttachError struct {
	Provider string
	PID      int
	Err      error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%s: attach to pid %d: %v", e.Provider, e.PID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
