package reactor

import (
	"errors"
	"fmt"
)

// Registration errors are returned synchronously from Add and Remove.
var (
	ErrNilService        = errors.New("reactor: nil service")
	ErrNotComparable     = errors.New("reactor: service type is not comparable")
	ErrAlreadyRegistered = errors.New("reactor: service already registered")
	ErrNotRegistered     = errors.New("reactor: service not registered")
	ErrInvalidInterval   = errors.New("reactor: poll interval must be positive")
)

// Lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("reactor: already running")
	ErrLoopExited     = errors.New("reactor: dispatch loop has exited")
)

// Op identifies the service call that failed inside the reactor.
type Op string

const (
	OpStart Op = "start"
	OpPoll  Op = "poll"
)

// PollError wraps a failure raised by a service while the loop owned it:
// either its Start during Reactor.Start, or a Poll (returned error or panic).
type PollError struct {
	Service Service
	Name    string
	Op      Op
	Due     Tick
	Err     error
}

func (e *PollError) Error() string {
	if e.Op == OpStart {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s (due %s): %v", e.Op, e.Name, e.Due, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}
