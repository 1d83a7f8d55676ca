package reactor

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
)

// Service is a unit of work managed by the reactor.
// Start is invoked exactly once: by Reactor.Start for services registered
// beforehand, or by Add for services registered while the loop runs.
type Service interface {
	Start() error
}

// Stopper is implemented by services that need cleanup on Remove.
type Stopper interface {
	Stop() error
}

// PollableService is a Service with periodic work.
// PollInterval is read once, at registration, and must be positive.
type PollableService interface {
	Service
	PollInterval() time.Duration
	Poll(ctx context.Context) error
}

// Named lets a service choose the name used in logs and snapshots.
type Named interface {
	Name() string
}

// Tick is a point on the reactor timeline: nanoseconds since the loop started.
type Tick int64

// Duration converts t to the elapsed time since the loop started.
func (t Tick) Duration() time.Duration {
	return time.Duration(t)
}

func (t Tick) String() string {
	return "+" + time.Duration(t).String()
}

// ServiceName returns the name the reactor uses for svc.
func ServiceName(svc Service) string {
	if n, ok := svc.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", svc)
}

// registration is the reactor's record of one service. Capabilities are
// resolved once here and never re-checked.
type registration struct {
	svc      Service
	pollable PollableService
	stopper  Stopper
	interval time.Duration
	name     string
	seq      uint64

	// active is cleared by Remove; the loop never starts a poll on an
	// inactive registration.
	active atomic.Bool

	// Owned by the loop goroutine: the entry this registration sits in.
	due       Tick
	scheduled bool

	// Guarded by Reactor.mu: the due-time reported by Snapshot. order
	// breaks ties the way entries are filled.
	next   Tick
	queued bool
	order  uint64
}

func checkKey(svc Service) error {
	if svc == nil {
		return ErrNilService
	}
	if !reflect.TypeOf(svc).Comparable() {
		return fmt.Errorf("%w: %T", ErrNotComparable, svc)
	}
	return nil
}

func newRegistration(svc Service) (*registration, error) {
	if err := checkKey(svc); err != nil {
		return nil, err
	}

	reg := &registration{svc: svc, name: ServiceName(svc)}
	if p, ok := svc.(PollableService); ok {
		reg.interval = p.PollInterval()
		if reg.interval <= 0 {
			return nil, fmt.Errorf("%w: %s has interval %s", ErrInvalidInterval, reg.name, reg.interval)
		}
		reg.pollable = p
	}
	if s, ok := svc.(Stopper); ok {
		reg.stopper = s
	}
	reg.active.Store(true)
	return reg, nil
}
