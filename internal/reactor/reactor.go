// Package reactor implements a timer-multiplexing reactor: a single dispatch
// loop that drives many independently scheduled pollable services, always
// running the next-due service and rescheduling it on a drift-free cadence.
//
// Timeline mutations are confined to the loop goroutine. Add and Remove may be
// called from any goroutine (including from inside a Poll); they update the
// membership set under a mutex and hand timeline changes to the loop through
// a command queue, which also interrupts the loop's timed wait. Due-times are
// also recorded on the membership set, so Snapshot never waits for a poll.
package reactor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/logger"
)

// State is the reactor lifecycle state. Running is terminal.
type State int32

const (
	NotStarted State = iota
	Running
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Reactor.
type Options struct {
	// Clock defaults to clock.RealClock.
	Clock clock.Clock

	// OnPollError receives every start and poll failure after it is logged.
	// Called on the loop goroutine.
	OnPollError func(err *PollError)

	// HaltOnPollError makes Start return the first poll failure instead of
	// logging it and continuing. Start failures never halt the loop.
	HaltOnPollError bool

	// OnDispatch is called on the loop goroutine right before each poll.
	OnDispatch func(due Tick, svc PollableService)
}

// Reactor is a single-threaded dispatcher for pollable services.
type Reactor struct {
	clock clock.Clock
	opts  Options

	mu      sync.Mutex
	state   State
	exited  bool
	members   map[Service]*registration
	nextSeq   uint64
	nextOrder uint64
	started   time.Time

	cmds     *commandQueue
	timeline *timeline
	done     chan struct{}
}

// New creates a reactor in the NotStarted state.
func New(opts Options) *Reactor {
	return &Reactor{
		clock:    clock.Or(opts.Clock),
		opts:     opts,
		members:  make(map[Service]*registration),
		cmds:     newCommandQueue(),
		timeline: newTimeline(),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Reactor) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the dispatch loop has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Len returns the number of registered services, pollable or not.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// StartedAt returns the wall time Tick 0 corresponds to. Zero before Start.
func (r *Reactor) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Add registers svc. While the loop is running, svc.Start is called on the
// caller's goroutine and, if svc is pollable, it is scheduled at
// now + PollInterval. Before Start, svc simply waits for the loop to start.
func (r *Reactor) Add(svc Service) error {
	reg, err := newRegistration(svc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return ErrLoopExited
	}
	if _, ok := r.members[svc]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.name)
	}
	reg.seq = r.nextSeq
	r.nextSeq++
	r.members[svc] = reg
	running := r.state == Running
	r.mu.Unlock()

	if !running {
		logger.Debugf("Reactor: registered %s (waiting for start)", reg.name)
		return nil
	}

	if err := svc.Start(); err != nil {
		r.mu.Lock()
		if r.members[svc] == reg {
			delete(r.members, svc)
		}
		r.mu.Unlock()
		reg.active.Store(false)
		return fmt.Errorf("start %s: %w", reg.name, err)
	}

	if reg.pollable != nil {
		r.mu.Lock()
		due := r.now() + Tick(reg.interval)
		if r.members[svc] == reg {
			r.publishLocked(reg, due)
		}
		r.mu.Unlock()
		r.cmds.push(command{kind: cmdSchedule, reg: reg, due: due})
	}
	logger.Debugf("Reactor: registered %s", reg.name)
	return nil
}

// Remove unregisters svc and calls its Stop when it implements Stopper.
// Once Remove returns the loop never starts another Poll on svc; a poll
// already in progress completes. Remove also works after the loop exited.
func (r *Reactor) Remove(svc Service) error {
	if err := checkKey(svc); err != nil {
		return err
	}

	r.mu.Lock()
	reg, ok := r.members[svc]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, ServiceName(svc))
	}
	delete(r.members, svc)
	reg.active.Store(false)
	live := r.state == Running && !r.exited
	r.mu.Unlock()

	if live && reg.pollable != nil {
		r.cmds.push(command{kind: cmdUnschedule, reg: reg})
	}
	logger.Debugf("Reactor: removed %s", reg.name)

	if reg.stopper != nil {
		if err := reg.stopper.Stop(); err != nil {
			return fmt.Errorf("stop %s: %w", reg.name, err)
		}
	}
	return nil
}

// Snapshot returns every scheduled pollable service in ascending due order.
// It only takes the membership lock, so it answers while a poll is running
// and may be called from inside a Poll. A service whose poll is in progress
// is reported at the due-time being served.
func (r *Reactor) Snapshot() []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == NotStarted {
		return nil
	}

	regs := make([]*registration, 0, len(r.members))
	for _, reg := range r.members {
		if reg.pollable != nil && reg.queued {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].next != regs[j].next {
			return regs[i].next < regs[j].next
		}
		return regs[i].order < regs[j].order
	})

	out := make([]Scheduled, len(regs))
	for i, reg := range regs {
		out[i] = scheduledOf(reg, reg.next)
	}
	return out
}

// publishLocked records the due-time Snapshot reports for reg. r.mu is held.
func (r *Reactor) publishLocked(reg *registration, due Tick) {
	reg.next = due
	reg.queued = true
	reg.order = r.nextOrder
	r.nextOrder++
}

// publish is publishLocked for the loop goroutine.
func (r *Reactor) publish(reg *registration, due Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[reg.svc] == reg {
		r.publishLocked(reg, due)
	}
}

// Start moves the reactor to Running, starts every registered service,
// schedules pollable ones at start + PollInterval and runs the dispatch loop
// until ctx is cancelled (returns nil) or a poll fails under
// HaltOnPollError (returns the *PollError).
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != NotStarted {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.state = Running
	r.started = r.clock.Now()
	regs := make([]*registration, 0, len(r.members))
	for _, reg := range r.members {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	for _, reg := range regs {
		if reg.pollable != nil {
			r.publishLocked(reg, Tick(reg.interval))
		}
	}
	r.mu.Unlock()
	defer r.finish()

	logger.Infof("Reactor: starting %d services", len(regs))

	for _, reg := range regs {
		if !reg.active.Load() {
			continue
		}
		if err := reg.svc.Start(); err != nil {
			r.mu.Lock()
			if r.members[reg.svc] == reg {
				delete(r.members, reg.svc)
			}
			r.mu.Unlock()
			reg.active.Store(false)
			r.report(&PollError{Service: reg.svc, Name: reg.name, Op: OpStart, Err: err})
			continue
		}
		if reg.pollable != nil && reg.active.Load() {
			r.timeline.insert(reg, Tick(reg.interval))
		}
	}

	return r.loop(ctx)
}

func (r *Reactor) finish() {
	r.mu.Lock()
	r.exited = true
	r.mu.Unlock()
	close(r.done)
	logger.Infof("Reactor: dispatch loop stopped")
}

func (r *Reactor) now() Tick {
	return Tick(clock.Since(r.clock, r.started))
}

func (r *Reactor) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.applyCommands()

		due, ok := r.timeline.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.cmds.wake:
			}
			continue
		}

		if now := r.now(); due > now {
			if !r.wait(ctx, time.Duration(due-now)) {
				return nil
			}
			continue
		}

		if err := r.dispatch(ctx, r.timeline.pop()); err != nil {
			return err
		}
	}
}

// wait sleeps for d, waking early on a registration command. Returns false
// when ctx was cancelled.
func (r *Reactor) wait(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{}, 1)
	t := r.clock.AfterFunc(d, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-fired:
	case <-r.cmds.wake:
	}
	return true
}

// dispatch polls every service of entry. Cancellation is only observed by
// the loop, so an entry that has begun is always completed.
func (r *Reactor) dispatch(ctx context.Context, entry *ScheduleEntry) error {
	for i, reg := range entry.regs {
		r.applyCommands()
		if !reg.active.Load() {
			continue
		}

		if r.opts.OnDispatch != nil {
			r.opts.OnDispatch(entry.Due, reg.pollable)
		}
		err := r.poll(ctx, reg)

		// Next due-time is based on the scheduled time, not on completion.
		if reg.active.Load() {
			next := entry.Due + Tick(reg.interval)
			r.timeline.insert(reg, next)
			r.publish(reg, next)
		}

		if err != nil {
			perr := &PollError{Service: reg.svc, Name: reg.name, Op: OpPoll, Due: entry.Due, Err: err}
			r.report(perr)
			if r.opts.HaltOnPollError {
				// The rest of the entry keeps its due-time.
				for _, rest := range entry.regs[i+1:] {
					if rest.active.Load() {
						r.timeline.insert(rest, entry.Due)
					}
				}
				return perr
			}
		}
	}
	return nil
}

func (r *Reactor) poll(ctx context.Context, reg *registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return reg.pollable.Poll(ctx)
}

func (r *Reactor) applyCommands() {
	for _, cmd := range r.cmds.drain() {
		switch cmd.kind {
		case cmdSchedule:
			if cmd.reg.active.Load() {
				r.timeline.insert(cmd.reg, cmd.due)
			}
		case cmdUnschedule:
			r.timeline.remove(cmd.reg)
		}
	}
}

func (r *Reactor) report(err *PollError) {
	logger.Errorf("Reactor: %v", err)
	if r.opts.OnPollError != nil {
		r.opts.OnPollError(err)
	}
}
