package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/Pollarr/internal/testutil"
)

const ms = time.Millisecond

// fakeService is a pollable service with scripted behaviour.
type fakeService struct {
	name     string
	interval time.Duration
	clk      *testutil.MockClock

	startErr  error
	pollErr   error
	stopErr   error
	panicMsg  string
	slowFirst time.Duration // clock time consumed by the first poll
	onPoll    func()

	starts atomic.Int32
	polls  atomic.Int32
	stops  atomic.Int32
}

func newFake(name string, interval time.Duration) *fakeService {
	return &fakeService{name: name, interval: interval}
}

func (f *fakeService) Name() string                { return f.name }
func (f *fakeService) PollInterval() time.Duration { return f.interval }

func (f *fakeService) Start() error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeService) Stop() error {
	f.stops.Add(1)
	return f.stopErr
}

func (f *fakeService) Poll(context.Context) error {
	n := f.polls.Add(1)
	if n == 1 && f.slowFirst > 0 {
		f.clk.Sleep(f.slowFirst)
	}
	if f.onPoll != nil {
		f.onPoll()
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.pollErr
}

// plainService is registered but never polled.
type plainService struct {
	starts atomic.Int32
}

func (p *plainService) Start() error {
	p.starts.Add(1)
	return nil
}

// sliceService cannot be used as a map key.
type sliceService struct {
	tags []string
}

func (sliceService) Start() error { return nil }

type dispatch struct {
	name string
	due  Tick
}

// recorder captures every dispatch and loop error.
type recorder struct {
	mu         sync.Mutex
	dispatches []dispatch
	errs       []*PollError
}

func (rec *recorder) onDispatch(due Tick, svc PollableService) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.dispatches = append(rec.dispatches, dispatch{name: ServiceName(svc), due: due})
}

func (rec *recorder) onPollError(err *PollError) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.errs = append(rec.errs, err)
}

func (rec *recorder) dues(name string) []Tick {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []Tick
	for _, d := range rec.dispatches {
		if name == "" || d.name == name {
			out = append(out, d.due)
		}
	}
	return out
}

func (rec *recorder) errors() []*PollError {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*PollError(nil), rec.errs...)
}

type harness struct {
	t      *testing.T
	clk    *testutil.MockClock
	r      *Reactor
	rec    *recorder
	cancel context.CancelFunc
	errc   chan error
}

func newHarness(t *testing.T, halt bool) *harness {
	t.Helper()
	clk := testutil.NewMockClock()
	rec := &recorder{}
	r := New(Options{
		Clock:           clk,
		OnDispatch:      rec.onDispatch,
		OnPollError:     rec.onPollError,
		HaltOnPollError: halt,
	})
	return &harness{t: t, clk: clk, r: r, rec: rec, errc: make(chan error, 1)}
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.r.Start(ctx) }()

	require.Eventually(h.t, func() bool { return h.r.State() == Running }, time.Second, time.Millisecond)
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.r.Done():
		case <-time.After(2 * time.Second):
			h.t.Error("dispatch loop did not exit")
		}
	})
}

// settle returns once the loop is parked on a timer for the earliest
// due-time, so the next Advance is observed.
func (h *harness) settle() []Scheduled {
	h.t.Helper()
	var snap []Scheduled
	require.Eventually(h.t, func() bool {
		pending := h.clk.PendingCount()
		next, ok := h.clk.NextDeadline()
		snap = h.r.Snapshot()
		if len(snap) == 0 {
			return pending == 0
		}
		return ok && pending == 1 && next.Equal(h.r.StartedAt().Add(snap[0].Due.Duration()))
	}, time.Second, time.Millisecond)
	return snap
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.settle()
	h.clk.Advance(d)
}

func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Start did not return after cancel")
		return nil
	}
}

func eventuallyPolls(t *testing.T, f *fakeService, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return f.polls.Load() >= n }, time.Second, time.Millisecond,
		"%s: want %d polls, have %d", f.name, n, f.polls.Load())
}

func TestReactor_BeforeStart(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.r.Add(newFake("a", 100*ms)))

	assert.Equal(t, NotStarted, h.r.State())
	assert.Equal(t, "not_started", h.r.State().String())
	assert.Nil(t, h.r.Snapshot())
	assert.True(t, h.r.StartedAt().IsZero())
	assert.Equal(t, 1, h.r.Len())
}

func TestReactor_StartSchedulesAtInterval(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 250*ms)
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))

	h.start()
	snap := h.settle()

	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, Tick(100*ms), snap[0].Due)
	assert.Equal(t, "b", snap[1].Name)
	assert.Equal(t, Tick(250*ms), snap[1].Due)
	assert.Equal(t, int32(1), a.starts.Load())
	assert.Equal(t, int32(1), b.starts.Load())
	assert.Equal(t, h.clk.Now(), h.r.StartedAt())
}

func TestReactor_InterleavesIntervals(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 250*ms)
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()

	h.advance(500 * ms)
	eventuallyPolls(t, a, 5)
	eventuallyPolls(t, b, 2)

	snap := h.settle()
	assert.Equal(t, int32(5), a.polls.Load())
	assert.Equal(t, int32(2), b.polls.Load())
	assert.Equal(t, []Tick{100 * Tick(ms), 200 * Tick(ms), 250 * Tick(ms), 300 * Tick(ms), 400 * Tick(ms), 500 * Tick(ms), 500 * Tick(ms)}, h.rec.dues(""))

	require.Len(t, snap, 2)
	assert.Equal(t, Tick(600*ms), snap[0].Due)
	assert.Equal(t, Tick(750*ms), snap[1].Due)
}

func TestReactor_SlowPollDoesNotShiftCadence(t *testing.T) {
	h := newHarness(t, false)
	a := newFake("a", 100*ms)
	a.clk = h.clk
	a.slowFirst = 150 * ms
	require.NoError(t, h.r.Add(a))
	h.start()

	h.advance(100 * ms)
	eventuallyPolls(t, a, 2)

	snap := h.settle()
	assert.Equal(t, []Tick{Tick(100 * ms), Tick(200 * ms)}, h.rec.dues("a"))
	require.Len(t, snap, 1)
	assert.Equal(t, Tick(300*ms), snap[0].Due, "next due follows the schedule, not the completion time")
}

func TestReactor_DueTimesNeverDecrease(t *testing.T) {
	h := newHarness(t, false)
	svcs := []*fakeService{newFake("a", 30*ms), newFake("b", 70*ms), newFake("c", 110*ms)}
	for _, s := range svcs {
		require.NoError(t, h.r.Add(s))
	}
	h.start()

	h.advance(time.Second)
	for _, s := range svcs {
		eventuallyPolls(t, s, int32(time.Second/s.interval))
	}
	h.settle()

	all := h.rec.dues("")
	assert.Len(t, all, 33+14+9)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1], all[i], "dispatch %d went back in time", i)
	}
	for _, s := range svcs {
		for k, due := range h.rec.dues(s.name) {
			assert.Equal(t, Tick(time.Duration(k+1)*s.interval), due, "%s poll %d", s.name, k+1)
		}
	}
}

func TestReactor_EmptyTimelineIdlesUntilAdd(t *testing.T) {
	h := newHarness(t, false)
	h.start()

	assert.Empty(t, h.settle())
	assert.Zero(t, h.clk.PendingCount(), "idle loop arms no timer")

	a := newFake("a", 50*ms)
	require.NoError(t, h.r.Add(a))
	assert.Equal(t, int32(1), a.starts.Load(), "Add starts the service while running")

	snap := h.settle()
	require.Len(t, snap, 1)
	assert.Equal(t, Tick(50*ms), snap[0].Due)

	h.clk.Advance(50 * ms)
	eventuallyPolls(t, a, 1)

	require.NoError(t, h.stop())
	select {
	case <-h.r.Done():
	default:
		t.Fatal("Done not closed after Start returned")
	}
}

func TestReactor_AddWhileRunningUsesCurrentTime(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.r.Add(newFake("b", time.Second)))
	h.start()

	h.advance(30 * ms)
	require.NoError(t, h.r.Add(newFake("a", 50*ms)))

	snap := h.settle()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, Tick(80*ms), snap[0].Due)
	assert.Equal(t, Tick(time.Second), snap[1].Due)
}

func TestReactor_AddDuringPollUsesCallTime(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", time.Second), newFake("b", 50*ms)
	var during []Scheduled
	a.onPoll = func() {
		if a.polls.Load() != 1 {
			return
		}
		assert.NoError(t, h.r.Add(b))
		during = h.r.Snapshot()
		h.clk.Sleep(150 * ms)
	}
	require.NoError(t, h.r.Add(a))
	h.start()

	h.advance(time.Second)
	eventuallyPolls(t, b, 3)
	snap := h.settle()

	require.Len(t, during, 2)
	assert.Equal(t, "a", during[0].Name)
	assert.Equal(t, Tick(time.Second), during[0].Due, "a poll in progress keeps its due-time")
	assert.Equal(t, "b", during[1].Name)
	assert.Equal(t, Tick(1050*ms), during[1].Due)

	assert.Equal(t, []Tick{Tick(1050 * ms), Tick(1100 * ms), Tick(1150 * ms)}, h.rec.dues("b"))
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Name)
	assert.Equal(t, Tick(1200*ms), snap[0].Due)
	assert.Equal(t, Tick(2*time.Second), snap[1].Due)
}

func TestReactor_CancelCompletesCurrentEntry(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	a.onPoll = func() { h.cancel() }
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()

	h.advance(100 * ms)
	require.NoError(t, h.stop())

	assert.Equal(t, int32(1), a.polls.Load())
	assert.Equal(t, int32(1), b.polls.Load(), "services sharing the due-time are still polled")

	snap := h.r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Tick(200*ms), snap[0].Due)
	assert.Equal(t, Tick(200*ms), snap[1].Due)
}

func TestReactor_SnapshotDoesNotWaitForPoll(t *testing.T) {
	h := newHarness(t, false)
	release := make(chan struct{})
	var once sync.Once
	a, b := newFake("a", 100*ms), newFake("b", time.Second)
	a.onPoll = func() { <-release }
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	h.advance(100 * ms)
	eventuallyPolls(t, a, 1)

	got := make(chan []Scheduled, 1)
	go func() { got <- h.r.Snapshot() }()

	var snap []Scheduled
	select {
	case snap = <-got:
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked behind a running poll")
	}
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, Tick(100*ms), snap[0].Due)
	assert.Equal(t, Tick(time.Second), snap[1].Due)

	once.Do(func() { close(release) })
	snap = h.settle()
	assert.Equal(t, Tick(200*ms), snap[0].Due)
}

func TestReactor_RemoveDuringPollSkipsSameEntry(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	a.onPoll = func() {
		if a.polls.Load() == 1 {
			assert.NoError(t, h.r.Remove(b))
		}
	}
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()

	h.advance(100 * ms)
	eventuallyPolls(t, a, 1)

	snap := h.settle()
	assert.Zero(t, b.polls.Load())
	assert.Equal(t, int32(1), b.stops.Load())
	assert.Equal(t, 1, h.r.Len())
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, Tick(200*ms), snap[0].Due)
}

func TestReactor_RemoveWhileRunning(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()
	h.settle()

	require.NoError(t, h.r.Remove(a))
	snap := h.settle()
	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].Name)

	h.clk.Advance(300 * ms)
	eventuallyPolls(t, b, 3)
	assert.Zero(t, a.polls.Load())
	assert.Equal(t, int32(1), a.stops.Load())
}

func TestReactor_RegistrationErrors(t *testing.T) {
	h := newHarness(t, false)

	assert.ErrorIs(t, h.r.Add(nil), ErrNilService)
	assert.ErrorIs(t, h.r.Add(sliceService{tags: []string{"x"}}), ErrNotComparable)
	assert.ErrorIs(t, h.r.Remove(sliceService{}), ErrNotComparable)
	assert.ErrorIs(t, h.r.Add(newFake("zero", 0)), ErrInvalidInterval)
	assert.ErrorIs(t, h.r.Add(newFake("neg", -time.Second)), ErrInvalidInterval)

	a := newFake("a", time.Second)
	require.NoError(t, h.r.Add(a))
	err := h.r.Add(a)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Contains(t, err.Error(), "a")

	err = h.r.Remove(newFake("ghost", time.Second))
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "ghost")

	assert.Equal(t, 1, h.r.Len())
}

func TestReactor_RemoveBeforeStart(t *testing.T) {
	h := newHarness(t, false)
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	require.NoError(t, h.r.Remove(a))

	h.start()
	snap := h.settle()

	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].Name)
	assert.Zero(t, a.starts.Load(), "removed services are never started")
	assert.Equal(t, int32(1), a.stops.Load())
}

func TestReactor_DoubleStart(t *testing.T) {
	h := newHarness(t, false)
	h.start()

	assert.ErrorIs(t, h.r.Start(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, Running, h.r.State())
}

func TestReactor_PollErrorContinues(t *testing.T) {
	h := newHarness(t, false)
	boom := errors.New("boom")
	a := newFake("a", 100*ms)
	a.pollErr = boom
	require.NoError(t, h.r.Add(a))
	h.start()

	h.advance(300 * ms)
	eventuallyPolls(t, a, 3)
	h.settle()

	errs := h.rec.errors()
	require.Len(t, errs, 3)
	for i, perr := range errs {
		assert.Equal(t, OpPoll, perr.Op)
		assert.Equal(t, "a", perr.Name)
		assert.Equal(t, Tick(time.Duration(i+1)*100*ms), perr.Due)
		assert.ErrorIs(t, perr, boom)
	}
	assert.Equal(t, "poll a (due +100ms): boom", errs[0].Error())
}

func TestReactor_PollErrorHalts(t *testing.T) {
	h := newHarness(t, true)
	boom := errors.New("boom")
	a := newFake("a", 100*ms)
	a.pollErr = boom
	require.NoError(t, h.r.Add(a))
	h.start()

	h.advance(100 * ms)

	var err error
	select {
	case err = <-h.errc:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not halt")
	}

	var perr *PollError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Tick(100*ms), perr.Due)
	assert.Same(t, a, perr.Service)
	assert.ErrorIs(t, err, boom)

	<-h.r.Done()
	assert.Equal(t, Running, h.r.State(), "Running is terminal")
	assert.ErrorIs(t, h.r.Add(newFake("late", time.Second)), ErrLoopExited)

	snap := h.r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Tick(200*ms), snap[0].Due)
}

func TestReactor_HaltKeepsRestOfEntryScheduled(t *testing.T) {
	h := newHarness(t, true)
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	a.pollErr = errors.New("boom")
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()

	h.advance(100 * ms)
	select {
	case err := <-h.errc:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not halt")
	}

	assert.Zero(t, b.polls.Load())
	snap := h.r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Name)
	assert.Equal(t, Tick(100*ms), snap[0].Due, "unpolled services keep their due-time")
	assert.Equal(t, "a", snap[1].Name)
	assert.Equal(t, Tick(200*ms), snap[1].Due)
}

func TestReactor_PollPanicIsRecovered(t *testing.T) {
	h := newHarness(t, false)
	a := newFake("a", 100*ms)
	a.panicMsg = "kaboom"
	require.NoError(t, h.r.Add(a))
	h.start()

	h.advance(200 * ms)
	eventuallyPolls(t, a, 2)
	h.settle()

	errs := h.rec.errors()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "panic: kaboom")
}

func TestReactor_StartFailureUnregisters(t *testing.T) {
	h := newHarness(t, false)
	nope := errors.New("nope")
	a, b := newFake("a", 100*ms), newFake("b", 100*ms)
	a.startErr = nope
	require.NoError(t, h.r.Add(a))
	require.NoError(t, h.r.Add(b))
	h.start()

	snap := h.settle()
	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].Name)
	assert.Equal(t, 1, h.r.Len())

	errs := h.rec.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, OpStart, errs[0].Op)
	assert.Equal(t, "start a: nope", errs[0].Error())
}

func TestReactor_AddStartFailureWhileRunning(t *testing.T) {
	h := newHarness(t, false)
	h.start()

	nope := errors.New("nope")
	c := newFake("c", 100*ms)
	c.startErr = nope

	err := h.r.Add(c)
	assert.ErrorIs(t, err, nope)
	assert.Contains(t, err.Error(), "start c")
	assert.Zero(t, h.r.Len())
	assert.Empty(t, h.settle())

	// The same service may be registered again once it can start.
	c.startErr = nil
	require.NoError(t, h.r.Add(c))
	assert.Len(t, h.settle(), 1)
}

func TestReactor_StopErrorStillUnregisters(t *testing.T) {
	h := newHarness(t, false)
	gone := errors.New("already gone")
	b := newFake("b", 100*ms)
	b.stopErr = gone
	require.NoError(t, h.r.Add(b))

	err := h.r.Remove(b)
	assert.ErrorIs(t, err, gone)
	assert.Contains(t, err.Error(), "stop b")
	assert.Zero(t, h.r.Len())
	assert.ErrorIs(t, h.r.Remove(b), ErrNotRegistered)
}

func TestReactor_AfterExit(t *testing.T) {
	h := newHarness(t, false)
	a := newFake("a", 100*ms)
	require.NoError(t, h.r.Add(a))
	h.start()
	h.settle()

	require.NoError(t, h.stop())
	<-h.r.Done()

	assert.ErrorIs(t, h.r.Add(newFake("late", time.Second)), ErrLoopExited)
	assert.Len(t, h.r.Snapshot(), 1)

	require.NoError(t, h.r.Remove(a))
	assert.Equal(t, int32(1), a.stops.Load())
	assert.Zero(t, h.r.Len())
}

func TestReactor_NonPollableService(t *testing.T) {
	h := newHarness(t, false)
	plain := &plainService{}
	require.NoError(t, h.r.Add(plain))
	require.NoError(t, h.r.Add(newFake("a", 100*ms)))
	h.start()

	snap := h.settle()
	assert.Equal(t, 2, h.r.Len())
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, int32(1), plain.starts.Load())

	require.NoError(t, h.r.Remove(plain))
	assert.Equal(t, 1, h.r.Len())
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "a", ServiceName(newFake("a", time.Second)))
	assert.Equal(t, "*reactor.plainService", ServiceName(&plainService{}))
}
