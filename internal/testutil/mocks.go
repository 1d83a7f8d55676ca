// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
)

// =============================================================================
// MockClock - deterministic time
// =============================================================================

// MockClock implements clock.Clock. Time only moves when Advance or SetNow is
// called, and AfterFunc callbacks run on the goroutine that advances it.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingFunc
	fired   int
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	done      bool // fired or stopped
}

// MockTimer implements clock.Timer.
type MockTimer struct {
	clock *MockClock
	pf    *pendingFunc
}

var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a MockClock at a fixed, arbitrary instant.
func NewMockClock() *MockClock {
	return NewMockClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

// NewMockClockAt creates a MockClock starting at t.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow jumps to t without firing anything. Use it to simulate work that
// takes time inside a callback.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Sleep moves time forward by d without firing anything.
func (m *MockClock) Sleep(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	pf := &pendingFunc{executeAt: m.now.Add(d), fn: f}
	m.pending = append(m.pending, pf)
	return &MockTimer{clock: m, pf: pf}
}

// Advance moves time forward by d and runs every callback that became due,
// earliest first. Returns the number of callbacks run.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := m.collect(func(pf *pendingFunc) bool { return !pf.executeAt.After(m.now) })
	m.mu.Unlock()

	for _, pf := range due {
		pf.fn()
	}
	return len(due)
}

// FireAll runs every pending callback regardless of its time.
func (m *MockClock) FireAll() int {
	m.mu.Lock()
	due := m.collect(func(*pendingFunc) bool { return true })
	m.mu.Unlock()

	for _, pf := range due {
		pf.fn()
	}
	return len(due)
}

// collect marks matching callbacks done and drops finished ones. Callers hold m.mu.
func (m *MockClock) collect(match func(*pendingFunc) bool) []*pendingFunc {
	var due []*pendingFunc
	live := m.pending[:0]
	for _, pf := range m.pending {
		if pf.done {
			continue
		}
		if match(pf) {
			pf.done = true
			due = append(due, pf)
			continue
		}
		live = append(live, pf)
	}
	m.pending = live
	m.fired += len(due)
	sort.SliceStable(due, func(i, j int) bool { return due[i].executeAt.Before(due[j].executeAt) })
	return due
}

// PendingCount returns the number of callbacks neither fired nor stopped.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pf := range m.pending {
		if !pf.done {
			n++
		}
	}
	return n
}

// NextDeadline returns when the earliest pending callback is due.
func (m *MockClock) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, pf := range m.pending {
		if !pf.done && (!found || pf.executeAt.Before(next)) {
			next, found = pf.executeAt, true
		}
	}
	return next, found
}

// Fired returns how many callbacks have run so far.
func (m *MockClock) Fired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

// Stop reports whether the call prevented the callback from running.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.pf.done {
		return false
	}
	t.pf.done = true
	return true
}

// =============================================================================
// MockEventBus - synchronous in-memory bus
// =============================================================================

// MockEventBus records published events and calls subscribers synchronously.
type MockEventBus struct {
	mu              sync.Mutex
	PublishedEvents []domain.Event
	Subscribers     map[domain.EventType][]func(domain.Event)
	PublishErr      error
}

var _ eventbus.Publisher = (*MockEventBus)(nil)

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		Subscribers: make(map[domain.EventType][]func(domain.Event)),
	}
}

func (m *MockEventBus) Publish(event domain.Event) error {
	m.mu.Lock()
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.Unlock()
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.ID = int64(len(m.PublishedEvents) + 1)
	m.PublishedEvents = append(m.PublishedEvents, event)
	handlers := append([]func(domain.Event){}, m.Subscribers[event.EventType]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MockEventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscribers[eventType] = append(m.Subscribers[eventType], handler)
}

// GetEvents returns published events of one type, oldest first.
func (m *MockEventBus) GetEvents(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.PublishedEvents {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// GetAllEvents returns a copy of every published event.
func (m *MockEventBus) GetAllEvents() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.PublishedEvents...)
}

func (m *MockEventBus) EventCount(eventType domain.EventType) int {
	return len(m.GetEvents(eventType))
}

// LastEvent returns the most recent event, or nil.
func (m *MockEventBus) LastEvent() *domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PublishedEvents) == 0 {
		return nil
	}
	e := m.PublishedEvents[len(m.PublishedEvents)-1]
	return &e
}

func (m *MockEventBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedEvents = nil
	m.Subscribers = make(map[domain.EventType][]func(domain.Event))
}
