package services

import (
	"sync"
	"time"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
)

// HealthStatus is the current health of one service.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastPollAt          time.Time `json:"last_poll_at"`
	DegradedSince       time.Time `json:"degraded_since"`
}

// HealthTracker counts consecutive failed polls per service. It publishes
// ServiceDegraded when a service reaches the threshold and ServiceRecovered
// on its first successful poll afterwards.
//
// Observe is called synchronously from the poll path, so transitions follow
// poll order exactly.
type HealthTracker struct {
	eventBus  eventbus.Publisher
	clock     clock.Clock
	threshold int

	mu     sync.Mutex
	states map[string]*HealthStatus
}

func NewHealthTracker(eb eventbus.Publisher, threshold int, clk clock.Clock) *HealthTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &HealthTracker{
		eventBus:  eb,
		clock:     clock.Or(clk),
		threshold: threshold,
		states:    make(map[string]*HealthStatus),
	}
}

// Observe records one poll outcome.
func (h *HealthTracker) Observe(service string, pollErr error) {
	now := h.clock.Now()

	h.mu.Lock()
	st, ok := h.states[service]
	if !ok {
		st = &HealthStatus{Healthy: true}
		h.states[service] = st
	}
	st.LastPollAt = now

	var event *domain.Event
	if pollErr != nil {
		st.ConsecutiveFailures++
		st.LastError = pollErr.Error()
		st.Healthy = false
		if st.ConsecutiveFailures == h.threshold && !st.Degraded {
			st.Degraded = true
			st.DegradedSince = now
			e := domain.NewServiceEvent(domain.ServiceDegraded, service, map[string]interface{}{
				"consecutive_failures": st.ConsecutiveFailures,
				"last_error":           st.LastError,
			})
			event = &e
		}
	} else {
		if st.Degraded {
			e := domain.NewServiceEvent(domain.ServiceRecovered, service, map[string]interface{}{
				"consecutive_failures": st.ConsecutiveFailures,
				"last_error":           st.LastError,
				"degraded_for_ms":      now.Sub(st.DegradedSince).Milliseconds(),
			})
			event = &e
		}
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.Healthy = true
		st.Degraded = false
		st.DegradedSince = time.Time{}
	}
	h.mu.Unlock()

	if event == nil || h.eventBus == nil {
		return
	}
	if event.EventType == domain.ServiceDegraded {
		logger.Warnf("Service %s degraded after %d consecutive failures", service, h.threshold)
	} else {
		logger.Infof("Service %s recovered", service)
	}
	if err := h.eventBus.Publish(*event); err != nil {
		logger.Errorf("Failed to publish %s for %s: %v", event.EventType, service, err)
	}
}

// Status returns the health of service. Unknown services are healthy.
func (h *HealthTracker) Status(service string) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[service]; ok {
		return *st
	}
	return HealthStatus{Healthy: true}
}

// DegradedCount returns how many services are currently degraded.
func (h *HealthTracker) DegradedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.states {
		if st.Degraded {
			n++
		}
	}
	return n
}

// Forget drops the state of a removed service.
func (h *HealthTracker) Forget(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, service)
}
