package notifier

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
)

// sendFunc delivers one message to every configured target.
type sendFunc func(message string) []error

// Notifier forwards health transitions to shoutrrr targets.
type Notifier struct {
	eb       eventbus.Publisher
	clock    clock.Clock
	send     sendFunc
	targets  int
	throttle time.Duration
	breaker  *CircuitBreaker

	mu       sync.Mutex
	lastSent map[string]time.Time // per service and event type
	wg       sync.WaitGroup
}

// notifyEvents are the event types that produce a message.
var notifyEvents = []domain.EventType{
	domain.ServiceDegraded,
	domain.ServiceRecovered,
	domain.ServiceStartFailed,
	domain.BackupFailed,
}

// NewNotifier validates every URL up front. With no URLs the notifier is a
// no-op, so callers never need a nil check.
func NewNotifier(eb eventbus.Publisher, urls []string, throttle time.Duration, clk clock.Clock) (*Notifier, error) {
	n := &Notifier{
		eb:       eb,
		clock:    clock.Or(clk),
		throttle: throttle,
		lastSent: make(map[string]time.Time),
	}
	n.breaker = NewCircuitBreaker(DefaultBreakerConfig(), n.clock)
	if len(urls) == 0 {
		return n, nil
	}

	built := make([]string, 0, len(urls))
	for i, raw := range urls {
		u, err := BuildURL(raw)
		if err != nil {
			return nil, fmt.Errorf("notification url %d: %w", i+1, err)
		}
		built = append(built, u)
	}

	sender, err := shoutrrr.CreateSender(built...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}
	n.send = func(message string) []error { return sender.Send(message, nil) }
	n.targets = len(built)
	return n, nil
}

// Enabled reports whether any target is configured.
func (n *Notifier) Enabled() bool {
	return n.send != nil
}

// Start subscribes to notification-worthy events
func (n *Notifier) Start() {
	if !n.Enabled() {
		logger.Infof("Notifier disabled: no notification URLs configured")
		return
	}
	for _, et := range notifyEvents {
		n.eb.Subscribe(et, n.handleEvent)
	}
	logger.Infof("Notifier started with %d targets", n.targets)
}

// Stop waits for in-flight sends
func (n *Notifier) Stop() {
	n.wg.Wait()
}

// SendTest sends a one-off message, bypassing the throttle.
func (n *Notifier) SendTest() error {
	if !n.Enabled() {
		return errors.New("no notification URLs configured")
	}
	return errors.Join(n.send("Pollarr test notification")...)
}

func (n *Notifier) handleEvent(event domain.Event) {
	service := event.AggregateID
	if !n.canSend(service, event.EventType) {
		logger.Debugf("Throttled %s notification for %s", event.EventType, service)
		return
	}

	message := formatMessage(event)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(event, message)
	}()
}

// canSend reserves the throttle slot for (service, event type).
func (n *Notifier) canSend(service string, eventType domain.EventType) bool {
	key := string(eventType) + "/" + service
	now := n.clock.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.throttle {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) deliver(event domain.Event, message string) {
	var err error
	if n.breaker.Allow() {
		err = errors.Join(n.send(message)...)
		n.breaker.Record(err)
	} else {
		err = ErrCircuitOpen
	}

	data := map[string]interface{}{
		"trigger_event": string(event.EventType),
		"targets":       n.targets,
	}
	resultType := domain.NotificationSent
	if err != nil {
		logger.Errorf("Failed to send %s notification for %s: %v", event.EventType, event.AggregateID, err)
		resultType = domain.NotificationFailed
		data["error"] = err.Error()
	} else {
		logger.Debugf("Sent %s notification for %s", event.EventType, event.AggregateID)
	}

	result := domain.Event{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     resultType,
		EventData:     data,
	}
	if pubErr := n.eb.Publish(result); pubErr != nil {
		logger.Debugf("Failed to publish %s event: %v", resultType, pubErr)
	}
}

func formatMessage(event domain.Event) string {
	service := event.AggregateID
	switch event.EventType {
	case domain.ServiceDegraded:
		h, _ := event.ParseHealthEventData()
		msg := fmt.Sprintf("🔴 %s is degraded after %d consecutive failed polls", service, h.ConsecutiveFailures)
		if h.LastError != "" {
			msg += fmt.Sprintf("\n⚠️ %s", h.LastError)
		}
		return msg
	case domain.ServiceRecovered:
		h, _ := event.ParseHealthEventData()
		if h.ConsecutiveFailures > 0 {
			return fmt.Sprintf("✅ %s recovered after %d failed polls", service, h.ConsecutiveFailures)
		}
		return fmt.Sprintf("✅ %s recovered", service)
	case domain.ServiceStartFailed:
		return fmt.Sprintf("❌ %s failed to start\n⚠️ %s", service, event.GetStringOr("error", "unknown error"))
	case domain.BackupFailed:
		return fmt.Sprintf("❌ Database backup failed\n⚠️ %s", event.GetStringOr("error", "unknown error"))
	default:
		return strings.TrimSpace(fmt.Sprintf("%s %s", event.EventType, service))
	}
}
