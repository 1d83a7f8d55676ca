package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/logger"
)

// Publisher is what producers and consumers of events depend on.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Store persists events. *db.Repository implements it.
type Store interface {
	AppendEvent(event domain.Event) (int64, error)
}

var _ Publisher = (*EventBus)(nil)

// subscriberBuffer is the per-subscriber queue length; events beyond it are dropped.
const subscriberBuffer = 256

// EventBus persists each event and fans it out to subscribers. Each
// subscriber has its own goroutine, so a slow handler never blocks Publish.
type EventBus struct {
	store       Store
	subscribers map[domain.EventType][]chan domain.Event
	all         []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	dropped     uint64
}

// NewEventBus creates a bus. A nil store skips persistence.
func NewEventBus(store Store) *EventBus {
	return &EventBus{
		store:       store,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

func (eb *EventBus) Publish(event domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	if eb.store != nil {
		id, err := eb.store.AppendEvent(event)
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		event.ID = id
	}
	logger.Debugf("EventBus: %s (%s/%s, id %d)", event.EventType, event.AggregateType, event.AggregateID, event.ID)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, ch := range eb.subscribers[event.EventType] {
		eb.deliver(ch, event)
	}
	for _, ch := range eb.all {
		eb.deliver(ch, event)
	}
	return nil
}

// deliver must be called with eb.mu held.
func (eb *EventBus) deliver(ch chan domain.Event, event domain.Event) {
	select {
	case ch <- event:
	default:
		eb.dropped++
	}
}

// Subscribe runs handler for every event of eventType until Shutdown.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)
	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()
	eb.run(ch, handler)
}

// SubscribeAll runs handler for every event regardless of type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)
	eb.mu.Lock()
	eb.all = append(eb.all, ch)
	eb.mu.Unlock()
	eb.run(ch, handler)
}

func (eb *EventBus) run(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				handler(event)
			case <-eb.stopChan:
				return
			}
		}
	}()
}

// Dropped returns how many deliveries were discarded because a subscriber
// queue was full.
func (eb *EventBus) Dropped() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.dropped
}

// Shutdown stops all subscriber goroutines and waits for them. Safe to call twice.
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() {
		close(eb.stopChan)
	})
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
