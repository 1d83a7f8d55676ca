package testutil

import (
	"time"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/domain"
)

// EventOption configures a test event.
type EventOption func(*domain.Event)

// WithCreatedAt sets the event creation time.
func WithCreatedAt(t time.Time) EventOption {
	return func(e *domain.Event) {
		e.CreatedAt = t
	}
}

// WithEventData merges data into EventData.
func WithEventData(data map[string]interface{}) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		for k, v := range data {
			e.EventData[k] = v
		}
	}
}

// NewPollEvent builds a PollSucceeded event, or PollFailed when errMsg is set.
func NewPollEvent(service string, duration time.Duration, errMsg string, opts ...EventOption) domain.Event {
	eventType := domain.PollSucceeded
	if errMsg != "" {
		eventType = domain.PollFailed
	}
	data := domain.PollEventData{
		Service:    service,
		DurationMs: float64(duration) / float64(time.Millisecond),
		Error:      errMsg,
	}
	e := domain.NewServiceEvent(eventType, service, data.ToMap())
	e.EventVersion = 1
	e.CreatedAt = time.Now()
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// HTTPSpec returns a valid http service definition.
func HTTPSpec(name, url string, interval time.Duration) config.ServiceSpec {
	return config.ServiceSpec{
		Name:     name,
		Kind:     config.KindHTTP,
		Interval: config.Duration(interval),
		URL:      url,
	}
}

// NTPSpec returns a valid ntp service definition.
func NTPSpec(name, server string, interval time.Duration) config.ServiceSpec {
	return config.ServiceSpec{
		Name:      name,
		Kind:      config.KindNTP,
		Interval:  config.Duration(interval),
		Server:    server,
		MaxOffset: config.Duration(time.Second),
	}
}
