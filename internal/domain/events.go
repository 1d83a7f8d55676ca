package domain

import (
	"time"
)

type EventType string

const (
	// Reactor lifecycle
	ReactorStarted EventType = "ReactorStarted"
	ReactorStopped EventType = "ReactorStopped"

	// Registry changes
	ServiceRegistered  EventType = "ServiceRegistered"
	ServiceRemoved     EventType = "ServiceRemoved"
	ServiceStartFailed EventType = "ServiceStartFailed"

	// Poll outcomes
	PollSucceeded EventType = "PollSucceeded"
	PollFailed    EventType = "PollFailed"

	// Health transitions derived from consecutive poll outcomes
	ServiceDegraded  EventType = "ServiceDegraded"
	ServiceRecovered EventType = "ServiceRecovered"

	NotificationSent   EventType = "NotificationSent"
	NotificationFailed EventType = "NotificationFailed"

	BackupCompleted EventType = "BackupCompleted"
	BackupFailed    EventType = "BackupFailed"
)

// AggregateService is the aggregate type for every per-service event.
const AggregateService = "service"

// AggregateSystem is used for reactor and maintenance events.
const AggregateSystem = "system"

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// NewServiceEvent builds an event about the named service.
func NewServiceEvent(eventType EventType, service string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["service"] = service
	return Event{
		AggregateType: AggregateService,
		AggregateID:   service,
		EventType:     eventType,
		EventData:     data,
	}
}

// =============================================================================
// Event data accessors
// =============================================================================

// GetString returns a string field and whether it was present with that type.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr returns a string field or def.
func (e *Event) GetStringOr(key, def string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return def
}

// GetInt64 accepts int, int64 and float64 (what JSON decoding yields).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or returns an integer field or def.
func (e *Event) GetInt64Or(key string, def int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return def
}

// GetFloat64 accepts float64, int64 and int.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// =============================================================================
// Typed event payloads
// =============================================================================

// PollEventData is carried by PollSucceeded and PollFailed.
type PollEventData struct {
	Service    string  `json:"service"`
	Kind       string  `json:"kind,omitempty"`
	DueMs      float64 `json:"due_ms"`
	DurationMs float64 `json:"duration_ms"`
	LatenessMs float64 `json:"lateness_ms"`
	Error      string  `json:"error,omitempty"`
}

// ToMap converts the payload into EventData form.
func (d PollEventData) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"service":     d.Service,
		"due_ms":      d.DueMs,
		"duration_ms": d.DurationMs,
		"lateness_ms": d.LatenessMs,
	}
	if d.Kind != "" {
		m["kind"] = d.Kind
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	return m
}

// ParsePollEventData extracts the poll payload. Returns false when the event
// does not name a service.
func (e *Event) ParsePollEventData() (PollEventData, bool) {
	service, ok := e.GetString("service")
	if !ok {
		return PollEventData{}, false
	}
	d := PollEventData{
		Service: service,
		Kind:    e.GetStringOr("kind", ""),
		Error:   e.GetStringOr("error", ""),
	}
	d.DueMs, _ = e.GetFloat64("due_ms")
	d.DurationMs, _ = e.GetFloat64("duration_ms")
	d.LatenessMs, _ = e.GetFloat64("lateness_ms")
	return d, true
}

// HealthEventData is carried by ServiceDegraded and ServiceRecovered.
type HealthEventData struct {
	Service             string `json:"service"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// ParseHealthEventData extracts the health transition payload.
func (e *Event) ParseHealthEventData() (HealthEventData, bool) {
	service, ok := e.GetString("service")
	if !ok {
		return HealthEventData{}, false
	}
	return HealthEventData{
		Service:             service,
		ConsecutiveFailures: e.GetInt64Or("consecutive_failures", 0),
		LastError:           e.GetStringOr("last_error", ""),
	}, true
}
