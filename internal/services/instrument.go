package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
	"github.com/mescon/Pollarr/internal/reactor"
	"github.com/mescon/Pollarr/internal/tracing"
)

// KindBuiltin marks services Pollarr registers for itself.
const KindBuiltin = "builtin"

// Target is a named pollable service that can be instrumented.
type Target interface {
	reactor.PollableService
	reactor.Named
}

// PollStatus summarizes the polls of one service since it was registered.
type PollStatus struct {
	Polls          int64     `json:"polls"`
	Failures       int64     `json:"failures"`
	LastAt         time.Time `json:"last_at"`
	LastDurationMs float64   `json:"last_duration_ms"`
	LastLatenessMs float64   `json:"last_lateness_ms"`
	LastError      string    `json:"last_error,omitempty"`
}

// Instrumented wraps a Target. Every poll gets a span, a PollSucceeded or
// PollFailed event and a health observation. Lateness is measured against
// the due-time handed over by MarkDue just before the poll.
type Instrumented struct {
	target   Target
	kind     string
	eventBus eventbus.Publisher
	tracer   trace.Tracer
	health   *HealthTracker
	clock    clock.Clock

	mu     sync.Mutex
	due    reactor.Tick
	dueAt  time.Time
	status PollStatus
}

var (
	_ reactor.PollableService = (*Instrumented)(nil)
	_ reactor.Stopper         = (*Instrumented)(nil)
	_ reactor.Named           = (*Instrumented)(nil)
)

// NewInstrumented wraps target. eb, tracer and health may be nil.
func NewInstrumented(target Target, kind string, eb eventbus.Publisher, tracer trace.Tracer, health *HealthTracker, clk clock.Clock) *Instrumented {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Instrumented{
		target:   target,
		kind:     kind,
		eventBus: eb,
		tracer:   tracer,
		health:   health,
		clock:    clock.Or(clk),
	}
}

func (s *Instrumented) Name() string                { return s.target.Name() }
func (s *Instrumented) Kind() string                { return s.kind }
func (s *Instrumented) PollInterval() time.Duration { return s.target.PollInterval() }
func (s *Instrumented) Start() error                { return s.target.Start() }

// Unwrap returns the wrapped service.
func (s *Instrumented) Unwrap() Target { return s.target }

// Stop forwards to the wrapped service when it has cleanup to do.
func (s *Instrumented) Stop() error {
	if st, ok := s.target.(reactor.Stopper); ok {
		return st.Stop()
	}
	return nil
}

// MarkDue records the timeline position and wall time of the next poll.
func (s *Instrumented) MarkDue(due reactor.Tick, at time.Time) {
	s.mu.Lock()
	s.due = due
	s.dueAt = at
	s.mu.Unlock()
}

// Status returns the poll counters.
func (s *Instrumented) Status() PollStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Instrumented) Poll(ctx context.Context) error {
	s.mu.Lock()
	due, dueAt := s.due, s.dueAt
	s.mu.Unlock()

	name := s.target.Name()
	start := s.clock.Now()
	var lateness time.Duration
	if !dueAt.IsZero() && start.After(dueAt) {
		lateness = start.Sub(dueAt)
	}

	ctx, span := s.tracer.Start(ctx, "poll "+name, trace.WithAttributes(
		attribute.String(tracing.AttrService, name),
		attribute.String(tracing.AttrKind, s.kind),
		attribute.Int64(tracing.AttrDueMs, due.Duration().Milliseconds()),
		attribute.Float64(tracing.AttrLateness, millis(lateness)),
	))
	err := s.pollTarget(ctx)
	elapsed := clock.Since(s.clock, start)
	tracing.End(span, err)

	data := domain.PollEventData{
		Service:    name,
		Kind:       s.kind,
		DueMs:      millis(due.Duration()),
		DurationMs: millis(elapsed),
		LatenessMs: millis(lateness),
	}
	eventType := domain.PollSucceeded
	if err != nil {
		data.Error = err.Error()
		eventType = domain.PollFailed
	}

	s.mu.Lock()
	s.status.Polls++
	if err != nil {
		s.status.Failures++
	}
	s.status.LastAt = start
	s.status.LastDurationMs = data.DurationMs
	s.status.LastLatenessMs = data.LatenessMs
	s.status.LastError = data.Error
	s.mu.Unlock()

	if s.health != nil {
		s.health.Observe(name, err)
	}
	if s.eventBus != nil {
		if perr := s.eventBus.Publish(domain.NewServiceEvent(eventType, name, data.ToMap())); perr != nil {
			logger.Debugf("Failed to publish %s for %s: %v", eventType, name, perr)
		}
	}
	return err
}

// pollTarget turns a panic into an error so the span and events still close out.
func (s *Instrumented) pollTarget(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.target.Poll(ctx)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
