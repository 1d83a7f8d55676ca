package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/db"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
	"github.com/mescon/Pollarr/internal/probe"
	"github.com/mescon/Pollarr/internal/reactor"
)

var (
	ErrServiceExists   = errors.New("service already exists")
	ErrServiceNotFound = errors.New("service not found")
	ErrBuiltinService  = errors.New("built-in services cannot be removed")
)

// ServiceStore persists service definitions. *db.Repository implements it.
type ServiceStore interface {
	SaveService(spec config.ServiceSpec) error
	DeleteService(name string) error
	ListServices() ([]config.ServiceSpec, error)
}

var _ ServiceStore = (*db.Repository)(nil)

// ManagerOptions configures a Manager. Only EventBus is required.
type ManagerOptions struct {
	EventBus eventbus.Publisher
	// Store persists services registered through the API. Nil disables it.
	Store           ServiceStore
	Health          *HealthTracker
	Tracer          trace.Tracer
	Clock           clock.Clock
	HaltOnPollError bool
	// Build defaults to probe.Build.
	Build func(config.ServiceSpec) (probe.Probe, error)
}

// ServiceInfo is what the API and CLI show for one service.
type ServiceInfo struct {
	Name       string              `json:"name"`
	Kind       string              `json:"kind"`
	Interval   string              `json:"interval"`
	IntervalMs int64               `json:"interval_ms"`
	Builtin    bool                `json:"builtin"`
	NextDue    *time.Time          `json:"next_due,omitempty"`
	Spec       *config.ServiceSpec `json:"spec,omitempty"`
	Polls      PollStatus          `json:"polls"`
	Health     HealthStatus        `json:"health"`
}

// TimelineSlot groups the services due at the same instant.
type TimelineSlot struct {
	Due      time.Time `json:"due"`
	Offset   string    `json:"offset"`
	Services []string  `json:"services"`
}

type managed struct {
	svc     *Instrumented
	spec    *config.ServiceSpec
	builtin bool
}

// Manager is a name-keyed registry of services on top of one reactor.
type Manager struct {
	reactor  *reactor.Reactor
	eventBus eventbus.Publisher
	store    ServiceStore
	health   *HealthTracker
	tracer   trace.Tracer
	clock    clock.Clock
	build    func(config.ServiceSpec) (probe.Probe, error)
	runID    string

	// opMu serializes Register, Unregister and Shutdown. Start of a service
	// may take a while (MQTT connect), so List only takes mu.
	opMu     sync.Mutex
	mu       sync.Mutex
	services map[string]*managed
}

func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		eventBus: opts.EventBus,
		store:    opts.Store,
		health:   opts.Health,
		tracer:   opts.Tracer,
		clock:    clock.Or(opts.Clock),
		build:    opts.Build,
		runID:    uuid.NewString(),
		services: make(map[string]*managed),
	}
	if m.build == nil {
		m.build = probe.Build
	}
	m.reactor = reactor.New(reactor.Options{
		Clock:           m.clock,
		HaltOnPollError: opts.HaltOnPollError,
		OnPollError:     m.onPollError,
		OnDispatch:      m.onDispatch,
	})
	return m
}

// Reactor exposes the underlying reactor for lifecycle queries.
func (m *Manager) Reactor() *reactor.Reactor {
	return m.reactor
}

// RunID identifies this process's reactor run in system events.
func (m *Manager) RunID() string {
	return m.runID
}

// Register builds spec into a probe and adds it to the reactor. With persist
// set the definition is saved so it is registered again after a restart.
func (m *Manager) Register(spec config.ServiceSpec, persist bool) error {
	p, err := m.build(spec)
	if err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	svc := NewInstrumented(p, p.Kind(), m.eventBus, m.tracer, m.health, m.clock)
	if err := m.add(svc, &managed{svc: svc, spec: &spec}); err != nil {
		return err
	}

	if persist && m.store != nil {
		if err := m.store.SaveService(spec); err != nil {
			logger.Errorf("Failed to persist service %s: %v", spec.Name, err)
		}
	}
	logger.Infof("Registered service %s (%s every %s)", spec.Name, spec.Kind, spec.Interval)
	return nil
}

// RegisterBuiltin adds one of Pollarr's own services. Built-ins are never
// persisted and cannot be unregistered through the API.
func (m *Manager) RegisterBuiltin(target Target) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	svc := NewInstrumented(target, KindBuiltin, m.eventBus, m.tracer, nil, m.clock)
	return m.add(svc, &managed{svc: svc, builtin: true})
}

func (m *Manager) add(svc *Instrumented, entry *managed) error {
	name := svc.Name()

	m.mu.Lock()
	if _, ok := m.services[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	m.services[name] = entry
	m.mu.Unlock()

	if err := m.reactor.Add(svc); err != nil {
		m.mu.Lock()
		if m.services[name] == entry {
			delete(m.services, name)
		}
		m.mu.Unlock()
		if !errors.Is(err, reactor.ErrLoopExited) {
			m.publishStartFailed(name, svc.Kind(), err)
		}
		return err
	}

	m.publish(domain.NewServiceEvent(domain.ServiceRegistered, name, map[string]interface{}{
		"kind":        svc.Kind(),
		"interval_ms": svc.PollInterval().Milliseconds(),
	}))
	return nil
}

// Unregister removes the named service from the reactor and from the store.
func (m *Manager) Unregister(name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	entry, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if entry.builtin {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBuiltinService, name)
	}
	delete(m.services, name)
	m.mu.Unlock()

	m.remove(entry)
	if m.store != nil {
		if err := m.store.DeleteService(name); err != nil && !errors.Is(err, db.ErrNotFound) {
			logger.Errorf("Failed to delete stored service %s: %v", name, err)
		}
	}
	logger.Infof("Unregistered service %s", name)
	return nil
}

func (m *Manager) remove(entry *managed) {
	name := entry.svc.Name()
	if err := m.reactor.Remove(entry.svc); err != nil && !errors.Is(err, reactor.ErrNotRegistered) {
		logger.Warnf("Stopping service %s: %v", name, err)
	}
	if m.health != nil {
		m.health.Forget(name)
	}
	m.publish(domain.NewServiceEvent(domain.ServiceRemoved, name, map[string]interface{}{
		"kind": entry.svc.Kind(),
	}))
}

// RegisterAll registers specs without persisting them and returns how many
// succeeded. Names already registered are skipped.
func (m *Manager) RegisterAll(specs []config.ServiceSpec) (int, error) {
	var errs []error
	n := 0
	for _, spec := range specs {
		if m.has(spec.Name) {
			logger.Debugf("Service %s already registered, skipping", spec.Name)
			continue
		}
		if err := m.Register(spec, false); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", spec.Name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// LoadStored registers every service saved by earlier API calls.
func (m *Manager) LoadStored() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	specs, err := m.store.ListServices()
	if err != nil {
		return 0, fmt.Errorf("failed to load stored services: %w", err)
	}
	return m.RegisterAll(specs)
}

func (m *Manager) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.services[name]
	return ok
}

// Run drives the reactor until ctx is cancelled or, under the halt policy,
// a poll fails.
func (m *Manager) Run(ctx context.Context) error {
	m.publish(m.systemEvent(domain.ReactorStarted, map[string]interface{}{
		"services": m.reactor.Len(),
	}))

	err := m.reactor.Start(ctx)

	data := map[string]interface{}{"reason": "cancelled"}
	if err != nil {
		data["reason"] = "poll_error"
		data["error"] = err.Error()
	}
	m.publish(m.systemEvent(domain.ReactorStopped, data))
	return err
}

// Shutdown removes every service, calling Stop on those that have one.
func (m *Manager) Shutdown() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	entries := make([]*managed, 0, len(m.services))
	for _, e := range m.services {
		entries = append(entries, e)
	}
	m.services = make(map[string]*managed)
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].svc.Name() < entries[j].svc.Name() })
	for _, e := range entries {
		m.remove(e)
	}
	logger.Infof("Service manager: stopped %d services", len(entries))
}

// List returns every registered service sorted by name. It does not wait for
// a poll in progress.
func (m *Manager) List() []ServiceInfo {
	next := make(map[string]reactor.Tick)
	for _, s := range m.reactor.Snapshot() {
		next[s.Name] = s.Due
	}
	started := m.reactor.StartedAt()

	m.mu.Lock()
	out := make([]ServiceInfo, 0, len(m.services))
	for name, e := range m.services {
		info := ServiceInfo{
			Name:       name,
			Kind:       e.svc.Kind(),
			Interval:   e.svc.PollInterval().String(),
			IntervalMs: e.svc.PollInterval().Milliseconds(),
			Builtin:    e.builtin,
			Spec:       e.spec,
			Polls:      e.svc.Status(),
			Health:     HealthStatus{Healthy: true},
		}
		if due, ok := next[name]; ok {
			t := started.Add(due.Duration())
			info.NextDue = &t
		}
		if m.health != nil && !e.builtin {
			info.Health = m.health.Status(name)
		}
		out = append(out, info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one service.
func (m *Manager) Get(name string) (ServiceInfo, bool) {
	for _, info := range m.List() {
		if info.Name == name {
			return info, true
		}
	}
	return ServiceInfo{}, false
}

// Timeline returns the upcoming polls grouped by due-time.
func (m *Manager) Timeline() []TimelineSlot {
	started := m.reactor.StartedAt()
	var out []TimelineSlot
	for _, s := range m.reactor.Snapshot() {
		if n := len(out); n > 0 && out[n-1].Offset == s.Due.String() {
			out[n-1].Services = append(out[n-1].Services, s.Name)
			continue
		}
		out = append(out, TimelineSlot{
			Due:      started.Add(s.Due.Duration()),
			Offset:   s.Due.String(),
			Services: []string{s.Name},
		})
	}
	return out
}

// onDispatch runs on the loop goroutine right before each poll.
func (m *Manager) onDispatch(due reactor.Tick, svc reactor.PollableService) {
	if in, ok := svc.(*Instrumented); ok {
		in.MarkDue(due, m.reactor.StartedAt().Add(due.Duration()))
	}
}

// onPollError handles start failures during reactor startup; the reactor has
// already dropped the service. Poll failures are reported by Instrumented.
func (m *Manager) onPollError(perr *reactor.PollError) {
	if perr.Op != reactor.OpStart {
		return
	}
	kind := ""
	m.mu.Lock()
	if e, ok := m.services[perr.Name]; ok && e.svc == perr.Service {
		kind = e.svc.Kind()
		delete(m.services, perr.Name)
	}
	m.mu.Unlock()
	m.publishStartFailed(perr.Name, kind, perr.Err)
}

func (m *Manager) publishStartFailed(name, kind string, err error) {
	logger.Errorf("Service %s failed to start: %v", name, err)
	m.publish(domain.NewServiceEvent(domain.ServiceStartFailed, name, map[string]interface{}{
		"kind":  kind,
		"error": err.Error(),
	}))
}

func (m *Manager) systemEvent(eventType domain.EventType, data map[string]interface{}) domain.Event {
	data["run_id"] = m.runID
	return domain.Event{
		AggregateType: domain.AggregateSystem,
		AggregateID:   m.runID,
		EventType:     eventType,
		EventData:     data,
	}
}

func (m *Manager) publish(event domain.Event) {
	if m.eventBus == nil {
		return
	}
	if err := m.eventBus.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s: %v", event.EventType, err)
	}
}
