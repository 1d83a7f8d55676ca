package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
)

// MetricsService exposes Prometheus metrics for Pollarr. It is fed entirely
// by events, so it never touches the reactor directly.
type MetricsService struct {
	eventBus eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	pollsTotal         *prometheus.CounterVec
	startFailures      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	backupsTotal       *prometheus.CounterVec

	// Gauges
	registeredServices prometheus.Gauge
	degradedServices   prometheus.Gauge
	reactorUp          prometheus.Gauge

	// Histograms
	pollDuration *prometheus.HistogramVec
	pollLateness prometheus.Histogram

	// Internal tracking
	mu         sync.Mutex
	registered map[string]bool
	degraded   map[string]bool
}

// NewMetricsService creates every metric on a private registry, together with
// the Go runtime and process collectors.
func NewMetricsService(eb eventbus.Publisher) *MetricsService {
	m := &MetricsService{
		eventBus:   eb,
		registry:   prometheus.NewRegistry(),
		registered: make(map[string]bool),
		degraded:   make(map[string]bool),

		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollarr_polls_total",
				Help: "Total number of polls by service and outcome",
			},
			[]string{"service", "outcome"}, // success, failed
		),

		startFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollarr_service_start_failures_total",
				Help: "Total number of services that failed to start",
			},
			[]string{"service"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollarr_notifications_total",
				Help: "Total number of notifications sent by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		backupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollarr_backups_total",
				Help: "Total number of database backups by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		registeredServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pollarr_registered_services",
				Help: "Number of services registered with the reactor",
			},
		),

		degradedServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pollarr_degraded_services",
				Help: "Number of services past the consecutive failure threshold",
			},
		),

		reactorUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pollarr_reactor_up",
				Help: "1 while the dispatch loop is running",
			},
		),

		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pollarr_poll_duration_seconds",
				Help:    "Duration of polls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"service"},
		),

		pollLateness: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pollarr_poll_lateness_seconds",
				Help:    "Delay between a poll's due time and its actual start",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pollsTotal,
		m.startFailures,
		m.notificationsTotal,
		m.backupsTotal,
		m.registeredServices,
		m.degradedServices,
		m.reactorUp,
		m.pollDuration,
		m.pollLateness,
	)

	return m
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.ReactorStarted, m.handleReactorStarted)
	m.eventBus.Subscribe(domain.ReactorStopped, m.handleReactorStopped)
	m.eventBus.Subscribe(domain.ServiceRegistered, m.handleServiceRegistered)
	m.eventBus.Subscribe(domain.ServiceRemoved, m.handleServiceRemoved)
	m.eventBus.Subscribe(domain.ServiceStartFailed, m.handleServiceStartFailed)
	m.eventBus.Subscribe(domain.PollSucceeded, m.handlePollSucceeded)
	m.eventBus.Subscribe(domain.PollFailed, m.handlePollFailed)
	m.eventBus.Subscribe(domain.ServiceDegraded, m.handleServiceDegraded)
	m.eventBus.Subscribe(domain.ServiceRecovered, m.handleServiceRecovered)
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.eventBus.Subscribe(domain.NotificationFailed, m.handleNotificationFailed)
	m.eventBus.Subscribe(domain.BackupCompleted, m.handleBackupCompleted)
	m.eventBus.Subscribe(domain.BackupFailed, m.handleBackupFailed)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the private registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// Event handlers

func (m *MetricsService) handleReactorStarted(domain.Event) {
	m.reactorUp.Set(1)
}

func (m *MetricsService) handleReactorStopped(domain.Event) {
	m.reactorUp.Set(0)
}

func (m *MetricsService) handleServiceRegistered(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[event.AggregateID] = true
	m.registeredServices.Set(float64(len(m.registered)))
}

func (m *MetricsService) handleServiceRemoved(event domain.Event) {
	name := event.AggregateID

	m.mu.Lock()
	delete(m.registered, name)
	delete(m.degraded, name)
	m.registeredServices.Set(float64(len(m.registered)))
	m.degradedServices.Set(float64(len(m.degraded)))
	m.mu.Unlock()

	// Drop per-service series so removed services stop being exported.
	m.pollsTotal.DeletePartialMatch(prometheus.Labels{"service": name})
	m.pollDuration.DeletePartialMatch(prometheus.Labels{"service": name})
}

func (m *MetricsService) handleServiceStartFailed(event domain.Event) {
	m.startFailures.WithLabelValues(event.AggregateID).Inc()
}

func (m *MetricsService) handlePollSucceeded(event domain.Event) {
	m.observePoll(event, "success")
}

func (m *MetricsService) handlePollFailed(event domain.Event) {
	m.observePoll(event, "failed")
}

func (m *MetricsService) observePoll(event domain.Event, outcome string) {
	data, ok := event.ParsePollEventData()
	if !ok {
		return
	}
	m.pollsTotal.WithLabelValues(data.Service, outcome).Inc()
	m.pollDuration.WithLabelValues(data.Service).Observe(data.DurationMs / 1000)
	if data.LatenessMs >= 0 {
		m.pollLateness.Observe(data.LatenessMs / 1000)
	}
}

func (m *MetricsService) handleServiceDegraded(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded[event.AggregateID] = true
	m.degradedServices.Set(float64(len(m.degraded)))
}

func (m *MetricsService) handleServiceRecovered(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.degraded, event.AggregateID)
	m.degradedServices.Set(float64(len(m.degraded)))
}

func (m *MetricsService) handleNotificationSent(domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}

func (m *MetricsService) handleBackupCompleted(domain.Event) {
	m.backupsTotal.WithLabelValues("completed").Inc()
}

func (m *MetricsService) handleBackupFailed(domain.Event) {
	m.backupsTotal.WithLabelValues("failed").Inc()
}
