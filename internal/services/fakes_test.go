package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/probe"
	"github.com/mescon/Pollarr/internal/testutil"
)

// fakeProbe satisfies probe.Probe with scripted results.
type fakeProbe struct {
	spec     config.ServiceSpec
	startErr error
	clk      *testutil.MockClock
	cost     time.Duration // clock time consumed by each poll
	block    chan struct{} // when set, each poll waits for it to close

	mu      sync.Mutex
	pollErr error
	panics  bool

	polls atomic.Int32
	stops atomic.Int32
}

func (f *fakeProbe) Name() string                { return f.spec.Name }
func (f *fakeProbe) Kind() string                { return f.spec.Kind }
func (f *fakeProbe) Spec() config.ServiceSpec    { return f.spec }
func (f *fakeProbe) PollInterval() time.Duration { return f.spec.Interval.Std() }
func (f *fakeProbe) Start() error                { return f.startErr }

func (f *fakeProbe) Stop() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeProbe) Poll(context.Context) error {
	f.polls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.cost > 0 && f.clk != nil {
		f.clk.Sleep(f.cost)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("probe exploded")
	}
	return f.pollErr
}

func (f *fakeProbe) failWith(err error) {
	f.mu.Lock()
	f.pollErr = err
	f.mu.Unlock()
}

// fakeFactory replaces probe.Build and remembers every probe it built.
type fakeFactory struct {
	mu        sync.Mutex
	probes    map[string]*fakeProbe
	startErrs map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{probes: make(map[string]*fakeProbe), startErrs: make(map[string]error)}
}

func (f *fakeFactory) build(spec config.ServiceSpec) (probe.Probe, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProbe{spec: spec, startErr: f.startErrs[spec.Name]}
	f.probes[spec.Name] = p
	return p, nil
}

func (f *fakeFactory) get(t *testing.T, name string) *fakeProbe {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.probes[name]
	require.True(t, ok, "probe %s was never built", name)
	return p
}

func spec(name string, interval time.Duration) config.ServiceSpec {
	return testutil.HTTPSpec(name, "http://"+name+".local/health", interval)
}
