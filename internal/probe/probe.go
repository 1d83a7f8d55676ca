// Package probe builds reactor services from service definitions. Each probe
// checks one external dependency per Poll and reports failure as an error.
package probe

import (
	"fmt"
	"time"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/reactor"
)

// Probe is a named pollable service built from a config.ServiceSpec.
type Probe interface {
	reactor.PollableService
	reactor.Named
	Kind() string
	Spec() config.ServiceSpec
}

// Build validates spec and returns the probe for its kind.
func Build(spec config.ServiceSpec) (Probe, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("service %q: %w", spec.Name, err)
	}

	switch spec.Kind {
	case config.KindHTTP:
		p, err := NewHTTPProbe(spec)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.KindNTP:
		return NewNTPProbe(spec), nil
	case config.KindMQTT:
		return NewMQTTHeartbeat(spec), nil
	default:
		// Validate rejects unknown kinds; kept for exhaustiveness.
		return nil, fmt.Errorf("service %q: unknown kind %q", spec.Name, spec.Kind)
	}
}

// base carries what every probe shares.
type base struct {
	spec config.ServiceSpec
}

func (b *base) Name() string                { return b.spec.Name }
func (b *base) Kind() string                { return b.spec.Kind }
func (b *base) Spec() config.ServiceSpec    { return b.spec }
func (b *base) PollInterval() time.Duration { return b.spec.Interval.Std() }
