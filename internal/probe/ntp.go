package probe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"

	"github.com/mescon/Pollarr/internal/config"
)

type ntpQueryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// NTPProbe fails when the local clock drifts more than MaxOffset from the
// configured server.
type NTPProbe struct {
	base
	query  ntpQueryFunc
	offset atomic.Int64 // last measured offset, ns
}

func NewNTPProbe(spec config.ServiceSpec) *NTPProbe {
	return &NTPProbe{base: base{spec: spec}, query: ntp.QueryWithOptions}
}

func (p *NTPProbe) Start() error {
	return nil
}

// Offset returns the clock offset measured by the last successful poll.
func (p *NTPProbe) Offset() time.Duration {
	return time.Duration(p.offset.Load())
}

func (p *NTPProbe) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := p.query(p.spec.Server, ntp.QueryOptions{Timeout: p.spec.EffectiveTimeout()})
	if err != nil {
		return fmt.Errorf("ntp query %s: %w", p.spec.Server, err)
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("ntp response from %s: %w", p.spec.Server, err)
	}

	p.offset.Store(int64(resp.ClockOffset))
	if limit := p.spec.MaxOffset.Std(); resp.ClockOffset.Abs() > limit {
		return fmt.Errorf("clock offset %s exceeds %s", resp.ClockOffset, limit)
	}
	return nil
}
