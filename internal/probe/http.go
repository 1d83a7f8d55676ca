package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/mescon/Pollarr/internal/config"
)

// maxBodyBytes caps how much of a response is kept for expect expressions.
const maxBodyBytes = 64 << 10

// HTTPProbe issues one request per poll and checks the status code and,
// optionally, an ECMAScript expect expression.
type HTTPProbe struct {
	base
	client *http.Client
	expect *goja.Program
}

// NewHTTPProbe compiles the expect expression up front so syntax errors are
// reported at registration.
func NewHTTPProbe(spec config.ServiceSpec) (*HTTPProbe, error) {
	p := &HTTPProbe{
		base: base{spec: spec},
		client: &http.Client{
			Timeout: spec.EffectiveTimeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
	}
	if strings.TrimSpace(spec.Expect) != "" {
		prog, err := goja.Compile(spec.Name+".expect", spec.Expect, true)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid expect expression: %w", spec.Name, err)
		}
		p.expect = prog
	}
	return p, nil
}

func (p *HTTPProbe) Start() error {
	return nil
}

// Stop releases pooled connections.
func (p *HTTPProbe) Stop() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPProbe) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.spec.EffectiveTimeout())
	defer cancel()

	method := strings.ToUpper(p.spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.spec.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "Pollarr")
	for k, v := range p.spec.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	latency := time.Since(start)

	if err := p.checkStatus(resp.StatusCode); err != nil {
		return err
	}
	if p.expect == nil {
		return nil
	}
	return p.evalExpect(resp, body, latency)
}

func (p *HTTPProbe) checkStatus(code int) error {
	if p.spec.ExpectStatus != 0 {
		if code != p.spec.ExpectStatus {
			return fmt.Errorf("unexpected status %d (want %d)", code, p.spec.ExpectStatus)
		}
		return nil
	}
	if code < 200 || code >= 400 {
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}

// evalExpect runs the expression in a fresh runtime with status, body,
// headers, latency_ms and, for JSON bodies, json in scope.
func (p *HTTPProbe) evalExpect(resp *http.Response, body []byte, latency time.Duration) error {
	vm := goja.New()
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	if err := vm.Set("status", resp.StatusCode); err != nil {
		return err
	}
	if err := vm.Set("body", string(body)); err != nil {
		return err
	}
	if err := vm.Set("headers", headers); err != nil {
		return err
	}
	if err := vm.Set("latency_ms", float64(latency.Microseconds())/1000); err != nil {
		return err
	}
	var parsed interface{}
	if json.Unmarshal(body, &parsed) == nil {
		if err := vm.Set("json", parsed); err != nil {
			return err
		}
	}

	timer := time.AfterFunc(p.spec.EffectiveTimeout(), func() {
		vm.Interrupt("expect timed out")
	})
	defer timer.Stop()

	v, err := vm.RunProgram(p.expect)
	if err != nil {
		return fmt.Errorf("expect failed: %w", err)
	}
	if !v.ToBoolean() {
		return fmt.Errorf("expect %q was false (status %d)", p.spec.Expect, resp.StatusCode)
	}
	return nil
}
