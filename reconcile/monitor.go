package reconcile

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"
)

// Prober reports whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber issues a GET against a health endpoint; any 2xx is online.
type HTTPProber struct {
	client  *http.Client
	target  string
	timeout time.Duration
}

// NewHTTPProber probes path on origin.
func NewHTTPProber(origin *url.URL, path string) *HTTPProber {
	return &HTTPProber{
		client:  http.DefaultClient,
		target:  origin.ResolveReference(&url.URL{Path: path}).String(),
		timeout: 5 * time.Second,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (p *HTTPProber) WithHTTPClient(c *http.Client) *HTTPProber {
	p.client = c
	return p
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		clog.FromContext(ctx).Debugf("probe failed: %v", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Monitor probes immediately and then every interval, feeding the result
// to SetOnline, until ctx is done.
func (w *Worker) Monitor(ctx context.Context, p Prober, interval time.Duration) {
	w.SetOnline(ctx, p.Probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SetOnline(ctx, p.Probe(ctx))
		}
	}
}
