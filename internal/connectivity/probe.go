package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Probe polls a health URL and drives a Switch: any 2xx response means
// online, anything else (including a transport error) means offline.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	sw       *Switch
	logger   *slog.Logger
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithProbeClient replaces the HTTP client used for health checks.
func WithProbeClient(c *http.Client) ProbeOption {
	return func(p *Probe) { p.client = c }
}

// WithProbeLogger sets the logger.
func WithProbeLogger(l *slog.Logger) ProbeOption {
	return func(p *Probe) { p.logger = l }
}

// NewProbe creates a probe of url that updates sw every interval.
func NewProbe(url string, interval time.Duration, sw *Switch, opts ...ProbeOption) *Probe {
	p := &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		sw:       sw,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check performs one health request, updates the switch and returns the
// observed state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.sw.Set(online) {
		p.logger.Info("connectivity changed", "online", online, "url", p.url)
	}
	return online
}

// Run checks immediately and then every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("health request", "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health check failed", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
