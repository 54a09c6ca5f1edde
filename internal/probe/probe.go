// Package probe implements the readiness gate used between launch stages:
// constant-interval HTTP polling with a fixed attempt budget. No backoff:
// the interval is the same for every attempt.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Target describes one readiness endpoint.
type Target struct {
	Name        string            // service name, for logging
	URL         string            // endpoint to poll
	Attempts    int               // maximum request count
	Interval    time.Duration     // constant spacing between attempts
	BodyMarker  string            // optional substring the body must contain
	HTTPTimeout time.Duration     // per-request timeout (default 5s)
	OnAttempt   func(attempt int) // optional hook, called before each request
}

// ErrExhausted reports a readiness budget spent without a healthy response.
type ErrExhausted struct {
	Name     string
	URL      string
	Attempts int
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("service %s not ready after %d attempts on %s", e.Name, e.Attempts, e.URL)
}

// Prober polls readiness endpoints. The zero value uses http.DefaultClient
// semantics with a per-target timeout.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

func New(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{logger: logger}
}

// WithClient overrides the HTTP client; used by tests.
func (p *Prober) WithClient(c *http.Client) *Prober {
	p.client = c
	return p
}

// Wait polls t.URL every t.Interval until a healthy response arrives or the
// attempt budget is spent. It makes exactly t.Attempts requests on a target
// that never becomes healthy, and stops immediately after the first success.
// Cancellation is observed between attempts.
func (p *Prober) Wait(ctx context.Context, t Target) error {
	if t.Attempts <= 0 || t.URL == "" {
		return fmt.Errorf("probe target %q: attempts and url are required", t.Name)
	}
	interval := t.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	client := p.client
	if client == nil {
		timeout := t.HTTPTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	for attempt := 1; attempt <= t.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.OnAttempt != nil {
			t.OnAttempt(attempt)
		}
		ok, err := p.once(ctx, client, t)
		if ok {
			p.logger.Info("service ready", "service", t.Name, "attempt", attempt)
			return nil
		}
		p.logger.Debug("not ready yet", "service", t.Name, "attempt", attempt, "of", t.Attempts, "err", err)
		if attempt == t.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return &ErrExhausted{Name: t.Name, URL: t.URL, Attempts: t.Attempts}
}

func (p *Prober) once(ctx context.Context, client *http.Client, t Target) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	if t.BodyMarker == "" {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return true, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, err
	}
	if !strings.Contains(string(body), t.BodyMarker) {
		return false, fmt.Errorf("marker %q missing", t.BodyMarker)
	}
	return true, nil
}
