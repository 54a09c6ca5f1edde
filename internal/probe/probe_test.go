package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNeverHealthyMakesExactlyBudgetRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(nil)
	err := p.Wait(context.Background(), Target{
		Name: "comfyui", URL: srv.URL, Attempts: 5, Interval: 10 * time.Millisecond,
	})
	var ex *ErrExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Fatalf("expected exactly 5 requests, got %d", got)
	}
	if ex.Attempts != 5 || ex.Name != "comfyui" {
		t.Fatalf("exhausted detail wrong: %+v", ex)
	}
}

func TestSucceedsOnThirdAttemptAndStops(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(nil)
	err := p.Wait(context.Background(), Target{
		Name: "worker", URL: srv.URL, Attempts: 10, Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	// No further probing after success.
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected probing to stop at attempt 3, got %d requests", got)
	}
}

func TestBodyMarkerRequired(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			_, _ = w.Write([]byte(`{"status":"starting"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	p := New(nil)
	err := p.Wait(context.Background(), Target{
		Name: "gateway", URL: srv.URL, Attempts: 5, Interval: 5 * time.Millisecond,
		BodyMarker: "healthy",
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected success on attempt 2, got %d requests", got)
	}
}

func TestConstantSpacingBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	interval := 50 * time.Millisecond
	p := New(nil)
	_ = p.Wait(context.Background(), Target{Name: "x", URL: srv.URL, Attempts: 4, Interval: interval})
	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap < interval-10*time.Millisecond {
			t.Fatalf("attempt %d spaced %v, want >= %v", i, gap, interval)
		}
	}
}

func TestCancelBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := New(nil)
	go func() {
		done <- p.Wait(ctx, Target{Name: "slow", URL: srv.URL, Attempts: 100, Interval: time.Hour})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("prober did not observe cancellation")
	}
}

func TestConnectionRefusedCountsAsAttempt(t *testing.T) {
	// Nothing listens on this address.
	p := New(nil)
	start := time.Now()
	err := p.Wait(context.Background(), Target{
		Name: "dead", URL: "http://127.0.0.1:1", Attempts: 3, Interval: 10 * time.Millisecond,
	})
	var ex *ErrExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("refused probes should fail fast, took %v", time.Since(start))
	}
}
