package comfyrun

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/comfyrun/comfyrun/internal/config"
	"github.com/comfyrun/comfyrun/internal/history"
	"github.com/comfyrun/comfyrun/internal/metrics"
	"github.com/comfyrun/comfyrun/internal/process"
	"github.com/comfyrun/comfyrun/internal/sequencer"
	"github.com/comfyrun/comfyrun/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type SupervisorConfig = sequencer.Config

type Recorder = sequencer.Recorder

type HistorySink = history.Sink

type StateStore = store.Store

// Supervisor is a thin facade over the internal sequencer.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *sequencer.Sequencer }

func NewSupervisor(c SupervisorConfig, logger *slog.Logger) (*Supervisor, error) {
	seq, err := sequencer.New(c, logger)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: seq}, nil
}

// SetRecorder wires lifecycle persistence. Must be called before Run.
func (s *Supervisor) SetRecorder(r Recorder) { s.inner.SetRecorder(r) }

// Run launches the chain, supervises it, and blocks until shutdown.
func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }

// Up launches the chain and returns without supervising.
func (s *Supervisor) Up(ctx context.Context) error { return s.inner.Up(ctx) }

// Shutdown stops all services in reverse launch order. Idempotent.
func (s *Supervisor) Shutdown() { s.inner.Shutdown() }

// Statuses returns a snapshot per service, in launch order.
func (s *Supervisor) Statuses() []Status { return s.inner.Statuses() }

// State returns the supervisor lifecycle state as a string.
func (s *Supervisor) State() string { return s.inner.State().String() }

// LoadConfig parses a TOML config file.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// RegisterMetricsDefault registers all collectors with the default
// Prometheus registerer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves Prometheus metrics on addr under /metrics.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
