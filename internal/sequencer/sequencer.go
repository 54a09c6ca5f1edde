// Package sequencer owns the ordered startup chain and the shutdown path:
// launch each service, gate on its readiness, supervise the set while
// running, and tear everything down together with bounded escalation.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/comfyrun/comfyrun/internal/metrics"
	"github.com/comfyrun/comfyrun/internal/probe"
	"github.com/comfyrun/comfyrun/internal/process"
)

// State of the startup sequence.
type State int32

const (
	StateInit State = iota
	StateLaunching
	StateRunning
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Recorder receives lifecycle events for persistence (store, history sinks).
type Recorder interface {
	ServiceStarted(st process.Status)
	ServiceStopped(st process.Status, exitErr error)
}

// Config drives one sequencer run.
type Config struct {
	Services         []process.Spec // launch order; i+1 never launches before i is ready
	GlobalEnv        []string       // KEY=VALUE pairs merged under each service's env
	UseOSEnv         bool           // include the supervisor's own environment as base
	LivenessInterval time.Duration  // post-startup alive checks (default 5s)
	MonitorOnly      bool           // probe and watch, never launch (COMFYRUN_MONITOR_ONLY)
}

// Sequencer is the explicit supervisor object: it owns the mapping from
// service name to process handle instead of process-wide signal closures.
type Sequencer struct {
	mu             sync.Mutex
	cfg            Config
	procs          map[string]*process.Process
	order          []string
	state          State
	prober         *probe.Prober
	logger         *slog.Logger
	rec            Recorder
	failCh         chan error
	stopped        chan struct{}
	downOnce       sync.Once
	cancelMonitors context.CancelFunc
	monitorsWG     sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) (*Sequencer, error) {
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("sequencer: no services configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(cfg.Services))
	order := make([]string, 0, len(cfg.Services))
	for i := range cfg.Services {
		sp := &cfg.Services[i]
		sp.Normalize()
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		if seen[sp.Name] {
			return nil, fmt.Errorf("duplicate service name %q", sp.Name)
		}
		seen[sp.Name] = true
		order = append(order, sp.Name)
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 5 * time.Second
	}
	return &Sequencer{
		cfg:     cfg,
		procs:   make(map[string]*process.Process, len(cfg.Services)),
		order:   order,
		prober:  probe.New(logger),
		logger:  logger,
		rec:     nopRecorder{},
		failCh:  make(chan error, len(cfg.Services)),
		stopped: make(chan struct{}),
	}, nil
}

// SetRecorder wires lifecycle persistence. Must be called before Up.
func (s *Sequencer) SetRecorder(r Recorder) {
	if r != nil {
		s.rec = r
	}
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("sequencer state", "state", st.String())
}

// State returns the current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Statuses returns a snapshot per service, in launch order.
func (s *Sequencer) Statuses() []process.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]process.Status, 0, len(s.order))
	for _, name := range s.order {
		p := s.procs[name]
		if p == nil {
			out = append(out, process.Status{Name: name})
			continue
		}
		st := p.Snapshot()
		st.Running = p.Alive()
		out = append(out, st)
	}
	return out
}

// Up runs the launch chain: for each descriptor in order, spawn the child
// and gate on readiness before touching the next one. Spawn failures and
// exhausted probe budgets are fatal; already-started services are torn down
// by the caller via Shutdown.
func (s *Sequencer) Up(ctx context.Context) error {
	s.setState(StateLaunching)
	for i := range s.cfg.Services {
		spec := s.cfg.Services[i]
		if err := s.upOne(ctx, spec); err != nil {
			return err
		}
	}
	s.setState(StateRunning)
	return nil
}

func (s *Sequencer) upOne(ctx context.Context, spec process.Spec) error {
	if s.cfg.MonitorOnly {
		s.logger.Info("monitor-only mode, skipping launch", "service", spec.Name)
		return s.gate(ctx, spec, time.Now())
	}
	p := process.New(spec)
	s.mu.Lock()
	if old := s.procs[spec.Name]; old != nil && old.Alive() {
		s.mu.Unlock()
		return fmt.Errorf("service %s already has a live handle", spec.Name)
	}
	s.procs[spec.Name] = p
	s.mu.Unlock()

	launchedAt := time.Now()
	s.logger.Info("launching service", "service", spec.Name, "command", spec.Command)
	if err := p.Launch(s.mergedEnv(spec)); err != nil {
		if process.IsExecNotFound(err) {
			s.logger.Error("command not found", "service", spec.Name, "command", spec.Command)
		}
		return err
	}
	metrics.IncStart(spec.Name)
	metrics.SetUp(spec.Name, true)
	s.rec.ServiceStarted(p.Snapshot())
	s.attachWaiter(p)

	if err := s.gate(ctx, spec, launchedAt); err != nil {
		return err
	}
	return nil
}

// gate blocks until the service is ready: active HTTP polling when a health
// path is configured, otherwise the fixed start delay (degraded fallback).
func (s *Sequencer) gate(ctx context.Context, spec process.Spec, launchedAt time.Time) error {
	url := spec.HealthURL()
	if url == "" {
		if spec.StartDelay > 0 {
			s.logger.Warn("no health endpoint, falling back to fixed delay", "service", spec.Name, "delay", spec.StartDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spec.StartDelay):
			}
		}
		return nil
	}
	err := s.prober.Wait(ctx, probe.Target{
		Name:      spec.Name,
		URL:       url,
		Attempts:  spec.ProbeAttempts,
		Interval:  spec.ProbeInterval,
		OnAttempt: func(int) { metrics.IncProbeAttempt(spec.Name) },
	})
	if err != nil {
		return fmt.Errorf("readiness gate: %w", err)
	}
	metrics.ObserveReadiness(spec.Name, time.Since(launchedAt).Seconds())
	return nil
}

// attachWaiter claims the single cmd.Wait for the current run and finalizes
// handle state when the child exits.
func (s *Sequencer) attachWaiter(p *process.Process) {
	if !p.MonitoringStartIfNeeded() {
		return
	}
	go func() {
		cmd := p.CopyCmd()
		var err error
		if cmd != nil {
			err = cmd.Wait()
		}
		p.CloseWaitDone()
		p.MarkExited(err)
		p.CloseWriters()
		p.MonitoringStop()
		st := p.Snapshot()
		metrics.IncStop(st.Name)
		metrics.SetUp(st.Name, false)
		s.rec.ServiceStopped(st, err)
	}()
}

// Run executes the full lifecycle: Up, then liveness monitoring until the
// context is cancelled (termination signal) or a non-restartable service
// dies, then Shutdown. The returned error is nil on cooperative shutdown.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.Up(ctx); err != nil {
		s.Shutdown()
		return err
	}
	mctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelMonitors = cancel
	s.mu.Unlock()
	if !s.cfg.MonitorOnly {
		s.startMonitors(mctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("termination requested, shutting down services")
	case <-s.stopped:
		s.logger.Info("shutdown requested externally")
	case err := <-s.failCh:
		s.logger.Error("service failed while running", "err", err)
		runErr = err
	}
	s.Shutdown()
	return runErr
}

// startMonitors begins the post-startup liveness loop for each service.
func (s *Sequencer) startMonitors(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Services {
		spec := s.cfg.Services[i]
		p := s.procs[spec.Name]
		if p == nil {
			continue
		}
		s.monitorsWG.Add(1)
		go s.monitor(ctx, spec, p)
	}
}

// monitor watches one service while the sequencer is RUNNING. A dead child
// is either restarted (auto_restart) or fails the whole supervisor.
func (s *Sequencer) monitor(ctx context.Context, spec process.Spec, p *process.Process) {
	defer s.monitorsWG.Done()
	t := time.NewTicker(s.cfg.LivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if p.Alive() {
			metrics.SetUp(spec.Name, true)
			continue
		}
		if p.StopRequested() {
			return
		}
		if !spec.AutoRestart {
			st := p.Snapshot()
			s.failCh <- fmt.Errorf("service %s exited unexpectedly (pid %d): %v", spec.Name, st.PID, st.ExitErr)
			return
		}
		delay := spec.RestartDelay
		if delay <= 0 {
			delay = time.Second
		}
		s.logger.Warn("service died, restarting", "service", spec.Name, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		np := process.New(spec)
		np.SetRestarts(p.Snapshot().Restarts)
		s.mu.Lock()
		s.procs[spec.Name] = np
		s.mu.Unlock()
		launchedAt := time.Now()
		if err := np.Launch(s.mergedEnv(spec)); err != nil {
			s.failCh <- fmt.Errorf("restart of %s failed: %w", spec.Name, err)
			return
		}
		np.IncRestarts()
		metrics.IncRestart(spec.Name)
		metrics.SetUp(spec.Name, true)
		s.rec.ServiceStarted(np.Snapshot())
		s.attachWaiter(np)
		if err := s.gate(ctx, spec, launchedAt); err != nil {
			s.failCh <- fmt.Errorf("restarted %s never became ready: %w", spec.Name, err)
			return
		}
		p = np
	}
}

// Shutdown stops every recorded handle in reverse launch order, waiting for
// each to exit within its grace window before SIGKILL. Idempotent: a second
// invocation produces no further termination signals.
func (s *Sequencer) Shutdown() {
	s.downOnce.Do(func() {
		s.setState(StateShuttingDown)
		s.mu.Lock()
		cancel := s.cancelMonitors
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.monitorsWG.Wait()
		for i := len(s.order) - 1; i >= 0; i-- {
			name := s.order[i]
			s.mu.Lock()
			p := s.procs[name]
			s.mu.Unlock()
			if p == nil {
				continue
			}
			grace := p.Spec().StopGrace
			s.logger.Info("stopping service", "service", name, "grace", grace)
			_ = p.Stop(grace)
		}
		s.setState(StateExited)
		close(s.stopped)
	})
	<-s.stopped
}

// mergedEnv builds the child environment: optional OS env as base, then the
// global pairs, then the service's own pairs, later keys overriding earlier.
func (s *Sequencer) mergedEnv(spec process.Spec) []string {
	m := make(map[string]string)
	ordered := make([]string, 0, 16)
	set := func(kv string) {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			return
		}
		k := kv[:i]
		if _, dup := m[k]; !dup {
			ordered = append(ordered, k)
		}
		m[k] = kv[i+1:]
	}
	if s.cfg.UseOSEnv {
		for _, kv := range os.Environ() {
			set(kv)
		}
	}
	for _, kv := range s.cfg.GlobalEnv {
		set(kv)
	}
	for _, kv := range spec.Env {
		set(kv)
	}
	out := make([]string, 0, len(ordered))
	for _, k := range ordered {
		out = append(out, k+"="+m[k])
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) ServiceStarted(process.Status)        {}
func (nopRecorder) ServiceStopped(process.Status, error) {}
