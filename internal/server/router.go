// Package server provides the supervisor's admin HTTP surface: status
// inspection, shutdown, and optional metrics exposition.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfyrun/comfyrun/internal/metrics"
	"github.com/comfyrun/comfyrun/internal/sequencer"
)

// Router provides embeddable HTTP handlers for inspecting and controlling a
// running supervisor.
// Endpoints:
//
//	GET  {basePath}/status        all service statuses plus supervisor state
//	GET  {basePath}/status?name=  single service status
//	POST {basePath}/stop          begin supervisor shutdown
//	GET  {basePath}/healthz       liveness of the supervisor itself
//	GET  /metrics                 prometheus exposition (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	seq      *sequencer.Sequencer
	basePath string
	metrics  bool
}

func NewRouter(seq *sequencer.Sequencer, basePath string, withMetrics bool) *Router {
	return &Router{seq: seq, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/stop", r.handleStop)
	group.GET("/healthz", r.handleHealthz)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone admin server on addr using this router.
func NewServer(addr, basePath string, withMetrics bool, seq *sequencer.Sequencer) *http.Server {
	r := NewRouter(seq, basePath, withMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResponse is the full supervisor snapshot.
type StatusResponse struct {
	State    string          `json:"state"`
	Services []ServiceStatus `json:"services"`
}

// ServiceStatus mirrors process.Status with a string error for JSON
// transport.
type ServiceStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitError string     `json:"exit_error,omitempty"`
	Restarts  int        `json:"restarts"`
}

func (r *Router) snapshot() StatusResponse {
	sts := r.seq.Statuses()
	out := StatusResponse{State: r.seq.State().String(), Services: make([]ServiceStatus, 0, len(sts))}
	for _, st := range sts {
		ss := ServiceStatus{
			Name:      st.Name,
			Running:   st.Running,
			PID:       st.PID,
			StartedAt: st.StartedAt,
			Restarts:  st.Restarts,
		}
		if !st.StoppedAt.IsZero() {
			t := st.StoppedAt
			ss.StoppedAt = &t
		}
		if st.ExitErr != nil {
			ss.ExitError = st.ExitErr.Error()
		}
		out.Services = append(out.Services, ss)
	}
	return out
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.snapshot()
	if name := c.Query("name"); name != "" {
		for _, ss := range snap.Services {
			if ss.Name == name {
				writeJSON(c, http.StatusOK, ss)
				return
			}
		}
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service: " + name})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleStop(c *gin.Context) {
	// Shutdown blocks until children are reaped; run it off-request so the
	// caller gets an immediate acknowledgement.
	go r.seq.Shutdown()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
