// Package gateway exposes the public HTTP tier: it turns simple generation
// requests into workflow jobs against a template and forwards them to a
// worker.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfyrun/comfyrun/internal/comfy"
	"github.com/comfyrun/comfyrun/internal/metrics"
)

const (
	DefaultAddr      = ":8000"
	DefaultWorkerURL = "http://127.0.0.1:8001"
	DefaultTimeout   = 10 * time.Minute
)

// Config controls one gateway instance.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	WorkerURL    string        `mapstructure:"worker_url"`
	WorkflowPath string        `mapstructure:"workflow_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.WorkerURL == "" {
		c.WorkerURL = DefaultWorkerURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// GenerateRequest is the public generation API payload.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Width       int    `json:"w"`
	Height      int    `json:"h"`
	Seed        *int64 `json:"seed,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// Router provides the gateway's HTTP handlers.
// Endpoints:
//
//	POST /generate  body: {prompt, w, h, seed?, image_base64?}
//	GET  /health    -> {"status":"healthy"} when the worker answers
//	GET  /stats     request counters since start
type Router struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	startedAt time.Time
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64

	mu       sync.Mutex
	template json.RawMessage // cached workflow template
}

func NewRouter(cfg Config, logger *slog.Logger) *Router {
	cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/generate", r.handleGenerate)
	g.GET("/health", r.handleHealth)
	g.GET("/stats", r.handleStats)
	return g
}

// NewServer starts a standalone gateway HTTP server on cfg.Addr.
func NewServer(cfg Config, logger *slog.Logger) *http.Server {
	r := NewRouter(cfg, logger)
	server := &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status string `json:"status"`
}

// loadTemplate reads and validates the workflow template, caching it after
// the first successful load.
func (r *Router) loadTemplate() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.template != nil {
		return r.template, nil
	}
	if r.cfg.WorkflowPath == "" {
		return nil, fmt.Errorf("no workflow template configured")
	}
	data, err := os.ReadFile(r.cfg.WorkflowPath)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	if _, err := comfy.ParseWorkflow(data); err != nil {
		return nil, fmt.Errorf("workflow template %s: %w", r.cfg.WorkflowPath, err)
	}
	r.template = data
	return data, nil
}

type statsResp struct {
	TotalRequests int64   `json:"total_requests"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	ActiveJobs    int64   `json:"active_jobs"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (r *Router) handleGenerate(c *gin.Context) {
	var req GenerateRequest
	r.total.Add(1)
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Prompt == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "prompt required"})
		return
	}
	template, err := r.loadTemplate()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	job := comfy.JobRequest{
		Workflow: template,
		Input: comfy.JobInput{
			Prompt:      req.Prompt,
			Width:       req.Width,
			Height:      req.Height,
			Seed:        req.Seed,
			ImageBase64: req.ImageBase64,
		},
	}
	start := time.Now()
	r.inFlight.Add(1)
	status, body, err := r.forward(c, job)
	r.inFlight.Add(-1)
	metrics.ObserveJobDuration("gateway", time.Since(start).Seconds())
	if err != nil {
		r.failed.Add(1)
		metrics.IncJob("gateway", "error")
		r.logger.Error("forward to worker failed", "err", err)
		writeJSON(c, http.StatusBadGateway, errorResp{Error: "worker unreachable: " + err.Error()})
		return
	}
	if status == http.StatusOK {
		r.succeeded.Add(1)
		metrics.IncJob("gateway", "ok")
	} else {
		r.failed.Add(1)
		metrics.IncJob("gateway", "error")
	}
	c.Header("Content-Type", "application/json")
	c.Status(status)
	_, _ = c.Writer.Write(body)
}

func (r *Router) forward(c *gin.Context, job comfy.JobRequest) (int, []byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		r.cfg.WorkerURL+"/process", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (r *Router) handleHealth(c *gin.Context) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, r.cfg.WorkerURL+"/health", nil)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	resp, err := r.http.Do(req)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unhealthy"})
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unhealthy"})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "healthy"})
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, statsResp{
		TotalRequests: r.total.Load(),
		Succeeded:     r.succeeded.Load(),
		Failed:        r.failed.Load(),
		ActiveJobs:    r.inFlight.Load(),
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
	})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
