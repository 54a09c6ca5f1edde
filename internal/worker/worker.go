// Package worker exposes the job-processing HTTP tier: it accepts workflow
// jobs, drives them through a ComfyUI server, and returns the rendered
// images.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfyrun/comfyrun/internal/comfy"
	"github.com/comfyrun/comfyrun/internal/metrics"
	"github.com/comfyrun/comfyrun/internal/store"
)

const (
	DefaultAddr       = ":8001"
	DefaultPollEvery  = time.Second
	DefaultJobTimeout = 5 * time.Minute
	DefaultComfyURL   = "http://127.0.0.1:8188"
	DefaultComfyInput = "/comfyui/input"
)

// Config controls one worker instance.
type Config struct {
	Addr       string        `mapstructure:"addr"`
	ComfyURL   string        `mapstructure:"comfy_url"`
	InputDir   string        `mapstructure:"input_dir"`
	PollEvery  time.Duration `mapstructure:"poll_every"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ComfyURL == "" {
		c.ComfyURL = DefaultComfyURL
	}
	if c.InputDir == "" {
		c.InputDir = DefaultComfyInput
	}
	if c.PollEvery <= 0 {
		c.PollEvery = DefaultPollEvery
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
}

// Router provides the worker's HTTP handlers.
// Endpoints:
//
//	POST /process   body: {workflow, input} -> rendered images
//	GET  /health    -> {"status":"healthy"} when ComfyUI answers
type Router struct {
	cfg    Config
	comfy  *comfy.Client
	store  store.Store
	logger *slog.Logger
}

func NewRouter(cfg Config, logger *slog.Logger) *Router {
	cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		comfy:  comfy.NewClient(cfg.ComfyURL, logger),
		logger: logger,
	}
}

// WithStore enables job record persistence. Store failures are logged and
// never affect the job outcome.
func (r *Router) WithStore(st store.Store) *Router {
	r.store = st
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/process", r.handleProcess)
	g.GET("/health", r.handleHealth)
	return g
}

// NewServer starts a standalone worker HTTP server on cfg.Addr.
func NewServer(cfg Config, logger *slog.Logger) *http.Server {
	return NewRouter(cfg, logger).Server()
}

// Server starts an HTTP server for this router on cfg.Addr.
func (r *Router) Server() *http.Server {
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

func (r *Router) handleProcess(c *gin.Context) {
	var req comfy.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Workflow) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "workflow required"})
		return
	}
	start := time.Now()
	res, err := r.comfy.Execute(c.Request.Context(), req, comfy.ExecuteOptions{
		InputDir:     r.cfg.InputDir,
		PollInterval: r.cfg.PollEvery,
		Timeout:      r.cfg.JobTimeout,
	})
	metrics.ObserveJobDuration("worker", time.Since(start).Seconds())
	if err != nil {
		metrics.IncJob("worker", "error")
		var te *comfy.ErrTimeout
		outcome := "error"
		switch {
		case errors.As(err, &te):
			outcome = "timeout"
			writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error()})
		case isClientFault(err):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		}
		r.logger.Error("job failed", "err", err, "elapsed", time.Since(start))
		r.recordJob("", outcome, err, time.Since(start))
		return
	}
	metrics.IncJob("worker", "ok")
	r.logger.Info("job completed", "prompt_id", res.PromptID, "elapsed", time.Since(start))
	r.recordJob(res.PromptID, "ok", nil, time.Since(start))
	writeJSON(c, http.StatusOK, res)
}

// recordJob persists one job outcome when a store is attached.
func (r *Router) recordJob(promptID, outcome string, jobErr error, elapsed time.Duration) {
	if r.store == nil {
		return
	}
	rec := store.JobRecord{
		PromptID:   promptID,
		Outcome:    outcome,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if jobErr != nil {
		rec.Error = sql.NullString{String: jobErr.Error(), Valid: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.RecordJob(ctx, rec); err != nil {
		r.logger.Warn("record job failed", "err", err)
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	if !r.comfy.Healthy(c.Request.Context()) {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unhealthy"})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "healthy"})
}

// isClientFault reports errors caused by the submitted workflow rather than
// the upstream server.
func isClientFault(err error) bool {
	msg := err.Error()
	for _, s := range []string{"parse workflow", "invalid workflow", "decode input image", "prompt rejected"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
