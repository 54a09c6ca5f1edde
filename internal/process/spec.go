package process

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/comfyrun/comfyrun/internal/logger"
)

// Spec describes one service in the startup chain. It is created from static
// configuration at sequencer start and never mutated during a run.
type Spec struct {
	Name          string        `json:"name" mapstructure:"name"`
	Command       string        `json:"command" mapstructure:"command"` // command to start the service (shell)
	WorkDir       string        `json:"work_dir" mapstructure:"workdir"`
	Env           []string      `json:"env" mapstructure:"env"`
	Port          int           `json:"port" mapstructure:"port"`                     // exclusive listen port
	HealthPath    string        `json:"health_path" mapstructure:"health_path"`       // readiness endpoint path; empty means fixed-delay fallback
	ProbeAttempts int           `json:"probe_attempts" mapstructure:"probe_attempts"` // max readiness probe attempts (default 30)
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"` // constant spacing between probes (default 2s)
	StartDelay    time.Duration `json:"start_delay" mapstructure:"start_delay"`       // fixed wait used only when HealthPath is empty
	StopGrace     time.Duration `json:"stop_grace" mapstructure:"stop_grace"`         // SIGTERM to SIGKILL escalation window (default 10s)
	AutoRestart   bool          `json:"auto_restart" mapstructure:"auto_restart"`     // restart if the service dies while running
	RestartDelay  time.Duration `json:"restart_delay" mapstructure:"restart_delay"`   // wait before an auto-restart attempt
	Log           logger.Config `json:"log" mapstructure:"log"`
}

// Defaults mirror the poll budgets observed across the deployment scripts:
// attempt budgets of 10-30 spaced 2s-30s apart.
const (
	DefaultProbeAttempts = 30
	DefaultProbeInterval = 2 * time.Second
	DefaultStopGrace     = 10 * time.Second
)

// Normalize fills zero-valued probe and shutdown parameters with defaults.
func (s *Spec) Normalize() {
	if s.ProbeAttempts <= 0 {
		s.ProbeAttempts = DefaultProbeAttempts
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
}

// Validate checks the fields a descriptor must carry before launch.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q requires command", s.Name)
	}
	if s.HealthPath != "" && s.Port <= 0 {
		return fmt.Errorf("service %q has health_path but no port", s.Name)
	}
	return nil
}

// HealthURL returns the readiness endpoint for this service, or "" when the
// service is gated by a fixed delay instead of active polling.
func (s *Spec) HealthURL() string {
	if s.HealthPath == "" || s.Port <= 0 {
		return ""
	}
	path := s.HealthPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port, path)
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the actual script reaches the shell.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
