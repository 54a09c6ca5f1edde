// Package config loads the TOML configuration file into runtime structures
// for the supervisor, worker, and gateway tiers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/comfyrun/comfyrun/internal/gateway"
	"github.com/comfyrun/comfyrun/internal/logger"
	"github.com/comfyrun/comfyrun/internal/process"
	"github.com/comfyrun/comfyrun/internal/sequencer"
	"github.com/comfyrun/comfyrun/internal/worker"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env        []string          `toml:"env" mapstructure:"env"`
	EnvFiles   []string          `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool              `toml:"use_os_env" mapstructure:"use_os_env"`
	LogLevel   string            `toml:"log_level" mapstructure:"log_level"`
	Log        *LogConfig        `toml:"log" mapstructure:"log"`
	Supervisor *SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Server     *ServerConfig     `toml:"server" mapstructure:"server"`
	Store      *StoreConfig      `toml:"store" mapstructure:"store"`
	History    *HistoryConfig    `toml:"history" mapstructure:"history"`
	Worker     *worker.Config    `toml:"worker" mapstructure:"worker"`
	Gateway    *gateway.Config   `toml:"gateway" mapstructure:"gateway"`
	Services   []ServiceConfig   `toml:"services" mapstructure:"services"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type SupervisorConfig struct {
	LivenessInterval time.Duration `toml:"liveness_interval" mapstructure:"liveness_interval"`
	MonitorOnly      bool          `toml:"monitor_only" mapstructure:"monitor_only"`
}

// ServerConfig covers the supervisor's own admin/metrics HTTP listener.
type ServerConfig struct {
	Addr     string `toml:"addr" mapstructure:"addr"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool   `toml:"metrics" mapstructure:"metrics"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"` // sink DSNs
}

type ServiceConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Command       string        `toml:"command" mapstructure:"command"`
	WorkDir       string        `toml:"workdir" mapstructure:"workdir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	Port          int           `toml:"port" mapstructure:"port"`
	HealthPath    string        `toml:"health_path" mapstructure:"health_path"`
	ProbeAttempts int           `toml:"probe_attempts" mapstructure:"probe_attempts"`
	ProbeInterval time.Duration `toml:"probe_interval" mapstructure:"probe_interval"`
	StartDelay    time.Duration `toml:"start_delay" mapstructure:"start_delay"`
	StopGrace     time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	AutoRestart   bool          `toml:"auto_restart" mapstructure:"auto_restart"`
	RestartDelay  time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	Log           *LogConfig    `toml:"log" mapstructure:"log"`
}

func read(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Load parses the TOML config file.
func Load(path string) (*FileConfig, error) {
	return read(path)
}

// Specs converts the service entries into launch-ordered process specs.
// Per-service log settings override the top-level log section.
func (fc *FileConfig) Specs() ([]process.Spec, error) {
	specs := make([]process.Spec, 0, len(fc.Services))
	for _, sc := range fc.Services {
		if sc.Name == "" {
			return nil, fmt.Errorf("service requires name")
		}
		if sc.Command == "" {
			return nil, fmt.Errorf("service %s requires command", sc.Name)
		}
		logCfg := mergeLog(fc.Log, sc.Log)
		specs = append(specs, process.Spec{
			Name:          sc.Name,
			Command:       sc.Command,
			WorkDir:       sc.WorkDir,
			Env:           sc.Env,
			Port:          sc.Port,
			HealthPath:    sc.HealthPath,
			ProbeAttempts: sc.ProbeAttempts,
			ProbeInterval: sc.ProbeInterval,
			StartDelay:    sc.StartDelay,
			StopGrace:     sc.StopGrace,
			AutoRestart:   sc.AutoRestart,
			RestartDelay:  sc.RestartDelay,
			Log:           logCfg,
		})
	}
	return specs, nil
}

// SequencerConfig builds the supervisor configuration: ordered specs plus the
// merged global environment.
func (fc *FileConfig) SequencerConfig() (sequencer.Config, error) {
	specs, err := fc.Specs()
	if err != nil {
		return sequencer.Config{}, err
	}
	env, err := fc.GlobalEnv()
	if err != nil {
		return sequencer.Config{}, err
	}
	cfg := sequencer.Config{
		Services:  specs,
		GlobalEnv: env,
		UseOSEnv:  fc.UseOSEnv,
	}
	if fc.Supervisor != nil {
		cfg.LivenessInterval = fc.Supervisor.LivenessInterval
		cfg.MonitorOnly = fc.Supervisor.MonitorOnly
	}
	if os.Getenv("COMFYRUN_MONITOR_ONLY") == "true" {
		cfg.MonitorOnly = true
	}
	// COMFYRUN_PRELOAD injects an allocator (tcmalloc/jemalloc) into every
	// child via LD_PRELOAD without editing the config file.
	if preload := os.Getenv("COMFYRUN_PRELOAD"); preload != "" {
		cfg.GlobalEnv = append(cfg.GlobalEnv, "LD_PRELOAD="+preload)
	}
	return cfg, nil
}

// GlobalEnv merges environment sources. Precedence: env_files contents first,
// then the top-level env list overrides last. The OS environment is handled
// separately via UseOSEnv.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func mergeLog(top, svc *LogConfig) logger.Config {
	var out logger.Config
	if top != nil {
		out = logger.Config{
			Dir:        top.Dir,
			StdoutPath: top.Stdout,
			StderrPath: top.Stderr,
			MaxSizeMB:  top.MaxSizeMB,
			MaxBackups: top.MaxBackups,
			MaxAgeDays: top.MaxAgeDays,
			Compress:   top.Compress,
		}
	}
	if svc != nil {
		if svc.Dir != "" {
			out.Dir = svc.Dir
		}
		if svc.Stdout != "" {
			out.StdoutPath = svc.Stdout
		}
		if svc.Stderr != "" {
			out.StderrPath = svc.Stderr
		}
		if svc.MaxSizeMB != 0 {
			out.MaxSizeMB = svc.MaxSizeMB
		}
		if svc.MaxBackups != 0 {
			out.MaxBackups = svc.MaxBackups
		}
		if svc.MaxAgeDays != 0 {
			out.MaxAgeDays = svc.MaxAgeDays
		}
		if svc.Compress {
			out.Compress = true
		}
	}
	return out
}
