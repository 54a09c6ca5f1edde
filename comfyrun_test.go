package comfyrun

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestSupervisorFacadeUpStatusShutdown(t *testing.T) {
	requireUnix(t)
	sup, err := NewSupervisor(SupervisorConfig{
		Services: []Spec{{Name: "svc", Command: "sleep 30"}},
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	sts := sup.Statuses()
	if len(sts) != 1 || !sts[0].Running || sts[0].PID == 0 {
		t.Fatalf("unexpected statuses: %+v", sts)
	}
	sup.Shutdown()
	sts = sup.Statuses()
	if sts[0].Running {
		t.Fatalf("service should be stopped: %+v", sts[0])
	}
	if sup.State() != "exited" {
		t.Fatalf("state = %q", sup.State())
	}
}

func TestLoadConfigFacade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[[services]]\nname = \"comfyui\"\ncommand = \"sleep 1\"\nstart_delay = \"10ms\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	fc, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	specs, err := fc.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 || specs[0].StartDelay != 10*time.Millisecond {
		t.Fatalf("specs = %+v", specs)
	}
}

func TestRegisterMetricsDefaultIdempotent(t *testing.T) {
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("second register: %v", err)
	}
}
