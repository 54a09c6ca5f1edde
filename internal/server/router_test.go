package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfyrun/comfyrun/internal/process"
	"github.com/comfyrun/comfyrun/internal/sequencer"
)

func newSequencer(t *testing.T, specs ...process.Spec) *sequencer.Sequencer {
	t.Helper()
	if len(specs) == 0 {
		specs = []process.Spec{{Name: "comfyui", Command: "sleep 30"}}
	}
	seq, err := sequencer.New(sequencer.Config{Services: specs}, nil)
	if err != nil {
		t.Fatalf("sequencer: %v", err)
	}
	return seq
}

func setupRouter(t *testing.T, base string, withMetrics bool, seq *sequencer.Sequencer) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(seq, base, withMetrics).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusListsServices(t *testing.T) {
	h := setupRouter(t, "", false, newSequencer(t))
	rec := doReq(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "init" {
		t.Fatalf("state = %q", resp.State)
	}
	if len(resp.Services) != 1 || resp.Services[0].Name != "comfyui" {
		t.Fatalf("services = %+v", resp.Services)
	}
}

func TestStatusByName(t *testing.T) {
	h := setupRouter(t, "/admin", false, newSequencer(t))
	rec := doReq(t, h, http.MethodGet, "/admin/status?name=comfyui")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/admin/status?name=nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusRunningService(t *testing.T) {
	seq := newSequencer(t, process.Spec{Name: "svc", Command: "sleep 30"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := seq.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	defer seq.Shutdown()

	h := setupRouter(t, "", false, seq)
	rec := doReq(t, h, http.MethodGet, "/status?name=svc")
	var ss ServiceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &ss); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ss.Running || ss.PID <= 0 {
		t.Fatalf("expected running service with pid: %+v", ss)
	}
}

func TestStopShutsDown(t *testing.T) {
	seq := newSequencer(t, process.Spec{Name: "svc", Command: "sleep 30"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := seq.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	h := setupRouter(t, "", false, seq)
	rec := doReq(t, h, http.MethodPost, "/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sts := seq.Statuses()
		if len(sts) == 1 && !sts[0].Running {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("service still running after /stop")
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, "", false, newSequencer(t))
	rec := doReq(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsMount(t *testing.T) {
	h := setupRouter(t, "", true, newSequencer(t))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics body missing runtime metrics")
	}

	// without the flag the route is absent
	h = setupRouter(t, "", false, newSequencer(t))
	rec = doReq(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"admin":   "/admin",
		"/admin/": "/admin",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
