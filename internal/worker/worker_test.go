package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfyrun/comfyrun/internal/comfy"
	"github.com/comfyrun/comfyrun/internal/store/sqlite"
)

const testWorkflow = `{
  "nodes": [
    {"id": 1, "type": "CLIPTextEncode", "widgets_values": ["placeholder"]},
    {"id": 3, "type": "EmptyLatentImage", "widgets_values": [512, 512, 1]}
  ],
  "links": []
}`

// stubComfy serves the subset of the ComfyUI API one job touches. Every
// submitted prompt completes after drainAfter /queue polls.
func stubComfy(t *testing.T, drainAfter int) *httptest.Server {
	t.Helper()
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"system":{"os":"posix"},"devices":[]}`)
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"prompt_id":"p1","number":1}`)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls > drainAfter {
			fmt.Fprint(w, `{"queue_running":[],"queue_pending":[]}`)
			return
		}
		fmt.Fprint(w, `{"queue_running":[[1,"p1",{},{},[]]],"queue_pending":[]}`)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"p1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png data"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupRouter(t *testing.T, comfyURL string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := NewRouter(Config{
		ComfyURL:   comfyURL,
		InputDir:   t.TempDir(),
		PollEvery:  5 * time.Millisecond,
		JobTimeout: 2 * time.Second,
	}, nil)
	return r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProcessHappyPath(t *testing.T) {
	srv := stubComfy(t, 2)
	h := setupRouter(t, srv.URL)
	req := comfy.JobRequest{
		Workflow: json.RawMessage(testWorkflow),
		Input:    comfy.JobInput{Prompt: "a fox", Width: 512, Height: 512},
	}
	rec := doReq(t, h, http.MethodPost, "/process", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res comfy.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.PromptID != "p1" || len(res.Outputs["9"]) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessRejectsMissingWorkflow(t *testing.T) {
	srv := stubComfy(t, 0)
	h := setupRouter(t, srv.URL)
	rec := doReq(t, h, http.MethodPost, "/process", map[string]any{"input": map[string]any{"prompt": "x"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProcessRejectsInvalidWorkflow(t *testing.T) {
	srv := stubComfy(t, 0)
	h := setupRouter(t, srv.URL)
	req := comfy.JobRequest{Workflow: json.RawMessage(`{"nodes": []}`)}
	rec := doReq(t, h, http.MethodPost, "/process", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "workflow") {
		t.Fatalf("error should mention workflow: %s", rec.Body.String())
	}
}

func TestProcessUpstreamDown(t *testing.T) {
	h := setupRouter(t, "http://127.0.0.1:1")
	req := comfy.JobRequest{Workflow: json.RawMessage(testWorkflow)}
	rec := doReq(t, h, http.MethodPost, "/process", req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := stubComfy(t, 0)
	h := setupRouter(t, srv.URL)
	rec := doReq(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHealthComfyDown(t *testing.T) {
	h := setupRouter(t, "http://127.0.0.1:1")
	rec := doReq(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProcessRecordsJob(t *testing.T) {
	srv := stubComfy(t, 1)
	db, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := NewRouter(Config{
		ComfyURL:   srv.URL,
		InputDir:   t.TempDir(),
		PollEvery:  5 * time.Millisecond,
		JobTimeout: 2 * time.Second,
	}, nil).WithStore(db)
	h := r.Handler()

	req := comfy.JobRequest{Workflow: json.RawMessage(testWorkflow)}
	if rec := doReq(t, h, http.MethodPost, "/process", req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	jobs, err := db.RecentJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job record, got %d", len(jobs))
	}
	if jobs[0].PromptID != "p1" || jobs[0].Outcome != "ok" {
		t.Fatalf("unexpected job record: %+v", jobs[0])
	}
}

func TestConfigNormalize(t *testing.T) {
	var c Config
	c.Normalize()
	if c.Addr != DefaultAddr || c.ComfyURL != DefaultComfyURL {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.PollEvery != DefaultPollEvery || c.JobTimeout != DefaultJobTimeout {
		t.Fatalf("duration defaults not applied: %+v", c)
	}
}
