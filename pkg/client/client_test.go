package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func adminStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if name := r.URL.Query().Get("name"); name != "" {
			if name != "comfyui" {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprintf(w, `{"error":"unknown service: %s"}`, name)
				return
			}
			fmt.Fprint(w, `{"name":"comfyui","running":true,"pid":41,"restarts":0}`)
			return
		}
		fmt.Fprint(w, `{"state":"running","services":[{"name":"comfyui","running":true,"pid":41}]}`)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestIsReachable(t *testing.T) {
	srv := adminStub(t)
	c := New(Config{AdminURL: srv.URL})
	if !c.IsReachable(context.Background()) {
		t.Fatal("expected reachable")
	}
	c = New(Config{AdminURL: "http://127.0.0.1:1"})
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable")
	}
}

func TestStatus(t *testing.T) {
	srv := adminStub(t)
	c := New(Config{AdminURL: srv.URL})
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != "running" || len(st.Services) != 1 || st.Services[0].Name != "comfyui" {
		t.Fatalf("status = %+v", st)
	}
}

func TestServiceStatus(t *testing.T) {
	srv := adminStub(t)
	c := New(Config{AdminURL: srv.URL})
	ss, err := c.ServiceStatus(context.Background(), "comfyui")
	if err != nil {
		t.Fatalf("ServiceStatus: %v", err)
	}
	if !ss.Running || ss.PID != 41 {
		t.Fatalf("status = %+v", ss)
	}
	if _, err := c.ServiceStatus(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown service")
	} else if !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("error should carry server message: %v", err)
	}
}

func TestStop(t *testing.T) {
	srv := adminStub(t)
	c := New(Config{AdminURL: srv.URL})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"prompt_id":"p1","status":"completed","outputs":{"9":[{"filename":"out.png","type":"output","base64":"cG5n"}]}}`)
	}))
	defer srv.Close()
	c := New(Config{GatewayURL: srv.URL})
	res, err := c.Generate(context.Background(), GenerateRequest{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.PromptID != "p1" || len(res.Outputs["9"]) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		fmt.Fprint(w, `{"error":"workflow timed out"}`)
	}))
	defer srv.Close()
	c := New(Config{GatewayURL: srv.URL})
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.adminURL != "http://127.0.0.1:9090" || c.gatewayURL != "http://127.0.0.1:8000" {
		t.Fatalf("defaults: %s %s", c.adminURL, c.gatewayURL)
	}
}
