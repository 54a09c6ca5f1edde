// Package comfy talks to a running ComfyUI server: health, workflow
// submission, queue polling, and output retrieval.
package comfy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client is a ComfyUI HTTP API client bound to one server address.
type Client struct {
	baseURL  string // e.g. "http://127.0.0.1:8188"
	clientID string
	http     *http.Client
	logger   *slog.Logger
}

// ErrTimeout reports a workflow that did not finish within the wait budget.
type ErrTimeout struct {
	PromptID string
	After    time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("workflow %s timed out after %s", e.PromptID, e.After)
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		clientID: uuid.New().String(),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// ClientID returns the uuid this client submits prompts under; the websocket
// progress stream is keyed by the same id.
func (c *Client) ClientID() string { return c.clientID }

// SystemStats holds the subset of /system_stats used for health decisions.
type SystemStats struct {
	System struct {
		OS            string `json:"os"`
		ComfyUIVer    string `json:"comfyui_version"`
		PythonVersion string `json:"python_version"`
	} `json:"system"`
	Devices []struct {
		Name          string `json:"name"`
		Type          string `json:"type"`
		VRAMTotal     int64  `json:"vram_total"`
		VRAMFree      int64  `json:"vram_free"`
		TorchVRAMFree int64  `json:"torch_vram_free"`
	} `json:"devices"`
}

// GetSystemStats fetches /system_stats; a decoded response means the server
// is up and serving.
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Healthy reports whether the ComfyUI server answers its stats endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.GetSystemStats(ctx)
	return err == nil
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// QueuePrompt submits an API-format workflow to /prompt and returns the
// prompt id ComfyUI assigned.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	var pr promptResponse
	decodeErr := json.Unmarshal(data, &pr)
	if decodeErr == nil && pr.Error != nil {
		return "", fmt.Errorf("prompt rejected: %s: %s", pr.Error.Type, pr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit workflow: status %d (body %q)", resp.StatusCode, truncate(data, 256))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode prompt response: %w (body %q)", decodeErr, truncate(data, 256))
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("submit workflow: empty prompt id (body %q)", truncate(data, 256))
	}
	c.logger.Info("workflow submitted", "prompt_id", pr.PromptID)
	return pr.PromptID, nil
}

type queueState struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

// inQueue reports whether promptID is still running or pending. The queue
// entries are arrays laid out [number, prompt_id, prompt, extra, outputs].
func (q *queueState) inQueue(promptID string) bool {
	want, _ := json.Marshal(promptID)
	for _, list := range [][][]json.RawMessage{q.Running, q.Pending} {
		for _, item := range list {
			if len(item) > 1 && bytes.Equal(bytes.TrimSpace(item[1]), want) {
				return true
			}
		}
	}
	return false
}

// AwaitCompletion polls /queue at pollInterval until the prompt has left
// both the running and pending lists, or the timeout elapses.
func (c *Client) AwaitCompletion(ctx context.Context, promptID string, pollInterval, timeout time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	for {
		var qs queueState
		if err := c.getJSON(ctx, "/queue", &qs); err != nil {
			return err
		}
		if !qs.inQueue(promptID) {
			return nil
		}
		if time.Now().After(deadline) {
			return &ErrTimeout{PromptID: promptID, After: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ImageRef identifies one output file on the ComfyUI server.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Image is a downloaded output, base64-encoded for transport.
type Image struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Base64   string `json:"base64"`
}

// Result is the outcome of one completed workflow.
type Result struct {
	PromptID string             `json:"prompt_id"`
	Status   string             `json:"status"`
	Outputs  map[string][]Image `json:"outputs"` // node id -> images
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
}

// FetchResult reads /history/{id} and downloads every output image via
// /view, returning them base64-encoded keyed by producing node id.
func (c *Client) FetchResult(ctx context.Context, promptID string) (*Result, error) {
	var history map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+promptID, &history); err != nil {
		return nil, err
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s not found in history", promptID)
	}
	res := &Result{PromptID: promptID, Status: "completed", Outputs: make(map[string][]Image)}
	for nodeID, out := range entry.Outputs {
		if len(out.Images) == 0 {
			continue
		}
		images := make([]Image, 0, len(out.Images))
		for _, ref := range out.Images {
			data, err := c.fetchImage(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("download %s: %w", ref.Filename, err)
			}
			images = append(images, Image{
				Filename: ref.Filename,
				Type:     ref.Type,
				Base64:   base64.StdEncoding.EncodeToString(data),
			})
		}
		res.Outputs[nodeID] = images
	}
	return res, nil
}

func (c *Client) fetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", ref.Filename)
	params.Add("subfolder", ref.Subfolder)
	params.Add("type", ref.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("view: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Interrupt asks the server to abort the currently executing workflow.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
