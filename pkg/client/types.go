package client

import "time"

// SupervisorStatus is the full supervisor snapshot from the admin API.
type SupervisorStatus struct {
	State    string          `json:"state"`
	Services []ServiceStatus `json:"services"`
}

// ServiceStatus represents the status of a single supervised service.
type ServiceStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitError string     `json:"exit_error,omitempty"`
	Restarts  int        `json:"restarts"`
}

// GenerateRequest is the gateway's generation payload.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Width       int    `json:"w,omitempty"`
	Height      int    `json:"h,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// Image is one rendered output, base64-encoded.
type Image struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Base64   string `json:"base64"`
}

// GenerateResult is the gateway's generation response.
type GenerateResult struct {
	PromptID string             `json:"prompt_id"`
	Status   string             `json:"status"`
	Outputs  map[string][]Image `json:"outputs"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
