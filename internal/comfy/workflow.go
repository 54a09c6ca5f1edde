package comfy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
)

// Workflow wraps a graph-format ComfyUI workflow (the JSON the UI exports:
// top-level "nodes" and "links"). Unknown fields are preserved verbatim so a
// template round-trips unchanged apart from injected values.
type Workflow struct {
	raw map[string]any
}

// JobInput carries the per-request values injected into a workflow template.
type JobInput struct {
	Prompt      string `json:"prompt"`
	Width       int    `json:"w"`
	Height      int    `json:"h"`
	Seed        *int64 `json:"seed,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// ParseWorkflow validates and wraps raw workflow JSON. A workflow must carry
// nodes and links.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	for _, field := range []string{"nodes", "links"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("invalid workflow: missing %q", field)
		}
	}
	return &Workflow{raw: raw}, nil
}

// Bytes serializes the (possibly injected) workflow back to JSON.
func (w *Workflow) Bytes() (json.RawMessage, error) {
	return json.Marshal(w.raw)
}

// Inject replaces template values with the request's: prompt text into
// CLIPTextEncode, seed into KSampler, dimensions into EmptyLatentImage, and
// an uploaded image into LoadImage (written to inputDir first, since
// ComfyUI loads images by filename from its input directory).
func (w *Workflow) Inject(in JobInput, inputDir string) error {
	nodes, ok := w.raw["nodes"].([]any)
	if !ok {
		return fmt.Errorf("invalid workflow: nodes is not a list")
	}
	for _, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		nodeType, _ := node["type"].(string)
		widgets, hasWidgets := node["widgets_values"].([]any)
		if !hasWidgets {
			continue
		}
		switch nodeType {
		case "CLIPTextEncode":
			if in.Prompt != "" && len(widgets) > 0 {
				widgets[0] = in.Prompt
			}
		case "KSampler":
			if in.Seed != nil && len(widgets) > 0 {
				widgets[0] = *in.Seed
			}
		case "EmptyLatentImage":
			if in.Width > 0 && len(widgets) > 0 {
				widgets[0] = in.Width
			}
			if in.Height > 0 && len(widgets) > 1 {
				widgets[1] = in.Height
			}
		case "LoadImage":
			if in.ImageBase64 != "" && len(widgets) > 0 {
				name, err := writeInputImage(in.ImageBase64, inputDir)
				if err != nil {
					return err
				}
				widgets[0] = name
			}
		}
	}
	return nil
}

// writeInputImage decodes a base64 image into inputDir under a name derived
// from the content, and returns the filename for the LoadImage widget.
func writeInputImage(b64, inputDir string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode input image: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write(data)
	name := fmt.Sprintf("input_%08x.png", h.Sum32())
	if err := os.MkdirAll(inputDir, 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(inputDir, name), data, 0o640); err != nil {
		return "", fmt.Errorf("write input image: %w", err)
	}
	return name, nil
}
