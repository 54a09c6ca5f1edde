package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Progress is one execution update from the ComfyUI websocket stream.
type Progress struct {
	PromptID string
	Value    int
	Max      int
	Done     bool
}

// wsEnvelope is the common frame shape on /ws.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressListener subscribes to the server's websocket and forwards
// progress/executing events for prompts submitted under the client's id.
type ProgressListener struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

// ListenProgress dials ws://<server>/ws?clientId=<id> and streams progress
// events on the returned channel until the context ends or the socket
// closes. The channel is closed when the stream ends.
func (c *Client) ListenProgress(ctx context.Context) (<-chan Progress, error) {
	wsURL, err := wsURLFor(c.baseURL, c.clientID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	l := &ProgressListener{conn: conn, logger: c.logger}
	ch := make(chan Progress, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go l.readLoop(ch)
	return ch, nil
}

func (l *ProgressListener) readLoop(ch chan<- Progress) {
	defer close(ch)
	defer func() { _ = l.conn.Close() }()
	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.logger.Debug("websocket read ended", "err", err)
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		switch env.Type {
		case "progress":
			var d struct {
				Value    int    `json:"value"`
				Max      int    `json:"max"`
				PromptID string `json:"prompt_id"`
			}
			if json.Unmarshal(env.Data, &d) == nil {
				ch <- Progress{PromptID: d.PromptID, Value: d.Value, Max: d.Max}
			}
		case "executing":
			// a null node with a prompt_id signals that execution finished
			var d struct {
				Node     *string `json:"node"`
				PromptID string  `json:"prompt_id"`
			}
			if json.Unmarshal(env.Data, &d) == nil && d.Node == nil && d.PromptID != "" {
				ch <- Progress{PromptID: d.PromptID, Done: true}
			}
		}
	}
}

func wsURLFor(baseURL, clientID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
