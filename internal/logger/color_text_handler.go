package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ANSI sequences per level.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// ColorTextHandler decorates slog's text output with a colored level tag so
// supervisor lines stand out from captured service output on a shared tty.
// Coloring is suppressed when NO_COLOR is set.
type ColorTextHandler struct {
	*slog.TextHandler
	colorize bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		colorize:    os.Getenv("NO_COLOR") == "",
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	tag := r.Level.String()
	if c, ok := levelColors[r.Level]; ok && h.colorize {
		tag = c + tag + colorReset
	}
	r.Message = tag + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
