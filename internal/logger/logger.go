package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tubeflow/internal/events"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s%s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message, attrs)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// BusHandler forwards warn and error records to the event bus so UI
// subscribers see them as log events. The bus is attached after startup
// because the bus itself logs through this logger.
type BusHandler struct {
	mu  sync.Mutex
	bus *events.Bus
}

func NewBusHandler() *BusHandler {
	return &BusHandler{}
}

func (h *BusHandler) SetBus(bus *events.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()
	if bus == nil {
		return nil
	}

	data := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	kind := events.LogWarning
	if r.Level >= slog.LevelError {
		kind = events.LogError
	}
	bus.Publish(events.Event{Kind: kind, Payload: map[string]any{
		"message": r.Message,
		"time":    r.Time.Format(time.RFC3339),
		"data":    data,
	}})
	return nil
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return h
}

// New creates the process logger: JSON file under configDir/logs plus the
// colored console handler plus the bus forwarder.
func New(configDir string, consoleOutput io.Writer) (*slog.Logger, *BusHandler, error) {
	logDir := filepath.Join(configDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "tubeflow.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	busHandler := NewBusHandler()
	handler := &FanoutHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(f, nil),
			NewConsoleHandler(consoleOutput),
			busHandler,
		},
	}
	return slog.New(handler), busHandler, nil
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			_ = handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
