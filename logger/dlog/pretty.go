package dlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/context"
)

type color int

const (
	timeFormat = "[2006-01-02 15:04:05.000]"

	reset = "\033[0m"

	lightGray    color = 37
	lightRed     color = 91
	lightYellow  color = 93
	lightBlue    color = 94
	lightMagenta color = 95
	cyan         color = 36
	green        color = 32
	white        color = 97
)

func colorize(c color, v string) string {
	return fmt.Sprintf("\033[%dm%s%s", int(c), v, reset)
}

// DualWriter writes to the console stream and, when set, mirrors everything
// to a file.
type DualWriter struct {
	Stdout *os.File
	File   io.Writer
}

func (t DualWriter) Write(p []byte) (n int, err error) {
	n, err = t.Stdout.Write(p)
	if err != nil {
		return n, err
	}
	if t.File != nil {
		return t.File.Write(p)
	}
	return n, nil
}

// PrettyHandler renders records as colorized single lines with the attrs
// pretty-printed as an indented json object.
type PrettyHandler struct {
	h      slog.Handler
	b      *bytes.Buffer
	m      *sync.Mutex
	writer DualWriter
}

func NewPrettyHandler(writer DualWriter, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	buf := &bytes.Buffer{}
	return &PrettyHandler{
		b: buf,
		h: slog.NewJSONHandler(buf, &slog.HandlerOptions{
			Level:       opts.Level,
			AddSource:   opts.AddSource,
			ReplaceAttr: suppressDefaults(opts.ReplaceAttr),
		}),
		m:      &sync.Mutex{},
		writer: writer,
	}
}

func (h *PrettyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &PrettyHandler{h: h.h.WithAttrs(attrs), b: h.b, m: h.m, writer: h.writer}
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	return &PrettyHandler{h: h.h.WithGroup(name), b: h.b, m: h.m, writer: h.writer}
}

func (h *PrettyHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch {
	case r.Level <= slog.LevelDebug:
		level = colorize(lightGray, level)
	case r.Level <= slog.LevelInfo:
		level = colorize(cyan, level)
	case r.Level < slog.LevelError:
		level = colorize(lightYellow, level)
	case r.Level <= slog.LevelError+1:
		level = colorize(lightRed, level)
	default:
		level = colorize(lightMagenta, level)
	}

	attrs, err := h.computeAttrs(ctx, r)
	if err != nil {
		return err
	}

	var file string
	if source, ok := attrs["source"].(map[string]interface{}); ok {
		if _, ok2 := source["file"]; ok2 {
			line := source["line"]
			file = source["file"].(string) + ":" + strconv.Itoa(int(line.(float64)))
			delete(attrs, "source")
		}
	}

	jsonBytes, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("error when marshaling attrs: %w", err)
	}

	out := strings.Builder{}
	out.WriteString(colorize(lightGray, r.Time.Format(timeFormat)))
	out.WriteString(" ")
	out.WriteString(level)
	out.WriteString(" ")
	if len(file) > 0 {
		out.WriteString(file)
		out.WriteString(" ")
	}
	out.WriteString(colorize(white, r.Message))
	out.WriteString(" ")
	if len(attrs) > 0 {
		out.WriteString(colorize(green, string(jsonBytes)))
	}

	_, err = io.WriteString(h.writer, out.String()+"\n")
	return err
}

func (h *PrettyHandler) computeAttrs(ctx context.Context, r slog.Record) (map[string]any, error) {
	h.m.Lock()
	defer func() {
		h.b.Reset()
		h.m.Unlock()
	}()
	if err := h.h.Handle(ctx, r); err != nil {
		return nil, fmt.Errorf("error when calling inner handler's Handle: %w", err)
	}

	var attrs map[string]any
	if err := json.Unmarshal(h.b.Bytes(), &attrs); err != nil {
		return nil, fmt.Errorf("error when unmarshaling inner handler's Handle result: %w", err)
	}
	return attrs, nil
}

func suppressDefaults(next func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey ||
			a.Key == slog.LevelKey ||
			a.Key == slog.MessageKey {
			return slog.Attr{}
		}
		if next == nil {
			return a
		}
		return next(groups, a)
	}
}
