// Package logging provides the structured, levelled logger used across
// voidrun. It wraps slog with a handler that prefixes each line with the
// logger's component name and supports per-name level overrides.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the on-wire rendering of log lines.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// groupOrAttrs captures either a group name or a batch of attrs recorded by
// WithGroup/WithAttrs before any record has actually been emitted.
type groupOrAttrs struct {
	group string
	attrs []slog.Attr
}

// namedHandler implements slog.Handler, prefixing every record with a
// component name and rendering either as human-readable text or as JSON.
type namedHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	name   string
	format Format
	level  slog.Leveler
	goas   []groupOrAttrs
}

func newNamedHandler(out io.Writer, name string, format Format, level slog.Leveler) *namedHandler {
	return &namedHandler{
		mu:     &sync.Mutex{},
		out:    out,
		name:   name,
		format: format,
		level:  level,
	}
}

func (h *namedHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.level != nil {
		minLevel = h.level.Level()
	}
	return level >= minLevel
}

func (h *namedHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	switch h.format {
	case FormatJSON:
		buf.WriteString("{")
		fmt.Fprintf(&buf, "%q:%q,", "time", r.Time.Format("2006-01-02T15:04:05.000Z07:00"))
		fmt.Fprintf(&buf, "%q:%q,", "level", r.Level.String())
		fmt.Fprintf(&buf, "%q:%q,", "logger", h.name)
		fmt.Fprintf(&buf, "%q:%q", "msg", r.Message)
		h.appendAttrsJSON(&buf, r)
		buf.WriteString("}\n")
	default:
		fmt.Fprintf(&buf, "%s [%s] %s: %s", r.Time.Format("15:04:05.000"), r.Level.String(), h.name, r.Message)
		h.appendAttrsText(&buf, r)
		buf.WriteString("\n")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *namedHandler) appendAttrsText(buf *strings.Builder, r slog.Record) {
	goas := h.goas
	for _, goa := range goas {
		if goa.group == "" {
			for _, a := range goa.attrs {
				fmt.Fprintf(buf, " %s=%v", a.Key, a.Value.Any())
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(buf, " %s=%v", a.Key, a.Value.Any())
		return true
	})
}

func (h *namedHandler) appendAttrsJSON(buf *strings.Builder, r slog.Record) {
	for _, goa := range h.goas {
		if goa.group == "" {
			for _, a := range goa.attrs {
				fmt.Fprintf(buf, `,%q:%q`, a.Key, fmt.Sprintf("%v", a.Value.Any()))
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(buf, `,%q:%q`, a.Key, fmt.Sprintf("%v", a.Value.Any()))
		return true
	})
}

func (h *namedHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := h.clone()
	n.goas = append(n.goas, groupOrAttrs{group: name})
	return n
}

func (h *namedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := h.clone()
	n.goas = append(n.goas, groupOrAttrs{attrs: attrs})
	return n
}

func (h *namedHandler) clone() *namedHandler {
	n := *h
	n.goas = append([]groupOrAttrs{}, h.goas...)
	return &n
}

// levelVar lets a logger's minimum level be adjusted after construction.
type levelVar struct {
	level slog.LevelVar
}

// Registry tracks every named logger so that level overrides configured at
// startup (one per component, plus a default) apply consistently.
type Registry struct {
	mu      sync.Mutex
	out     io.Writer
	format  Format
	def     *levelVar
	named   map[string]*levelVar
	loggers map[string]*slog.Logger
}

// New builds a Registry writing to out, rendering records in format, with
// defaultLevel applied to any logger that has no per-name override.
func New(out io.Writer, format Format, defaultLevel slog.Level) *Registry {
	def := &levelVar{}
	def.level.Set(defaultLevel)
	return &Registry{
		out:     out,
		format:  format,
		def:     def,
		named:   map[string]*levelVar{},
		loggers: map[string]*slog.Logger{},
	}
}

// SetLevel overrides the minimum level for a single named logger.
func (r *Registry) SetLevel(name string, level slog.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lv, ok := r.named[name]
	if !ok {
		lv = &levelVar{}
		r.named[name] = lv
	}
	lv.level.Set(level)
}

// Get returns (creating if necessary) the named logger.
func (r *Registry) Get(name string) *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[name]; ok {
		return l
	}
	lv, ok := r.named[name]
	if !ok {
		lv = r.def
	}
	h := newNamedHandler(r.out, name, r.format, &lv.level)
	l := slog.New(h)
	r.loggers[name] = l
	return l
}

// ParseLevel parses a case-insensitive level name ("debug", "info", "warn",
// "error"), defaulting to info for an unrecognized value.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat parses a case-insensitive rendering ("text" or "json"),
// defaulting to text for an unrecognized value.
func ParseFormat(s string) Format {
	if Format(strings.ToLower(strings.TrimSpace(s))) == FormatJSON {
		return FormatJSON
	}
	return FormatText
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry, lazily writing text-formatted
// info-level logs to stderr until Init is called.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(os.Stderr, FormatText, slog.LevelInfo)
	})
	return defaultRegistry
}

// Init replaces the process-wide registry; called once from main after the
// configuration file has been loaded.
func Init(out io.Writer, format Format, level slog.Level) {
	// Use up the lazy initialisation so a later Default() keeps this registry.
	defaultOnce.Do(func() {})
	defaultRegistry = New(out, format, level)
}

// For is shorthand for Default().Get(name).
func For(name string) *slog.Logger {
	return Default().Get(name)
}
