package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per record:
//
//	2024-05-01T12:00:00Z INFO [1498p017/fitblobs blob 12] scheduler: blob fitted sources=3
//
// The component, brick, stage and blob fields are folded into the line
// header. First value wins, so handler attributes beat record attributes.
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	addSource bool

	subject subject
	// prefix is the dotted group path applied to subsequent attributes.
	prefix string
	// attrs holds handler attributes already rendered as " key=value" pairs.
	attrs []byte
}

func newConsoleHandler(w io.Writer, lvl slog.Leveler, addSource bool) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	subj := h.subject
	var attrs []byte
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && subj.take(a) {
			return true
		}
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf := make([]byte, 0, 96+len(h.attrs)+len(attrs))
	buf = ts.UTC().AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, levelLabel(r.Level)...)
	buf = append(buf, ' ')
	if s := subj.String(); s != "" {
		buf = append(buf, '[')
		buf = append(buf, s...)
		buf = append(buf, "] "...)
	}
	if subj.component != "" {
		buf = append(buf, subj.component...)
		buf = append(buf, ": "...)
	}
	if msg := strings.TrimSpace(r.Message); msg != "" {
		buf = append(buf, msg...)
	} else {
		buf = append(buf, "(no message)"...)
	}
	if h.addSource && r.PC != 0 {
		if src := r.Source(); src != nil {
			buf = fmt.Appendf(buf, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	buf = append(buf, h.attrs...)
	buf = append(buf, attrs...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		if clone.prefix == "" && clone.subject.take(a) {
			continue
		}
		clone.attrs = appendAttr(clone.attrs, clone.prefix, a)
	}
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

type subject struct {
	component string
	brick     string
	stage     string
	blob      string
}

// take records a header field and reports whether a was one.
func (s *subject) take(a slog.Attr) bool {
	var dst *string
	switch a.Key {
	case FieldComponent:
		dst = &s.component
	case FieldBrick:
		dst = &s.brick
	case FieldStage:
		dst = &s.stage
	case FieldBlobID:
		dst = &s.blob
	default:
		return false
	}
	if *dst == "" {
		*dst = a.Value.Resolve().String()
	}
	return true
}

// String renders the brick/stage/blob prefix shown on console lines.
func (s subject) String() string {
	var b strings.Builder
	b.WriteString(s.brick)
	if s.stage != "" {
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(s.stage)
	}
	if s.blob != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("blob ")
		b.WriteString(s.blob)
	}
	return b.String()
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, member := range a.Value.Group() {
			buf = appendAttr(buf, prefix, member)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	var s string
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return v.Time().UTC().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if needsQuotes(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsFunc(s, func(r rune) bool {
		return r <= ' ' || r == '=' || r == '"'
	})
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
