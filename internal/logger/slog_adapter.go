package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
// If l is nil, it returns nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

// StdLogger returns a *log.Logger whose output lands in l at the given
// level. It is used for net/http server error logs.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	if l == nil {
		l = Global()
	}
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogAdapter struct {
	log    *Logger
	groups []string
	attrs  []groupedAttr
}

// groupedAttr is an attr from WithAttrs with the groups open at that time.
type groupedAttr struct {
	prefix []string
	attr   slog.Attr
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Enabled(fromSlogLevel(level))
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	for _, ga := range h.attrs {
		writeAttr(&b, ga.attr, ga.prefix)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, attr, h.groups)
		return true
	})

	message := strings.TrimRight(record.Message, "\n")
	if attrText := b.String(); attrText != "" {
		if message != "" {
			message += " " + attrText
		} else {
			message = attrText
		}
	}

	h.log.log(fromSlogLevel(record.Level), "%s", message)
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	prefix := append([]string(nil), h.groups...)
	merged := make([]groupedAttr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, attr := range attrs {
		merged = append(merged, groupedAttr{prefix: prefix, attr: attr})
	}
	return &slogAdapter{
		log:    h.log,
		groups: prefix,
		attrs:  merged,
	}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	return &slogAdapter{
		log:    h.log,
		groups: append(groups, name),
		attrs:  h.attrs,
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func writeAttr(b *strings.Builder, attr slog.Attr, prefix []string) {
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		nestedPrefix := append(append([]string(nil), prefix...), attr.Key)
		for _, nested := range attr.Value.Group() {
			writeAttr(b, nested, nestedPrefix)
		}
		return
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	fmt.Fprintf(b, "%s=%v", strings.Join(append(append([]string(nil), prefix...), key), "."), attr.Value)
}
