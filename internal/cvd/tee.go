// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelVerbose sits below debug, matching the most chatty file level.
const LevelVerbose = slog.LevelDebug - 4

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}

// NewTeeLogger sends human readable records to console and full JSON records
// to file. A nil file yields a console-only logger.
func NewTeeLogger(console io.Writer, consoleLevel slog.Level, file io.Writer, fileLevel slog.Level) *slog.Logger {
	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      consoleLevel,
			NoColor:    noColor,
			TimeFormat: time.TimeOnly,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && (a.Key == "timestamp_ns" || a.Key == "correlation_id") {
					return slog.Attr{}
				}
				return a
			},
		}),
	}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{
			Level:     fileLevel,
			AddSource: true,
		}))
	}
	return slog.New(&teeHandler{handlers: handlers})
}

// ParseLevel accepts slog level names plus the VERBOSE and FATAL spellings
// used by the launcher's --verbosity flags.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VERBOSE":
		return LevelVerbose, nil
	case "WARNING":
		return slog.LevelWarn, nil
	case "FATAL":
		return slog.LevelError + 4, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, Errorf(InvalidOptions, "unknown log level %q: %v", s, err)
	}
	return level, nil
}
