// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// stdout carries only the published config path, so logs default to stderr.
var cvdLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// UseLogger replaces the process logger. It is called once the tee logger
// has been set up.
func UseLogger(l *slog.Logger) {
	if l != nil {
		cvdLogger = l
	}
}

func Logger() *slog.Logger { return cvdLogger }

func logAt(env Env, level slog.Level, message string, fields ...any) {
	ctx := spanContext(env)
	if !cvdLogger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, message, pcs[0])
	record.Add("timestamp_ns", time.Now().UTC().UnixNano())
	if env.CorrelationID != "" {
		record.Add("correlation_id", env.CorrelationID)
	}
	record.Add(fields...)
	_ = cvdLogger.Handler().Handle(ctx, record)
}

func LogEvent(env Env, message string, fields ...any) {
	logAt(env, slog.LevelInfo, message, fields...)
}

func LogDebug(env Env, message string, fields ...any) {
	logAt(env, slog.LevelDebug, message, fields...)
}

func LogWarn(env Env, message string, fields ...any) {
	logAt(env, slog.LevelWarn, message, fields...)
}

func LogError(env Env, message string, fields ...any) {
	logAt(env, slog.LevelError, message, fields...)
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
	level  slog.Level
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logAt(writer.env, writer.level, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, level slog.Level, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
		level:  level,
	}
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, slog.LevelDebug, "command stderr", fields...)
}
