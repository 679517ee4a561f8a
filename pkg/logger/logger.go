// Package logger wraps log/slog for the gateway: JSON or text output,
// redaction of credential-bearing attributes, optional sampling for
// attack-time floods and an optional async buffer.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const redacted = "[REDACTED]"

// Logger is a slog.Logger that also owns the async buffer, if any.
type Logger struct {
	*slog.Logger

	closer io.Closer
}

// Config holds logger configuration.
type Config struct {
	Level  string
	Format string // "json" (default) or "text"
	Output io.Writer

	Sampling SamplingConfig
	Async    AsyncConfig
}

// New builds the handler chain: sampling -> async (optional) -> format.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}

	l := &Logger{}
	if cfg.Async.Enabled {
		ah := NewAsyncHandler(h, cfg.Async)
		h = ah
		l.closer = ah
	}
	l.Logger = slog.New(NewSamplingHandler(h, cfg.Sampling))
	return l
}

// NewDefault returns an info-level JSON logger on stdout. Used before
// configuration is loaded.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "json"})
}

// NewProduction returns a JSON logger whose audit and security messages
// bypass sampling.
func NewProduction(level string, sampling SamplingConfig, async AsyncConfig) *Logger {
	if len(sampling.NeverSampleMessages) == 0 {
		sampling.NeverSampleMessages = []string{"audit:", "security:"}
	}
	if sampling.Tick == 0 {
		sampling.Tick = time.Second
	}
	return New(Config{
		Level:    level,
		Format:   "json",
		Sampling: sampling,
		Async:    async,
	})
}

// NewNop discards everything. Tests use it.
func NewNop() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

// sensitiveKeys never reach log output, whether they appear as the whole
// attribute key or as one of its '_', '-' or '.' separated segments.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"authorization": true,
	"bearer":        true,
	"api_key":       true,
	"apikey":        true,
	"x-api-key":     true,
	"jwt":           true,
	"cookie":        true,
	"credential":    true,
	"credentials":   true,
	"dsn":           true,
	"private_key":   true,

	"aws_secret_access_key": true,
	"redis_password":        true,
	"db_password":           true,
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] {
		return slog.String(a.Key, redacted)
	}
	for _, seg := range strings.FieldsFunc(key, isKeySeparator) {
		if sensitiveKeys[seg] {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func isKeySeparator(r rune) bool {
	return r == '_' || r == '-' || r == '.'
}

// With returns a Logger with the given attributes that shares the async buffer.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), closer: l.closer}
}

// ContextKey is the type for values the logger reads from a context.
type ContextKey string

const (
	ContextKeyRequestID ContextKey = "request_id"
	ContextKeyUserID    ContextKey = "user_id"
)

// WithContext adds the request ID, attributed user and active trace span
// found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok && id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id, ok := ctx.Value(ContextKeyUserID).(string); ok && id != "" {
		attrs = append(attrs, slog.String("user_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// SetDefault installs l as the slog default, so libraries that log through
// slog share its handler chain.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// Close flushes buffered records when async logging is enabled.
// Safe to call on derived loggers.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
