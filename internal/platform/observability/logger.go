package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/feiralivre/api/internal/platform/requestctx"
)

const (
	serviceName     = "feiralivre-api"
	defaultLogLevel = zapcore.InfoLevel
)

// LoggerOption tweaks the logger built by NewLogger.
type LoggerOption func(*loggerSettings)

type loggerSettings struct {
	level       string
	environment string
	console     bool
}

// WithLogLevel overrides LOG_LEVEL. Unknown levels fall back to info.
func WithLogLevel(level string) LoggerOption {
	return func(s *loggerSettings) { s.level = level }
}

// WithEnvironment tags every entry with the deployment environment.
func WithEnvironment(env string) LoggerOption {
	return func(s *loggerSettings) { s.environment = strings.ToLower(strings.TrimSpace(env)) }
}

// WithConsoleEncoding switches to the human-readable encoder used on developer machines.
func WithConsoleEncoding(enabled bool) LoggerOption {
	return func(s *loggerSettings) { s.console = enabled }
}

// NewLogger builds the process logger. Entries use Cloud Logging's severity and message keys.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	settings := loggerSettings{
		level:       os.Getenv("LOG_LEVEL"),
		environment: strings.ToLower(strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(parseLevel(settings.level)),
		Encoding:          "json",
		EncoderConfig:     cloudEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	if settings.console {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	fields := []zap.Field{zap.String("service", serviceName)}
	if settings.environment != "" {
		fields = append(fields, zap.String("environment", settings.environment))
	}
	return cfg.Build(zap.Fields(fields...))
}

func parseLevel(raw string) zapcore.Level {
	level := defaultLogLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return defaultLogLevel
	}
	return level
}

func cloudEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "message",
		TimeKey:        "time",
		LevelKey:       "severity",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(severity(level))
		},
	}
}

// severity maps zap levels onto Cloud Logging LogSeverity names.
func severity(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return "CRITICAL"
	case zapcore.FatalLevel:
		return "ALERT"
	default:
		return "DEFAULT"
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}
