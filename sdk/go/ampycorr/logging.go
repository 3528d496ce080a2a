package ampycorr

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the SDK's diagnostic channel. Every method takes the request
// context so operation ids end up on the line.
type Logger interface {
	With(kv ...zap.Field) Logger
	Info(ctx context.Context, msg string, kv ...zap.Field)
	Warn(ctx context.Context, msg string, kv ...zap.Field)
	Error(ctx context.Context, msg string, kv ...zap.Field)
	Debug(ctx context.Context, msg string, kv ...zap.Field)
}

type zapLogger struct {
	base *zap.Logger
	meta []zap.Field // static fields: service, env, version
}

// NewLogger returns a JSON logger on stdout tagged with the service identity.
func NewLogger(cfg Config) Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		MessageKey:    "message",
		CallerKey:     "caller",
		StacktraceKey: "stack",

		EncodeTime:   func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.UTC().Format(time.RFC3339Nano)) },
		EncodeLevel:  zapcore.LowercaseLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		LineEnding:   zapcore.DefaultLineEnding,
	}
	level := zap.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zap.InfoLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stdout), level)
	return NewZapLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)), cfg)
}

// NewZapLogger adapts an existing zap logger.
func NewZapLogger(z *zap.Logger, cfg Config) Logger {
	meta := []zap.Field{
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
		zap.String("service_version", cfg.ServiceVersion),
	}
	return &zapLogger{base: z, meta: meta}
}

// NewNopLogger discards everything.
func NewNopLogger() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func (l *zapLogger) With(kv ...zap.Field) Logger {
	return &zapLogger{base: l.base, meta: append(append([]zap.Field{}, l.meta...), kv...)}
}

func (l *zapLogger) Info(ctx context.Context, msg string, kv ...zap.Field)  { l.log(ctx, zap.InfoLevel, msg, kv...) }
func (l *zapLogger) Warn(ctx context.Context, msg string, kv ...zap.Field)  { l.log(ctx, zap.WarnLevel, msg, kv...) }
func (l *zapLogger) Error(ctx context.Context, msg string, kv ...zap.Field) { l.log(ctx, zap.ErrorLevel, msg, kv...) }
func (l *zapLogger) Debug(ctx context.Context, msg string, kv ...zap.Field) { l.log(ctx, zap.DebugLevel, msg, kv...) }

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, msg string, kv ...zap.Field) {
	if !l.base.Core().Enabled(level) {
		return
	}
	fields := append([]zap.Field{}, l.meta...)

	if ctx != nil {
		if oc, ok := OperationFromContext(ctx); ok {
			fields = append(fields, oc.toZapFields()...)
		} else if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	fields = append(fields, kv...)

	switch level {
	case zap.DebugLevel:
		l.base.Debug(msg, fields...)
	case zap.InfoLevel:
		l.base.Info(msg, fields...)
	case zap.WarnLevel:
		l.base.Warn(msg, fields...)
	case zap.ErrorLevel:
		l.base.Error(msg, fields...)
	default:
		l.base.Info(msg, fields...)
	}
}

// F lets callers pass fields without importing zap directly.
func F(k string, v any) zap.Field { return zap.Any(k, v) }
