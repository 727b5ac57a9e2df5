package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	Logger *zap.Logger
}

var (
	ProductionMode  = "production"
	DevelopmentMode = "development"
)

func New(mode string) *Logger {
	var config zap.Config
	if mode == ProductionMode {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapLogger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return &Logger{Logger: zapLogger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

type ctxKey string

var RequestIDKey ctxKey = "request_id"

// WithRequestID stores the request id so that For picks it up.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// For returns the underlying zap logger annotated with the context's request id.
// A nil receiver yields a no-op logger.
func (l *Logger) For(ctx context.Context) *zap.Logger {
	if l == nil || l.Logger == nil {
		return zap.NewNop()
	}
	var fields []zap.Field
	if ctx != nil {
		if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
			fields = append(fields, zap.String(string(RequestIDKey), requestID))
		}
	}
	return l.Logger.With(fields...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	if l == nil || l.Logger == nil {
		return
	}
	_ = l.Logger.Sync()
}
