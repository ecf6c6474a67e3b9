package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a sugared zap logger so call sites log with key/value pairs.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New creates a logger at the given level. Production envs log JSON, everything
// else logs human readable console lines.
func New(level, env string) *Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if env == "prod" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(lvl))
	return NewWithCore(core)
}

// NewWithCore builds a logger on top of an existing core (tests use observer cores).
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{sugar: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()}
}

// Default returns an info level console logger.
func Default() *Logger {
	return New("info", "dev")
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.sugar.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

// Enabled reports whether the level is active.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.sugar.Desugar().Core().Enabled(level)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
