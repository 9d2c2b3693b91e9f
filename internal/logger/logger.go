package logger

import (
	"os"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	InfoLevel  LogLevel = "INFO"
	ErrorLevel LogLevel = "ERROR"
	DebugLevel LogLevel = "DEBUG"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Logger is a centralized structured logger tagged with a module name per call.
type Logger struct {
	out *zap.Logger
}

func root() *zap.Logger {
	baseOnce.Do(func() {
		enc := zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			MessageKey:     "message",
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), level)
		base = zap.New(core)
	})
	return base
}

// New creates a new Logger
func New() *Logger {
	return &Logger{out: root()}
}

// NewWithCore builds a Logger over a caller-supplied core. Tests use it with
// zaptest/observer.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{out: zap.New(core)}
}

// SetLevel changes the level of every logger created by New.
func SetLevel(l LogLevel) {
	switch l {
	case DebugLevel:
		level.SetLevel(zapcore.DebugLevel)
	case ErrorLevel:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

var (
	emailRegex  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	tokenRegex  = regexp.MustCompile(`eyJ[^\s]+`)
	userIDRegex = regexp.MustCompile(`\buser_id\s*=\s*\d+\b`)
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[^\s"]+`)
)

// Anonymize replaces sensitive information in logs (emails, account keys, tokens, IDs)
func Anonymize(s string) string {
	// account keys look like emails (user@instance.tld)
	s = emailRegex.ReplaceAllString(s, "[REDACTED_ACCOUNT]")
	s = tokenRegex.ReplaceAllString(s, "[REDACTED_TOKEN]")
	s = bearerRegex.ReplaceAllString(s, "Bearer [REDACTED_TOKEN]")
	s = userIDRegex.ReplaceAllString(s, "user_id=[USER_ID]")
	return s
}

func (l *Logger) log(module string, lvl zapcore.Level, msg string, err error, fields []zap.Field) {
	ce := l.out.Check(lvl, Anonymize(msg))
	if ce == nil {
		return
	}
	all := make([]zap.Field, 0, len(fields)+2)
	if module != "" {
		all = append(all, zap.String("module", module))
	}
	if err != nil {
		all = append(all, zap.String("error", Anonymize(err.Error())))
	}
	all = append(all, fields...)
	ce.Write(all...)
}

// --- Convenient methods ---
func (l *Logger) Info(module, msg string, fields ...zap.Field) {
	l.log(module, zapcore.InfoLevel, msg, nil, fields)
}

func (l *Logger) Debug(module, msg string, fields ...zap.Field) {
	l.log(module, zapcore.DebugLevel, msg, nil, fields)
}

func (l *Logger) Warn(module, msg string, err error, fields ...zap.Field) {
	l.log(module, zapcore.WarnLevel, msg, err, fields)
}

func (l *Logger) Error(module, msg string, err error, fields ...zap.Field) {
	l.log(module, zapcore.ErrorLevel, msg, err, fields)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.out.Sync()
}
