package app

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Loggers are the named loggers of the logger configuration section.
type Loggers struct {
	App   *zap.Logger
	Audit *zap.Logger
	Error *zap.Logger
	SQL   *zap.Logger
}

// NopLoggers discards everything.
func NopLoggers() Loggers {
	nop := zap.NewNop()
	return Loggers{App: nop, Audit: nop, Error: nop, SQL: nop}
}

// NewLoggers builds the app, audit_logger, error_handler and sql loggers. A non-empty level
// overrides the configured level of every logger.
func NewLoggers(cfg map[string]config.LoggerConfig, level string) (Loggers, error) {
	build := func(name string) (*zap.Logger, error) {
		lc := cfg[name]
		if level != "" {
			lc.Level = level
		}
		l, err := NewLogger(lc)
		if err != nil {
			return nil, fmt.Errorf("logger %s: %w", name, err)
		}
		return l.Named(name), nil
	}

	var (
		ls  Loggers
		err error
	)
	if ls.App, err = build("app"); err != nil {
		return ls, err
	}
	if ls.Audit, err = build("audit_logger"); err != nil {
		return ls, err
	}
	if ls.Error, err = build("error_handler"); err != nil {
		return ls, err
	}
	if ls.SQL, err = build("sql"); err != nil {
		return ls, err
	}
	return ls, nil
}

// Sync flushes every logger. Errors from syncing a terminal are ignored.
func (l Loggers) Sync() {
	for _, logger := range []*zap.Logger{l.App, l.Audit, l.Error, l.SQL} {
		if logger != nil {
			_ = logger.Sync()
		}
	}
}

// NewLogger returns a JSON logger writing to stdout, stderr or a file path.
func NewLogger(lc config.LoggerConfig) (*zap.Logger, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{cmp.Or(lc.Output, "stdout")}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

var numericLevels = map[int]zapcore.Level{
	10: zapcore.DebugLevel,
	20: zapcore.InfoLevel,
	30: zapcore.WarnLevel,
	40: zapcore.ErrorLevel,
	50: zapcore.FatalLevel,
}

// ParseLevel accepts zap level names and the numeric levels 10 (debug) through 50 (fatal).
// "critical" is fatal and "warning" is warn. Empty is info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if l, ok := numericLevels[n]; ok {
			return l, nil
		}
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %d", n)
	}
	switch s {
	case "warning":
		s = "warn"
	case "critical":
		s = "fatal"
	}
	return zapcore.ParseLevel(s)
}
