// Package logging provides the structured event logger every component
// writes to, backed by zap.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deltamaker/internal/core"
)

// ZapLogger implements core.Logger using zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console-encoded logger at the given level. JSON
// output for the machine-consumed log is a matter of swapping the encoder
// here; the collaborator that reduces to JSONL and validates it is out of
// scope.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	var level zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = zap.DebugLevel
	case "INFO":
		level = zap.InfoLevel
	case "WARN":
		level = zap.WarnLevel
	case "ERROR":
		level = zap.ErrorLevel
	case "FATAL":
		level = zap.FatalLevel
	default:
		level = zap.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	c := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(c, zap.AddCaller(), zap.AddCallerSkip(1))

	return &ZapLogger{logger: logger}, nil
}

func (l *ZapLogger) convert(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...any) { l.logger.Debug(msg, l.convert(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...any)  { l.logger.Info(msg, l.convert(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...any)  { l.logger.Warn(msg, l.convert(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...any) { l.logger.Error(msg, l.convert(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...any) { l.logger.Fatal(msg, l.convert(kv)...) }

func (l *ZapLogger) With(kv ...any) core.Logger {
	return &ZapLogger{logger: l.logger.With(l.convert(kv)...)}
}

func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var _ core.Logger = (*ZapLogger)(nil)

var global core.Logger

func init() {
	logger, _ := NewZapLogger("INFO")
	global = logger
}

// SetGlobal sets the package-level logger returned by Global.
func SetGlobal(logger core.Logger) { global = logger }

// Global returns the package-level logger, used by components constructed
// before a configured logger is available.
func Global() core.Logger { return global }
