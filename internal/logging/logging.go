// Package logging builds the process logger and the causal event audit
// trail.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vclocknet/internal/node"
)

// New builds a logger at the given level ("debug", "info", "warn", "error").
// Development mode uses the console encoder.
func New(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Audit writes one human-readable line per node event.
type Audit struct {
	logger *zap.Logger
	file   *os.File
}

// OpenAudit appends audit lines to path.
func OpenAudit(path string) (*Audit, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &Audit{logger: newAuditLogger(zapcore.AddSync(f)), file: f}, nil
}

// NewAudit writes audit lines to ws.
func NewAudit(ws zapcore.WriteSyncer) *Audit {
	return &Audit{logger: newAuditLogger(ws)}
}

func newAuditLogger(ws zapcore.WriteSyncer) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	return zap.New(zapcore.NewCore(enc, ws, zapcore.InfoLevel))
}

// Observe implements node.Observer.
func (a *Audit) Observe(e node.Event) {
	a.logger.Info(e.String())
}

// Close flushes and closes the audit file, if any.
func (a *Audit) Close() error {
	_ = a.logger.Sync()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
