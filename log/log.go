package log

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process diagnostics sink. level is a zap level name,
// empty means info. Level names are colored only when stderr is a terminal.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}

	config := zap.NewProductionConfig()
	config.Level = lvl
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}
	config.EncoderConfig.EncodeLevel = levelEncoder(os.Stderr.Fd())

	return config.Build()
}

func levelEncoder(fd uintptr) zapcore.LevelEncoder {
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return zapcore.CapitalColorLevelEncoder
	}
	return zapcore.CapitalLevelEncoder
}
