// Package observability owns the process loggers and Prometheus metrics.
package observability

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the human-facing logger used by commands. It is a no-op
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger as a console logger on stderr.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.NameKey = ""
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(name)
}

// LoggerConfig configures the server logger.
type LoggerConfig struct {
	Name    string
	Level   string
	Profile string

	// File receives JSON lines rotated by size. Empty disables it.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger builds the server logger: stderr (JSON for the STRUCTURED
// profile, console otherwise) teed with an optional rotated JSON file.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}
	atom := zap.NewAtomicLevelAt(level)

	prodCfg := zap.NewProductionEncoderConfig()
	prodCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var stderrEnc zapcore.Encoder
	if strings.EqualFold(cfg.Profile, "structured") {
		stderrEnc = zapcore.NewJSONEncoder(prodCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		stderrEnc = zapcore.NewConsoleEncoder(devCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), atom)}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(prodCfg), zapcore.AddSync(rotator), atom))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}
