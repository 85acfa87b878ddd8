// Package logging builds the zap loggers shared by every tabhub binary.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely a process logs.
type Config struct {
	// Dir is the per-user state directory that holds rotating log files.
	Dir string
	// PID is embedded in the log file name per the
	// claude-chrome-mcp-server-PID-<pid>.log convention.
	PID int
	// Level is the minimum level written to both sinks. Empty defaults to "info".
	Level string
	// Debug forces debug-level console output regardless of Level, mirroring
	// the CCM_DEBUG environment switch.
	Debug bool
}

const (
	maxSizeMB  = 10
	maxBackups = 5
)

// New builds a logger that writes human-readable lines to stderr and
// JSON lines to a rotating file under cfg.Dir.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)

	cores := []zapcore.Core{consoleCore}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		pid := cfg.PID
		if pid == 0 {
			pid = os.Getpid()
		}
		fileName := filepath.Join(cfg.Dir, fmt.Sprintf("claude-chrome-mcp-server-PID-%d.log", pid))
		rotator := &lumberjack.Logger{
			Filename:   fileName,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   false,
		}
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if s == "" {
		return zapcore.InfoLevel
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
