// Package logging builds the process logger: JSON or console output on
// stdout, an optional rotating file, and an in-memory buffer for the
// status API.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/labwall/labwall/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Closer releases file sinks opened by New.
type Closer func() error

// New creates the root logger from cfg. buffer may be nil.
func New(cfg config.LoggingConfig, buffer *Buffer) (zerolog.Logger, Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var stdout io.Writer = os.Stdout
	if cfg.Format == "console" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{stdout}

	closer := Closer(func() error { return nil })
	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return zerolog.Nop(), closer, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, lj)
		closer = lj.Close
	}
	if buffer != nil {
		writers = append(writers, buffer)
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// SetLevel changes the process-wide level. Loggers already handed to
// components follow it.
func SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
