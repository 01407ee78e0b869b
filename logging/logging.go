// Package logging builds the zerolog logger shared by both binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaydesk/relaydesk/config"
)

// New builds a logger from cfg. With a file configured the output goes to a
// lumberjack-rotated file as well as stderr. Unknown levels fall back to info.
func New(cfg config.Log, component string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = l
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}
