package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a logger for the process
type Options struct {
	Service     string
	Development bool   // human-readable console output
	Level       string // trace, debug, info, warn, error; defaults to info
	File        io.Writer
}

// New builds the process logger. It is created once in main and handed to
// every component, components derive their own children from it.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stderr
	if opts.Development {
		// Set up zerolog for development mode (human-readable logs)
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
			FormatLevel: func(i any) string {
				return strings.ToUpper(fmt.Sprintf("[%5s]", i))
			},
			FormatMessage: func(i any) string {
				return fmt.Sprintf("| %s |", i)
			},
			FormatCaller: func(i any) string {
				return filepath.Base(fmt.Sprintf("%s", i))
			},
		}
	}
	if opts.File != nil {
		out = zerolog.MultiLevelWriter(out, opts.File)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp().Str("service", opts.Service)
	if opts.Development {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// OpenFile opens (or creates) an append-only log file
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
