// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = newConsole(os.Stderr)
)

func newConsole(w io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i interface{}) string {
		return fmt.Sprintf("[%s]", i)
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// Init sets the global level and output format. format is "console" or "json".
// The DEBUG environment variable forces debug level.
func Init(level, format string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if _, exists := os.LookupEnv("DEBUG"); exists {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var l zerolog.Logger
	switch format {
	case "json":
		l = zerolog.New(w).With().Timestamp().Logger()
	case "", "console":
		l = newConsole(w)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	mu.Lock()
	log = l
	mu.Unlock()
	return nil
}

// SetOutput replaces the logger with one writing to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	log = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}

// Get returns the current global logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Component returns a child logger tagged with component=name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}
