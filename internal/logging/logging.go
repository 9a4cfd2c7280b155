// Package logging owns the process-wide structured logger. The library
// stays silent by default; hosts opt in through Setup (or the CLI's
// verbosity flags).
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(io.Discard)
)

// Setup configures the shared logger. Level is one of trace, debug,
// info, warn or error (anything else falls back to info). Console
// selects human-readable output over JSON.
func Setup(level string, console bool) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(out).Level(parsed).With().Timestamp().Logger()
}

// Logger returns a child logger tagged with the component name.
func Logger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}
