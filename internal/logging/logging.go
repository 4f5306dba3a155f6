// Package logging configures the process-wide zerolog logger and adapts it
// for pion's internal logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. Output goes to stderr so stdout stays
// free for media. An empty level means info.
func Setup(level string, pretty bool) error {
	return SetupWriter(os.Stderr, level, pretty)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(out io.Writer, level string, pretty bool) error {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	w := out
	if pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
