package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New creates a structured logger at the configured level.
func New(level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "draftgate").Logger()
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return logger.Level(parsed)
}
