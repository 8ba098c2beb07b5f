package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/config"
)

// New returns a configured zerolog.Logger: human-readable console output in
// development, JSON in every other environment.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
