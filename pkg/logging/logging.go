// Package logging installs a tint handler as the default slog logger for the potsync binaries.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup uses the level named by LOG_LEVEL, defaulting to info.
func Setup() {
	SetupWithLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}

func SetupWithLevel(level slog.Level) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    os.Getenv("NO_COLOR") != "",
		}),
	))
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
