// Package logging configures the process-wide leveled logger.
package logging

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

// LevelEnv overrides the level passed to Setup.
const LevelEnv = "SPPBRIDGE_LOG_LEVEL"

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{module} ▶ %{message}%{color:reset}`,
)

// Setup installs a stderr backend and returns the logger for prefix.
func Setup(prefix string, defaultLevel logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(levelFromEnv(defaultLevel), "")
	logging.SetBackend(leveled)
	return logging.MustGetLogger(prefix)
}

// Module returns a named logger sharing the backend installed by Setup.
func Module(name string) *logging.Logger {
	return logging.MustGetLogger(name)
}

func levelFromEnv(def logging.Level) logging.Level {
	v := strings.TrimSpace(os.Getenv(LevelEnv))
	if v == "" {
		return def
	}
	lvl, err := logging.LogLevel(strings.ToUpper(v))
	if err != nil {
		return def
	}
	return lvl
}
