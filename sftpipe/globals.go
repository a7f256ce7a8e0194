package internal

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config discovery and env prefixes
	DefaultAppName     = "sftpipe"
	DefaultEnvPrefix   = strings.ToUpper(DefaultAppName)
	DefaultConfigPath  = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultIgnoreFile  = "." + DefaultAppName + "ignore"
	DefaultOutputPath  = "examples.jsonl"
	DefaultTemplate    = "default"
	DefaultDropPolicy  = "drop_oldest"
	DefaultContextSize = 2048

	// Default output database settings
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultConfigPath, "runs.db")
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// NewLogger builds a logger at the given level. Pretty output goes through a
// console writer, otherwise JSON lines are written to w.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
