package internal

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName    = "cmr"
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)

	// Default buffer settings
	DefaultMaxBytes             uint64  = 256 * 1024 * 1024
	DefaultEvictionLowWatermark float64 = 0.9
	DefaultEvictionOccupancy    float64 = 0.8
	DefaultCompactionInterval           = 5 * time.Second
	DefaultCompactionRate       float64 = 0 // evictions per second, 0 is unlimited
	DefaultPointerWidth                 = 64
	DefaultProfile                      = "standard"
	DefaultTreeShape                    = []string{"agent", "kind", "sensor", "time"}
	DefaultTimeBucket                   = time.Minute

	// Default storage settings
	DefaultStorageDSN       = "file::memory:?cache=shared" // in-memory libsql
	DefaultStorageQueueSize = 4096
	DefaultStorageBatchSize = 256
	DefaultStorageWorkers   = 2
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
	return zerolog.New(os.Stderr).With().Timestamp().Str("app", DefaultAppName).Logger()
}

// GetLoggerWithLevel returns the base logger filtered at the given level name.
// Unknown names fall back to info.
func GetLoggerWithLevel(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return GetLogger().Level(lvl)
}
