// Package rmlog wires logrus for ramd: a text formatter to stderr plus an
// optional rotating file added as a second output (not a logrus hook),
// standing in for the teacher's s18log.NewRotateFileHook, backed by
// lumberjack.
package rmlog

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a convenience alias so callers don't import logrus directly.
type Fields = log.Fields

var (
	mu         sync.Mutex
	activeFile *lumberjack.Logger
	baseOutput io.Writer = log.StandardLogger().Out
)

// FileConfig mirrors the Config.Logging group's rotation fields.
type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init sets the base logrus formatter and level. Safe to call once at
// startup before any hook is attached.
func Init(level log.Level) {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(level)
}

// ApplyFile (re)installs the rotating-file destination. Passing an empty
// Filename removes file logging and falls back to stderr only. Safe to call
// repeatedly across config reloads — the Logging group is live-reloadable.
func ApplyFile(cfg FileConfig) {
	mu.Lock()
	defer mu.Unlock()

	if activeFile != nil {
		activeFile.Close()
		activeFile = nil
	}

	if cfg.Filename == "" {
		log.SetOutput(baseOutput)
		return
	}

	activeFile = &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(baseOutput, activeFile))
}

// Close flushes and releases the active rotating file, if any. Called on
// daemon shutdown so the log file descriptor is closed on every path.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if activeFile != nil {
		activeFile.Close()
		activeFile = nil
	}
}
