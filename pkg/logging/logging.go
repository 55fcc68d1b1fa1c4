// Package logging builds the agent's structured logger: charmbracelet/log
// on stderr plus a lumberjack-rotated file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"riptide/agent/pkg/config"
)

// DefaultFile is logs/<app>.log next to the executable, falling back to the
// working directory when the executable path is unknown.
func DefaultFile(app string) string {
	base := "."
	if exe, err := os.Executable(); err == nil {
		base = filepath.Dir(exe)
	}
	return filepath.Join(base, "logs", app+".log")
}

// Setup returns a logger configured from lc and the closer for its log file.
// It also installs the logger as the package default.
func Setup(app string, lc config.LogConfig) (*log.Logger, io.Closer) {
	file := lc.File
	if file == "" {
		file = DefaultFile(app)
	}
	_ = os.MkdirAll(filepath.Dir(file), 0o755)
	rot := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    positive(lc.MaxSizeMB, 20),
		MaxBackups: positive(lc.MaxBackups, 5),
		MaxAge:     positive(lc.MaxAgeDays, 7),
	}

	var w io.Writer = rot
	if !lc.DisableStderr {
		w = io.MultiWriter(os.Stderr, rot)
	}
	logger := New(w, lc.Level, lc.Format)
	logger.SetPrefix(app)
	log.SetDefault(logger)
	return logger, rot
}

// New builds a logger writing to w. Unknown levels fall back to info.
func New(w io.Writer, level, format string) *log.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339Nano,
		Level:           ParseLevel(level),
	}
	if strings.EqualFold(format, "json") {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, opts)
}

// Apply updates level and format of a running logger from lc. Loggers
// derived afterwards inherit the change. File and rotation settings take
// effect on the next start.
func Apply(logger *log.Logger, lc config.LogConfig) {
	logger.SetLevel(ParseLevel(lc.Level))
	if strings.EqualFold(lc.Format, "json") {
		logger.SetFormatter(log.JSONFormatter)
	} else {
		logger.SetFormatter(log.TextFormatter)
	}
}

func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Discard is a logger that drops everything; handy in tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
