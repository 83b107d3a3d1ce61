package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the run log of a traced session.
// Rotation parameters follow lumberjack semantics; the file is opened in
// append mode.
type Config struct {
	Path       string // run log file
	Level      string // debug, info, warn, error
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
	Console    bool   // mirror warnings and errors to the console writer
}

// DefaultPath returns <dir>/logs_<unix>.txt.
func DefaultPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("logs_%d.txt", now.Unix()))
}

// Writer returns the rotating run log writer. The parent directory is created
// when missing.
func (c Config) Writer() (io.WriteCloser, error) {
	if c.Path == "" {
		return nil, errors.New("log path is empty")
	}
	if dir := filepath.Dir(c.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// ParseLevel maps a level name onto slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the run logger: JSON lines with source locations into the run
// log, plus colored warnings on console when enabled. The returned closer
// flushes and closes the run log.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	w, err := c.Writer()
	if err != nil {
		return nil, nil, err
	}
	handlers := []slog.Handler{
		slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}),
	}
	if c.Console && console != nil {
		consoleLevel := max(level, slog.LevelWarn)
		handlers = append(handlers, NewColorTextHandler(console, &slog.HandlerOptions{Level: consoleLevel}, false))
	}
	return slog.New(Tee(handlers...)), w, nil
}

// Discard returns a logger dropping everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
