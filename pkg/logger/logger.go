// Package logger wraps zerolog with the category-based debug switches the
// engine's subsystems use (tx, rx, shaper, clock, alsa, nic). The category
// mechanism mirrors the teacher relay's slog-wrapping logger; the backend
// is zerolog so the struct-logging dependency the module already carried
// is actually exercised end to end.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog.Level but keeps the engine's own vocabulary at the
// config boundary so callers never need to import zerolog directly.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category names a debug-log category that can be toggled independently of
// the global level.
type Category string

const (
	CategoryTX     Category = "tx"
	CategoryRX     Category = "rx"
	CategoryShaper Category = "shaper"
	CategoryClock  Category = "clock"
	CategoryALSA   Category = "alsa"
	CategoryNIC    Category = "nic"
	CategoryAll    Category = "all"
)

// Format selects the on-wire log encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             Level
	Format            Format
	OutputFile        string
	EnabledCategories map[Category]bool

	mu sync.RWMutex
}

// NewConfig returns configuration defaults: info level, text format, stdout.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[Category]bool),
	}
}

// ParseLevel converts a string to Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// ParseFormat converts a string to Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", s)
	}
}

func (l Level) toZerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory turns on a debug category (CategoryAll enables every one).
func (c *Config) EnableCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat == CategoryAll {
		for _, k := range []Category{CategoryTX, CategoryRX, CategoryShaper, CategoryClock, CategoryALSA, CategoryNIC} {
			c.EnabledCategories[k] = true
		}
		return
	}
	c.EnabledCategories[cat] = true
}

// IsCategoryEnabled reports whether a debug category is active.
func (c *Config) IsCategoryEnabled(cat Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[cat]
}

// Logger wraps zerolog.Logger with category-gated debug helpers.
type Logger struct {
	zerolog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger from Config.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	if cfg.Format == FormatText {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	}

	zl := zerolog.New(writer).Level(cfg.Level.toZerolog()).With().Timestamp().Logger()

	return &Logger{Logger: zl, config: cfg, file: file}, nil
}

// Close closes the backing log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying the given key/value pairs.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With().Str(key, value).Logger(), config: l.config, file: l.file}
}

// Category returns a logging helper gated on whether cat is enabled; when
// disabled, the returned event discards every chained call and Msg(),
// mirroring zerolog's own level-disabled event so -log-level=debug doesn't
// spray every category at once.
func (l *Logger) Category(cat Category) *zerolog.Event {
	if !l.config.IsCategoryEnabled(cat) {
		return zerolog.Nop().Debug()
	}
	return l.Debug().Str("category", string(cat))
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault installs the process-wide default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the process-wide logger, creating a bare one if unset.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			l, err := New(NewConfig())
			if err != nil {
				zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
				defaultLogger = &Logger{Logger: zl, config: NewConfig()}
				return
			}
			defaultLogger = l
		}
	})
	return defaultLogger
}
