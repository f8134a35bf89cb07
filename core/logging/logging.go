// Package logging builds the server's structured logger on top of an
// asynchronous, non-blocking sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings
type Config struct {
	// Level is one of debug, info, warn, error
	Level string
	// Dir enables rotating file output under Dir; empty logs to stderr
	Dir string
	// QueueSize is the async ring size; 0 writes synchronously
	QueueSize int
	// MaxSizeMB rotates the file once it grows past this size
	MaxSizeMB int
	// MaxBackups bounds the number of rotated files kept
	MaxBackups int
}

// Sink owns the logger and its background writer
type Sink struct {
	logger  zerolog.Logger
	closers []io.Closer
}

// New creates a sink from cfg
func New(cfg Config) (*Sink, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	s := &Sink{}

	var out io.Writer
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 64
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "tinyhttpd.log"),
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}
		out = file
		s.closers = append(s.closers, file)
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if cfg.QueueSize > 0 {
		// Dropped lines are reported on stderr rather than blocking callers
		dw := diode.NewWriter(out, cfg.QueueSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logging: dropped %d messages\n", missed)
		})
		out = dw
		// The diode must flush before the file underneath is closed
		s.closers = append([]io.Closer{dw}, s.closers...)
	}

	s.logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return s, nil
}

// NewWriter builds a synchronous sink over w; used by tests and tools
func NewWriter(w io.Writer, level zerolog.Level) *Sink {
	return &Sink{logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Logger returns the root logger
func (s *Sink) Logger() zerolog.Logger {
	return s.logger
}

// Close flushes queued lines and releases files
func (s *Sink) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// ParseLevel maps a level name to zerolog; empty means info
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}
