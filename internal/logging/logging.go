// Package logging builds the zerolog loggers used by imgship.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileName is the log file written under the configured log directory.
const FileName = "app.log"

var logger zerolog.Logger

func init() {
	logger = zerolog.New(console(os.Stderr)).With().Timestamp().Logger()
}

// Logger returns the process-wide console logger used before configuration is loaded.
func Logger() zerolog.Logger {
	return logger
}

func console(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// Options controls where and how much New logs.
type Options struct {
	// Dir receives app.log. Empty disables the file sink.
	Dir   string
	Level string
	// Console defaults to stderr.
	Console io.Writer
}

// New returns a logger writing to the console and, when opts.Dir is set, to
// Dir/app.log in JSON. The returned closer releases the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}

	out := opts.Console
	if out == nil {
		out = os.Stderr
	}
	writers := []io.Writer{console(out)}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
