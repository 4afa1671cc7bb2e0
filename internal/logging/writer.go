package logging

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter logs each line written to it as one info event with
// stream=name. Partial lines are held until a newline or Flush.
type LineWriter struct {
	logger zerolog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter returns a LineWriter tagging events with stream.
func NewLineWriter(logger zerolog.Logger, stream string) *LineWriter {
	return &LineWriter{logger: logger, stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info().Str("stream", w.stream).Msg(string(line))
}
