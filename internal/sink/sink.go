// Package sink writes finished event lines to their destination
package sink

import (
	"errors"
	"io"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oicur0t/winevt-tailer/internal/config"
)

// ErrMultiline is returned for a line that contains a line break
var ErrMultiline = errors.New("output line contains a line break")

// Sink receives one complete record per call
type Sink interface {
	WriteLine(line string) error
	Close() error
}

// Writer writes newline-terminated lines to an io.Writer. Each line goes out
// in a single Write call so lines are never interleaved.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriter wraps w. Close does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewRotatingFile writes to a size-rotated file
func NewRotatingFile(cfg config.OutputConfig) *Writer {
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	return &Writer{w: lj, closer: lj}
}

// New writes to console when cfg names no file, otherwise to a rotating file
func New(cfg config.OutputConfig, console io.Writer) *Writer {
	if cfg.File == "" {
		return NewWriter(console)
	}
	return NewRotatingFile(cfg)
}

func (s *Writer) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrMultiline
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf)
	return err
}

func (s *Writer) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
