package internal

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// logOutput lets every package logger be pointed somewhere else after it has been built.
type logOutput struct {
	mu sync.RWMutex
	w  io.Writer
}

func (o *logOutput) Write(p []byte) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.w.Write(p)
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
}

var output = &logOutput{w: consoleWriter()}

// NewLogger returns a logger which writes to the shared log output. Every package builds its
// logger with this.
func NewLogger() zerolog.Logger {
	return zerolog.New(output).With().Timestamp().Logger()
}

// SetLogOutput sends all log lines to w as JSON, one object per line.
func SetLogOutput(w io.Writer) {
	output.mu.Lock()
	defer output.mu.Unlock()
	output.w = w
}

// SetLogJSON switches between JSON lines on stderr and the human readable console format.
func SetLogJSON(json bool) {
	if json {
		SetLogOutput(os.Stderr)
		return
	}
	SetLogOutput(consoleWriter())
}
