package xlog

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Formatter defines the log-format (printer) interface.
type Formatter interface {
	// WriteFlush writes the log and flushes it. Callers hold xlogger.mu.
	WriteFlush(pkg string, lvl LogLevel, txt string)
	Flush()
}

// SetFormatter sets the formatter used by every logger.
func SetFormatter(f Formatter) {
	xlogger.mu.Lock()
	xlogger.formatter = f
	xlogger.mu.Unlock()
}

type defaultFormatter struct {
	w *bufio.Writer
}

// NewDefaultFormatter returns a plain-text Formatter writing to w.
func NewDefaultFormatter(w io.Writer) Formatter {
	return &defaultFormatter{w: bufio.NewWriter(w)}
}

func (ft *defaultFormatter) WriteFlush(pkg string, lvl LogLevel, txt string) {
	ft.w.WriteString(time.Now().String()[:26])
	ft.w.WriteString(" " + lvl.String() + " | ")
	if pkg != "" {
		ft.w.WriteString(pkg + ": ")
	}
	ft.w.WriteString(txt)
	if !strings.HasSuffix(txt, "\n") {
		ft.w.WriteString("\n")
	}
	ft.w.Flush()
}

func (ft *defaultFormatter) Flush() { ft.w.Flush() }

type jsonFormatter struct {
	w *bufio.Writer
}

// NewJSONFormatter returns a newline-delimited-JSON Formatter writing to w.
func NewJSONFormatter(w io.Writer) Formatter {
	return &jsonFormatter{w: bufio.NewWriter(w)}
}

type jsonRecord struct {
	Pkg   string `json:"pkg"`
	Level string `json:"level"`
	Time  string `json:"time"`
	Log   string `json:"log"`
}

func (ft *jsonFormatter) WriteFlush(pkg string, lvl LogLevel, txt string) {
	json.NewEncoder(ft.w).Encode(jsonRecord{
		Pkg:   pkg,
		Level: lvl.String(),
		Time:  time.Now().String()[:26],
		Log:   txt,
	})
	ft.w.Flush()
}

func (ft *jsonFormatter) Flush() { ft.w.Flush() }
