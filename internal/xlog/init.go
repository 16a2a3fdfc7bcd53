package xlog

import (
	"log"
	"os"
)

type stdLogWriter struct {
	l *Logger
}

func (s stdLogWriter) Write(b []byte) (int, error) {
	s.l.log(INFO, string(b))
	return len(b), nil
}

func init() {
	// overwrite the standard logger so stray log.Print calls still
	// go through the formatter.
	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(stdLogWriter{l: NewLogger("", INFO)})

	SetFormatter(NewDefaultFormatter(os.Stderr))
}
