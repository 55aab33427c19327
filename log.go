package onepad

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// LogBackend is a leveled go-logging backend writing to stderr, a file or
// nowhere.
type LogBackend struct {
	logging.LeveledBackend
	w io.Writer
	c io.Closer
}

// NewLogBackend returns a backend for file at level. An empty file logs to
// stderr and disable drops everything.
func NewLogBackend(file, level string, disable bool) (*LogBackend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}
	b := &LogBackend{}
	switch {
	case disable:
		b.w = io.Discard
	case file == "":
		b.w = os.Stderr
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %v", err)
		}
		b.w, b.c = f, f
	}
	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.LeveledBackend = logging.AddModuleLevel(formatted)
	b.LeveledBackend.SetLevel(lvl, "")
	return b, nil
}

// GetLogger returns a logger for module writing to the backend.
func (b *LogBackend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Close closes the log file, if any.
func (b *LogBackend) Close() error {
	if b.c != nil {
		return b.c.Close()
	}
	return nil
}

func discardLogger(module string) *logging.Logger {
	b, _ := NewLogBackend("", "ERROR", true)
	return b.GetLogger(module)
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("invalid logging level: %s", l)
	}
}
