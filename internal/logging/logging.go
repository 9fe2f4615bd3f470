// Package logging configures the apex/log loggers shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/text"
)

// New returns a text logger writing to w at the given level. A nil writer
// logs to stdout.
func New(level string, w io.Writer) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}
	return &log.Logger{Level: lvl, Handler: text.New(w)}, nil
}

// Discard returns a logger that drops everything. Components fall back to it
// when no logger is supplied.
func Discard() log.Interface {
	return &log.Logger{Level: log.FatalLevel, Handler: discard.Default}
}

// OrDiscard returns logger, or a discarding logger when logger is nil.
func OrDiscard(logger log.Interface) log.Interface {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ParseLevel maps a config value to an apex/log level. Empty means info.
func ParseLevel(value string) (log.Level, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(value)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("parse log level %q: %w", value, err)
	}
	return lvl, nil
}
