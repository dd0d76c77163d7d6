// Package logging is the structured logger shared by every strata package.
// Library code logs through the package-level builders with a component
// field; only the CLI decides where the output goes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/felixgeelhaar/bolt/v3"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var levels = map[string]bolt.Level{
	"trace": bolt.TRACE,
	"debug": bolt.DEBUG,
	"info":  bolt.INFO,
	"warn":  bolt.WARN,
	"error": bolt.ERROR,
}

// Config configures the logger.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn or error.
	Level string `json:"level" yaml:"level"`

	// Format is console or json.
	Format string `json:"format" yaml:"format"`

	// Output receives log lines. Nil means stderr, which keeps command
	// results on stdout machine-readable.
	Output io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole, Output: os.Stderr}
}

// ParseLevel maps a level name to a bolt level. An empty name is info.
func ParseLevel(s string) (bolt.Level, error) {
	if s == "" {
		return bolt.INFO, nil
	}
	lvl, ok := levels[strings.ToLower(s)]
	if !ok {
		return bolt.INFO, fmt.Errorf("unknown log level %q (must be trace, debug, info, warn or error)", s)
	}
	return lvl, nil
}

// New builds a logger from cfg without installing it.
func New(cfg Config) (*bolt.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var h bolt.Handler
	switch cfg.Format {
	case FormatJSON:
		h = bolt.NewJSONHandler(out)
	case FormatConsole, "":
		h = bolt.NewConsoleHandler(out)
	default:
		return nil, fmt.Errorf("unknown log format %q (must be console or json)", cfg.Format)
	}
	return bolt.New(h).SetLevel(lvl), nil
}

var current atomic.Pointer[bolt.Logger]

// Init installs a logger built from cfg for all packages.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	current.Store(l)
	return nil
}

// Use installs l and returns the logger it replaced, which may be nil.
func Use(l *bolt.Logger) *bolt.Logger {
	return current.Swap(l)
}

func logger() *bolt.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	l, _ := New(DefaultConfig())
	if current.CompareAndSwap(nil, l) {
		return l
	}
	return current.Load()
}

// Entry is a log line under construction.
type Entry struct {
	event *bolt.Event
}

// Add applies a field and returns the entry for chaining.
func (e *Entry) Add(f Field) *Entry {
	e.event = f(e.event)
	return e
}

// Msg writes the entry.
func (e *Entry) Msg(msg string) {
	e.event.Msg(msg)
}

// Debug starts a debug entry.
func Debug() *Entry { return &Entry{event: logger().Debug()} }

// Info starts an info entry.
func Info() *Entry { return &Entry{event: logger().Info()} }

// Warn starts a warning entry.
func Warn() *Entry { return &Entry{event: logger().Warn()} }

// Error starts an error entry.
func Error() *Entry { return &Entry{event: logger().Error()} }
