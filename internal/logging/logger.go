// Package logging provides structured logging for the sync daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the global logger.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json or text
	File       string // optional rotating log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool // also write to stderr
}

var (
	mu     sync.RWMutex
	global = newLogger(os.Stderr, logrus.InfoLevel, "json")
	closer io.Closer
)

func newLogger(out io.Writer, level logrus.Level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		})
	}
	return l
}

// Init replaces the global logger according to opts.
func Init(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	var writers []io.Writer
	var fileCloser io.Closer
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, rotator)
		fileCloser = rotator
	}
	if opts.Console || opts.File == "" {
		writers = append(writers, os.Stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
	}
	global = newLogger(io.MultiWriter(writers...), level, opts.Format)
	closer = fileCloser
	return nil
}

// SetOutput redirects the global logger, keeping its level and formatter.
func SetOutput(out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	global.SetOutput(out)
}

// SetLevel changes the global log level.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	global.SetLevel(lvl)
	return nil
}

// ParseLevel maps a config level name to a logrus level. Empty means info.
func ParseLevel(level string) (logrus.Level, error) {
	if strings.TrimSpace(level) == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Close flushes and closes the rotating file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// WithFields returns an entry carrying the merged context maps.
func WithFields(context ...map[string]interface{}) *logrus.Entry {
	return Get().WithFields(merge(context...))
}

// merge flattens multiple context maps into logrus fields.
func merge(context ...map[string]interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	return fields
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	WithFields(context...).Debug(message)
}

func Info(message string, context ...map[string]interface{}) {
	WithFields(context...).Info(message)
}

func Warn(message string, context ...map[string]interface{}) {
	WithFields(context...).Warn(message)
}

func Error(message string, err error, context ...map[string]interface{}) {
	entry := WithFields(context...)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// ErrorWithCode logs an error tagged with a stable error code.
func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	entry := WithFields(context...).WithField("error_code", code)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
