package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a key/value structured logger backed by logrus.
// A nil *Logger discards everything.
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a JSON logger writing to stdout at the given level.
// component is attached to every record when non-empty.
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry, base: base}
}

// SetLevel changes the level of the logger and every logger derived from it
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.base.GetLevel().String()
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(toFields(kv)), base: l.base}
}

// Trace logs at trace level
func (l *Logger) Trace(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Trace(msg)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Debug(msg)
}

// Info logs at info level
func (l *Logger) Info(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Info(msg)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Warn(msg)
}

// Error logs at error level
func (l *Logger) Error(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Error(msg)
}

// Writer exposes the logger as an io.Writer for libraries that want one
func (l *Logger) Writer() *io.PipeWriter {
	return l.entry.WriterLevel(logrus.InfoLevel)
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// toFields accepts alternating key/value pairs or a single map
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(kv); i++ {
		switch v := kv[i].(type) {
		case map[string]interface{}:
			for k, val := range v {
				fields[k] = val
			}
			continue
		case logrus.Fields:
			for k, val := range v {
				fields[k] = val
			}
			continue
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		val := kv[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		fields[key] = val
		i++
	}
	return fields
}
