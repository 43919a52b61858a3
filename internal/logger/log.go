package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level. Unknown names map to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes leveled lines of the form "[LEVEL] <ts> component: msg".
type Logger struct {
	level    Level
	name     string
	mu       *sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

func New(level string) *Logger {
	return NewWithOutput(level, os.Stderr)
}

// NewWithOutput is New writing to w instead of stderr.
func NewWithOutput(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds

	return &Logger{
		level:    ParseLevel(level),
		mu:       &sync.Mutex{},
		debugLog: log.New(w, "[DEBUG] ", flags),
		infoLog:  log.New(w, "[INFO] ", flags),
		warnLog:  log.New(w, "[WARN] ", flags),
		errorLog: log.New(w, "[ERROR] ", flags),
	}
}

// Named returns a logger sharing l's outputs whose lines are prefixed by name.
func (l *Logger) Named(name string) *Logger {
	c := *l
	if l.name != "" {
		c.name = l.name + "." + name
	} else {
		c.name = name
	}
	return &c
}

func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) Enabled(lvl Level) bool {
	return l.level <= lvl
}

func (l *Logger) sink(lvl Level) *log.Logger {
	switch lvl {
	case DEBUG:
		return l.debugLog
	case WARN:
		return l.warnLog
	case ERROR:
		return l.errorLog
	default:
		return l.infoLog
	}
}

func (l *Logger) output(lvl Level, dst *log.Logger, format string, args ...interface{}) {
	if l.level > lvl {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		msg = l.name + ": " + msg
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dst.Output(3, msg)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(DEBUG, l.debugLog, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.output(INFO, l.infoLog, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(WARN, l.warnLog, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.output(ERROR, l.errorLog, format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.output(DEBUG, l.debugLog, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.output(INFO, l.infoLog, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.output(WARN, l.warnLog, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(ERROR, l.errorLog, format, args...)
}

// Writer adapts l to an io.Writer for libraries that log on their own.
// Each write becomes one line at lvl.
func (l *Logger) Writer(lvl Level) io.Writer {
	return levelWriter{l: l, lvl: lvl}
}

type levelWriter struct {
	l   *Logger
	lvl Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	w.l.output(w.lvl, w.l.sink(w.lvl), "%s", strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// Fields renders ctx as space separated key=value pairs in key order.
func Fields(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}
