// Package klog is the kernel log: a leveled, colorized printk for the
// simulator. Output goes through a colorable writer so ANSI escapes
// survive on Windows consoles too.
package klog

import (
	"fmt"
	"io"
	"sync"

	"github.com/mattn/go-colorable"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelSilent drops everything; tests use it.
	LevelSilent
)

var levelTag = map[Level]string{
	LevelDebug: "\x1b[90mDEBUG\x1b[0m",
	LevelInfo:  "\x1b[32m INFO\x1b[0m",
	LevelWarn:  "\x1b[33m WARN\x1b[0m",
	LevelError: "\x1b[31mERROR\x1b[0m",
}

// Logger writes leveled lines to one destination.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New returns a logger writing to w at the given threshold.
func New(w io.Writer, level Level) *Logger {
	return &Logger{out: w, level: level}
}

// SetLevel changes the threshold.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

func (l *Logger) printf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "[%s] %s\n", levelTag[level], fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.printf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.printf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.printf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.printf(LevelError, format, args...) }

// std is the process-wide logger. Kernel internals log through the
// package-level functions; tests call Silence.
var std = New(colorable.NewColorableStderr(), LevelInfo)

// Default returns the process-wide logger.
func Default() *Logger { return std }

// SetLevel changes the process-wide threshold.
func SetLevel(level Level) { std.SetLevel(level) }

// Silence drops all process-wide output.
func Silence() { std.SetLevel(LevelSilent) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
