// Package logging provides the leveled logger used throughout fsobserve. It
// mirrors the shape of a conventional small service logger: a Logger that is
// safe to use even when nil (logging becomes a no-op), and that can be
// nested into dotted sub-loggers so that a root's notify/IO threads, its
// query engine invocations, and its subscription dispatcher all log under a
// recognizable prefix.
package logging

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	// Disable ANSI color codes when stdout isn't a real terminal (e.g. when
	// the daemon's log output is redirected to a file), matching the
	// teacher's own color.NoColor gating in its CLI output paths.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// globalLevel is the process-wide logging threshold. It defaults to
// LevelInfo so that root lifecycle events are visible without opting in.
var globalLevel = func() *int32 {
	v := int32(LevelInfo)
	return &v
}()

// SetLevel adjusts the process-wide logging threshold. It is expected to be
// set once at startup by the (out of scope) daemon bootstrap code.
func SetLevel(level Level) {
	atomic.StoreInt32(globalLevel, int32(level))
}

func currentLevel() Level {
	return Level(atomic.LoadInt32(globalLevel))
}

// writer is an io.Writer that splits its input stream into lines and
// forwards each line to a callback.
type writer struct {
	callback func(string)
	buffer   []byte
}

func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)
	var processed int
	remaining := w.buffer
	for {
		index := indexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}
	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}
	return len(buffer), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Logger is the main logger type. A nil *Logger is valid and logs nothing.
// It is safe for concurrent use.
type Logger struct {
	prefix string
}

// RootLogger is the logger from which all other loggers in the process
// derive via Sublogger.
var RootLogger = &Logger{}

// Sublogger creates a new logger nesting name under the receiver's prefix.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix}
}

func (l *Logger) output(level Level, line string) {
	if l == nil || currentLevel() < level {
		return
	}
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(3, line)
}

// Info logs basic execution information.
func (l *Logger) Info(v ...interface{}) {
	l.output(LevelInfo, fmt.Sprint(v...))
}

// Infof logs basic execution information with formatting.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.output(LevelInfo, fmt.Sprintf(format, v...))
}

// Debug logs advanced execution information.
func (l *Logger) Debug(v ...interface{}) {
	l.output(LevelDebug, fmt.Sprint(v...))
}

// Debugf logs advanced execution information with formatting.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.output(LevelDebug, fmt.Sprintf(format, v...))
}

// Warn logs non-fatal error information in yellow.
func (l *Logger) Warn(err error) {
	if l == nil || currentLevel() < LevelWarn {
		return
	}
	l.output(LevelWarn, color.YellowString("warning: %v", err))
}

// Warnf logs non-fatal error information in yellow with formatting.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l == nil || currentLevel() < LevelWarn {
		return
	}
	l.output(LevelWarn, color.YellowString("warning: "+format, v...))
}

// Error logs fatal error information in red.
func (l *Logger) Error(err error) {
	if l == nil || currentLevel() < LevelError {
		return
	}
	l.output(LevelError, color.RedString("error: %v", err))
}

// Writer returns an io.Writer that forwards lines to Info.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return ioutil.Discard
	}
	return &writer{callback: l.Info}
}
