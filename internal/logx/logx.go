// Package logx provides the client's ambient logging: the teacher's
// own "[INFO]"/"[FAIL]"/"[ERROR]" tagged log.Printf call sites,
// generalized into a small logger so every package stamps its lines
// the same way, with the tag colorized when stderr is a terminal.
package logx

import (
	"fmt"
	"log"
	"os"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

var colorize = term.IsTerminal(int(os.Stderr.Fd()))

// Logger prefixes every line with a bracketed, optionally colorized
// tag and a component name, mirroring the teacher's inline
// "[INFO]\tPeer %s:%d: ..." style but as a reusable value instead of
// a repeated Printf call at every call site.
type Logger struct {
	component string
}

// New returns a Logger for the named component (e.g. "peer", "swarm").
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) line(tag, color, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	bracket := fmt.Sprintf("[%s]", tag)
	if colorize {
		bracket = colorstring.Color(fmt.Sprintf("[%s]%s[reset]", color, bracket))
	}
	return fmt.Sprintf("%s\t%s: %s", bracket, l.component, msg)
}

// Info logs an informational line.
func (l *Logger) Info(format string, args ...interface{}) {
	log.Print(l.line("INFO", "green", format, args...))
}

// Fail logs a recoverable failure (tracker error, dropped peer, ...).
func (l *Logger) Fail(format string, args ...interface{}) {
	log.Print(l.line("FAIL", "yellow", format, args...))
}

// Error logs an unexpected, more serious failure.
func (l *Logger) Error(format string, args ...interface{}) {
	log.Print(l.line("ERROR", "red", format, args...))
}
