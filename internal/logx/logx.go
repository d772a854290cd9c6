// Package logx implements sabo's per-subsystem debug logging, the Go
// equivalent of the original C library's log_debug bitmask and
// do_log level table (common/log.c / common/log.h).
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Subsystem is one bit of the SABO_LOG_DEBUG mask (config.LogDebug).
type Subsystem uint64

const (
	Env Subsystem = 1 << iota
	Topo
	Core
	Comm
	DecisionTree
	Perf
)

// Logger mirrors the level table in log.c: debug messages are gated
// per-subsystem, error/fatal messages always print.
type Logger struct {
	mu   sync.Mutex
	mask Subsystem
	out  *log.Logger
	err  *log.Logger
}

// New builds a Logger gated by mask (typically config.Config.LogDebug).
func New(mask Subsystem) *Logger {
	return &Logger{
		mask: mask,
		out:  log.New(os.Stdout, "", 0),
		err:  log.New(os.Stderr, "", 0),
	}
}

// NewWithWriters builds a Logger writing to explicit streams, used by
// tests that want to capture output instead of writing to stdio.
func NewWithWriters(mask Subsystem, out, errOut io.Writer) *Logger {
	return &Logger{
		mask: mask,
		out:  log.New(out, "", 0),
		err:  log.New(errOut, "", 0),
	}
}

// Debug prints a message if sub is enabled in the logger's mask,
// matching the "debug:" header in the original's level2param table.
func (l *Logger) Debug(sub Subsystem, format string, args ...interface{}) {
	if l == nil || l.mask&sub == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("debug: "+format, args...)
}

// Error prints a non-fatal error message (the "error:" level).
func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.err.Printf("error: "+format, args...)
}

// SysError prints a non-fatal system-call error (the "sys error:"
// level), naming the failed call and its arguments.
func (l *Logger) SysError(op string, err error, argsFmt string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.err.Printf("sys error: %s(%s): %v", op, fmt.Sprintf(argsFmt, args...), err)
}

// Enabled reports whether sub is active in the logger's mask.
func (l *Logger) Enabled(sub Subsystem) bool {
	return l != nil && l.mask&sub != 0
}

// Default is a process-wide logger with an empty mask. core.New takes
// its own logger and does not replace Default.
var Default = New(0)
