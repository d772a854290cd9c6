// Package errs provides standardized error classification for sabo,
// distinguishing the fatal/recoverable/internal propagation policy
// described for the balancer's error handling design.
package errs

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
)

// Category groups errors by the subsystem that raised them.
type Category string

const (
	CategoryConfig       Category = "CONFIG"
	CategoryTopology     Category = "TOPOLOGY"
	CategoryComm         Category = "COMM"
	CategoryDecisionTree Category = "DECISION_TREE"
	CategoryBinding      Category = "BINDING"
	CategoryInternal     Category = "INTERNAL"
)

// Error is a structured error carrying enough context to classify and
// log it consistently across the module.
type Error struct {
	Category Category
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// New builds an Error, capturing the immediate caller for diagnostics.
func New(category Category, code, message string, context map[string]interface{}) *Error {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

var fatalHandler atomic.Value // func(error)

func init() {
	fatalHandler.Store(defaultFatalHandler)
}

func defaultFatalHandler(err error) {
	fmt.Fprintln(os.Stderr, "fatal error:", err)
	os.Exit(1)
}

// SetFatalHandler replaces the handler Fatal calls. The default
// handler prints the error to stderr and exits the process; a handler
// that only records the error keeps the process running. A nil h
// restores the default.
func SetFatalHandler(h func(error)) {
	if h == nil {
		h = defaultFatalHandler
	}

	fatalHandler.Store(h)
}

// Fatal reports an unrecoverable condition the way the original C
// library's fatal_error/fatal_sys_error abort the process: the public
// Rebalance entry point never returns an error code (see spec.md §7),
// so fatal conditions are surfaced through this hook instead.
func Fatal(err error) {
	fatalHandler.Load().(func(error))(err)
}

// FatalConfig reports a fatal configuration error (missing/zero
// omp_num_threads, invalid step_balancing, heterogeneous sockets, ...).
func FatalConfig(code, message string, context map[string]interface{}) {
	Fatal(New(CategoryConfig, code, message, context))
}

// FatalTopology reports a fatal topology discovery error (no topology
// available, heterogeneous socket core counts).
func FatalTopology(code, message string, context map[string]interface{}) {
	Fatal(New(CategoryTopology, code, message, context))
}

// FatalComm reports a fatal transport error (failed shared-memory
// init, flock/ftruncate failure on the master).
func FatalComm(code, message string, context map[string]interface{}) {
	Fatal(New(CategoryComm, code, message, context))
}

// FatalDecisionTree reports a fatal solver error: no feasible
// socket-placement assignment exists.
func FatalDecisionTree(code, message string, context map[string]interface{}) {
	Fatal(New(CategoryDecisionTree, code, message, context))
}
