// Package failure defines the error taxonomy of the runtime and the sink every
// public entry point reports to.
//
// The runtime fails fast: the default FatalSink prints a diagnostic line and
// terminates the process. Tests swap in a PanicSink or a CollectSink.
package failure

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// ConfigurationError is an invalid platform or device index, or an invalid launch configuration.
	ConfigurationError Kind = iota + 1
	// CompilationError is an unreadable source or a failing backend compiler.
	CompilationError
	// ResolutionError is a kernel symbol absent from a compiled module.
	ResolutionError
	// BackendError is any failing native driver call.
	BackendError
	// CacheIntegrityWarning is a disk cache key mismatch or a kernarg segment size mismatch.
	CacheIntegrityWarning
)

func (k Kind) String() string {
	switch k {
	case ConfigurationError:
		return "ConfigurationError"
	case CompilationError:
		return "CompilationError"
	case ResolutionError:
		return "ResolutionError"
	case BackendError:
		return "BackendError"
	case CacheIntegrityWarning:
		return "CacheIntegrityWarning"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fatal reports whether failures of this kind terminate the process under the default sink.
func (k Kind) Fatal() bool {
	return k != CacheIntegrityWarning
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // public operation, e.g. "launch_kernel"
	Call string // failing native call, e.g. "cuModuleGetFunction()"
	Code int    // native error code, 0 when not applicable
	Msg  string // decoded human-readable message
	File string // source location of the check
	Line int
	Err  error
	Log  string // backend diagnostic output (compiler log)
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Op != "" {
		fmt.Fprintf(&sb, " in %s", e.Op)
	}
	if e.Call != "" {
		fmt.Fprintf(&sb, ": %s (%d)", e.Call, e.Code)
	}
	if e.File != "" {
		fmt.Fprintf(&sb, " [file %s, line %d]", e.File, e.Line)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithOp sets the public operation if it is not set yet and returns e.
func (e *Error) WithOp(op string) *Error {
	if e.Op == "" {
		e.Op = op
	}
	return e
}

func newError(kind Kind, depth int, format string, args ...any) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	e.File, e.Line = caller(depth + 1)
	return e
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "", 0
	}
	return filepath.Base(file), line
}

// Configuration returns a ConfigurationError.
func Configuration(format string, args ...any) *Error {
	return newError(ConfigurationError, 1, format, args...)
}

// Compilation returns a CompilationError carrying the backend diagnostic log.
func Compilation(log string, format string, args ...any) *Error {
	e := newError(CompilationError, 1, format, args...)
	e.Log = log
	return e
}

// Resolution returns a ResolutionError.
func Resolution(format string, args ...any) *Error {
	return newError(ResolutionError, 1, format, args...)
}

// Backend returns a BackendError decorated with the failing native call and its code.
func Backend(call string, code int, msg string) *Error {
	e := &Error{Kind: BackendError, Call: call, Code: code, Msg: msg}
	e.File, e.Line = caller(1)
	return e
}

// Integrity returns a CacheIntegrityWarning.
func Integrity(format string, args ...any) *Error {
	return newError(CacheIntegrityWarning, 1, format, args...)
}

// Wrap classifies err as kind unless it already is an *Error, in which case it is returned as is.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe.WithOp(op)
	}
	e := &Error{Kind: kind, Op: op, Err: err}
	e.File, e.Line = caller(1)
	return e
}
