package failure

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sink receives every failure that crosses the public API.
//
// Fail is called for fatal kinds. A sink that returns from Fail lets the
// failing call return zero values; FatalSink never returns.
type Sink interface {
	Fail(err *Error)
	Warn(err *Error)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Report routes err to sink, as a warning when its kind is not fatal.
func Report(sink Sink, err *Error) {
	if err == nil {
		return
	}
	if err.Kind.Fatal() {
		sink.Fail(err)
		return
	}
	sink.Warn(err)
}

// FatalSink logs the diagnostic line and terminates the process with a non-zero status.
type FatalSink struct{}

// Fail does not return.
func (FatalSink) Fail(err *Error) {
	if err.Log != "" {
		klog.ErrorDepth(1, "Backend diagnostic:\n", err.Log)
	}
	klog.ErrorDepth(1, err.Error())
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}

// Warn logs the warning.
func (FatalSink) Warn(err *Error) {
	klog.WarningDepth(1, err.Error())
}

// PanicSink panics with the *Error so a test can recover it, e.g. with
// exceptions.TryCatch[*failure.Error].
type PanicSink struct{}

func (PanicSink) Fail(err *Error) {
	panic(err)
}

func (PanicSink) Warn(err *Error) {
	klog.WarningDepth(1, err.Error())
}

// CollectSink records failures and warnings and lets the failing call return.
type CollectSink struct {
	mu       sync.Mutex
	failures []*Error
	warnings []*Error
}

func (c *CollectSink) Fail(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *CollectSink) Warn(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, err)
}

// Failures returns a copy of the recorded failures.
func (c *CollectSink) Failures() []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Error(nil), c.failures...)
}

// Warnings returns a copy of the recorded warnings.
func (c *CollectSink) Warnings() []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Error(nil), c.warnings...)
}

// Reset drops everything recorded so far.
func (c *CollectSink) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = nil
	c.warnings = nil
}
