package archon

import "fmt"

// ControllerError is returned for conditions the controller cannot recover
// from: a command came back FAILED or TIMEDOUT, the connection dropped, or
// a reply violated the wire protocol. It carries the controller name so a
// process driving several controllers can tell them apart in logs, which
// is what the Python implementation achieved by inspecting the call stack
// for the controller instance; not idiomatic here, so the name is passed
// in explicitly at construction time instead.
type ControllerError struct {
	Controller string
	Op         string
	Err        error
}

func (e *ControllerError) Error() string {
	if e.Controller == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Controller, e.Op, e.Err)
}

func (e *ControllerError) Unwrap() error { return e.Err }

func newControllerError(controller, op string, err error) *ControllerError {
	return &ControllerError{Controller: controller, Op: op, Err: err}
}

// ControllerWarning is raised for degraded-but-continuing conditions, the
// Go analogue of ArchonUserWarning/ArchonControllerWarning: a power bad
// flag, a non-fatal timeout on an advisory poll, an autoflush that could
// not be disabled cleanly. Callers that care can type-assert for it.
// Controller never builds or returns one: its own warnings are plain
// log messages sent through Controller.warn.
type ControllerWarning struct {
	Controller string
	Message    string
}

func (w *ControllerWarning) Error() string {
	if w.Controller == "" {
		return w.Message
	}
	return fmt.Sprintf("%s: %s", w.Controller, w.Message)
}

var (
	// ErrIDPoolExhausted is returned by IDPool.Acquire when every id in
	// [0,255] is currently checked out.
	ErrIDPoolExhausted = fmt.Errorf("archon: command id pool exhausted")

	// ErrNotConnected is returned by operations that require an active
	// Connection when none is established.
	ErrNotConnected = fmt.Errorf("archon: not connected")

	// ErrCommandTimedOut is the terminal error attached to a Command whose
	// deadline elapsed before a DONE/FAILED reply arrived.
	ErrCommandTimedOut = fmt.Errorf("archon: command timed out")

	// ErrCommandFailed is the terminal error attached to a Command that
	// received an explicit "?" failure reply.
	ErrCommandFailed = fmt.Errorf("archon: command failed")

	// ErrMalformedReply is returned by the framer/parser when a line does
	// not match the expected reply grammar.
	ErrMalformedReply = fmt.Errorf("archon: malformed reply")

	// ErrNoACFLoaded reports that no ACF configuration has been loaded.
	// No Controller procedure returns it; Expose runs without checking
	// for a loaded ACF.
	ErrNoACFLoaded = fmt.Errorf("archon: no ACF configuration loaded")
)
