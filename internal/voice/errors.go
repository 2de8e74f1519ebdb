package voice

import "errors"

var (
	// ErrNotOpen is returned by [Stream] send operations while the stream is
	// not in the open state. Captured frames hitting it are simply dropped.
	ErrNotOpen = errors.New("voice: stream not open")

	// ErrSessionActive is returned by [Controller.Start] when a session is
	// already connecting, active, or closing.
	ErrSessionActive = errors.New("voice: session already active")

	// ErrStopped is returned by [Controller.Start] when Stop was called before
	// the session became active.
	ErrStopped = errors.New("voice: session stopped during start")
)

// TransportError reports a failure of the live connection. Op names the
// operation that failed ("connect", "open", "send audio", "receive").
type TransportError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return "voice: transport " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }
