package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Microphone.Open] when the user or the
// platform refuses microphone access. It is terminal for the start attempt;
// callers must not retry automatically.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Microphone is the entry point for an audio input device. Implementations
// wrap a native audio backend or a remote client (such as a browser streaming
// its microphone over a websocket).
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the device and returns a live [InputStream]. Returns an
	// error wrapping [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context) (InputStream, error)
}

// InputStream is an open microphone.
//
// The Samples channel delivers mono float samples in [-1, 1] in capture order,
// in chunks of whatever size the device produces. It is closed when the stream
// ends, either because Close was called or because the device went away.
type InputStream interface {
	// Samples returns the read-only channel of sample chunks.
	Samples() <-chan []float32

	// SampleRate returns the device sample rate in Hz.
	SampleRate() int

	// Close releases the device. It is safe to call Close more than once.
	Close() error
}
