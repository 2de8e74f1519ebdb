// Package tts defines the Provider interface for request/response
// Text-to-Speech backends.
//
// A TTS provider turns one piece of text into one decoded PCM buffer. It is the
// synthesis path behind speech-on-demand replay and is independent of the live
// session's own streamed audio.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// ErrEmptyText is returned by [Provider.Synthesize] when text is blank.
var ErrEmptyText = errors.New("tts: text is empty")

// ErrNoAudio is returned when the backend answered without any audio.
var ErrNoAudio = errors.New("tts: response contained no audio")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the named voice and returns the complete
	// decoded 16-bit mono PCM buffer. An empty voice selects the provider
	// default.
	Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error)
}
