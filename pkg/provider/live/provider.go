// Package live defines the Provider interface for duplex live-conversation
// backends.
//
// A live provider wraps a real-time voice model that accepts streamed
// microphone audio and answers with interleaved transcripts, synthesized audio,
// and structured tool calls over one long-lived connection. Unlike a
// request/response pipeline, everything arrives through a set of callbacks
// that the provider invokes from a single receive goroutine, so callers observe
// inbound events strictly in arrival order.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// ErrSessionClosed is returned by [Session] methods after Close.
var ErrSessionClosed = errors.New("live: session closed")

// ModalityAudio requests spoken responses from the model.
const ModalityAudio = "AUDIO"

// ToolDefinition declares a function the model may call during the session.
type ToolDefinition struct {
	// Name is the function name the model uses in tool calls.
	Name string

	// Description tells the model when to call the function.
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Config is the initial configuration for a new live session.
type Config struct {
	// Model is the provider-specific model identifier. Empty selects the
	// provider default.
	Model string

	// Instructions is the system instruction text for the whole session.
	Instructions string

	// Tools lists the functions the model may call.
	Tools []ToolDefinition

	// ResponseModalities lists the requested output modalities. Empty means
	// [ModalityAudio].
	ResponseModalities []string

	// Voice is the prebuilt voice name for synthesized output.
	Voice string

	// Language is a BCP-47 language hint for speech recognition and output.
	Language string

	// InputTranscription enables incremental transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription enables incremental transcripts of the model's speech.
	OutputTranscription bool
}

// InlineAudio is one chunk of model speech as received on the wire. Data is
// still base64-encoded so that consumers who are not going to play it can skip
// decoding entirely.
type InlineAudio struct {
	MIMEType string
	Data     string
}

// SampleRate parses the rate parameter of the chunk's MIME type
// ("audio/pcm;rate=24000"). It returns [audio.PlaybackRate] when the parameter
// is absent or malformed.
func (a InlineAudio) SampleRate() int {
	return audio.RateFromMIME(a.MIMEType)
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	// ID is the opaque correlation token echoed back in the tool response.
	ID string

	// Name is the declared function name.
	Name string

	// Args holds the decoded JSON arguments.
	Args map[string]any
}

// ServerMessage is one inbound event. Several fields may be set at once; the
// consumer processes them in field order.
type ServerMessage struct {
	Audio            []InlineAudio
	InputTranscript  string
	OutputTranscript string
	ToolCalls        []FunctionCall
	TurnComplete     bool
	Interrupted      bool
}

// ToolResponse answers a single [FunctionCall].
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// CloseEvent describes an orderly remote close.
type CloseEvent struct {
	Code   int
	Reason string
}

// Callbacks receives session events. Every callback is invoked from the
// session's receive goroutine; implementations must not block for long and
// must not call [Session.Close] synchronously. Nil callbacks are skipped.
type Callbacks struct {
	// OnOpen fires once when the backend acknowledges the session setup.
	OnOpen func()

	// OnMessage fires for every inbound server message after OnOpen.
	OnMessage func(ServerMessage)

	// OnError fires when the connection fails or the backend reports a
	// protocol error. No further callbacks follow.
	OnError func(error)

	// OnClose fires when the backend closes the connection normally. It is not
	// invoked for closes initiated by [Session.Close].
	OnClose func(CloseEvent)
}

// Session is an open live session.
type Session interface {
	// SendRealtimeInput streams one captured audio frame to the model.
	SendRealtimeInput(ctx context.Context, frame audio.Frame) error

	// SendToolResponse answers a tool call.
	SendToolResponse(ctx context.Context, resp ToolResponse) error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any live backend.
type Provider interface {
	// Connect dials the backend and sends the session setup. It returns once
	// the setup has been written; cb.OnOpen reports when the backend is ready
	// to accept input.
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error)
}
