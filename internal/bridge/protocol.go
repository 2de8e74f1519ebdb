package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/dialoghealth/dialog/internal/voice"
	"github.com/dialoghealth/dialog/pkg/health"
)

// Client message types.
const (
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeMute       = "mute"
	TypeAudio      = "audio"
	TypeSpeak      = "speak"
	TypeSpeakStop  = "speak_stop"
	TypeMicReady   = "mic_ready"
	TypeMicDenied  = "mic_denied"
	TypeMicStopped = "mic_stopped"
)

// Server message types.
const (
	TypeSnapshot         = "snapshot"
	TypePlay             = "play"
	TypeHalt             = "halt"
	TypeMicOpen          = "mic_open"
	TypeMicClose         = "mic_close"
	TypeSpeaking         = "speaking"
	TypeLogCreated       = "log_created"
	TypeRemindersChanged = "reminders_changed"
	TypeError            = "error"
)

// Output channels distinguish live model audio from on-demand speech so the
// client can route them to separate audio graphs.
const (
	ChannelLive   = "live"
	ChannelSpeech = "speech"
)

// ClientMessage is any message a browser sends. Fields are populated
// according to Type.
type ClientMessage struct {
	Type string `json:"type"`

	// Muted is set for "mute".
	Muted bool `json:"muted,omitempty"`

	// Data is base64 interleaved PCM16LE for "audio".
	Data string `json:"data,omitempty"`

	// SampleRate is the rate of Data for "audio" and of the device for
	// "mic_ready".
	SampleRate int `json:"sampleRate,omitempty"`

	// Channels is the interleaved channel count of Data for "audio" and of
	// the device for "mic_ready". Zero means mono, or for "audio" the count
	// announced in "mic_ready".
	Channels int `json:"channels,omitempty"`

	// Slot is the transcript index for "speak".
	Slot int `json:"slot,omitempty"`
}

// ParseClientMessage decodes and checks one client message.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("bridge: decode client message: %w", err)
	}
	if msg.Channels < 0 || msg.Channels > maxChannels {
		return ClientMessage{}, fmt.Errorf("bridge: channel count %d out of range", msg.Channels)
	}
	switch msg.Type {
	case TypeStart, TypeStop, TypeMute, TypeSpeakStop, TypeMicDenied, TypeMicStopped:
	case TypeAudio:
		if msg.Data == "" || msg.SampleRate <= 0 {
			return ClientMessage{}, fmt.Errorf("bridge: audio message needs data and sampleRate")
		}
	case TypeMicReady:
		if msg.SampleRate <= 0 {
			return ClientMessage{}, fmt.Errorf("bridge: mic_ready needs sampleRate")
		}
	case TypeSpeak:
		if msg.Slot < 0 {
			return ClientMessage{}, fmt.Errorf("bridge: speak slot %d is negative", msg.Slot)
		}
	default:
		return ClientMessage{}, fmt.Errorf("bridge: unknown message type %q", msg.Type)
	}
	return msg, nil
}

// SnapshotMessage carries the controller view state.
type SnapshotMessage struct {
	Type     string         `json:"type"`
	Snapshot voice.Snapshot `json:"snapshot"`
}

// PlayMessage asks the client to start a buffer at a playback-clock offset.
type PlayMessage struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	ID         uint64 `json:"id"`
	AtMillis   int64  `json:"atMs"`
	SampleRate int    `json:"sampleRate"`
	Data       string `json:"data"`
}

// HaltMessage asks the client to stop a buffer immediately.
type HaltMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      uint64 `json:"id"`
}

// MicMessage asks the client to open or close its microphone.
type MicMessage struct {
	Type string `json:"type"`
}

// SpeakingMessage reports which transcript line is being replayed.
type SpeakingMessage struct {
	Type     string `json:"type"`
	Slot     int    `json:"slot"`
	Speaking bool   `json:"speaking"`
}

// LogCreatedMessage announces a log stored from the conversation.
type LogCreatedMessage struct {
	Type string           `json:"type"`
	Log  health.HealthLog `json:"log"`
}

// NoticeMessage carries a bare notification such as "reminders_changed".
type NoticeMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a rejected client message or a failed command.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
