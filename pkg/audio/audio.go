// Package audio defines the frame and buffer types that flow through the DiaLog
// voice pipeline, the [Microphone] abstraction the capture adapter reads from,
// and the PCM conversion helpers shared by capture, playback, and providers.
//
// Two sample rates matter: captured speech is sent to the model as 16 kHz mono
// PCM16LE ([CaptureRate]), and synthesized speech comes back as 24 kHz mono
// PCM16LE ([PlaybackRate]).
//
// This package lives under pkg/ because host adapters (browser bridges, native
// audio backends) are expected to implement [Microphone].
package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// CaptureRate is the sample rate of frames sent to the live model.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of audio produced by the live model and
	// the speech synthesizer.
	PlaybackRate = 24000

	// DefaultFrameSamples is the number of samples per capture frame.
	DefaultFrameSamples = 4096
)

// Encoding returns the wire MIME type for mono PCM16LE audio at rate, e.g.
// "audio/pcm;rate=16000".
func Encoding(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// RateFromMIME reads the rate parameter of a PCM MIME type such as
// "audio/pcm;rate=24000" or "audio/L16;codec=pcm;rate=24000". It returns
// [PlaybackRate] when the parameter is absent or malformed.
func RateFromMIME(mime string) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return PlaybackRate
}

// Frame is a single fixed-length unit of captured audio. Frames are transient:
// they are sent once and never retained.
type Frame struct {
	// Data holds mono PCM16LE samples at SampleRate.
	Data []byte

	// SampleRate in Hz (16000 for frames bound for the live model).
	SampleRate int

	// Channels is always 1 for capture frames.
	Channels int

	// Encoding is the wire MIME type of Data (see [Encoding]).
	Encoding string

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Buffer is a decoded chunk of speech ready to be scheduled for playback.
type Buffer struct {
	// PCM holds mono PCM16LE samples.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int
}

// Samples returns the number of samples in b.
func (b Buffer) Samples() int {
	return len(b.PCM) / 2
}

// Duration returns the playback length of b. A buffer with a non-positive
// sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Samples()) * time.Second / time.Duration(b.SampleRate)
}
