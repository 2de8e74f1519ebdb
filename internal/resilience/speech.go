package resilience

import (
	"context"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// SpeechFallback is a [tts.Provider] that fails over across several speech
// backends.
type SpeechFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*SpeechFallback)(nil)

// NewSpeechFallback creates a [SpeechFallback] preferring primary.
func NewSpeechFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *SpeechFallback {
	return &SpeechFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *SpeechFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// Len returns the number of backends.
func (f *SpeechFallback) Len() int { return f.group.Len() }

// Synthesize renders text on the first healthy backend. The voice is passed
// unchanged, so backends should share a voice naming scheme or ignore
// unknown voices.
func (f *SpeechFallback) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (audio.Buffer, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
