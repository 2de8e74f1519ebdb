// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return a controlled buffer and to verify which text and
// voice were requested. Set Block to hold Synthesize until the test releases
// it, which makes superseded-request scenarios deterministic.
//
// Example:
//
//	p := &mock.Provider{Result: audio.Buffer{PCM: pcm, SampleRate: 24000}}
//	buf, _ := p.Synthesize(ctx, "hello", "Kore")
package mock

import (
	"context"
	"sync"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when Err is nil.
	Result audio.Buffer

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Block, if non-nil, makes Synthesize wait until a value is received from
	// it or ctx is done.
	Block chan struct{}

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	block := p.Block
	result, err := p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audio.Buffer{}, ctx.Err()
		}
	}
	return result, err
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
