// Package gemini implements tts.Provider on top of the Gemini speech
// generation models through the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultModel is the speech generation model used when none is configured.
	DefaultModel = "gemini-2.5-flash-preview-tts"

	// DefaultVoice is the prebuilt voice used when Synthesize receives none.
	DefaultVoice = "Kore"
)

// generator is the subset of *genai.Models used by the provider.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the speech generation model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDefaultVoice sets the voice used when Synthesize receives an empty one.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements tts.Provider with Gemini speech generation.
type Provider struct {
	models  generator
	model   string
	voice   string
	baseURL string
}

// New creates a Gemini TTS provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini tts: apiKey must not be empty")
	}
	p := &Provider{
		model: DefaultModel,
		voice: DefaultVoice,
	}
	for _, o := range opts {
		o(p)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	p.models = client.Models
	return p, nil
}

// Synthesize asks the model to read text aloud and returns the decoded PCM.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Buffer{}, tts.ErrEmptyText
	}
	if voice == "" {
		voice = p.voice
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("gemini tts: generate: %w", err)
	}
	return extractAudio(resp)
}

// extractAudio concatenates every inline audio part of the first candidate.
func extractAudio(resp *genai.GenerateContentResponse) (audio.Buffer, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return audio.Buffer{}, tts.ErrNoAudio
	}

	var (
		pcm  []byte
		rate int
	)
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		if rate == 0 {
			rate = audio.RateFromMIME(part.InlineData.MIMEType)
		}
		pcm = append(pcm, part.InlineData.Data...)
	}
	if len(pcm) == 0 {
		return audio.Buffer{}, tts.ErrNoAudio
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return audio.Buffer{PCM: pcm, SampleRate: rate}, nil
}
