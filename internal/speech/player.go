// Package speech replays transcript lines on demand.
//
// A [Player] synthesizes one line at a time through a [tts.Provider] and plays
// it on its own output device, independent of any live session. Requesting
// the line that is currently speaking stops it; requesting another line
// replaces it. Synthesis results that arrive after they were superseded are
// discarded.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// defaultTimeout bounds a single synthesis request.
const defaultTimeout = 30 * time.Second

// Option is a functional option for configuring a [Player].
type Option func(*Player)

// WithVoice sets the voice passed to the provider. Empty lets the provider
// choose its default.
func WithVoice(voice string) Option {
	return func(p *Player) { p.voice = voice }
}

// WithTimeout bounds each synthesis request. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(p *Player) { p.timeout = d }
}

// WithChangeHandler registers fn to be told whenever the speaking slot
// changes. speaking is false when nothing plays.
func WithChangeHandler(fn func(slot int, speaking bool)) Option {
	return func(p *Player) { p.onChange = fn }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(p *Player) { p.providerName = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// Player plays synthesized transcript lines. It is safe for concurrent use.
type Player struct {
	tts          tts.Provider
	dev          playback.Device
	voice        string
	timeout      time.Duration
	onChange     func(int, bool)
	providerName string
	log          *slog.Logger
	metrics      *observe.Metrics

	base     context.Context
	cancelFn context.CancelFunc

	mu       sync.Mutex
	gen      uint64
	slot     int
	speaking bool
	src      playback.Source
	cancel   context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// New creates a Player that synthesizes through provider and plays on dev.
// The player owns dev and closes it in [Player.Close].
func New(provider tts.Provider, dev playback.Device, opts ...Option) (*Player, error) {
	if provider == nil {
		return nil, errors.New("speech: provider must not be nil")
	}
	if dev == nil {
		return nil, errors.New("speech: device must not be nil")
	}
	p := &Player{
		tts:          provider,
		dev:          dev,
		timeout:      defaultTimeout,
		providerName: "tts",
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.base, p.cancelFn = context.WithCancel(context.Background())
	return p, nil
}

// Play speaks text for transcript slot. If slot is already speaking, Play
// stops it instead. Play returns immediately; synthesis runs in the
// background.
func (p *Player) Play(text string, slot int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.speaking && p.slot == slot {
		src, cancel := p.stopLocked()
		p.mu.Unlock()
		release(src, cancel)
		p.changed(slot, false)
		return
	}

	src, cancel := p.stopLocked()
	p.gen++
	gen := p.gen
	p.slot = slot
	p.speaking = true
	ctx, reqCancel := context.WithTimeout(p.base, p.timeout)
	p.cancel = reqCancel
	p.mu.Unlock()

	release(src, cancel)
	p.changed(slot, true)

	p.wg.Go(func() {
		defer reqCancel()
		p.synthesize(ctx, gen, slot, text)
	})
}

func (p *Player) synthesize(ctx context.Context, gen uint64, slot int, text string) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		attribute.Int("speech.slot", slot),
		attribute.Int("speech.chars", len(text)),
	)
	defer span.End()

	start := time.Now()
	buf, err := p.tts.Synthesize(ctx, text, p.voice)
	p.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) && !p.current(gen) {
			// Superseded while in flight.
			return
		}
		p.metrics.RecordProviderRequest(ctx, p.providerName, "synthesize", "error")
		p.metrics.RecordProviderError(ctx, p.providerName, "synthesize")
		observe.Fail(span, err, "synthesis_failed")
		p.log.Warn("speech: synthesis failed", "slot", slot, "err", err)
		p.finish(gen)
		return
	}
	p.metrics.RecordProviderRequest(ctx, p.providerName, "synthesize", "ok")

	p.mu.Lock()
	if gen != p.gen || !p.speaking {
		p.mu.Unlock()
		p.log.Debug("speech: discarding superseded synthesis", "slot", slot)
		return
	}
	src, err := p.dev.Schedule(buf, p.dev.Now(), func() { p.finish(gen) })
	if err != nil {
		p.speaking = false
		p.mu.Unlock()
		p.log.Warn("speech: schedule failed", "slot", slot, "err", err)
		p.changed(slot, false)
		return
	}
	p.src = src
	p.mu.Unlock()
}

// current reports whether gen is still the live request.
func (p *Player) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.gen && p.speaking
}

// finish clears the slot if gen is still the live request.
func (p *Player) finish(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.speaking {
		p.mu.Unlock()
		return
	}
	slot := p.slot
	p.speaking = false
	p.src = nil
	p.mu.Unlock()
	p.changed(slot, false)
}

// Stop halts whatever is speaking.
func (p *Player) Stop() {
	p.mu.Lock()
	wasSpeaking, slot := p.speaking, p.slot
	src, cancel := p.stopLocked()
	p.mu.Unlock()

	release(src, cancel)
	if wasSpeaking {
		p.changed(slot, false)
	}
}

// stopLocked invalidates the live request and returns what must be released
// outside the lock.
func (p *Player) stopLocked() (playback.Source, context.CancelFunc) {
	src, cancel := p.src, p.cancel
	p.src, p.cancel = nil, nil
	p.speaking = false
	p.gen++
	return src, cancel
}

func release(src playback.Source, cancel context.CancelFunc) {
	if src != nil {
		src.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Speaking returns the slot that is currently speaking.
func (p *Player) Speaking() (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot, p.speaking
}

// Close stops playback, waits for pending synthesis, and releases the device.
// Calling Close more than once is safe.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.Stop()
	p.cancelFn()
	p.wg.Wait()
	return p.dev.Close()
}

func (p *Player) changed(slot int, speaking bool) {
	if p.onChange != nil {
		p.onChange(slot, speaking)
	}
}
