// Package mock provides in-memory mock implementations of [audio.Microphone],
// [audio.InputStream], and [playback.Device] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(48000)
//	h, _ := capture.Start(ctx, mic, onFrame)
//	mic.Stream().Push(make([]float32, 4096))
//
//	dev := &mock.Device{}
//	sched := playback.New(dev)
//	sched.Enqueue(buf)
//	starts := dev.Starts()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Block, if non-nil, makes Open wait until it is closed or the context
	// ends, like a permission prompt nobody answers.
	Block chan struct{}

	// Rate is the sample rate reported by opened streams.
	Rate int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	stream *InputStream
}

// NewMicrophone returns a Microphone whose streams report rate.
func NewMicrophone(rate int) *Microphone {
	return &Microphone{Rate: rate}
}

// Open implements [audio.Microphone]. It returns OpenErr when set, otherwise a
// fresh [InputStream] that replaces any previous one.
func (m *Microphone) Open(ctx context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	block := m.Block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.stream = &InputStream{
		rate:    m.Rate,
		samples: make(chan []float32, 64),
	}
	return m.stream, nil
}

// OpenCount returns how many times Open was called.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// InputStream is a mock implementation of [audio.InputStream]. Tests feed it
// with [InputStream.Push].
type InputStream struct {
	mu      sync.Mutex
	rate    int
	samples chan []float32
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OnClose, if set, is invoked on every Close call.
	OnClose func()
}

// Push delivers a chunk of samples. Pushes after Close are dropped.
func (s *InputStream) Push(chunk []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.samples <- chunk
}

// Samples implements [audio.InputStream].
func (s *InputStream) Samples() <-chan []float32 { return s.samples }

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Close implements [audio.InputStream]. It closes the samples channel once.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	hook := s.OnClose
	if !s.closed {
		s.closed = true
		close(s.samples)
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ playback.Device = (*Device)(nil)

// ScheduleCall records a single invocation of Device.Schedule.
type ScheduleCall struct {
	Buffer audio.Buffer
	At     time.Duration
}

// Device is a mock [playback.Device] with a manually advanced clock. Sources
// never end on their own; tests call [Device.End] to simulate natural
// completion.
type Device struct {
	mu sync.Mutex

	// Clock is the value returned by Now.
	Clock time.Duration

	// ScheduleErr, if non-nil, is returned by every Schedule call.
	ScheduleErr error

	// ScheduleCalls records every successful Schedule call in order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OnClose, if set, is invoked on every Close call.
	OnClose func()

	sources []*Source
}

// Now implements [playback.Device].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Clock
}

// Advance moves the clock forward by delta.
func (d *Device) Advance(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Clock += delta
}

// Schedule implements [playback.Device].
func (d *Device) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (playback.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	src := &Source{onEnded: onEnded}
	d.sources = append(d.sources, src)
	return src, nil
}

// Starts returns the start times of every scheduled buffer in order.
func (d *Device) Starts() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Duration, len(d.ScheduleCalls))
	for i, c := range d.ScheduleCalls {
		out[i] = c.At
	}
	return out
}

// Sources returns every source handed out so far.
func (d *Device) Sources() []*Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Source, len(d.sources))
	copy(out, d.sources)
	return out
}

// ScheduleCount returns the number of successful Schedule calls.
func (d *Device) ScheduleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ScheduleCalls)
}

// End simulates natural completion of source i, invoking its onEnded
// callback synchronously.
func (d *Device) End(i int) {
	d.mu.Lock()
	src := d.sources[i]
	d.mu.Unlock()
	src.end()
}

// Close implements [playback.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	hook := d.OnClose
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Source is the [playback.Source] handed out by [Device].
type Source struct {
	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func()
}

// Stop implements [playback.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) end() {
	s.mu.Lock()
	if s.ended || s.stopped {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cb := s.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
