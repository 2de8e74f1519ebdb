// Package capture implements the microphone side of the voice pipeline.
//
// [Start] opens an [audio.Microphone], resamples its sample stream to 16 kHz,
// re-chunks it into fixed-size mono PCM16LE frames, and hands each frame to a
// callback together with the frame's RMS level. There is no internal
// queue: frames are delivered synchronously in capture order, and consumers
// that are not ready simply drop them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// FrameFunc receives each captured frame and its instantaneous RMS level in
// [0, 1]. It is called sequentially from the capture goroutine and must not
// block for extended periods.
type FrameFunc func(frame audio.Frame, level float64)

// Option configures a capture [Handle].
type Option func(*options)

type options struct {
	frameSamples int
	targetRate   int
}

// WithFrameSamples sets the number of target-rate samples per emitted frame.
// Non-positive values are ignored.
func WithFrameSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.frameSamples = n
		}
	}
}

// WithTargetRate overrides the sample rate of emitted frames. Defaults to
// [audio.CaptureRate].
func WithTargetRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.targetRate = rate
		}
	}
}

// Handle is a running capture. Call [Handle.Stop] to release the microphone.
type Handle struct {
	stream  audio.InputStream
	onFrame FrameFunc
	opts    options

	stopOnce sync.Once
	done     chan struct{}
}

// Start opens mic and begins emitting frames to onFrame. It returns an error
// wrapping [audio.ErrPermissionDenied] when microphone access is refused;
// that error is terminal for this attempt.
func Start(ctx context.Context, mic audio.Microphone, onFrame FrameFunc, opts ...Option) (*Handle, error) {
	if mic == nil {
		return nil, errors.New("capture: microphone is nil")
	}
	if onFrame == nil {
		return nil, errors.New("capture: frame callback is nil")
	}

	o := options{
		frameSamples: audio.DefaultFrameSamples,
		targetRate:   audio.CaptureRate,
	}
	for _, opt := range opts {
		opt(&o)
	}

	stream, err := mic.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}

	h := &Handle{
		stream:  stream,
		onFrame: onFrame,
		opts:    o,
		done:    make(chan struct{}),
	}
	go h.run()
	return h, nil
}

// run resamples the device stream to the target rate and re-chunks the
// result into fixed frames. Partial trailing samples are discarded when the
// stream ends.
func (h *Handle) run() {
	defer close(h.done)

	rs := audio.NewResampler(h.stream.SampleRate(), h.opts.targetRate)
	pending := make([]float32, 0, h.opts.frameSamples)
	var emitted int

	for chunk := range h.stream.Samples() {
		chunk = rs.Process(chunk)
		for len(chunk) > 0 {
			n := min(h.opts.frameSamples-len(pending), len(chunk))
			pending = append(pending, chunk[:n]...)
			chunk = chunk[n:]
			if len(pending) < h.opts.frameSamples {
				continue
			}

			h.emit(pending, emitted)
			emitted += len(pending)
			pending = pending[:0]
		}
	}
	slog.Debug("capture stream ended", "samples", emitted)
}

// emit converts one full frame at the target rate and delivers it. offset is
// the number of target-rate samples emitted before it.
func (h *Handle) emit(samples []float32, offset int) {
	rate := h.opts.targetRate
	h.onFrame(audio.Frame{
		Data:       audio.Float32ToPCM16(samples),
		SampleRate: rate,
		Channels:   1,
		Encoding:   audio.Encoding(rate),
		Timestamp:  time.Duration(offset) * time.Second / time.Duration(rate),
	}, audio.RMS(samples))
}

// Stop releases the microphone and waits for the capture goroutine to exit.
// No frame is delivered after Stop returns. It is safe to call Stop more than
// once.
func (h *Handle) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		err = h.stream.Close()
		<-h.done
	})
	if err != nil {
		return fmt.Errorf("capture: close microphone: %w", err)
	}
	return nil
}

// Done returns a channel that is closed when the capture goroutine exits,
// either after [Handle.Stop] or because the device stream ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
