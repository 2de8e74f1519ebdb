package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// Compile-time interface assertion.
var _ Device = (*TimerDevice)(nil)

// Sink receives the scheduling decisions of a [TimerDevice] and performs the
// actual output, for example by forwarding buffers to a remote client that
// owns the loudspeaker.
type Sink interface {
	// Play starts buffer id at playback-clock time at.
	Play(id uint64, buf audio.Buffer, at time.Duration) error

	// Stop halts buffer id immediately.
	Stop(id uint64) error
}

// TimerDevice is a [Device] whose playback clock is the wall-clock time since
// construction. It tracks source lifetimes with timers and delegates output
// to a [Sink].
type TimerDevice struct {
	sink  Sink
	epoch time.Time
	now   func() time.Time

	mu      sync.Mutex
	seq     uint64
	sources map[uint64]*timerSource
	closed  bool
}

// TimerOption configures a [TimerDevice].
type TimerOption func(*TimerDevice)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) TimerOption {
	return func(d *TimerDevice) { d.now = now }
}

// NewTimerDevice creates a TimerDevice that forwards output to sink.
func NewTimerDevice(sink Sink, opts ...TimerOption) *TimerDevice {
	d := &TimerDevice{
		sink:    sink,
		now:     time.Now,
		sources: make(map[uint64]*timerSource),
	}
	for _, o := range opts {
		o(d)
	}
	d.epoch = d.now()
	return d
}

// Now returns the time elapsed since the device was created.
func (d *TimerDevice) Now() time.Duration {
	return d.now().Sub(d.epoch)
}

// Schedule forwards buf to the sink and arms a timer that fires onEnded when
// the buffer would have finished playing.
func (d *TimerDevice) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	now := d.Now()
	if at < now {
		at = now
	}

	d.seq++
	id := d.seq
	if err := d.sink.Play(id, buf, at); err != nil {
		return nil, fmt.Errorf("playback: sink play: %w", err)
	}

	src := &timerSource{dev: d, id: id, onEnded: onEnded}
	d.sources[id] = src
	src.timer = time.AfterFunc(at-now+buf.Duration(), src.finish)
	return src, nil
}

// forget removes a source from the live set.
func (d *TimerDevice) forget(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sources, id)
}

// Active returns the number of sources that have not ended yet.
func (d *TimerDevice) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sources)
}

// Close stops every live source. Close is idempotent.
func (d *TimerDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	live := make([]*timerSource, 0, len(d.sources))
	for _, src := range d.sources {
		live = append(live, src)
	}
	d.mu.Unlock()

	for _, src := range live {
		src.Stop()
	}
	return nil
}

// timerSource is the [Source] handed out by [TimerDevice].
type timerSource struct {
	dev     *TimerDevice
	id      uint64
	timer   *time.Timer
	onEnded func()
	once    sync.Once
}

// finish runs on the timer goroutine when playback ends naturally.
func (s *timerSource) finish() {
	s.once.Do(func() {
		s.dev.forget(s.id)
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// Stop cancels the timer, tells the sink to stop, and reports the end
// asynchronously.
func (s *timerSource) Stop() {
	s.once.Do(func() {
		s.timer.Stop()
		s.dev.forget(s.id)
		_ = s.dev.sink.Stop(s.id)
		if s.onEnded != nil {
			go s.onEnded()
		}
	})
}
