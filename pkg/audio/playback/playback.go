// Package playback schedules synthesized speech for gap-free output.
//
// A [Scheduler] sits between the live session's inbound audio and an output
// [Device]. Each enqueued [audio.Buffer] starts exactly when its predecessor
// ends (or immediately, if the device clock has already passed that point), so
// consecutive model chunks play back-to-back with neither gaps nor overlap.
// [Scheduler.InterruptAll] implements barge-in: every in-flight source is
// stopped at once and the cursor is reset.
//
// All exported methods are safe for concurrent use.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// ErrDeviceClosed is returned by [Device.Schedule] after the device has been
// released.
var ErrDeviceClosed = errors.New("playback: device closed")

// Source is a single scheduled buffer on a [Device].
type Source interface {
	// Stop halts the source immediately. Stopping a finished or already
	// stopped source is a no-op.
	Stop()
}

// Device is an audio output context with a monotonically advancing playback
// clock.
//
// Implementations must be safe for concurrent use. The onEnded callback passed
// to Schedule must never be invoked synchronously from within Schedule or
// Stop; it is called once, on an internal goroutine, when the source finishes
// naturally or is stopped.
type Device interface {
	// Now returns the current playback-clock time.
	Now() time.Duration

	// Schedule arranges for buf to start playing at the playback-clock time
	// at. A value of at that is already in the past means "now".
	Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close releases the output context and stops all of its sources.
	Close() error
}

// Scheduler owns the set of in-flight sources and the playback cursor for one
// live session.
type Scheduler struct {
	dev Device

	mu      sync.Mutex
	next    time.Duration // playback-clock time at which the next buffer starts
	seq     uint64
	sources map[uint64]Source
	closed  bool
}

// New creates a Scheduler that plays through dev. The scheduler takes
// ownership of dev and closes it in [Scheduler.Close].
func New(dev Device) *Scheduler {
	return &Scheduler{
		dev:     dev,
		sources: make(map[uint64]Source),
	}
}

// Enqueue schedules buf to start at max(now, cursor) and advances the cursor
// by the buffer's duration. It never blocks on playback. Empty buffers and
// calls after [Scheduler.Close] are ignored.
func (s *Scheduler) Enqueue(buf audio.Buffer) {
	if buf.Samples() == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	start := max(s.dev.Now(), s.next)
	s.seq++
	id := s.seq

	src, err := s.dev.Schedule(buf, start, func() { s.release(id) })
	if err != nil {
		slog.Warn("playback: schedule failed, dropping buffer", "err", err, "samples", buf.Samples())
		return
	}
	s.sources[id] = src
	s.next = start + buf.Duration()
}

// release forgets a source once the device reports it has ended.
func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

// InterruptAll stops every in-flight source, clears the set, and resets the
// cursor so the next buffer starts from "now".
func (s *Scheduler) InterruptAll() {
	s.mu.Lock()
	stopping := s.drainLocked()
	s.mu.Unlock()

	for _, src := range stopping {
		src.Stop()
	}
	if len(stopping) > 0 {
		slog.Debug("playback interrupted", "sources", len(stopping))
	}
}

// drainLocked empties the source set and resets the cursor. Callers must hold
// s.mu and stop the returned sources after unlocking.
func (s *Scheduler) drainLocked() []Source {
	stopping := make([]Source, 0, len(s.sources))
	for id, src := range s.sources {
		stopping = append(stopping, src)
		delete(s.sources, id)
	}
	s.next = 0
	return stopping
}

// Pending returns the number of sources that are scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Cursor returns the playback-clock time at which the next buffer would start
// if the device clock has not yet reached it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops all sources and releases the device. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopping := s.drainLocked()
	s.mu.Unlock()

	for _, src := range stopping {
		src.Stop()
	}
	return s.dev.Close()
}
