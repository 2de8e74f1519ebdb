// Package voice implements the real-time voice logging session: a [Stream]
// that speaks the live protocol for one connection, and a [Controller] that
// owns the microphone, the playback scheduler, the tool-call dispatcher, and
// the transcript for the lifetime of a user-facing session.
//
// Inbound events are delivered by the live transport's single receive
// goroutine, so transcript accumulation, playback scheduling, and turn
// finalization observe messages strictly in arrival order. Tool calls are
// forwarded without waiting; their responses are sent whenever dispatch
// completes.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

// StreamState is the protocol state of a [Stream].
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamOpen
	StreamClosing
	StreamClosed
	StreamError
)

// String returns the lower-case state name.
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamClosing:
		return "closing"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// ToolCallHandler receives tool calls from the stream. It must return quickly;
// the stream does not wait for a result.
type ToolCallHandler func(ctx context.Context, call live.FunctionCall)

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithEntrySink sets the callback that receives finalized transcript entries.
func WithEntrySink(fn func(TranscriptEntry)) StreamOption {
	return func(s *Stream) { s.onEntry = fn }
}

// WithPartialSink sets the callback that is told whenever the partial turn
// buffers change.
func WithPartialSink(fn func(input, output string, composing bool)) StreamOption {
	return func(s *Stream) { s.onPartial = fn }
}

// WithEndHandler sets the callback invoked once when an open stream ends
// because of the remote side. err is nil for an orderly close and a
// [*TransportError] otherwise. The handler runs on the receive goroutine and
// must not call [Stream.Close] synchronously.
func WithEndHandler(fn func(err error)) StreamOption {
	return func(s *Stream) { s.onEnd = fn }
}

// WithStreamLogger sets the logger. Defaults to [slog.Default].
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.log = l }
}

// WithStreamMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// WithStreamClock replaces time.Now for entry timestamps. Used in tests.
func WithStreamClock(now func() time.Time) StreamOption {
	return func(s *Stream) { s.now = now }
}

// Stream is the protocol state machine for one live connection. A Stream is
// single-use: once closed or failed it cannot be reopened.
//
// All methods are safe for concurrent use.
type Stream struct {
	provider live.Provider
	sched    *playback.Scheduler

	onEntry   func(TranscriptEntry)
	onPartial func(input, output string, composing bool)
	onEnd     func(error)
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time

	mu         sync.Mutex
	state      StreamState
	session    live.Session
	ctx        context.Context
	cancel     context.CancelFunc
	ready      chan error
	released   bool
	counted    bool
	muted      bool
	onToolCall ToolCallHandler

	// Partial turn buffers. in accumulates the user's speech, out the model's.
	in        strings.Builder
	out       strings.Builder
	composing bool
}

// NewStream creates an idle Stream that will connect through provider and
// schedule inbound speech on sched. The stream never closes sched.
func NewStream(provider live.Provider, sched *playback.Scheduler, opts ...StreamOption) *Stream {
	s := &Stream{
		provider: provider,
		sched:    sched,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// OnToolCall registers the handler for inbound tool calls. Calls arriving
// with no handler registered are logged and dropped.
func (s *Stream) OnToolCall(h ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onToolCall = h
}

// State returns the current protocol state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open connects and waits until the backend acknowledges the session setup.
// It fails with a [*TransportError] when the connection cannot be established
// or ctx ends first.
func (s *Stream) Open(ctx context.Context, cfg live.Config) error {
	s.mu.Lock()
	if s.state != StreamIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("voice: open: stream is %s", st)
	}
	s.state = StreamConnecting
	s.ready = make(chan error, 1)
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	ready := s.ready
	s.mu.Unlock()

	start := time.Now()
	sess, err := s.provider.Connect(ctx, cfg, live.Callbacks{
		OnOpen:    s.handleOpen,
		OnMessage: s.handleMessage,
		OnError:   s.handleError,
		OnClose:   s.handleClose,
	})
	if err != nil {
		s.fail()
		return &TransportError{Op: "connect", Err: err}
	}

	s.mu.Lock()
	s.session = sess
	released := s.released
	s.mu.Unlock()
	if released {
		// Close ran while Connect was in flight.
		_ = sess.Close()
	}

	select {
	case err = <-ready:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.fail()
		_ = sess.Close()
		return &TransportError{Op: "open", Err: err}
	}

	s.metrics.SessionSetupDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// fail moves a connecting stream to the error state.
func (s *Stream) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamConnecting {
		s.state = StreamError
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// signalLocked delivers the outcome of the connect phase to Open.
func (s *Stream) signalLocked(err error) {
	select {
	case s.ready <- err:
	default:
	}
}

// SendAudioFrame streams one captured frame. Frames are dropped with
// [ErrNotOpen] unless the stream is open.
func (s *Stream) SendAudioFrame(frame audio.Frame) error {
	s.mu.Lock()
	if s.state != StreamOpen || s.session == nil {
		s.mu.Unlock()
		s.metrics.RecordFrame(context.Background(), observe.FrameDropped)
		return ErrNotOpen
	}
	sess, ctx := s.session, s.ctx
	s.mu.Unlock()

	if err := sess.SendRealtimeInput(ctx, frame); err != nil {
		s.metrics.RecordFrame(ctx, observe.FrameFailed)
		return &TransportError{Op: "send audio", Err: err}
	}
	s.metrics.RecordFrame(ctx, observe.FrameSent)
	return nil
}

// SendToolResponse answers a tool call. Responses for calls that complete
// after the stream left the open state fail with [ErrNotOpen].
func (s *Stream) SendToolResponse(ctx context.Context, resp live.ToolResponse) error {
	s.mu.Lock()
	if s.state != StreamOpen || s.session == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	sess := s.session
	s.mu.Unlock()

	if err := sess.SendToolResponse(ctx, resp); err != nil {
		return &TransportError{Op: "send tool response", Err: err}
	}
	return nil
}

// SetMuted toggles playback of inbound speech. While muted, audio chunks are
// neither decoded nor scheduled; transcripts and tool calls are unaffected.
func (s *Stream) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Partial returns the in-progress user and model text and whether the model
// is currently composing a reply.
func (s *Stream) Partial() (input, output string, composing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.String(), s.out.String(), s.composing
}

// Close terminates the connection. It does not touch the playback scheduler.
// Calling Close more than once is safe.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	switch s.state {
	case StreamConnecting, StreamOpen:
		s.state = StreamClosing
	case StreamIdle:
		s.state = StreamClosed
	}
	if s.ready != nil {
		s.signalLocked(live.ErrSessionClosed)
	}
	sess, cancel := s.session, s.cancel
	counted := s.counted
	s.counted = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = fmt.Errorf("voice: close stream: %w", cerr)
		}
	}

	s.mu.Lock()
	if s.state == StreamClosing {
		s.state = StreamClosed
	}
	s.mu.Unlock()
	if counted {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	return err
}

// ─── Inbound ──────────────────────────────────────────────────────────────────

func (s *Stream) handleOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamConnecting {
		return
	}
	s.state = StreamOpen
	s.counted = true
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.signalLocked(nil)
}

func (s *Stream) handleMessage(msg live.ServerMessage) {
	s.mu.Lock()
	if s.state != StreamOpen {
		s.mu.Unlock()
		return
	}
	muted := s.muted
	ctx := s.ctx
	handler := s.onToolCall
	s.mu.Unlock()

	if !muted {
		for _, chunk := range msg.Audio {
			buf, err := audio.DecodeBase64PCM(chunk.Data, chunk.SampleRate())
			if err != nil {
				s.log.Warn("voice: undecodable audio chunk", "mime", chunk.MIMEType, "err", err)
				continue
			}
			s.sched.Enqueue(buf)
		}
	}

	partialChanged := false
	s.mu.Lock()
	if msg.InputTranscript != "" {
		s.in.WriteString(msg.InputTranscript)
		partialChanged = true
	}
	if msg.OutputTranscript != "" {
		s.out.WriteString(msg.OutputTranscript)
		s.composing = true
		partialChanged = true
	}
	s.mu.Unlock()

	for _, call := range msg.ToolCalls {
		if handler == nil {
			s.log.Warn("voice: tool call without handler", "tool", call.Name, "id", call.ID)
			continue
		}
		handler(ctx, call)
	}

	var finalized []TranscriptEntry
	if msg.TurnComplete {
		finalized = s.finalizeTurn()
		partialChanged = true
	}

	if msg.Interrupted {
		s.sched.InterruptAll()
		s.mu.Lock()
		s.out.Reset()
		s.composing = false
		s.mu.Unlock()
		s.metrics.RecordInterruption(ctx)
		partialChanged = true
	}

	if s.onEntry != nil {
		for _, e := range finalized {
			s.onEntry(e)
		}
	}
	if len(finalized) > 0 {
		s.metrics.RecordTurn(ctx)
	}
	if partialChanged && s.onPartial != nil {
		in, out, composing := s.Partial()
		s.onPartial(in, out, composing)
	}
}

// finalizeTurn turns the non-empty partial buffers into entries, user first,
// and resets both buffers.
func (s *Stream) finalizeTurn() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var entries []TranscriptEntry
	if s.in.Len() > 0 {
		entries = append(entries, TranscriptEntry{Sender: SenderUser, Text: s.in.String(), CreatedAt: now})
	}
	if s.out.Len() > 0 {
		entries = append(entries, TranscriptEntry{Sender: SenderAI, Text: s.out.String(), CreatedAt: now})
	}
	s.in.Reset()
	s.out.Reset()
	s.composing = false
	return entries
}

func (s *Stream) handleError(err error) {
	s.mu.Lock()
	switch s.state {
	case StreamConnecting:
		s.state = StreamError
		s.signalLocked(err)
		s.mu.Unlock()
		return
	case StreamOpen:
		s.state = StreamError
	default:
		s.mu.Unlock()
		s.log.Debug("voice: error after stream end", "err", err)
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.metrics.RecordProviderError(ctx, "live", "receive")
	s.log.Error("voice: live session failed", "err", err)
	if s.onEnd != nil {
		s.onEnd(&TransportError{Op: "receive", Err: err})
	}
}

func (s *Stream) handleClose(ev live.CloseEvent) {
	s.mu.Lock()
	switch s.state {
	case StreamConnecting:
		s.state = StreamError
		s.signalLocked(fmt.Errorf("closed before setup completed (code %d): %s", ev.Code, ev.Reason))
		s.mu.Unlock()
		return
	case StreamOpen:
		s.state = StreamClosed
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Info("voice: live session closed by remote", "code", ev.Code, "reason", ev.Reason)
	if s.onEnd != nil {
		s.onEnd(nil)
	}
}
