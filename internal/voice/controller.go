package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/internal/toolcall"
	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/audio/capture"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
	"github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

// State is the user-facing session state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OutputFactory opens a fresh playback device for one session.
type OutputFactory func() (playback.Device, error)

// SessionConfig holds the per-session model settings.
type SessionConfig struct {
	// Model selects the live model. Empty uses the provider default.
	Model string

	// Voice is the prebuilt voice for spoken replies.
	Voice string

	// Instructions overrides [MasterPrompt] as the base instruction.
	Instructions string

	// LanguageCode is passed to the transport as a BCP-47 language hint.
	// Empty lets the model detect the language.
	LanguageCode string

	// Profile is the patient the session acts for. Its language is appended to
	// the instructions.
	Profile health.Profile

	// FrameSamples overrides the capture frame length.
	FrameSamples int
}

// LiveConfig builds the live session configuration, tool declarations
// included.
func (c SessionConfig) LiveConfig() live.Config {
	return live.Config{
		Model:               c.Model,
		Instructions:        BuildInstructions(c.Instructions, c.Profile.Language),
		Tools:               toolcall.Definitions(),
		ResponseModalities:  []string{live.ModalityAudio},
		Voice:               c.Voice,
		Language:            c.LanguageCode,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// Deps are the collaborators a [Controller] needs. Live, Microphone, Output,
// and Records are required.
type Deps struct {
	Live       live.Provider
	Microphone audio.Microphone
	Output     OutputFactory
	Records    toolcall.Recorder

	// OnRemindersChanged is called after a reminder was stored by voice.
	OnRemindersChanged func()

	// OnLogCreated is called with every log stored by voice.
	OnLogCreated func(health.HealthLog)

	Session SessionConfig
}

// Snapshot is a consistent view of the controller for rendering.
type Snapshot struct {
	// Seq increases with every snapshot taken. A snapshot with a lower Seq
	// than one already seen is stale.
	Seq           uint64            `json:"seq"`
	State         State             `json:"state"`
	Transcript    []TranscriptEntry `json:"transcript"`
	PartialInput  string            `json:"partialInput"`
	PartialOutput string            `json:"partialOutput"`
	Composing     bool              `json:"composing"`
	AudioLevel    float64           `json:"audioLevel"`
	Muted         bool              `json:"muted"`
	LastError     string            `json:"lastError,omitempty"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithToolTimeout bounds each tool dispatch.
func WithToolTimeout(d time.Duration) Option {
	return func(c *Controller) { c.toolTimeout = d }
}

// session groups the resources owned by one started session.
type session struct {
	// cancel aborts a start that is still waiting on the microphone or the
	// transport.
	cancel  context.CancelFunc
	capture *capture.Handle
	stream  *Stream
	sched   *playback.Scheduler
	disp    *toolcall.Dispatcher
}

// Controller is the public facade of the voice logger. It owns at most one
// session at a time and keeps the transcript across sessions.
//
// All methods are safe for concurrent use. Change listeners may be invoked
// concurrently from capture, transport, and caller goroutines.
type Controller struct {
	deps        Deps
	log         *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time
	toolTimeout time.Duration

	transcript Transcript

	mu            sync.Mutex
	state         State
	gen           uint64
	cur           *session
	partialInput  string
	partialOutput string
	composing     bool
	level         float64
	muted         bool
	lastErr       error
	listeners     map[int]func(Snapshot)
	nextListener  int
	seq           uint64

	wg sync.WaitGroup
}

// NewController validates deps and returns an idle Controller.
func NewController(deps Deps, opts ...Option) (*Controller, error) {
	var errs []error
	if deps.Live == nil {
		errs = append(errs, errors.New("live provider is required"))
	}
	if deps.Microphone == nil {
		errs = append(errs, errors.New("microphone is required"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("output factory is required"))
	}
	if deps.Records == nil {
		errs = append(errs, errors.New("records are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voice: new controller: %w", err)
	}

	c := &Controller{
		deps:      deps,
		now:       time.Now,
		listeners: make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Start acquires the microphone and an output device, then opens the live
// stream. It returns [ErrSessionActive] unless the controller is idle or in
// the error state. A refused microphone leaves the controller in the error
// state with an error matching [audio.ErrPermissionDenied]; a transport
// failure leaves it in the error state with a [*TransportError].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = StateConnecting
	c.lastErr = nil
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{cancel: cancel}
	c.cur = sess
	muted := c.muted
	c.mu.Unlock()
	c.notify()

	dev, err := c.deps.Output()
	if err != nil {
		return c.abortStart(gen, fmt.Errorf("voice: open output: %w", err))
	}
	sched := playback.New(dev)

	stream := NewStream(c.deps.Live, sched,
		WithEntrySink(c.appendEntry),
		WithPartialSink(c.setPartial),
		WithEndHandler(func(err error) { c.handleStreamEnd(gen, err) }),
		WithStreamLogger(c.log),
		WithStreamMetrics(c.metrics),
		WithStreamClock(c.now),
	)
	stream.SetMuted(muted)

	dispOpts := []toolcall.Option{
		toolcall.WithSystemNote(c.systemNote),
		toolcall.WithMetrics(c.metrics),
		toolcall.WithLogger(c.log),
	}
	if c.deps.OnRemindersChanged != nil {
		dispOpts = append(dispOpts, toolcall.WithReminderRefresh(c.deps.OnRemindersChanged))
	}
	if c.deps.OnLogCreated != nil {
		dispOpts = append(dispOpts, toolcall.WithLogCreated(c.deps.OnLogCreated))
	}
	if c.toolTimeout > 0 {
		dispOpts = append(dispOpts, toolcall.WithTimeout(c.toolTimeout))
	}
	disp, err := toolcall.NewDispatcher(c.deps.Records, stream, dispOpts...)
	if err != nil {
		_ = sched.Close()
		return c.abortStart(gen, err)
	}
	stream.OnToolCall(disp.Handle)

	if !c.install(gen, func() { sess.sched, sess.stream, sess.disp = sched, stream, disp }) {
		_ = sched.Close()
		return ErrStopped
	}

	var captureOpts []capture.Option
	if n := c.deps.Session.FrameSamples; n > 0 {
		captureOpts = append(captureOpts, capture.WithFrameSamples(n))
	}
	h, err := capture.Start(ctx, c.deps.Microphone, func(f audio.Frame, level float64) {
		c.setLevel(level)
		if err := stream.SendAudioFrame(f); err != nil && !errors.Is(err, ErrNotOpen) {
			c.log.Debug("voice: frame not sent", "err", err)
		}
	}, captureOpts...)
	if err != nil {
		return c.abortStart(gen, fmt.Errorf("voice: start capture: %w", err))
	}
	if !c.install(gen, func() { sess.capture = h }) {
		_ = h.Stop()
		return ErrStopped
	}

	if err := stream.Open(ctx, c.deps.Session.LiveConfig()); err != nil {
		return c.abortStart(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrStopped
	}
	c.state = StateActive
	c.mu.Unlock()
	c.notify()
	c.log.Info("voice: session active")
	return nil
}

// install runs fn under the lock if the session started as gen is still
// connecting.
func (c *Controller) install(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateConnecting {
		return false
	}
	fn()
	return true
}

// abortStart releases whatever the session started as gen acquired and moves
// the controller to the error state. If Stop already took over, it returns
// [ErrStopped] instead.
func (c *Controller) abortStart(gen uint64, cause error) error {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrStopped
	}
	c.state = StateClosing
	sess := c.cur
	c.cur = nil
	c.mu.Unlock()

	if err := c.teardown(sess); err != nil {
		c.log.Warn("voice: release after failed start", "err", err)
	}

	c.mu.Lock()
	c.state = StateError
	c.lastErr = cause
	c.resetLiveLocked()
	c.mu.Unlock()
	c.notify()

	if errors.Is(cause, audio.ErrPermissionDenied) {
		c.log.Warn("voice: microphone permission denied")
	} else {
		c.log.Error("voice: start failed", "err", cause)
	}
	return cause
}

// Stop ends the current session: capture first, then the live stream, then
// playback. A start still waiting on the microphone or the transport is
// cancelled. It is a no-op unless a session is connecting or active.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	sess := c.cur
	c.cur = nil
	c.mu.Unlock()
	c.notify()

	err := c.teardown(sess)

	c.mu.Lock()
	c.state = StateIdle
	c.resetLiveLocked()
	c.mu.Unlock()
	c.notify()
	c.log.Info("voice: session stopped")
	return err
}

// teardown releases sess in order: capture, stream, scheduler.
func (c *Controller) teardown(sess *session) error {
	if sess == nil {
		return nil
	}
	sess.cancel()
	var errs []error
	if sess.capture != nil {
		errs = append(errs, sess.capture.Stop())
	}
	if sess.stream != nil {
		errs = append(errs, sess.stream.Close())
	}
	if sess.sched != nil {
		if err := sess.sched.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close playback: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handleStreamEnd reacts to a remote close or error of the session started as
// gen. It runs on the transport's receive goroutine, so the teardown happens
// on a separate goroutine.
func (c *Controller) handleStreamEnd(gen uint64, cause error) {
	c.wg.Go(func() {
		c.mu.Lock()
		if c.gen != gen || c.state != StateActive {
			c.mu.Unlock()
			return
		}
		c.state = StateClosing
		sess := c.cur
		c.cur = nil
		c.mu.Unlock()
		c.notify()

		if err := c.teardown(sess); err != nil {
			c.log.Warn("voice: release after remote end", "err", err)
		}

		c.mu.Lock()
		if cause != nil {
			c.state = StateError
			c.lastErr = cause
		} else {
			c.state = StateIdle
		}
		c.resetLiveLocked()
		c.mu.Unlock()
		c.notify()
	})
}

// Wait blocks until background teardowns triggered by remote events finish.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// resetLiveLocked clears the per-session view state.
func (c *Controller) resetLiveLocked() {
	c.partialInput = ""
	c.partialOutput = ""
	c.composing = false
	c.level = 0
}

// SetMuted toggles playback of the model's speech. The setting persists
// across sessions.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	var stream *Stream
	if c.cur != nil {
		stream = c.cur.stream
	}
	c.mu.Unlock()

	if stream != nil {
		stream.SetMuted(muted)
	}
	c.notify()
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of every finalized entry.
func (c *Controller) Transcript() []TranscriptEntry {
	return c.transcript.Entries()
}

// Entry returns the transcript entry at index i.
func (c *Controller) Entry(i int) (TranscriptEntry, bool) {
	return c.transcript.Entry(i)
}

// LastError returns the error that moved the controller to the error state.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	snap := Snapshot{
		Seq:           c.seq,
		State:         c.state,
		Transcript:    c.transcript.Entries(),
		PartialInput:  c.partialInput,
		PartialOutput: c.partialOutput,
		Composing:     c.composing,
		AudioLevel:    c.level,
		Muted:         c.muted,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

// OnChange registers fn to receive a snapshot after every state, transcript,
// partial, level, or mute change. The returned function unregisters it.
func (c *Controller) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	snap := c.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// ─── Stream and dispatcher sinks ──────────────────────────────────────────────

func (c *Controller) appendEntry(e TranscriptEntry) {
	c.transcript.Append(e)
	c.notify()
}

func (c *Controller) systemNote(text string) {
	c.transcript.Append(TranscriptEntry{Sender: SenderAI, Text: text, CreatedAt: c.now()})
	c.notify()
}

func (c *Controller) setPartial(input, output string, composing bool) {
	c.mu.Lock()
	c.partialInput, c.partialOutput, c.composing = input, output, composing
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setLevel(level float64) {
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
	c.notify()
}
