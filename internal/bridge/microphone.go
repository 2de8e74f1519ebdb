package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
)

// samplesBuffer is the number of sample chunks queued per remote stream
// before chunks are dropped.
const samplesBuffer = 64

var (
	// errClientGone is returned when the browser disconnects while the
	// microphone is being opened.
	errClientGone = errors.New("bridge: client disconnected")

	// errSuperseded is returned by an Open that a newer Open replaced.
	errSuperseded = errors.New("bridge: microphone request superseded")
)

// micRequest is an Open waiting for the browser. abort is closed when a newer
// Open takes over.
type micRequest struct {
	reply chan micReply
	abort chan struct{}
}

// micReply is the browser's answer to a mic_open request.
type micReply struct {
	rate     int
	channels int
	denied   bool
}

// remoteMicrophone is an [audio.Microphone] whose device lives in the
// browser. Open asks the client for access and waits for mic_ready or
// mic_denied; captured audio arrives as "audio" messages.
type remoteMicrophone struct {
	send    func(v any) bool
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending *micRequest
	stream  *remoteStream
	gone    bool
	goneCh  chan struct{}
}

var _ audio.Microphone = (*remoteMicrophone)(nil)

func newRemoteMicrophone(send func(v any) bool, timeout time.Duration, log *slog.Logger) *remoteMicrophone {
	return &remoteMicrophone{
		send:    send,
		timeout: timeout,
		log:     log,
		goneCh:  make(chan struct{}),
	}
}

// Open implements [audio.Microphone]. An Open still waiting for the browser
// is superseded by a newer one; the newer request inherits the browser's
// answer.
func (m *remoteMicrophone) Open(ctx context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	if m.gone {
		m.mu.Unlock()
		return nil, errClientGone
	}
	if m.stream != nil {
		m.mu.Unlock()
		return nil, errors.New("bridge: microphone already open")
	}
	if m.pending != nil {
		close(m.pending.abort)
	}
	req := &micRequest{reply: make(chan micReply, 1), abort: make(chan struct{})}
	m.pending = req
	m.mu.Unlock()

	if !m.send(MicMessage{Type: TypeMicOpen}) {
		m.abandon(req)
		return nil, errClientGone
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case r := <-req.reply:
		if r.denied {
			return nil, fmt.Errorf("bridge: open microphone: %w", audio.ErrPermissionDenied)
		}
		if err := ctx.Err(); err != nil {
			m.send(MicMessage{Type: TypeMicClose})
			return nil, err
		}
		st := &remoteStream{mic: m, rate: r.rate, channels: max(r.channels, 1), ch: make(chan []float32, samplesBuffer)}
		m.mu.Lock()
		if m.gone {
			m.mu.Unlock()
			return nil, errClientGone
		}
		m.stream = st
		m.mu.Unlock()
		return st, nil
	case <-req.abort:
		return nil, errSuperseded
	case <-ctx.Done():
		if m.abandon(req) {
			m.send(MicMessage{Type: TypeMicClose})
		}
		return nil, ctx.Err()
	case <-timer.C:
		if m.abandon(req) {
			m.send(MicMessage{Type: TypeMicClose})
		}
		return nil, fmt.Errorf("bridge: microphone did not answer within %s", m.timeout)
	case <-m.goneCh:
		return nil, errClientGone
	}
}

// abandon withdraws req and reports whether it was still the pending request.
func (m *remoteMicrophone) abandon(req *micRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != req {
		return false
	}
	m.pending = nil
	return true
}

// answer delivers the client's reply to the pending Open.
func (m *remoteMicrophone) answer(r micReply) {
	m.mu.Lock()
	req := m.pending
	m.pending = nil
	m.mu.Unlock()
	if req == nil {
		m.log.Debug("bridge: microphone reply without request", "denied", r.denied)
		return
	}
	req.reply <- r
}

// push forwards interleaved PCM16LE audio at rate to the open stream, if any.
// A zero channel count means the count announced in mic_ready.
func (m *remoteMicrophone) push(pcm []byte, rate, channels int) {
	m.mu.Lock()
	st := m.stream
	m.mu.Unlock()
	if st == nil {
		return
	}
	if channels <= 0 {
		channels = st.channels
	}
	samples := st.convert(audio.PCM16ToFloat32(audio.DownmixPCM16(pcm, channels)), rate)
	if !st.push(samples) {
		m.log.Debug("bridge: dropping microphone chunk, reader is behind")
	}
}

// ended reports that the client's device stopped on its own.
func (m *remoteMicrophone) ended() {
	m.mu.Lock()
	st := m.stream
	m.stream = nil
	m.mu.Unlock()
	if st != nil {
		st.end()
	}
}

// shutdown fails pending and future opens and ends the open stream.
func (m *remoteMicrophone) shutdown() {
	m.mu.Lock()
	if m.gone {
		m.mu.Unlock()
		return
	}
	m.gone = true
	close(m.goneCh)
	st := m.stream
	m.stream = nil
	m.mu.Unlock()
	if st != nil {
		st.end()
	}
}

// release detaches st and tells the client to stop capturing.
func (m *remoteMicrophone) release(st *remoteStream) {
	m.mu.Lock()
	owned := m.stream == st
	if owned {
		m.stream = nil
	}
	gone := m.gone
	m.mu.Unlock()
	if owned && !gone {
		m.send(MicMessage{Type: TypeMicClose})
	}
}

// remoteStream is the [audio.InputStream] of a [remoteMicrophone].
type remoteStream struct {
	mic      *remoteMicrophone
	rate     int
	channels int
	ch       chan []float32

	// Only touched from the connection's read loop.
	rs     *audio.Resampler
	rsFrom int

	mu   sync.Mutex
	done bool
}

var _ audio.InputStream = (*remoteStream)(nil)

func (s *remoteStream) Samples() <-chan []float32 { return s.ch }

func (s *remoteStream) SampleRate() int { return s.rate }

// Close implements [audio.InputStream].
func (s *remoteStream) Close() error {
	s.mic.release(s)
	s.end()
	return nil
}

// convert brings samples recorded at rate to the stream's announced rate.
// Audio that already matches passes through untouched.
func (s *remoteStream) convert(samples []float32, rate int) []float32 {
	if rate == s.rate {
		return samples
	}
	if s.rs == nil || s.rsFrom != rate {
		s.rs, s.rsFrom = audio.NewResampler(rate, s.rate), rate
	}
	return s.rs.Process(samples)
}

func (s *remoteStream) push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.ch <- samples:
		return true
	default:
		return false
	}
}

func (s *remoteStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
