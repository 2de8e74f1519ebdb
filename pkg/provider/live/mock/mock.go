// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and drive the callbacks of the session
// it hands out. Use Session to inspect which frames and tool responses the
// code under test sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg, cb)
//	p.Open()
//	p.Emit(live.ServerMessage{InputTranscript: "hello", TurnComplete: true})
//	frames := p.LastSession().Frames()
package mock

import (
	"context"
	"sync"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
	// Callbacks is the callback set passed to Connect.
	Callbacks live.Callbacks
}

// Provider is a mock implementation of live.Provider.
//
// Unlike the real transport, Connect never invokes callbacks by itself; tests
// call [Provider.Open], [Provider.Emit], [Provider.Fail], or
// [Provider.RemoteClose] to drive them. When AutoOpen is set, Connect fires
// OnOpen on a separate goroutine before returning.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes Connect report OnOpen asynchronously.
	AutoOpen bool

	// SendErr, if non-nil, is returned by every Send* call of sessions created
	// by this provider.
	SendErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns a new [Session].
func (p *Provider) Connect(_ context.Context, cfg live.Config, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg, Callbacks: cb})
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.mu.Unlock()
		return nil, err
	}
	s := &Session{SendErr: p.SendErr}
	p.sessions = append(p.sessions, s)
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if autoOpen && cb.OnOpen != nil {
		go cb.OnOpen()
	}
	return s, nil
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

func (p *Provider) lastCallbacks() live.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return live.Callbacks{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Callbacks
}

// Open invokes OnOpen of the most recent Connect call.
func (p *Provider) Open() {
	if cb := p.lastCallbacks(); cb.OnOpen != nil {
		cb.OnOpen()
	}
}

// Emit invokes OnMessage of the most recent Connect call.
func (p *Provider) Emit(msg live.ServerMessage) {
	if cb := p.lastCallbacks(); cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
}

// Fail invokes OnError of the most recent Connect call.
func (p *Provider) Fail(err error) {
	if cb := p.lastCallbacks(); cb.OnError != nil {
		cb.OnError(err)
	}
}

// RemoteClose invokes OnClose of the most recent Connect call.
func (p *Provider) RemoteClose(ev live.CloseEvent) {
	if cb := p.lastCallbacks(); cb.OnClose != nil {
		cb.OnClose(ev)
	}
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send* call.
	SendErr error

	// OnClose, if set, is invoked on every Close call.
	OnClose func()

	frames        []audio.Frame
	toolResponses []live.ToolResponse
	closeCount    int
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// SendRealtimeInput records frame.
func (s *Session) SendRealtimeInput(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	s.frames = append(s.frames, cp)
	return nil
}

// SendToolResponse records resp.
func (s *Session) SendToolResponse(_ context.Context, resp live.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.toolResponses = append(s.toolResponses, resp)
	return nil
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	hook := s.OnClose
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Frames returns a copy of every frame sent so far.
func (s *Session) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.frames...)
}

// ToolResponses returns a copy of every tool response sent so far.
func (s *Session) ToolResponses() []live.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResponse(nil), s.toolResponses...)
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
