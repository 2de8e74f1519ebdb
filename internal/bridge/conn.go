package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/dialoghealth/dialog/internal/speech"
	"github.com/dialoghealth/dialog/internal/voice"
	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
	"github.com/dialoghealth/dialog/pkg/health"
)

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("bridge: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c, err := s.newConn(context.WithoutCancel(r.Context()), ws)
	if err != nil {
		s.log.Error("bridge: session setup failed", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	c.run()
}

// conn is one connected browser and the voice session it drives.
type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	out       chan any
	snapMu    sync.Mutex
	snap      *voice.Snapshot
	snapSeq   uint64
	snapReady chan struct{}

	mic         *remoteMicrophone
	ctrl        *voice.Controller
	player      *speech.Player
	unsubscribe func()

	// wg tracks Start calls, which block until the session opens.
	wg sync.WaitGroup
}

func (s *Server) newConn(parent context.Context, ws *websocket.Conn) (*conn, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		id:        id,
		srv:       s,
		ws:        ws,
		log:       s.log.With("conn", id),
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan any, outboundBuffer),
		snapReady: make(chan struct{}, 1),
	}
	c.mic = newRemoteMicrophone(c.send, s.cfg.MicTimeout, c.log)

	ctrl, err := voice.NewController(voice.Deps{
		Live:       s.cfg.Live,
		Microphone: c.mic,
		Output: func() (playback.Device, error) {
			return playback.NewTimerDevice(&clientSink{channel: ChannelLive, send: c.send}), nil
		},
		Records: s.cfg.Records,
		OnRemindersChanged: func() {
			c.send(NoticeMessage{Type: TypeRemindersChanged})
		},
		OnLogCreated: func(l health.HealthLog) {
			c.send(LogCreatedMessage{Type: TypeLogCreated, Log: l})
		},
		Session: s.cfg.Session,
	},
		voice.WithLogger(c.log),
		voice.WithMetrics(s.metrics),
		voice.WithToolTimeout(s.cfg.ToolTimeout),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	c.ctrl = ctrl

	if s.cfg.TTS != nil {
		opts := []speech.Option{
			speech.WithVoice(s.cfg.SpeechVoice),
			speech.WithProviderName(s.cfg.TTSName),
			speech.WithChangeHandler(func(slot int, speaking bool) {
				c.send(SpeakingMessage{Type: TypeSpeaking, Slot: slot, Speaking: speaking})
			}),
			speech.WithLogger(c.log),
			speech.WithMetrics(s.metrics),
		}
		if s.cfg.SpeechTimeout > 0 {
			opts = append(opts, speech.WithTimeout(s.cfg.SpeechTimeout))
		}
		dev := playback.NewTimerDevice(&clientSink{channel: ChannelSpeech, send: c.send})
		player, err := speech.New(s.cfg.TTS, dev, opts...)
		if err != nil {
			cancel()
			return nil, err
		}
		c.player = player
	}

	c.unsubscribe = ctrl.OnChange(c.pushSnapshot)
	return c, nil
}

// run serves the connection until the client goes away, then releases the
// session.
func (c *conn) run() {
	c.srv.metrics.ActiveConnections.Add(c.ctx, 1)
	c.log.Info("bridge: client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.pushSnapshot(c.ctrl.Snapshot())
	c.readLoop()

	c.cancel()
	c.mic.shutdown()
	if err := c.ctrl.Stop(); err != nil {
		c.log.Warn("bridge: stop on disconnect", "err", err)
	}
	c.wg.Wait()
	c.ctrl.Wait()
	c.unsubscribe()
	if c.player != nil {
		if err := c.player.Close(); err != nil {
			c.log.Warn("bridge: close speech player", "err", err)
		}
	}
	<-writerDone
	_ = c.ws.CloseNow()

	c.srv.metrics.ActiveConnections.Add(context.WithoutCancel(c.ctx), -1)
	c.log.Info("bridge: client disconnected")
}

func (c *conn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.ctx.Err() == nil {
				c.log.Debug("bridge: read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := ParseClientMessage(data)
		if err != nil {
			c.sendError("invalid_client_message", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg ClientMessage) {
	switch msg.Type {
	case TypeStart:
		c.wg.Go(func() {
			err := c.ctrl.Start(c.ctx)
			if err == nil || errors.Is(err, voice.ErrStopped) || c.ctx.Err() != nil {
				return
			}
			c.sendError(startErrorCode(err), err)
		})
	case TypeStop:
		if err := c.ctrl.Stop(); err != nil {
			c.log.Warn("bridge: stop", "err", err)
		}
	case TypeMute:
		c.ctrl.SetMuted(msg.Muted)
	case TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.sendError("invalid_audio", err)
			return
		}
		c.mic.push(pcm, msg.SampleRate, msg.Channels)
	case TypeSpeak:
		if c.player == nil {
			c.sendError("speech_unavailable", errors.New("no speech provider configured"))
			return
		}
		entry, ok := c.ctrl.Entry(msg.Slot)
		if !ok {
			c.sendError("unknown_slot", fmt.Errorf("transcript has no entry %d", msg.Slot))
			return
		}
		c.player.Play(entry.Text, msg.Slot)
	case TypeSpeakStop:
		if c.player != nil {
			c.player.Stop()
		}
	case TypeMicReady:
		c.mic.answer(micReply{rate: msg.SampleRate, channels: msg.Channels})
	case TypeMicDenied:
		c.mic.answer(micReply{denied: true})
	case TypeMicStopped:
		c.mic.ended()
	}
}

func startErrorCode(err error) string {
	var te *voice.TransportError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "microphone_denied"
	case errors.Is(err, voice.ErrSessionActive):
		return "session_active"
	case errors.As(err, &te):
		return "transport_failed"
	}
	return "start_failed"
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case v := <-c.out:
			if !c.write(v) {
				return
			}
		case <-c.snapReady:
			if snap := c.takeSnapshot(); snap != nil && !c.write(SnapshotMessage{Type: TypeSnapshot, Snapshot: *snap}) {
				return
			}
		}
	}
}

func (c *conn) write(v any) bool {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn("bridge: write failed", "err", err)
		}
		c.cancel()
		return false
	}
	return true
}

// send queues v for the client without blocking. It reports false when the
// connection is gone or the queue is full.
func (c *conn) send(v any) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.out <- v:
		return true
	default:
		c.log.Warn("bridge: outbound queue full, dropping message", "type", fmt.Sprintf("%T", v))
		return false
	}
}

func (c *conn) sendError(code string, err error) {
	c.send(ErrorMessage{Type: TypeError, Code: code, Message: err.Error()})
}

// pushSnapshot replaces the pending snapshot. Only the latest one is written;
// snapshots older than one already accepted are dropped.
func (c *conn) pushSnapshot(snap voice.Snapshot) {
	c.snapMu.Lock()
	if snap.Seq <= c.snapSeq {
		c.snapMu.Unlock()
		return
	}
	c.snapSeq = snap.Seq
	c.snap = &snap
	c.snapMu.Unlock()
	select {
	case c.snapReady <- struct{}{}:
	default:
	}
}

// takeSnapshot removes and returns the pending snapshot, if any.
func (c *conn) takeSnapshot() *voice.Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	snap := c.snap
	c.snap = nil
	return snap
}
