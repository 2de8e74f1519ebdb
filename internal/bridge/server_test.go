package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dialoghealth/dialog/internal/bridge"
	"github.com/dialoghealth/dialog/internal/health"
	"github.com/dialoghealth/dialog/internal/records"
	"github.com/dialoghealth/dialog/internal/store"
	"github.com/dialoghealth/dialog/internal/voice"
	"github.com/dialoghealth/dialog/pkg/audio"
	pkghealth "github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
	livemock "github.com/dialoghealth/dialog/pkg/provider/live/mock"
	ttsmock "github.com/dialoghealth/dialog/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	prov *livemock.Provider
	tts  *ttsmock.Provider
	recs *records.Repository
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		prov: &livemock.Provider{AutoOpen: true},
		tts: &ttsmock.Provider{Result: audio.Buffer{
			PCM:        make([]byte, 2*audio.PlaybackRate),
			SampleRate: audio.PlaybackRate,
		}},
		recs: records.New(store.NewMemory(), pkghealth.Profile{Name: "Asha", Language: "hi"}),
	}
	srv, err := bridge.New(bridge.Config{
		Live:    f.prov,
		Records: f.recs,
		TTS:     f.tts,
		Session: voice.SessionConfig{
			Voice:        "Kore",
			Profile:      pkghealth.Profile{Name: "Asha", Language: "hi"},
			FrameSamples: 160,
		},
		SpeechVoice: "Kore",
		MicTimeout:  time.Second,
		Checkers:    []health.Checker{health.PingChecker("store", store.NewMemory())},
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	f.srv = httptest.NewServer(srv.Router())
	t.Cleanup(f.srv.Close)
	return f
}

// client is a browser stand-in that collects every server message.
type client struct {
	ws   *websocket.Conn
	msgs chan map[string]any
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/session"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(1 << 22)
	c := &client{ws: ws, msgs: make(chan map[string]any, 256)}
	go func() {
		defer close(c.msgs)
		for {
			var m map[string]any
			if err := wsjson.Read(context.Background(), ws, &m); err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { _ = ws.CloseNow() })
	return c
}

func (c *client) send(t *testing.T, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect returns the next message of type typ matching match, skipping
// everything else.
func (c *client) expect(t *testing.T, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", typ)
			}
			if m["type"] == typ && (match == nil || match(m)) {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func stateIs(state string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		snap, _ := m["snapshot"].(map[string]any)
		return snap["state"] == state
	}
}

// startSession drives the handshake until the controller is active.
func (f *fixture) startSession(t *testing.T, c *client) *livemock.Session {
	t.Helper()
	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicReady, "sampleRate": audio.CaptureRate})
	c.expect(t, bridge.TypeSnapshot, stateIs("active"))
	return f.prov.LastSession()
}

func pcm(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

// ── websocket session ─────────────────────────────────────────────────────────

func TestSession_StartStreamStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	c.expect(t, bridge.TypeSnapshot, stateIs("idle"))

	sess := f.startSession(t, c)
	cfg := f.prov.ConnectCalls[0].Cfg
	if cfg.Voice != "Kore" || !strings.Contains(cfg.Instructions, "HI") {
		t.Errorf("live config = voice %q, instructions mention language: %v", cfg.Voice, strings.Contains(cfg.Instructions, "HI"))
	}

	c.send(t, map[string]any{"type": bridge.TypeAudio, "data": pcm(480), "sampleRate": audio.CaptureRate})
	waitFor(t, "frames", func() bool { return len(sess.Frames()) >= 3 })
	if got := len(sess.Frames()[0].Data); got != 320 {
		t.Errorf("frame bytes = %d, want 320", got)
	}

	c.send(t, map[string]any{"type": bridge.TypeStop})
	c.expect(t, bridge.TypeMicClose, nil)
	waitFor(t, "transport close", func() bool { return sess.CloseCount() == 1 })
}

func TestSession_ResamplesBrowserAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicReady, "sampleRate": 48000})
	c.expect(t, bridge.TypeSnapshot, stateIs("active"))
	sess := f.prov.LastSession()

	// 30 ms at 48 kHz becomes 480 samples at 16 kHz: three 160-sample frames.
	c.send(t, map[string]any{"type": bridge.TypeAudio, "data": pcm(1440), "sampleRate": 48000})
	waitFor(t, "frames", func() bool { return len(sess.Frames()) == 3 })
	for _, fr := range sess.Frames() {
		if fr.SampleRate != audio.CaptureRate {
			t.Errorf("frame rate = %d, want %d", fr.SampleRate, audio.CaptureRate)
		}
	}
}

func TestSession_StereoBrowserAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicReady, "sampleRate": audio.CaptureRate, "channels": 2})
	c.expect(t, bridge.TypeSnapshot, stateIs("active"))
	sess := f.prov.LastSession()

	// 320 interleaved stereo samples downmix to 160 mono samples: one frame.
	c.send(t, map[string]any{"type": bridge.TypeAudio, "data": pcm(320), "sampleRate": audio.CaptureRate})
	waitFor(t, "frames", func() bool { return len(sess.Frames()) == 1 })
	if got := len(sess.Frames()[0].Data); got != 320 {
		t.Errorf("frame bytes = %d, want 320", got)
	}
}

func TestSession_RestartWhileMicrophonePending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)

	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	// Stop and start again before the browser answered the first request.
	c.send(t, map[string]any{"type": bridge.TypeStop})
	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicReady, "sampleRate": audio.CaptureRate})
	c.expect(t, bridge.TypeSnapshot, stateIs("active"))

	if n := f.prov.ConnectCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
}

func TestSession_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)

	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicDenied})

	msg := c.expect(t, bridge.TypeError, nil)
	if msg["code"] != "microphone_denied" {
		t.Errorf("code = %v, want microphone_denied", msg["code"])
	}
	if n := f.prov.ConnectCount(); n != 0 {
		t.Errorf("Connect called %d times after denial", n)
	}
}

func TestSession_TransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.prov.ConnectErr = context.DeadlineExceeded
	c := f.dial(t)

	c.send(t, map[string]any{"type": bridge.TypeStart})
	c.expect(t, bridge.TypeMicOpen, nil)
	c.send(t, map[string]any{"type": bridge.TypeMicReady, "sampleRate": audio.CaptureRate})

	msg := c.expect(t, bridge.TypeError, nil)
	if msg["code"] != "transport_failed" {
		t.Errorf("code = %v, want transport_failed", msg["code"])
	}
}

func TestSession_ModelSpeechIsScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	f.startSession(t, c)

	chunk := live.InlineAudio{MIMEType: "audio/pcm;rate=24000", Data: pcm(audio.PlaybackRate)}
	f.prov.Emit(live.ServerMessage{Audio: []live.InlineAudio{chunk, chunk}})

	first := c.expect(t, bridge.TypePlay, nil)
	second := c.expect(t, bridge.TypePlay, nil)
	if first["channel"] != bridge.ChannelLive || first["sampleRate"] != float64(audio.PlaybackRate) {
		t.Errorf("play = %v", first)
	}
	// Each chunk lasts one second; the second buffer starts where the first
	// ends.
	gap := second["atMs"].(float64) - first["atMs"].(float64)
	if gap < 999 || gap > 1001 {
		t.Errorf("second buffer starts %v ms after the first, want 1000", gap)
	}

	f.prov.Emit(live.ServerMessage{Interrupted: true})
	c.expect(t, bridge.TypeHalt, func(m map[string]any) bool { return m["id"] == first["id"] || m["id"] == second["id"] })
}

func TestSession_LogDataNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	sess := f.startSession(t, c)

	f.prov.Emit(live.ServerMessage{ToolCalls: []live.FunctionCall{{
		ID:   "call-1",
		Name: "logData",
		Args: map[string]any{"type": "GLUCOSE", "value": "145", "unit": "mg/dL"},
	}}})

	msg := c.expect(t, bridge.TypeLogCreated, nil)
	logged, _ := msg["log"].(map[string]any)
	if logged["value"] != "145" {
		t.Errorf("log = %v", logged)
	}
	waitFor(t, "tool response", func() bool { return len(sess.ToolResponses()) == 1 })

	resp, err := http.Get(f.srv.URL + "/v1/logs")
	if err != nil {
		t.Fatalf("GET /v1/logs: %v", err)
	}
	defer resp.Body.Close()
	var logs []pkghealth.HealthLog
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Metadata.Source != pkghealth.SourceVoice {
		t.Errorf("logs = %+v", logs)
	}
}

func TestSession_SetReminderNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	f.startSession(t, c)

	f.prov.Emit(live.ServerMessage{ToolCalls: []live.FunctionCall{{
		ID:   "call-1",
		Name: "setReminder",
		Args: map[string]any{"time": "21:00", "label": "Lantus 10 units", "type": "INSULIN"},
	}}})
	c.expect(t, bridge.TypeRemindersChanged, nil)

	reminders, err := f.recs.ListReminders(context.Background())
	if err != nil || len(reminders) != 1 || reminders[0].Time != "21:00" {
		t.Errorf("reminders = %+v, %v", reminders, err)
	}
}

func TestSession_SpeakReplaysTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	f.startSession(t, c)

	f.prov.Emit(live.ServerMessage{OutputTranscript: "Logged your sugar.", TurnComplete: true})
	c.expect(t, bridge.TypeSnapshot, func(m map[string]any) bool {
		snap, _ := m["snapshot"].(map[string]any)
		entries, _ := snap["transcript"].([]any)
		return len(entries) == 1
	})

	c.send(t, map[string]any{"type": bridge.TypeSpeak, "slot": 0})
	c.expect(t, bridge.TypeSpeaking, func(m map[string]any) bool { return m["speaking"] == true })
	c.expect(t, bridge.TypePlay, func(m map[string]any) bool { return m["channel"] == bridge.ChannelSpeech })
	if f.tts.CallCount() != 1 || f.tts.Calls[0].Text != "Logged your sugar." {
		t.Errorf("tts calls = %+v", f.tts.Calls)
	}

	// Same slot again stops it.
	c.send(t, map[string]any{"type": bridge.TypeSpeak, "slot": 0})
	c.expect(t, bridge.TypeSpeaking, func(m map[string]any) bool { return m["speaking"] == false })

	c.send(t, map[string]any{"type": bridge.TypeSpeak, "slot": 7})
	if msg := c.expect(t, bridge.TypeError, nil); msg["code"] != "unknown_slot" {
		t.Errorf("code = %v, want unknown_slot", msg["code"])
	}
}

func TestSession_MuteIsReflected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	c.send(t, map[string]any{"type": bridge.TypeMute, "muted": true})
	c.expect(t, bridge.TypeSnapshot, func(m map[string]any) bool {
		snap, _ := m["snapshot"].(map[string]any)
		return snap["muted"] == true
	})
}

func TestSession_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)
	sess := f.startSession(t, c)

	if err := c.ws.Close(websocket.StatusNormalClosure, "tab closed"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "transport close", func() bool { return sess.CloseCount() == 1 })
}

func TestSession_InvalidMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dial(t)

	c.send(t, map[string]any{"type": "dance"})
	if msg := c.expect(t, bridge.TypeError, nil); msg["code"] != "invalid_client_message" {
		t.Errorf("code = %v", msg["code"])
	}
	// The connection survives.
	c.send(t, map[string]any{"type": bridge.TypeAudio, "data": "!!!", "sampleRate": 16000})
	if msg := c.expect(t, bridge.TypeError, nil); msg["code"] != "invalid_audio" {
		t.Errorf("code = %v", msg["code"])
	}
}

// ── record endpoints ──────────────────────────────────────────────────────────

func TestRecordEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rem, err := f.recs.CreateReminder(ctx, pkghealth.ReminderDraft{Time: "08:00", Label: "Metformin", Type: pkghealth.ReminderMedicine})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	do := func(method, path string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, f.srv.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/v1/logs", http.StatusOK},
		{"GET", "/v1/reminders", http.StatusOK},
		{"POST", "/v1/reminders/" + rem.ID + "/toggle", http.StatusOK},
		{"POST", "/v1/reminders/missing/toggle", http.StatusNotFound},
		{"DELETE", "/v1/reminders/" + rem.ID, http.StatusNoContent},
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/readyz", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		if resp := do(tc.method, tc.path); resp.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}

	resp := do("GET", "/v1/reminders")
	var got []pkghealth.Reminder
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("reminders after delete = %+v", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := bridge.New(bridge.Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestParseClientMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: `{"type":"start"}`},
		{in: `{"type":"speak","slot":3}`},
		{in: `{"type":"mic_ready","sampleRate":48000}`},
		{in: `{"type":"audio","data":"AAA=","sampleRate":16000}`},
		{in: `{"type":"audio","data":"AAA=","sampleRate":16000,"channels":2}`},
		{in: `{"type":"audio","data":"AAA="}`, wantErr: true},
		{in: `{"type":"audio","data":"AAA=","sampleRate":16000,"channels":-1}`, wantErr: true},
		{in: `{"type":"mic_ready","sampleRate":48000,"channels":9}`, wantErr: true},
		{in: `{"type":"mic_ready"}`, wantErr: true},
		{in: `{"type":"speak","slot":-1}`, wantErr: true},
		{in: `{"type":"reboot"}`, wantErr: true},
		{in: `not json`, wantErr: true},
	}
	for _, tc := range tests {
		_, err := bridge.ParseClientMessage([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseClientMessage(%s) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}
