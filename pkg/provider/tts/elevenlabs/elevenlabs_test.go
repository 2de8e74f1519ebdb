package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// startServer runs a fake ElevenLabs stream-input endpoint. handler receives
// the decoded client messages and the connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request, msgs []map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// BOI, text, flush.
		var msgs []map[string]any
		for range 3 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			msgs = append(msgs, m)
		}
		handler(conn, r, msgs)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v", err)
	}
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSynthesize_CollectsChunks(t *testing.T) {
	t.Parallel()

	type seen struct {
		path, query string
		msgs        []map[string]any
	}
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request, msgs []map[string]any) {
		got <- seen{path: r.URL.Path, query: r.URL.RawQuery, msgs: msgs}
		send(t, conn, audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})})
		send(t, conn, audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte{3, 0})})
		send(t, conn, audioResponse{IsFinal: true})
	})

	p, err := New("key-123", WithBaseURL(wsBase(srv)), WithDefaultVoice("voice-a"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf, err := p.Synthesize(context.Background(), "Take Metformin at nine.", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if string(buf.PCM) != string([]byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("PCM = %v", buf.PCM)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}

	s := <-got
	if s.path != "/v1/text-to-speech/voice-a/stream-input" {
		t.Errorf("path = %q", s.path)
	}
	if !strings.Contains(s.query, "output_format=pcm_24000") || !strings.Contains(s.query, "model_id=eleven_flash_v2_5") {
		t.Errorf("query = %q", s.query)
	}
	if s.msgs[0]["xi_api_key"] != "key-123" {
		t.Errorf("BOI missing api key: %v", s.msgs[0])
	}
	if s.msgs[1]["text"] != "Take Metformin at nine. " {
		t.Errorf("text message = %v", s.msgs[1])
	}
	if s.msgs[2]["text"] != "" {
		t.Errorf("flush message = %v", s.msgs[2])
	}
}

func TestSynthesize_ServerCloseEndsStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []map[string]any) {
		send(t, conn, audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte{9, 0})})
	})

	p, _ := New("k", WithBaseURL(wsBase(srv)))
	buf, err := p.Synthesize(context.Background(), "hi", "v")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.Samples() != 1 {
		t.Errorf("Samples = %d, want 1", buf.Samples())
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []map[string]any) {
		send(t, conn, audioResponse{Error: "quota_exceeded", Message: "limit reached"})
	})

	p, _ := New("k", WithBaseURL(wsBase(srv)))
	_, err := p.Synthesize(context.Background(), "hi", "v")
	if err == nil || !strings.Contains(err.Error(), "quota_exceeded") {
		t.Fatalf("err = %v, want quota error", err)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ []map[string]any) {
		send(t, conn, audioResponse{IsFinal: true})
	})

	p, _ := New("k", WithBaseURL(wsBase(srv)))
	if _, err := p.Synthesize(context.Background(), "hi", "v"); !errors.Is(err, tts.ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
}

func TestSynthesize_InputValidation(t *testing.T) {
	t.Parallel()

	p, _ := New("k")
	if _, err := p.Synthesize(context.Background(), "   ", "v"); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("blank text: err = %v, want ErrEmptyText", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", ""); err == nil {
		t.Error("expected error when no voice is available")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	if _, err := New("k", WithOutputFormat("pcm_16000")); err != nil {
		t.Errorf("pcm_16000: %v", err)
	}
}

func TestBuildURLForVoice(t *testing.T) {
	t.Parallel()

	got := buildURLForVoice("wss://api.elevenlabs.io", "voice-abc123", "eleven_flash_v2_5", "pcm_24000")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_24000"
	if got != want {
		t.Errorf("buildURLForVoice = %q, want %q", got, want)
	}
}
