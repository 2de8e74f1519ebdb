package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dialoghealth/dialog/internal/resilience"
	"github.com/dialoghealth/dialog/pkg/audio"
	ttsmock "github.com/dialoghealth/dialog/pkg/provider/tts/mock"
)

func buffer(n int) audio.Buffer {
	return audio.Buffer{PCM: make([]byte, n), SampleRate: audio.PlaybackRate}
}

func TestSpeechFallback_Synthesize(t *testing.T) {
	t.Parallel()
	down := errors.New("quota exceeded")
	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		wantLen       int
		wantErr       error
		wantSecondary int
	}{
		{"primary serves", nil, nil, 10, nil, 0},
		{"fails over", down, nil, 20, nil, 1},
		{"all fail", down, down, 0, resilience.ErrAllFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &ttsmock.Provider{Result: buffer(10), Err: tt.primaryErr}
			secondary := &ttsmock.Provider{Result: buffer(20), Err: tt.secondaryErr}
			fb := resilience.NewSpeechFallback(primary, "gemini", resilience.FallbackConfig{})
			fb.AddFallback("elevenlabs", secondary)

			buf, err := fb.Synthesize(context.Background(), "Logged: 145 mg/dL", "Kore")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, down) {
					t.Fatalf("err = %v, want %v wrapping the backend error", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if len(buf.PCM) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(buf.PCM), tt.wantLen)
			}
			if got := secondary.CallCount(); got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
			if primary.Calls[0].Voice != "Kore" {
				t.Errorf("voice = %q", primary.Calls[0].Voice)
			}
		})
	}
}

func TestSpeechFallback_OpenPrimaryIsSkipped(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Err: errors.New("down")}
	secondary := &ttsmock.Provider{Result: buffer(4)}
	fb := resilience.NewSpeechFallback(primary, "gemini", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("elevenlabs", secondary)

	for range 4 {
		if _, err := fb.Synthesize(context.Background(), "hi", ""); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if got := primary.CallCount(); got != 2 {
		t.Errorf("primary calls = %d, want 2 before the breaker opened", got)
	}
	if got := secondary.CallCount(); got != 4 {
		t.Errorf("secondary calls = %d, want 4", got)
	}
}

func TestSpeechFallback_CancelledStopsEarly(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	primary := &ttsmock.Provider{Block: block}
	secondary := &ttsmock.Provider{Result: buffer(4)}
	fb := resilience.NewSpeechFallback(primary, "gemini", resilience.FallbackConfig{})
	fb.AddFallback("elevenlabs", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.Synthesize(ctx, "hi", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("cancelled request reached the fallback")
	}
}

func TestFallbackGroup_State(t *testing.T) {
	t.Parallel()
	fg := resilience.NewFallbackGroup("a", "a", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1},
	})
	fg.AddFallback("b", "b")
	if fg.Len() != 2 {
		t.Fatalf("Len = %d", fg.Len())
	}

	got, err := resilience.ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "a" {
			return "", errors.New("a down")
		}
		return v, nil
	})
	if err != nil || got != "b" {
		t.Fatalf("ExecuteWithResult = %q, %v", got, err)
	}
	if s, ok := fg.State("a"); !ok || s != resilience.StateOpen {
		t.Errorf("State(a) = %v, %v", s, ok)
	}
	if _, ok := fg.State("missing"); ok {
		t.Error("State(missing) reported ok")
	}
}
