// Package bridge exposes the voice logger to browsers.
//
// Each websocket connection on /v1/session gets its own [voice.Controller].
// The browser owns the microphone and the loudspeaker: the server asks it to
// open the microphone and receives captured PCM as "audio" messages, and it
// pushes scheduled model speech as "play"/"halt" messages on a shared
// playback clock. Replaying a transcript line goes through a separate
// [speech.Player] on its own output channel. Closing the websocket stops the
// session, so an abandoned tab cannot keep the live transport open.
//
// The same router serves the record endpoints under /v1, the health probes,
// and Prometheus metrics.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialoghealth/dialog/internal/health"
	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/internal/records"
	"github.com/dialoghealth/dialog/internal/toolcall"
	"github.com/dialoghealth/dialog/internal/voice"
	pkghealth "github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

const (
	defaultMicTimeout = 15 * time.Second
	writeTimeout      = 10 * time.Second
	readLimit         = 1 << 20
	outboundBuffer    = 512

	// maxChannels bounds the interleaved channel count a client may announce.
	maxChannels = 8
)

// Records is the persistence the bridge needs: the tool-call recorder plus
// the record endpoints.
type Records interface {
	toolcall.Recorder
	ListLogs(ctx context.Context) ([]pkghealth.HealthLog, error)
	ListReminders(ctx context.Context) ([]pkghealth.Reminder, error)
	ToggleReminder(ctx context.Context, id string) (pkghealth.Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
}

// Config holds the collaborators and settings of a [Server]. Live and
// Records are required.
type Config struct {
	Live    live.Provider
	Records Records

	// TTS enables transcript replay. Nil disables "speak" requests.
	TTS tts.Provider

	// TTSName labels synthesis metrics.
	TTSName string

	Session       voice.SessionConfig
	ToolTimeout   time.Duration
	SpeechVoice   string
	SpeechTimeout time.Duration

	// MicTimeout bounds how long the client may take to grant the microphone.
	MicTimeout time.Duration

	// AllowedOrigins lists host patterns allowed to open the websocket in
	// addition to same-origin requests.
	AllowedOrigins []string

	// Checkers are evaluated by /readyz.
	Checkers []health.Checker

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server routes HTTP and websocket traffic.
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Live == nil {
		errs = append(errs, errors.New("live provider is required"))
	}
	if cfg.Records == nil {
		errs = append(errs, errors.New("records are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("bridge: new server: %w", err)
	}
	if cfg.MicTimeout <= 0 {
		cfg.MicTimeout = defaultMicTimeout
	}
	if cfg.TTSName == "" {
		cfg.TTSName = "tts"
	}
	s := &Server{cfg: cfg, metrics: cfg.Metrics, log: cfg.Logger}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Router returns the HTTP handler of the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	health.New(s.cfg.Checkers...).Register(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Get("/logs", s.handleListLogs)
		r.Get("/reminders", s.handleListReminders)
		r.Post("/reminders/{id}/toggle", s.handleToggleReminder)
		r.Delete("/reminders/{id}", s.handleDeleteReminder)
	})
	return r
}

// ─── Record endpoints ─────────────────────────────────────────────────────────

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.cfg.Records.ListLogs(r.Context())
	if err != nil {
		s.storeError(w, r, "list logs", err)
		return
	}
	if logs == nil {
		logs = []pkghealth.HealthLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.cfg.Records.ListReminders(r.Context())
	if err != nil {
		s.storeError(w, r, "list reminders", err)
		return
	}
	if reminders == nil {
		reminders = []pkghealth.Reminder{}
	}
	respondJSON(w, http.StatusOK, reminders)
}

func (s *Server) handleToggleReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.cfg.Records.ToggleReminder(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, records.ErrNotFound) {
		respondError(w, http.StatusNotFound, "reminder_not_found", err.Error())
		return
	}
	if err != nil {
		s.storeError(w, r, "toggle reminder", err)
		return
	}
	respondJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Records.DeleteReminder(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, r, "delete reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	observe.WithTrace(r.Context(), s.log).Error("bridge: "+op, "err", err)
	respondError(w, http.StatusInternalServerError, "store_unavailable", "records are temporarily unavailable")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
