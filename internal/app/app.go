// Package app wires the DiaLog subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the record store and
// builds the HTTP bridge, Run serves until the context ends, and Shutdown
// releases everything in order.
//
// For testing, inject a store via [WithStore]. When no store is injected,
// New creates one from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/dialoghealth/dialog/internal/bridge"
	"github.com/dialoghealth/dialog/internal/config"
	"github.com/dialoghealth/dialog/internal/health"
	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/internal/records"
	"github.com/dialoghealth/dialog/internal/store"
	"github.com/dialoghealth/dialog/internal/voice"
	"github.com/dialoghealth/dialog/pkg/provider/live"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. TTS may be nil.
// Populated by main.go via the config registry.
type Providers struct {
	Live live.Provider
	TTS  tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	kv      store.KV
	records *records.Repository
	server  *bridge.Server
	http    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of creating one from config.
func WithStore(kv store.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg and providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Record store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.records = records.New(a.kv, cfg.Patient)

	// ── 2. Bridge ────────────────────────────────────────────────────────
	srv, err := bridge.New(bridge.Config{
		Live:    providers.Live,
		Records: a.records,
		TTS:     providers.TTS,
		TTSName: cfg.Providers.TTS.Name,
		Session: voice.SessionConfig{
			Model:        cfg.Providers.Live.Model,
			Voice:        cfg.Session.Voice,
			Instructions: cfg.Session.Instructions,
			LanguageCode: cfg.Session.LanguageCode,
			Profile:      cfg.Patient,
			FrameSamples: cfg.Session.FrameSamples,
		},
		ToolTimeout:    cfg.Session.ToolTimeout,
		SpeechVoice:    cfg.Speech.Voice,
		SpeechTimeout:  cfg.Speech.Timeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Checkers:       []health.Checker{health.PingChecker("store", a.kv)},
		Metrics:        a.metrics,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}
	a.server = srv
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.kv != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		pg := store.NewPostgres(pool)
		if err := pg.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.kv = pg
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		slog.Info("record store connected", "backend", "postgres")
	default:
		a.kv = store.NewMemory()
		slog.Info("record store ready", "backend", "memory")
	}
	return nil
}

// Handler returns the HTTP handler of the app.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.http.Addr, err)
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown releases all subsystems in order. If ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
