// Package app wires the callbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects storage and builds the
// shared upstream credential, Run serves the call endpoints, and Shutdown
// drains active calls and tears everything down in order.
//
// For testing, inject fakes via functional options (WithTranscriptStore,
// WithNotificationQueue, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/audio/ambient"
)

// readHeaderTimeout bounds the websocket upgrade request.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the call endpoints.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    relay.TranscriptStore
	queue    relay.NotificationQueue
	cred     azcore.TokenCredential
	checkers []health.Checker
	health   *health.Handler
	calls    *callRegistry

	// settings is swapped by ApplyConfig; each call reads it once.
	settings atomic.Pointer[callSettings]

	mu  sync.Mutex
	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// callSettings is the hot-reloadable part of the configuration.
type callSettings struct {
	session         relay.SessionConfig
	twilioResponses bool
	ambient         config.AmbientConfig
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptStore injects a transcript store instead of connecting to
// PostgreSQL.
func WithTranscriptStore(s relay.TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithNotificationQueue injects an SMS job queue.
func WithNotificationQueue(q relay.NotificationQueue) Option {
	return func(a *App) { a.queue = q }
}

// WithTokenCredential injects the upstream credential instead of building a
// managed identity credential.
func WithTokenCredential(c azcore.TokenCredential) Option {
	return func(a *App) { a.cred = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets ApplyConfig change the log level of a handler built
// around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHealthCheck adds a readiness check.
func WithHealthCheck(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated configuration. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: transcript storage
// (PostgreSQL schema migration and the S3 client), the SMS job queue and the
// managed identity credential shared by every call.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Upstream credential ───────────────────────────────────────────
	if err := a.initCredential(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init credential: %w", err)
	}

	// ── 3. Per-call settings ─────────────────────────────────────────────
	if _, err := ambient.New(cfg.Ambient.Preset, ambientOptions(cfg.Ambient, a.log)...); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: ambient: %w", err)
	}
	a.settings.Store(settingsFrom(cfg))

	a.health = health.New(a.checkers...)
	a.calls = newCallRegistry(a.metrics)
	return a, nil
}

// initCredential builds the managed identity credential once so its token
// cache is shared by all calls.
func (a *App) initCredential() error {
	id := a.cfg.VoiceLive.ManagedIdentityClientID
	if a.cred != nil || id == "" {
		return nil
	}
	cred, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
		ID: azidentity.ClientID(id),
	})
	if err != nil {
		return err
	}
	a.cred = cred
	a.log.Info("upstream credential: managed identity", "client_id", id)
	return nil
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every callbridge route.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /twilio/stream", a.serveTwilio)
	mux.HandleFunc("GET /web/ws", a.serveWeb)
	mux.HandleFunc("GET /calls", a.serveCalls)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err();
// active calls keep running until Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	tls := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	a.log.Info("app running", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, ends
// active calls and runs the closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.calls.Len(), "closers", len(a.closers))
		a.health.SetDraining()

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			// Hijacked websocket connections are not tracked by the server;
			// the call registry ends them below.
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.calls.CloseAll(ctx); err != nil {
			a.log.Warn("calls did not end before the deadline", "remaining", a.calls.Len())
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New managed to open before failing.
func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next: the log level, the
// session configuration and the ambient settings. Calls already in progress
// keep the settings they started with. Changes that need a restart are
// logged and ignored. It is meant to be passed to config.NewWatcher.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.AmbientChanged {
		if _, err := ambient.New(next.Ambient.Preset, ambientOptions(next.Ambient, a.log)...); err != nil {
			a.log.Error("ambient reload rejected", "preset", next.Ambient.Preset, "err", err)
		} else {
			a.settings.Store(settingsFrom(next))
			a.log.Info("call settings reloaded", "session", d.SessionChanged, "ambient", d.AmbientChanged)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog equivalent. Unknown
// levels map to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func settingsFrom(cfg *config.Config) *callSettings {
	return &callSettings{
		session:         sessionFromConfig(cfg.VoiceLive),
		twilioResponses: cfg.VoiceLive.TwilioResponses,
		ambient:         cfg.Ambient,
	}
}

// sessionFromConfig overlays the configured session fields onto the relay
// defaults.
func sessionFromConfig(vl config.VoiceLiveConfig) relay.SessionConfig {
	s := relay.DefaultSessionConfig()
	if vl.Instructions != "" {
		s.Instructions = vl.Instructions
	}

	v := *s.Voice
	if vl.Voice.Name != "" {
		v.Name = vl.Voice.Name
	}
	if vl.Voice.Type != "" {
		v.Type = vl.Voice.Type
	}
	if vl.Voice.Temperature != 0 {
		v.Temperature = vl.Voice.Temperature
	}
	s.Voice = &v

	if td := vl.TurnDetection; td != nil {
		s.TurnDetection = &relay.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	return s
}

func ambientOptions(c config.AmbientConfig, log *slog.Logger) []ambient.Option {
	opts := []ambient.Option{ambient.WithLogger(log)}
	if c.AssetDir != "" {
		opts = append(opts, ambient.WithAssetDir(c.AssetDir))
	}
	if c.Gain > 0 {
		opts = append(opts, ambient.WithGain(c.Gain))
	}
	return opts
}

// relayConfig builds the upstream configuration for one call.
func (a *App) relayConfig(s *callSettings, responses bool) relay.Config {
	vl := a.cfg.VoiceLive
	return relay.Config{
		Endpoint:                vl.Endpoint,
		Model:                   vl.Model,
		APIVersion:              vl.APIVersion,
		APIKey:                  vl.APIKey,
		ManagedIdentityClientID: vl.ManagedIdentityClientID,
		Session:                 s.session,
		EnableResponses:         responses,
	}
}

// newRelay creates the relay for one call with the shared collaborators.
func (a *App) newRelay(s *callSettings, responses bool, log *slog.Logger) (*relay.Relay, error) {
	opts := []relay.Option{
		relay.WithLogger(log),
		relay.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, relay.WithStore(a.store))
	}
	if a.queue != nil {
		opts = append(opts, relay.WithNotificationQueue(a.queue))
	}
	if a.cred != nil {
		opts = append(opts, relay.WithTokenCredential(a.cred))
	}
	return relay.New(a.relayConfig(s, responses), opts...)
}
