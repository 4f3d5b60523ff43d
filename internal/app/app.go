// Package app wires all voicebridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Stop drains
// in-flight calls, tears down the tunnel, and closes the HTTP server.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithNotifier, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaw/voicebridge/internal/bridge"
	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/call/pgstore"
	"github.com/openclaw/voicebridge/internal/config"
	"github.com/openclaw/voicebridge/internal/health"
	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/internal/outcome"
	"github.com/openclaw/voicebridge/internal/resilience"
	"github.com/openclaw/voicebridge/internal/server"
	"github.com/openclaw/voicebridge/pkg/provider/llm"
	"github.com/openclaw/voicebridge/pkg/provider/realtime"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Telephony telephony.Provider
	Realtime  realtime.Provider
	TTS       tts.Provider
	LLM       llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	store    call.Store
	notifier outcome.Notifier
	queue    outcome.EventQueue

	manager  *call.Manager
	bridge   *bridge.Bridge
	pipeline *outcome.Pipeline
	srv      *server.Server
	watcher  *config.Watcher

	pgpool *pgxpool.Pool
	tunnel *tunnel

	publicURL string

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a call history store instead of creating one from config.
func WithStore(s call.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifier injects an outcome notifier instead of the Telegram one.
func WithNotifier(n outcome.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithEventQueue injects the system-event fallback for outcome delivery.
func WithEventQueue(q outcome.EventQueue) Option {
	return func(a *App) { a.queue = q }
}

// WithMetrics injects a metrics instance instead of the process-global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: storage, call manager,
// media bridge, outcome pipeline, and HTTP server. The public URL (and any
// tunnel child process) is resolved later, in Run, because it may block on
// an external command.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Telephony == nil {
		return nil, errors.New("app: telephony provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Call history storage ──────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Call manager ──────────────────────────────────────────────────
	a.manager = call.NewManager(providers.Telephony, a.store, limitsFromConfig(cfg.Calls),
		call.WithMetrics(a.metrics),
	)

	// ── 3. Media bridge ──────────────────────────────────────────────────
	if providers.Realtime != nil {
		a.initBridge()
	}

	// ── 4. Outcome pipeline ──────────────────────────────────────────────
	if cfg.Outcome.Enabled && providers.LLM != nil {
		a.initOutcome()
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// initStore builds the JSONL history and, when a DSN is configured, tees
// records into Postgres as well.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	history := call.NewHistory(a.cfg.Storage.HistoryPath)

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.store = history
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	pg := pgstore.New(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.pgpool = pool
	a.store = &teeStore{primary: pg, secondary: history}
	slog.Info("call history persisted to postgres and jsonl", "path", a.cfg.Storage.HistoryPath)
	return nil
}

func (a *App) initBridge() {
	mode := realtime.ModeTranscription
	if a.cfg.Streaming.Mode == config.ModeConversation {
		mode = realtime.ModeConversation
	}

	bridgeOpts := []bridge.Option{bridge.WithMetrics(a.metrics)}
	// In conversation mode the realtime session owns assistant audio; a
	// separate TTS adapter would fight it for the stream. The breaker makes a
	// dead synthesis backend fail fast so the bridge can drop to carrier
	// speech without stalling the call.
	if mode == realtime.ModeTranscription && a.providers.TTS != nil {
		guarded := resilience.NewTTSFallback(a.providers.TTS, a.cfg.TTS.Provider, resilience.FallbackConfig{})
		bridgeOpts = append(bridgeOpts, bridge.WithTTS(guarded))
	}
	if v, ok := a.providers.Telephony.(telephony.StreamTokenValidator); ok {
		bridgeOpts = append(bridgeOpts, bridge.WithTokenValidator(v))
	}

	a.bridge = bridge.New(a.manager, a.providers.Realtime, bridge.Config{
		Mode:         mode,
		Instructions: a.cfg.Streaming.Instructions,
		Voice:        a.cfg.Streaming.Voice,
		Language:     a.cfg.Streaming.Language,
	}, bridgeOpts...)
	a.manager.SetStreamSpeaker(a.bridge)
}

func (a *App) initOutcome() {
	if a.notifier == nil && a.cfg.Outcome.TelegramToken != "" {
		a.notifier = outcome.NewTelegramNotifier(a.cfg.Outcome.TelegramToken)
	}

	pipelineOpts := []outcome.Option{
		outcome.WithMetrics(a.metrics),
		outcome.WithTimezone(a.cfg.Outcome.CalendarTimezone),
	}
	if a.notifier != nil {
		pipelineOpts = append(pipelineOpts, outcome.WithNotifier(a.notifier))
	}
	if a.queue != nil {
		pipelineOpts = append(pipelineOpts, outcome.WithEventQueue(a.queue))
	}
	// Behind the breaker a dead completion API degrades to the template
	// summary immediately instead of eating the full timeout per call.
	guarded := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Outcome.LLM.Provider, resilience.FallbackConfig{})
	a.pipeline = outcome.New(guarded, pipelineOpts...)

	notifyChannel := a.cfg.Outcome.NotifyChannel
	a.manager.SetOnCallEnded(func(rec call.Record) {
		// The configured channel is the fallback when the call carries none.
		if rec.Metadata.SessionKey == "" && rec.Metadata.MessageTo == "" {
			rec.Metadata.MessageTo = notifyChannel
		}
		go a.pipeline.Run(context.Background(), rec)
	})
}

func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "history", Check: func(context.Context) error {
			_, err := a.store.Last(1)
			return err
		}},
	}
	if a.pgpool != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.pgpool.Ping})
	}

	serverOpts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(checkers...)),
		server.WithSkipVerification(a.cfg.Telephony.SkipSignatureVerification),
		server.WithPublicURL(func() string { return a.publicURL }),
	}
	if a.bridge != nil {
		serverOpts = append(serverOpts, server.WithStreamHandler(a.bridge))
	}
	a.srv = server.New(a.cfg.Server, a.providers.Telephony, a.manager, serverOpts...)
}

// Run resolves the public URL, hands it to the provider, and serves HTTP
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	url, tun, err := resolvePublicURL(ctx, a.cfg.Server)
	if err != nil {
		return fmt.Errorf("app: resolve public url: %w", err)
	}
	a.publicURL = url
	a.tunnel = tun
	if setter, ok := a.providers.Telephony.(telephony.PublicURLSetter); ok {
		setter.SetPublicURL(url)
	}
	slog.Info("public url resolved", "url", url)

	return a.srv.Start(ctx)
}

// WatchConfig starts hot-reloading the config file at path. Only the safe
// subset tracked by [config.Diff] is applied; everything else needs a
// restart.
func (a *App) WatchConfig(path string, level *slog.LevelVar) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged && level != nil {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.CallLimitsChanged {
			slog.Warn("calls.* changed; new limits apply to calls placed after this point")
		}
		if d.InstructionsChanged {
			slog.Info("streaming.instructions changed; applies to new sessions")
		}
		if d.NotifyChannelChanged {
			slog.Info("outcome.notify_channel changed", "channel", d.NewNotifyChannel)
		}
	})
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// Stop drains in-flight calls, tears down the tunnel, and closes the HTTP
// server. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}

		drainCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		a.manager.Drain(drainCtx)
		cancel()

		if a.bridge != nil {
			a.bridge.Stop()
		}
		if a.tunnel != nil {
			a.tunnel.Stop()
		}
		a.stopErr = a.srv.Shutdown(ctx)
		if a.pgpool != nil {
			a.pgpool.Close()
		}
	})
	return a.stopErr
}

// Manager exposes the call manager for tests and embedding.
func (a *App) Manager() *call.Manager { return a.manager }

func limitsFromConfig(c config.CallsConfig) call.Limits {
	return call.Limits{
		MaxConcurrent:     c.MaxConcurrent,
		RingTimeout:       time.Duration(c.RingTimeoutMs) * time.Millisecond,
		SilenceTimeout:    time.Duration(c.SilenceTimeoutMs) * time.Millisecond,
		MaxDuration:       time.Duration(c.MaxDurationSeconds) * time.Second,
		TranscriptTimeout: time.Duration(c.TranscriptTimeoutMs) * time.Millisecond,
	}
}

func slogLevel(l config.LogLevel) slog.Level {
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

// teeStore appends to both stores and reads from the primary. Secondary
// append failures are logged; losing the JSONL copy must not fail the call.
type teeStore struct {
	primary   call.Store
	secondary call.Store
}

var _ call.Store = (*teeStore)(nil)

func (t *teeStore) Append(rec call.Record) error {
	if err := t.secondary.Append(rec); err != nil {
		slog.Warn("secondary history append failed", "callId", rec.CallID, "err", err)
	}
	return t.primary.Append(rec)
}

func (t *teeStore) Last(limit int) ([]call.Record, error) {
	records, err := t.primary.Last(limit)
	if err != nil {
		slog.Warn("primary history query failed, using secondary", "err", err)
		return t.secondary.Last(limit)
	}
	return records, nil
}
