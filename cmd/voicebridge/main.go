// Command voicebridge places and supervises outbound phone calls.
//
// With no verb (or "serve") it runs the bridge server in the foreground.
// The other verbs (call, continue, speak, end, status, tail, expose) are
// thin HTTP clients of the running server's local admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/openclaw/voicebridge/internal/app"
	"github.com/openclaw/voicebridge/internal/config"
	"github.com/openclaw/voicebridge/pkg/provider/llm"
	"github.com/openclaw/voicebridge/pkg/provider/llm/anyllm"
	llmmock "github.com/openclaw/voicebridge/pkg/provider/llm/mock"
	oaillm "github.com/openclaw/voicebridge/pkg/provider/llm/openai"
	"github.com/openclaw/voicebridge/pkg/provider/realtime"
	rtmock "github.com/openclaw/voicebridge/pkg/provider/realtime/mock"
	oairt "github.com/openclaw/voicebridge/pkg/provider/realtime/openai"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	telmock "github.com/openclaw/voicebridge/pkg/provider/telephony/mock"
	"github.com/openclaw/voicebridge/pkg/provider/telephony/plivo"
	"github.com/openclaw/voicebridge/pkg/provider/telephony/telnyx"
	"github.com/openclaw/voicebridge/pkg/provider/telephony/twilio"
	"github.com/openclaw/voicebridge/pkg/provider/telephony/voximplant"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
	ttsmock "github.com/openclaw/voicebridge/pkg/provider/tts/mock"
	oaitts "github.com/openclaw/voicebridge/pkg/provider/tts/openai"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "call", "continue", "speak", "end", "status", "tail", "expose":
			return runCLI(args[0], args[1:], os.Stdout)
		case "serve":
			args = args[1:]
		}
	}
	return runServe(args)
}

func runServe(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can change it at
	// runtime without rebuilding the handler.
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, level)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.WatchConfig(*configPath, level); err != nil {
		slog.Warn("config hot-reload unavailable", "err", err)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives the full config and constructs the provider from the
// real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Telephony ─────────────────────────────────────────────────────────────

	reg.RegisterTelephony("twilio", func(cfg *config.Config) (telephony.Provider, error) {
		opts := carrierOpts[twilio.Option](cfg,
			twilio.WithStreamPath, twilio.WithControlTimeout, twilio.WithSkipVerification)
		c := cfg.Telephony.Twilio
		return twilio.New(c.AccountSID, c.AuthToken, c.From, opts...)
	})

	reg.RegisterTelephony("telnyx", func(cfg *config.Config) (telephony.Provider, error) {
		opts := carrierOpts[telnyx.Option](cfg,
			telnyx.WithStreamPath, telnyx.WithControlTimeout, telnyx.WithSkipVerification)
		c := cfg.Telephony.Telnyx
		return telnyx.New(c.APIKey, c.PublicKey, c.ConnectionID, c.From, opts...)
	})

	reg.RegisterTelephony("plivo", func(cfg *config.Config) (telephony.Provider, error) {
		opts := carrierOpts[plivo.Option](cfg,
			plivo.WithStreamPath, plivo.WithControlTimeout, plivo.WithSkipVerification)
		opts = append(opts, plivo.WithWebhookPath(cfg.Server.WebhookPath))
		c := cfg.Telephony.Plivo
		return plivo.New(c.AuthID, c.AuthToken, c.From, opts...)
	})

	reg.RegisterTelephony("voximplant", func(cfg *config.Config) (telephony.Provider, error) {
		c := cfg.Telephony.Voximplant
		var serviceAccount []byte
		if c.ServiceAccountFile != "" {
			data, err := os.ReadFile(c.ServiceAccountFile)
			if err != nil {
				return nil, fmt.Errorf("read voximplant service account: %w", err)
			}
			serviceAccount = data
		}
		opts := carrierOpts[voximplant.Option](cfg,
			voximplant.WithStreamPath, voximplant.WithControlTimeout, voximplant.WithSkipVerification)
		return voximplant.New(c.APIToken, serviceAccount, c.RuleID, c.CallerID, c.WebhookSecret, opts...)
	})

	reg.RegisterTelephony("mock", func(*config.Config) (telephony.Provider, error) {
		return &telmock.Provider{}, nil
	})

	// ── Realtime speech ───────────────────────────────────────────────────────

	reg.RegisterRealtime("openai", func(cfg *config.Config) (realtime.Provider, error) {
		var opts []oairt.Option
		if cfg.Streaming.Model != "" {
			opts = append(opts, oairt.WithModel(cfg.Streaming.Model))
		}
		return oairt.New(cfg.Streaming.APIKey, opts...), nil
	})

	reg.RegisterRealtime("mock", func(*config.Config) (realtime.Provider, error) {
		return &rtmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(cfg *config.Config) (tts.Provider, error) {
		return oaitts.New(cfg.TTS.APIKey, cfg.TTS.Model, cfg.TTS.Voice)
	})

	// "carrier" means no synthesis adapter at all: the bridge falls back to
	// the telephony provider's own PlayTTS.
	reg.RegisterTTS("carrier", func(*config.Config) (tts.Provider, error) {
		return nil, nil
	})

	reg.RegisterTTS("mock", func(*config.Config) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(cfg *config.Config) (llm.Provider, error) {
		var opts []oaillm.Option
		if cfg.Outcome.LLM.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(cfg.Outcome.LLM.BaseURL))
		}
		return oaillm.New(cfg.Outcome.LLM.APIKey, cfg.Outcome.LLM.Model, opts...)
	})

	// The remaining backends share the any-llm pattern: optional APIKey plus
	// optional BaseURL (ollama is a local server and only uses the latter).
	for _, providerName := range []string{
		"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
	} {
		reg.RegisterLLM(providerName, func(cfg *config.Config) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cfg.Outcome.LLM.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cfg.Outcome.LLM.APIKey))
			}
			if cfg.Outcome.LLM.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cfg.Outcome.LLM.BaseURL))
			}
			return anyllm.New(providerName, cfg.Outcome.LLM.Model, opts...)
		})
	}

	reg.RegisterLLM("mock", func(*config.Config) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
}

// carrierOpts assembles the option set every carrier shares: the stream path
// the server actually mounts, the configured control timeout, and the
// verification bypass.
func carrierOpts[O any](cfg *config.Config,
	withStreamPath func(string) O,
	withControlTimeout func(time.Duration) O,
	withSkipVerification func() O,
) []O {
	opts := []O{
		withStreamPath(cfg.Server.StreamPath),
		withControlTimeout(time.Duration(cfg.Calls.ControlTimeoutMs) * time.Millisecond),
	}
	if cfg.Telephony.SkipSignatureVerification {
		opts = append(opts, withSkipVerification())
	}
	return opts
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Telephony is mandatory; the rest are created only when their
// subsystem is in use.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateTelephony(cfg)
	if err != nil {
		return nil, fmt.Errorf("create telephony provider %q: %w", cfg.Telephony.Provider, err)
	}
	ps.Telephony = p
	slog.Info("provider created", "kind", "telephony", "name", cfg.Telephony.Provider)

	if name := cfg.Streaming.Provider; name != "" {
		rt, err := reg.CreateRealtime(cfg)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("streaming provider not registered — media streaming disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create streaming provider %q: %w", name, err)
		} else {
			ps.Realtime = rt
			slog.Info("provider created", "kind", "streaming", "name", name)
		}
	}

	if name := cfg.TTS.Provider; name != "" {
		t, err := reg.CreateTTS(cfg)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("tts provider not registered — falling back to carrier speech", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else if t != nil {
			ps.TTS = t
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if cfg.Outcome.Enabled {
		name := cfg.Outcome.LLM.Provider
		l, err := reg.CreateLLM(cfg)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = l
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicebridge — startup           ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("Carrier", cfg.Telephony.Provider)
	printLine("Streaming", string(cfg.Streaming.Mode)+" / "+cfg.Streaming.Provider)
	printLine("TTS", cfg.TTS.Provider)
	if cfg.Outcome.Enabled {
		printLine("Outcome LLM", cfg.Outcome.LLM.Provider)
	} else {
		printLine("Outcome LLM", "(disabled)")
	}
	if cfg.Storage.PostgresDSN != "" {
		printLine("History", "postgres + jsonl")
	} else {
		printLine("History", "jsonl")
	}
	printLine("Listen addr", cfg.Server.ListenAddr)
	printLine("Webhook path", cfg.Server.WebhookPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printLine(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-13s : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
