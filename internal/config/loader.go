package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"telephony": {"twilio", "telnyx", "plivo", "voximplant", "mock"},
	"streaming": {"openai", "mock"},
	"tts":       {"openai", "carrier", "mock"},
	"llm":       {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
}

// Defaults applied by [Load] when the corresponding field is zero.
const (
	DefaultMaxConcurrent       = 5
	DefaultRingTimeoutMs       = 45_000
	DefaultSilenceTimeoutMs    = 30_000
	DefaultMaxDurationSeconds  = 600
	DefaultTranscriptTimeoutMs = 3_000
	DefaultControlTimeoutMs    = 10_000
	DefaultCalendarTimezone    = "Europe/Moscow"
	DefaultHistoryPath         = "calls.jsonl"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// fallbacks and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty credential fields from environment variables.
// Explicit YAML values always win.
func ApplyEnv(cfg *Config) {
	fromEnv(&cfg.Telephony.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	fromEnv(&cfg.Telephony.Telnyx.APIKey, "TELNYX_API_KEY")
	fromEnv(&cfg.Telephony.Telnyx.PublicKey, "TELNYX_PUBLIC_KEY")
	fromEnv(&cfg.Telephony.Plivo.AuthID, "PLIVO_AUTH_ID")
	fromEnv(&cfg.Telephony.Plivo.AuthToken, "PLIVO_AUTH_TOKEN")
	fromEnv(&cfg.Telephony.Voximplant.APIToken, "VOXIMPLANT_API_TOKEN")
	fromEnv(&cfg.Telephony.Voximplant.WebhookSecret, "VOXIMPLANT_WEBHOOK_SECRET")
	fromEnv(&cfg.Streaming.APIKey, "OPENAI_API_KEY")
	fromEnv(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	fromEnv(&cfg.Outcome.LLM.APIKey, "OPENAI_API_KEY")
	fromEnv(&cfg.Outcome.TelegramToken, "TELEGRAM_BOT_TOKEN")
}

func fromEnv(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.WebhookPath == "" {
		cfg.Server.WebhookPath = "/voice/webhook"
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = "/voice/stream"
	}
	if cfg.Server.Hook.Path == "" {
		cfg.Server.Hook.Path = "/hooks/wake"
	}
	if cfg.Server.Hook.RatePerSecond <= 0 {
		cfg.Server.Hook.RatePerSecond = 10
	}
	if cfg.Server.Hook.Burst <= 0 {
		cfg.Server.Hook.Burst = 20
	}
	if cfg.Streaming.Mode == "" {
		cfg.Streaming.Mode = ModeNotify
	}
	if cfg.Streaming.Provider == "" {
		cfg.Streaming.Provider = "openai"
	}
	if cfg.TTS.Provider == "" {
		cfg.TTS.Provider = "openai"
	}
	if cfg.Calls.MaxConcurrent <= 0 {
		cfg.Calls.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Calls.RingTimeoutMs <= 0 {
		cfg.Calls.RingTimeoutMs = DefaultRingTimeoutMs
	}
	if cfg.Calls.SilenceTimeoutMs <= 0 {
		cfg.Calls.SilenceTimeoutMs = DefaultSilenceTimeoutMs
	}
	if cfg.Calls.MaxDurationSeconds <= 0 {
		cfg.Calls.MaxDurationSeconds = DefaultMaxDurationSeconds
	}
	if cfg.Calls.TranscriptTimeoutMs <= 0 {
		cfg.Calls.TranscriptTimeoutMs = DefaultTranscriptTimeoutMs
	}
	if cfg.Calls.ControlTimeoutMs <= 0 {
		cfg.Calls.ControlTimeoutMs = DefaultControlTimeoutMs
	}
	if cfg.Outcome.CalendarTimezone == "" {
		cfg.Outcome.CalendarTimezone = DefaultCalendarTimezone
	}
	if cfg.Storage.HistoryPath == "" {
		cfg.Storage.HistoryPath = DefaultHistoryPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("telephony", cfg.Telephony.Provider)
	validateProviderName("streaming", cfg.Streaming.Provider)
	validateProviderName("tts", cfg.TTS.Provider)
	validateProviderName("llm", cfg.Outcome.LLM.Provider)

	if cfg.Telephony.Provider == "" {
		errs = append(errs, errors.New("telephony.provider is required"))
	}
	if cfg.Telephony.SkipSignatureVerification {
		slog.Warn("telephony.skip_signature_verification is set; webhooks are NOT authenticated — never run like this outside local development")
	}

	if p := cfg.Server.Proxy; p != nil && (p.BasePath == "" || p.Upstream == "") {
		errs = append(errs, errors.New("server.proxy.base_path and server.proxy.upstream are both required when server.proxy is set"))
	}

	if !cfg.Streaming.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("streaming.mode %q is invalid; valid values: notify, conversation", cfg.Streaming.Mode))
	}

	// Edge TTS needs a browser-impersonating client and breaks without
	// warning; it is deliberately not supported.
	if cfg.TTS.Provider == "edge" {
		errs = append(errs, errors.New(`tts.provider "edge" is not supported; use "openai" or "carrier"`))
	}

	switch cfg.Telephony.Provider {
	case "twilio":
		if cfg.Telephony.Twilio.AccountSID == "" || cfg.Telephony.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("telephony.twilio.account_sid and auth_token are required (auth_token may come from TWILIO_AUTH_TOKEN)"))
		}
	case "telnyx":
		if cfg.Telephony.Telnyx.APIKey == "" {
			errs = append(errs, errors.New("telephony.telnyx.api_key is required (or TELNYX_API_KEY)"))
		}
		if cfg.Telephony.Telnyx.PublicKey == "" && !cfg.Telephony.SkipSignatureVerification {
			errs = append(errs, errors.New("telephony.telnyx.public_key is required to verify webhooks (or TELNYX_PUBLIC_KEY)"))
		}
	case "plivo":
		if cfg.Telephony.Plivo.AuthID == "" || cfg.Telephony.Plivo.AuthToken == "" {
			errs = append(errs, errors.New("telephony.plivo.auth_id and auth_token are required"))
		}
	case "voximplant":
		if cfg.Telephony.Voximplant.RuleID == "" {
			errs = append(errs, errors.New("telephony.voximplant.rule_id is required"))
		}
		if cfg.Telephony.Voximplant.WebhookSecret == "" && !cfg.Telephony.SkipSignatureVerification {
			errs = append(errs, errors.New("telephony.voximplant.webhook_secret is required to verify webhooks (or VOXIMPLANT_WEBHOOK_SECRET)"))
		}
	}

	if cfg.Streaming.Provider == "openai" && cfg.Streaming.APIKey == "" {
		errs = append(errs, errors.New("streaming.api_key is required for the openai provider (or OPENAI_API_KEY)"))
	}
	if cfg.Streaming.Mode == ModeConversation && cfg.Streaming.Instructions == "" {
		slog.Warn("streaming.mode is conversation but streaming.instructions is empty; the model will improvise its persona")
	}

	if cfg.Outcome.Enabled && cfg.Outcome.LLM.Provider == "" {
		errs = append(errs, errors.New("outcome.llm.provider is required when outcome.enabled is set"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
