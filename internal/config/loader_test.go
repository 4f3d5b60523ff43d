package config_test

import (
	"strings"
	"testing"

	"github.com/openclaw/voicebridge/internal/config"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: info
telephony:
  provider: twilio
  twilio:
    account_sid: AC123
    auth_token: tok-secret
    from: "+15550001111"
streaming:
  mode: notify
  provider: openai
  api_key: sk-test
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := load(t, validYAML)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Telephony.Twilio.AuthToken != "tok-secret" {
		t.Errorf("Twilio.AuthToken = %q, want tok-secret", cfg.Telephony.Twilio.AuthToken)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := load(t, validYAML+"\nbogus_section:\n  x: 1\n")
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := load(t, validYAML)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Calls.MaxConcurrent != config.DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", cfg.Calls.MaxConcurrent, config.DefaultMaxConcurrent)
	}
	if cfg.Calls.RingTimeoutMs != config.DefaultRingTimeoutMs {
		t.Errorf("RingTimeoutMs = %d, want %d", cfg.Calls.RingTimeoutMs, config.DefaultRingTimeoutMs)
	}
	if cfg.Calls.SilenceTimeoutMs != config.DefaultSilenceTimeoutMs {
		t.Errorf("SilenceTimeoutMs = %d, want %d", cfg.Calls.SilenceTimeoutMs, config.DefaultSilenceTimeoutMs)
	}
	if cfg.Calls.MaxDurationSeconds != config.DefaultMaxDurationSeconds {
		t.Errorf("MaxDurationSeconds = %d, want %d", cfg.Calls.MaxDurationSeconds, config.DefaultMaxDurationSeconds)
	}
	if cfg.Outcome.CalendarTimezone != config.DefaultCalendarTimezone {
		t.Errorf("CalendarTimezone = %q, want %q", cfg.Outcome.CalendarTimezone, config.DefaultCalendarTimezone)
	}
	if cfg.Storage.HistoryPath != config.DefaultHistoryPath {
		t.Errorf("HistoryPath = %q, want %q", cfg.Storage.HistoryPath, config.DefaultHistoryPath)
	}
	if cfg.TTS.Provider != "openai" {
		t.Errorf("TTS.Provider = %q, want openai", cfg.TTS.Provider)
	}
	if cfg.Streaming.Mode != config.ModeNotify {
		t.Errorf("Streaming.Mode = %q, want notify", cfg.Streaming.Mode)
	}
}

func TestApplyDefaults_ExplicitValuesWin(t *testing.T) {
	cfg, err := load(t, validYAML+`
calls:
  max_concurrent: 2
  ring_timeout_ms: 15000
`)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Calls.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.RingTimeoutMs != 15000 {
		t.Errorf("RingTimeoutMs = %d, want 15000", cfg.Calls.RingTimeoutMs)
	}
	// Untouched tunables still get defaults.
	if cfg.Calls.MaxDurationSeconds != config.DefaultMaxDurationSeconds {
		t.Errorf("MaxDurationSeconds = %d, want default", cfg.Calls.MaxDurationSeconds)
	}
}

func TestApplyEnv_TwilioAuthTokenFallback(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "env-token")
	cfg, err := load(t, `
telephony:
  provider: twilio
  twilio:
    account_sid: AC123
    from: "+15550001111"
streaming:
  api_key: sk-test
`)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Telephony.Twilio.AuthToken != "env-token" {
		t.Errorf("Twilio.AuthToken = %q, want env-token", cfg.Telephony.Twilio.AuthToken)
	}
}

func TestApplyEnv_YAMLBeatsEnv(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "env-token")
	cfg, err := load(t, validYAML)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Telephony.Twilio.AuthToken != "tok-secret" {
		t.Errorf("Twilio.AuthToken = %q, want yaml value tok-secret", cfg.Telephony.Twilio.AuthToken)
	}
}

func TestApplyEnv_OpenAIKeyFansOut(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := load(t, `
telephony:
  provider: twilio
  twilio:
    account_sid: AC123
    auth_token: tok
outcome:
  enabled: true
  llm:
    provider: openai
`)
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Streaming.APIKey != "sk-env" {
		t.Errorf("Streaming.APIKey = %q, want sk-env", cfg.Streaming.APIKey)
	}
	if cfg.TTS.APIKey != "sk-env" {
		t.Errorf("TTS.APIKey = %q, want sk-env", cfg.TTS.APIKey)
	}
	if cfg.Outcome.LLM.APIKey != "sk-env" {
		t.Errorf("Outcome.LLM.APIKey = %q, want sk-env", cfg.Outcome.LLM.APIKey)
	}
}

func TestValidate_TelephonyProviderRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-x")
	_, err := load(t, `
streaming:
  mode: notify
`)
	if err == nil {
		t.Fatal("expected error for missing telephony.provider, got nil")
	}
	if !strings.Contains(err.Error(), "telephony.provider is required") {
		t.Errorf("error should mention telephony.provider, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	_, err := load(t, strings.Replace(validYAML, "log_level: info", "log_level: verbose", 1))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidStreamingMode(t *testing.T) {
	_, err := load(t, strings.Replace(validYAML, "mode: notify", "mode: duplex", 1))
	if err == nil {
		t.Fatal("expected error for invalid streaming mode, got nil")
	}
	if !strings.Contains(err.Error(), "streaming.mode") {
		t.Errorf("error should mention streaming.mode, got: %v", err)
	}
}

func TestValidate_EdgeTTSRefused(t *testing.T) {
	_, err := load(t, validYAML+`
tts:
  provider: edge
`)
	if err == nil {
		t.Fatal("expected error for edge TTS provider, got nil")
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error should say edge is not supported, got: %v", err)
	}
}

func TestValidate_TelnyxNeedsPublicKey(t *testing.T) {
	t.Setenv("TELNYX_PUBLIC_KEY", "")
	_, err := load(t, `
telephony:
  provider: telnyx
  telnyx:
    api_key: key-123
streaming:
  api_key: sk-test
`)
	if err == nil {
		t.Fatal("expected error for missing telnyx public key, got nil")
	}
	if !strings.Contains(err.Error(), "public_key") {
		t.Errorf("error should mention public_key, got: %v", err)
	}
}

func TestValidate_TelnyxPublicKeyWaivedWhenSkippingVerification(t *testing.T) {
	t.Setenv("TELNYX_PUBLIC_KEY", "")
	_, err := load(t, `
telephony:
  provider: telnyx
  skip_signature_verification: true
  telnyx:
    api_key: key-123
streaming:
  api_key: sk-test
`)
	if err != nil {
		t.Fatalf("skip_signature_verification should waive public_key, got: %v", err)
	}
}

func TestValidate_VoximplantNeedsRuleID(t *testing.T) {
	_, err := load(t, `
telephony:
  provider: voximplant
  voximplant:
    webhook_secret: s3cret
streaming:
  api_key: sk-test
`)
	if err == nil {
		t.Fatal("expected error for missing voximplant rule_id, got nil")
	}
	if !strings.Contains(err.Error(), "rule_id") {
		t.Errorf("error should mention rule_id, got: %v", err)
	}
}

func TestValidate_StreamingAPIKeyRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := load(t, `
telephony:
  provider: twilio
  twilio:
    account_sid: AC123
    auth_token: tok
`)
	if err == nil {
		t.Fatal("expected error for missing streaming api key, got nil")
	}
	if !strings.Contains(err.Error(), "streaming.api_key") {
		t.Errorf("error should mention streaming.api_key, got: %v", err)
	}
}

func TestValidate_OutcomeNeedsLLMProvider(t *testing.T) {
	_, err := load(t, validYAML+`
outcome:
  enabled: true
`)
	if err == nil {
		t.Fatal("expected error for outcome without llm provider, got nil")
	}
	if !strings.Contains(err.Error(), "outcome.llm.provider") {
		t.Errorf("error should mention outcome.llm.provider, got: %v", err)
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := load(t, `
server:
  log_level: loud
streaming:
  mode: broken
`)
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	for _, want := range []string{"log_level", "streaming.mode", "telephony.provider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voicebridge.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"telephony", "streaming", "tts", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] should not be empty", kind)
		}
	}
}
