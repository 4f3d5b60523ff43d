package config_test

import (
	"testing"

	"github.com/openclaw/voicebridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Streaming: config.StreamingConfig{Instructions: "be brief"},
		Calls:     config.CallsConfig{MaxConcurrent: 5},
		Outcome:   config.OutcomeConfig{NotifyChannel: "telegram:dm:123"},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.InstructionsChanged || d.CallLimitsChanged || d.NotifyChannelChanged {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_InstructionsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Streaming: config.StreamingConfig{Instructions: "book a table"}}
	new := &config.Config{Streaming: config.StreamingConfig{Instructions: "cancel the booking"}}

	d := config.Diff(old, new)
	if !d.InstructionsChanged {
		t.Error("expected InstructionsChanged=true")
	}
	if d.NewInstructions != "cancel the booking" {
		t.Errorf("NewInstructions = %q", d.NewInstructions)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_CallLimitsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Calls: config.CallsConfig{MaxConcurrent: 5, RingTimeoutMs: 45000}}
	new := &config.Config{Calls: config.CallsConfig{MaxConcurrent: 2, RingTimeoutMs: 45000}}

	d := config.Diff(old, new)
	if !d.CallLimitsChanged {
		t.Error("expected CallLimitsChanged=true")
	}
	if d.NewCallLimits.MaxConcurrent != 2 {
		t.Errorf("NewCallLimits.MaxConcurrent = %d, want 2", d.NewCallLimits.MaxConcurrent)
	}
}

func TestDiff_NotifyChannelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Outcome: config.OutcomeConfig{NotifyChannel: "telegram:dm:1"}}
	new := &config.Config{Outcome: config.OutcomeConfig{NotifyChannel: "telegram:group:-2"}}

	d := config.Diff(old, new)
	if !d.NotifyChannelChanged {
		t.Error("expected NotifyChannelChanged=true")
	}
	if d.NewNotifyChannel != "telegram:group:-2" {
		t.Errorf("NewNotifyChannel = %q", d.NewNotifyChannel)
	}
}

func TestDiff_CredentialChangesIgnored(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Telephony: config.TelephonyConfig{Provider: "twilio", Twilio: config.TwilioConfig{AuthToken: "a"}},
		Streaming: config.StreamingConfig{APIKey: "sk-1"},
	}
	new := &config.Config{
		Telephony: config.TelephonyConfig{Provider: "plivo", Plivo: config.PlivoConfig{AuthToken: "b"}},
		Streaming: config.StreamingConfig{APIKey: "sk-2"},
	}

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.InstructionsChanged || d.CallLimitsChanged || d.NotifyChannelChanged {
		t.Errorf("provider/credential changes must not appear in the diff, got %+v", d)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Calls:   config.CallsConfig{SilenceTimeoutMs: 30000},
		Outcome: config.OutcomeConfig{NotifyChannel: "telegram:dm:1"},
	}
	new := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogWarn},
		Calls:   config.CallsConfig{SilenceTimeoutMs: 20000},
		Outcome: config.OutcomeConfig{NotifyChannel: "telegram:dm:9"},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.CallLimitsChanged || !d.NotifyChannelChanged {
		t.Errorf("expected all three changes flagged, got %+v", d)
	}
}
