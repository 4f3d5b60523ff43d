package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; credential or
// provider changes require a restart and are deliberately not part of it.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged is set when the conversation system prompt
	// changed. Applies to sessions opened after the reload.
	InstructionsChanged bool
	NewInstructions     string

	// CallLimitsChanged is set when any calls.* tunable changed. New limits
	// apply to calls placed after the reload.
	CallLimitsChanged bool
	NewCallLimits     CallsConfig

	// NotifyChannelChanged is set when the outcome routing changed.
	NotifyChannelChanged bool
	NewNotifyChannel     string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Streaming.Instructions != new.Streaming.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Streaming.Instructions
	}
	if old.Calls != new.Calls {
		d.CallLimitsChanged = true
		d.NewCallLimits = new.Calls
	}
	if old.Outcome.NotifyChannel != new.Outcome.NotifyChannel {
		d.NotifyChannelChanged = true
		d.NewNotifyChannel = new.Outcome.NotifyChannel
	}

	return d
}
