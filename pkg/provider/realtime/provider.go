// Package realtime defines the Provider interface for streaming speech
// backends.
//
// A realtime provider wraps a low-latency voice model that accepts caller
// audio and returns transcripts — and, in conversation mode, synthesised
// speech — over a single stateful session. The central abstraction is
// Session: audio goes in through SendAudio, everything the model produces
// comes back on one Events channel so consumers see transcript and audio
// events in the order the model emitted them.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// Mode selects how the session drives the conversation.
type Mode string

const (
	// ModeTranscription streams caller audio for recognition only. The
	// application decides what to say and speaks through its own TTS path.
	ModeTranscription Mode = "transcription"

	// ModeConversation lets the model hold the conversation itself: it
	// produces assistant audio and transcripts in addition to recognising
	// the caller.
	ModeConversation Mode = "conversation"
)

// EventType discriminates Session events.
type EventType string

const (
	// EventSpeechStarted fires when the model detects the caller starting to
	// speak. In conversation mode this is the barge-in signal: any queued
	// assistant audio should be flushed.
	EventSpeechStarted EventType = "speech.started"

	// EventUserPartial carries an interim caller transcript. Partials may be
	// revised; only finals are durable.
	EventUserPartial EventType = "user.partial"

	// EventUserFinal carries a finalized caller transcript.
	EventUserFinal EventType = "user.final"

	// EventAssistantPartial carries an interim assistant transcript
	// (conversation mode only).
	EventAssistantPartial EventType = "assistant.partial"

	// EventAssistantFinal carries the complete assistant utterance. Emitted
	// exactly once per model response.
	EventAssistantFinal EventType = "assistant.final"

	// EventAssistantAudio carries a chunk of assistant speech as μ-law 8kHz
	// bytes (conversation mode only).
	EventAssistantAudio EventType = "assistant.audio"

	// EventClosed is the last event on the channel. Err is nil for a clean
	// shutdown and non-nil when the session died.
	EventClosed EventType = "closed"
)

// Event is a single occurrence within a Session. Which fields are set
// depends on Type.
type Event struct {
	Type  EventType
	Text  string
	Audio []byte
	Err   error
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Mode selects transcription-only or full conversation behaviour.
	Mode Mode

	// Instructions is the system prompt for conversation mode. Ignored in
	// transcription mode.
	Instructions string

	// Voice selects the synthesised voice for conversation mode.
	Voice string

	// Opening, when set in conversation mode, is a one-time per-response
	// instruction used to trigger the first assistant turn as soon as the
	// session is configured, e.g. a scripted greeting. Ignored in
	// transcription mode.
	Opening string

	// Language hints the recogniser, e.g. "ru".
	Language string
}

// Session is an open realtime session.
//
// Events returns the session's single output channel. The channel is closed
// after an EventClosed is delivered. Consumers must drain it promptly.
//
// Callers must call Close when the session is no longer needed; Close is
// idempotent.
type Session interface {
	// SendAudio delivers a chunk of caller audio as μ-law 8kHz mono bytes.
	SendAudio(chunk []byte) error

	// SendText injects a user text message and, in conversation mode,
	// requests a model response to it.
	SendText(text string) error

	// UpdateInstructions replaces the system prompt for subsequent turns.
	UpdateInstructions(instructions string) error

	// Interrupt cancels the in-flight model response and discards buffered
	// assistant audio on the provider side.
	Interrupt() error

	// Events returns the session's event channel.
	Events() <-chan Event

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
type Provider interface {
	// Connect establishes a new session. The returned Session is ready to
	// accept audio once Connect returns.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
