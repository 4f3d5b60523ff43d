package telephony

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates normalized events.
type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventActive    EventType = "call.active"
	EventSpeaking  EventType = "call.speaking"
	EventSpeech    EventType = "call.speech"
	EventDTMF      EventType = "call.dtmf"
	EventEnded     EventType = "call.ended"
	EventError     EventType = "call.error"
)

// EndReason is the canonical terminal classification of a call.
type EndReason string

const (
	ReasonBusy       EndReason = "busy"
	ReasonNoAnswer   EndReason = "no-answer"
	ReasonVoicemail  EndReason = "voicemail"
	ReasonTimeout    EndReason = "timeout"
	ReasonHangupUser EndReason = "hangup-user"
	ReasonHangupBot  EndReason = "hangup-bot"
	ReasonFailed     EndReason = "failed"
	ReasonCompleted  EndReason = "completed"
)

// Event is the provider-agnostic webhook event consumed by the call manager.
// Type selects which payload fields are meaningful.
type Event struct {
	ID             string
	Type           EventType
	CallID         string
	ProviderCallID string
	Timestamp      time.Time
	Direction      Direction
	From           string
	To             string

	// call.speech
	Transcript string
	IsFinal    bool
	Confidence float64

	// call.dtmf
	Digits string

	// call.ended
	Reason EndReason

	// call.error
	Error     string
	Retryable bool
}

// NewEvent creates an event of the given type with a fresh id and timestamp.
func NewEvent(t EventType, providerCallID string) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		ProviderCallID: providerCallID,
		Timestamp:      Now(),
	}
}

// MapEndReason classifies a carrier end-reason string into the canonical
// terminal reason by lowercased substring match. Unrecognised strings map to
// completed.
func MapEndReason(s string) EndReason {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "busy"):
		return ReasonBusy
	case strings.Contains(s, "no answer") || strings.Contains(s, "no-answer"):
		return ReasonNoAnswer
	case strings.Contains(s, "voicemail"):
		return ReasonVoicemail
	case strings.Contains(s, "timeout"):
		return ReasonTimeout
	case strings.Contains(s, "user"):
		return ReasonHangupUser
	case strings.Contains(s, "bot"):
		return ReasonHangupBot
	case strings.Contains(s, "error") || strings.Contains(s, "fail"):
		return ReasonFailed
	default:
		return ReasonCompleted
	}
}

// StringField extracts a trimmed non-empty string from a decoded webhook
// payload. Values of any other runtime type are rejected.
func StringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// NumberField extracts a positive finite number from a decoded webhook
// payload. JSON numbers decode as float64; anything else is rejected.
func NumberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f <= 0 || f != f || f > 1e15 {
		return 0, false
	}
	return f, true
}

// BoolField extracts a well-formed boolean from a decoded webhook payload.
func BoolField(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
