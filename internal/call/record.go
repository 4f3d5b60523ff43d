// Package call implements the authoritative per-call state: the call record,
// its state machine, the transcript, and the manager that drives calls from
// initiation to a terminal state. Providers feed it normalized events; the
// bridge feeds it transcripts; everything downstream (outcome pipeline,
// history, CLI status) reads the records it owns.
package call

import (
	"time"
)

// State is a call lifecycle phase.
type State string

const (
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateAnswered   State = "answered"
	StateActive     State = "active"
	StateSpeaking   State = "speaking"
	StateListening  State = "listening"
	StateEnding     State = "ending"

	// Terminal states.
	StateHangupBot  State = "hangup-bot"
	StateHangupUser State = "hangup-user"
	StateTimeout    State = "timeout"
	StateBusy       State = "busy"
	StateNoAnswer   State = "no-answer"
	StateVoicemail  State = "voicemail"
	StateFailed     State = "failed"
	StateCompleted  State = "completed"
)

// Terminal reports whether s is a terminal state. Terminal states carry an
// end reason and admit no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateHangupBot, StateHangupUser, StateTimeout, StateBusy,
		StateNoAnswer, StateVoicemail, StateFailed, StateCompleted:
		return true
	}
	return false
}

// transitions lists the explicit lifecycle edges. Beyond these, every
// non-terminal state may move to ending or to one of the generic terminal
// states (busy, no-answer, voicemail, timeout, failed, completed); the hangup
// states are reachable only through ending.
var transitions = map[State][]State{
	StateInitiating: {StateRinging, StateAnswered},
	StateRinging:    {StateAnswered},
	StateAnswered:   {StateActive},
	StateActive:     {StateSpeaking, StateListening},
	StateSpeaking:   {StateListening, StateActive},
	StateListening:  {StateSpeaking, StateActive},
	StateEnding:     {StateHangupBot, StateHangupUser},
}

// genericTerminals are the terminal states reachable from any non-terminal
// state.
var genericTerminals = map[State]bool{
	StateBusy:      true,
	StateNoAnswer:  true,
	StateVoicemail: true,
	StateTimeout:   true,
	StateFailed:    true,
	StateCompleted: true,
}

// CanTransition reports whether the edge from → to is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateEnding {
		return true
	}
	if genericTerminals[to] {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerBot       Speaker = "bot"
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEntry is one utterance in a call transcript. Entries are appended
// in arrival order and never mutated.
type TranscriptEntry struct {
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`
	Timestamp int64   `json:"timestamp"`
}

// Mode selects who drives the conversation on the media stream.
type Mode string

const (
	ModeNotify       Mode = "notify"
	ModeConversation Mode = "conversation"
)

// Metadata carries the task context a call was placed with.
type Metadata struct {
	// Prompt is the natural-language task for the call.
	Prompt string `json:"prompt"`

	Objective string `json:"objective,omitempty"`
	Context   string `json:"context,omitempty"`
	Language  string `json:"language,omitempty"`

	// Greeting is the opening line. Notify-mode calls speak it through the
	// carrier; conversation-mode calls use it to trigger the model's first
	// turn.
	Greeting string `json:"greeting,omitempty"`

	Mode Mode `json:"mode"`

	// MessageTo is a fallback delivery address for the outcome summary.
	MessageTo string `json:"messageTo,omitempty"`

	// SessionKey is the originating chat-session key. Required for outcome
	// delivery.
	SessionKey string `json:"sessionKey,omitempty"`
}

// Record is the authoritative state of one call. All mutation goes through
// the [Manager]; copies handed out by Get* methods are snapshots.
type Record struct {
	CallID         string `json:"callId"`
	ProviderCallID string `json:"providerCallId,omitempty"`

	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`

	State     State  `json:"state"`
	EndReason string `json:"endReason,omitempty"`

	// StartedAt and EndedAt are millisecond Unix timestamps. EndedAt is set
	// on the terminal transition.
	StartedAt int64 `json:"startedAt"`
	EndedAt   int64 `json:"endedAt,omitempty"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`

	Metadata Metadata `json:"metadata"`

	// DTMF accumulates digits received during the call.
	DTMF string `json:"dtmf,omitempty"`

	// Provider bookkeeping.
	StreamSid       string `json:"streamSid,omitempty"`
	ControlURL      string `json:"controlUrl,omitempty"`
	StreamAuthToken string `json:"-"`
}

// clone returns a deep copy of r safe to hand outside the manager's lock.
func (r *Record) clone() Record {
	c := *r
	if len(r.Transcript) > 0 {
		c.Transcript = make([]TranscriptEntry, len(r.Transcript))
		copy(c.Transcript, r.Transcript)
	}
	return c
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
