// Package telephony defines the Provider interface for telephony carriers.
//
// A telephony provider wraps one carrier's control plane (Twilio, Telnyx,
// Plivo, Voximplant, or the deterministic mock) and presents a uniform
// surface: webhook signature verification, webhook parsing into normalized
// events, outbound call origination, and in-call commands. Carrier-specific
// event vocabularies are collapsed into the [Event] stream that the call
// manager consumes.
//
// Implementations must be safe for concurrent use: webhooks, media events,
// and control commands for the same call may arrive on different goroutines.
package telephony

import (
	"context"
	"net/http"
	"time"
)

// Direction indicates who originated a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// VerifyResult reports the outcome of webhook signature verification.
type VerifyResult struct {
	// OK is true when the request is authentic.
	OK bool

	// Reason describes why verification failed. Empty when OK.
	Reason string
}

// CallRequest describes an outbound call to originate.
type CallRequest struct {
	// CallID is the locally minted call identifier. Providers thread it
	// through the carrier (custom stream parameters, scenario data) so that
	// media connections and webhooks can be correlated back to the record.
	CallID string

	// From and To are E.164 numbers.
	From string
	To   string

	// StreamURL is the wss:// media-stream URL the carrier should open once
	// the call is answered. Empty disables streaming for this call.
	StreamURL string

	// Greeting is an optional opening line spoken with the carrier's native
	// TTS when no media stream is attached (notify mode).
	Greeting string
}

// CallHandle is the carrier's view of a freshly originated call.
type CallHandle struct {
	// ProviderCallID is the carrier-assigned call identifier.
	ProviderCallID string

	// Status is the carrier's initial status string, verbatim.
	Status string
}

// CallRef addresses an in-progress call for control commands. Providers use
// whichever identifier they have a control handle for; commands fail with
// [ErrNoControlURL] when neither resolves.
type CallRef struct {
	CallID         string
	ProviderCallID string
}

// WebhookResult is the parsed form of one carrier webhook: zero or more
// normalized events plus the HTTP response the carrier expects. Body and
// ContentType are empty for a plain 200.
type WebhookResult struct {
	Events      []Event
	StatusCode  int
	Body        string
	ContentType string
}

// Provider is the abstraction over one telephony carrier.
type Provider interface {
	// Name returns the provider's configuration name ("twilio", "telnyx",
	// "plivo", "voximplant", "mock").
	Name() string

	// VerifyWebhook checks the authenticity of a carrier webhook. body is
	// the raw request body; implementations must not read r.Body. Requests
	// that fail verification never reach ParseWebhookEvent.
	VerifyWebhook(r *http.Request, body []byte) VerifyResult

	// ParseWebhookEvent translates one webhook into normalized events and
	// the response the carrier expects.
	ParseWebhookEvent(r *http.Request, body []byte) (*WebhookResult, error)

	// InitiateCall originates an outbound call.
	InitiateCall(ctx context.Context, req CallRequest) (CallHandle, error)

	// HangupCall terminates an in-progress call.
	HangupCall(ctx context.Context, ref CallRef) error

	// PlayTTS speaks text on the call using the carrier's native TTS. Used
	// in notify mode and as the fallback when the telephony TTS adapter is
	// unavailable.
	PlayTTS(ctx context.Context, ref CallRef, text string) error

	// StartListening and StopListening toggle carrier-side speech capture
	// for providers that gate it (no-ops elsewhere).
	StartListening(ctx context.Context, ref CallRef) error
	StopListening(ctx context.Context, ref CallRef) error
}

// PublicURLSetter is implemented by providers that embed the public origin
// into webhook callbacks or stream URLs.
type PublicURLSetter interface {
	SetPublicURL(base string)
}

// StreamRegistrar is implemented by providers that mint per-call media-stream
// URLs carrying a stream token.
type StreamRegistrar interface {
	// RegisterCallStream mints a stream URL (and per-call secret token) for
	// the given call key and returns the URL to hand to the carrier.
	RegisterCallStream(callKey string) (string, error)
}

// StreamTokenValidator is implemented by providers whose media connections
// authenticate with a query-string token rather than a start payload.
type StreamTokenValidator interface {
	// IsValidStreamToken reports whether token matches the per-call secret
	// minted for callKey. The comparison is constant-time.
	IsValidStreamToken(callKey, token string) bool

	// ResolveCallIDByToken maps a stream token back to its call key.
	ResolveCallIDByToken(token string) (string, bool)
}

// Now is the clock used for event timestamps. Overridable in tests.
var Now = time.Now
