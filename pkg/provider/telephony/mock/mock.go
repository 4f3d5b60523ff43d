// Package mock provides a test double for the telephony.Provider interface.
//
// Use Provider to drive the call manager and webhook server without a real
// carrier: configure the VerifyResult and parsed events to return, then
// inspect the recorded control-plane calls.
//
// Example:
//
//	p := &mock.Provider{
//	    ParseEvents: []telephony.Event{{Type: telephony.EventAnswered}},
//	}
//	res, _ := p.ParseWebhookEvent(nil, body)
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

// InitiateCallCall records a single invocation of InitiateCall.
type InitiateCallCall struct {
	// Ctx is the context passed to InitiateCall.
	Ctx context.Context
	// Req is the CallRequest passed to InitiateCall.
	Req telephony.CallRequest
}

// ControlCall records an invocation of HangupCall, PlayTTS, StartListening
// or StopListening.
type ControlCall struct {
	// Op names the control operation: "hangup", "tts", "listen.start" or
	// "listen.stop".
	Op string
	// Ref is the CallRef passed to the operation.
	Ref telephony.CallRef
	// Text is the TTS text for "tts" calls, empty otherwise.
	Text string
}

// Provider is a mock implementation of telephony.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// VerifyResult is returned by VerifyWebhook. The zero value rejects; set
	// OK to accept.
	VerifyResult telephony.VerifyResult

	// ParseEvents is returned inside the WebhookResult from ParseWebhookEvent.
	ParseEvents []telephony.Event

	// ParseResult, if non-nil, is returned verbatim from ParseWebhookEvent
	// and ParseEvents is ignored.
	ParseResult *telephony.WebhookResult

	// ParseErr, if non-nil, is returned as the error from ParseWebhookEvent.
	ParseErr error

	// InitiateHandle is returned by InitiateCall.
	InitiateHandle telephony.CallHandle

	// InitiateErr, if non-nil, is returned as the error from InitiateCall.
	InitiateErr error

	// ControlErr, if non-nil, is returned by every control operation.
	ControlErr error

	// StreamURLValue is returned by RegisterCallStream. Defaults to
	// "wss://mock.invalid/voice/stream?token=" + callKey.
	StreamURLValue string

	// ValidTokens maps callKey to the token accepted by IsValidStreamToken.
	ValidTokens map[string]string

	// --- Call records ---

	// InitiateCalls records every call to InitiateCall in order.
	InitiateCalls []InitiateCallCall

	// ControlCalls records every control-plane call in order.
	ControlCalls []ControlCall

	// RegisteredStreams records every callKey passed to RegisterCallStream.
	RegisteredStreams []string
}

// Name returns NameValue, or "mock" if unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

// VerifyWebhook returns VerifyResult.
func (p *Provider) VerifyWebhook(*http.Request, []byte) telephony.VerifyResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VerifyResult
}

// ParseWebhookEvent returns ParseResult or wraps ParseEvents in an OK result.
func (p *Provider) ParseWebhookEvent(*http.Request, []byte) (*telephony.WebhookResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ParseErr != nil {
		return nil, p.ParseErr
	}
	if p.ParseResult != nil {
		return p.ParseResult, nil
	}
	events := make([]telephony.Event, len(p.ParseEvents))
	copy(events, p.ParseEvents)
	return &telephony.WebhookResult{Events: events, StatusCode: http.StatusOK}, nil
}

// InitiateCall records the call and returns InitiateHandle, InitiateErr.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitiateCalls = append(p.InitiateCalls, InitiateCallCall{Ctx: ctx, Req: req})
	if p.InitiateErr != nil {
		return telephony.CallHandle{}, p.InitiateErr
	}
	return p.InitiateHandle, nil
}

// HangupCall records the call and returns ControlErr.
func (p *Provider) HangupCall(_ context.Context, ref telephony.CallRef) error {
	return p.record("hangup", ref, "")
}

// PlayTTS records the call and returns ControlErr.
func (p *Provider) PlayTTS(_ context.Context, ref telephony.CallRef, text string) error {
	return p.record("tts", ref, text)
}

// StartListening records the call and returns ControlErr.
func (p *Provider) StartListening(_ context.Context, ref telephony.CallRef) error {
	return p.record("listen.start", ref, "")
}

// StopListening records the call and returns ControlErr.
func (p *Provider) StopListening(_ context.Context, ref telephony.CallRef) error {
	return p.record("listen.stop", ref, "")
}

func (p *Provider) record(op string, ref telephony.CallRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ControlCalls = append(p.ControlCalls, ControlCall{Op: op, Ref: ref, Text: text})
	return p.ControlErr
}

// SetPublicURL implements telephony.PublicURLSetter as a no-op.
func (p *Provider) SetPublicURL(string) {}

// RegisterCallStream records the callKey and returns StreamURLValue or a
// deterministic URL derived from the key.
func (p *Provider) RegisterCallStream(callKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RegisteredStreams = append(p.RegisteredStreams, callKey)
	if p.StreamURLValue != "" {
		return p.StreamURLValue, nil
	}
	return "wss://mock.invalid/voice/stream?token=" + callKey, nil
}

// IsValidStreamToken checks the token against ValidTokens.
func (p *Provider) IsValidStreamToken(callKey, token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	want, ok := p.ValidTokens[callKey]
	return ok && want == token
}

// ResolveCallIDByToken reverse-looks-up ValidTokens.
func (p *Provider) ResolveCallIDByToken(token string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, tok := range p.ValidTokens {
		if tok == token {
			return key, true
		}
	}
	return "", false
}

// ControlCallCount returns the number of recorded control calls. Thread-safe.
func (p *Provider) ControlCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ControlCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitiateCalls = nil
	p.ControlCalls = nil
	p.RegisteredStreams = nil
}

// Ensure Provider implements the telephony interfaces at compile time.
var _ telephony.Provider = (*Provider)(nil)
var _ telephony.PublicURLSetter = (*Provider)(nil)
var _ telephony.StreamRegistrar = (*Provider)(nil)
