// Package twilio implements the telephony.Provider interface for Twilio.
//
// Webhooks are application/x-www-form-urlencoded and authenticated with the
// X-Twilio-Signature header: base64(HMAC-SHA1(authToken, url + sorted k+v
// pairs)). Media streaming uses TwiML <Connect><Stream> with the call
// identity passed as a <Parameter>, since Twilio strips query strings from
// stream URLs before opening the WebSocket.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

var _ telephony.Provider = (*Provider)(nil)
var _ telephony.PublicURLSetter = (*Provider)(nil)
var _ telephony.StreamRegistrar = (*Provider)(nil)

const defaultAPIBase = "https://api.twilio.com"

// Provider implements telephony.Provider for Twilio.
type Provider struct {
	accountSID string
	authToken  string
	from       string
	skipVerify bool

	apiBase        string
	streamPath     string
	controlTimeout time.Duration
	client         *http.Client

	tokens *telephony.StreamTokens

	mu        sync.Mutex
	publicURL string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIBase overrides the Twilio REST endpoint. Used in tests.
func WithAPIBase(base string) Option {
	return func(p *Provider) { p.apiBase = strings.TrimSuffix(base, "/") }
}

// WithStreamPath sets the media-stream WebSocket path minted into TwiML.
func WithStreamPath(path string) Option {
	return func(p *Provider) { p.streamPath = path }
}

// WithControlTimeout bounds in-call REST commands.
func WithControlTimeout(d time.Duration) Option {
	return func(p *Provider) { p.controlTimeout = d }
}

// WithSkipVerification disables webhook signature checks. Never use outside
// local development.
func WithSkipVerification() Option {
	return func(p *Provider) { p.skipVerify = true }
}

// New creates a Twilio provider. accountSID, authToken and from are required.
func New(accountSID, authToken, from string, opts ...Option) (*Provider, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio: accountSID and authToken must not be empty")
	}
	p := &Provider{
		accountSID:     accountSID,
		authToken:      authToken,
		from:           from,
		apiBase:        defaultAPIBase,
		streamPath:     "/voice/stream",
		controlTimeout: 10 * time.Second,
		client:         &http.Client{Timeout: 30 * time.Second},
		tokens:         telephony.NewStreamTokens(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements telephony.Provider.
func (p *Provider) Name() string { return "twilio" }

// SetPublicURL implements telephony.PublicURLSetter.
func (p *Provider) SetPublicURL(base string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publicURL = strings.TrimSuffix(base, "/")
}

func (p *Provider) publicBase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicURL
}

// RegisterCallStream implements telephony.StreamRegistrar.
func (p *Provider) RegisterCallStream(callKey string) (string, error) {
	token, err := p.tokens.Mint(callKey)
	if err != nil {
		return "", err
	}
	return telephony.StreamURL(p.publicBase(), p.streamPath, token)
}

// VerifyWebhook implements telephony.Provider. The expected signature is
// base64(HMAC-SHA1(authToken, url + k1v1k2v2...)) with POST parameters sorted
// by key. The URL is reconstructed from the configured public origin so that
// verification works behind tunnels and proxies.
func (p *Provider) VerifyWebhook(r *http.Request, body []byte) telephony.VerifyResult {
	if p.skipVerify {
		return telephony.VerifyResult{OK: true}
	}
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return telephony.VerifyResult{Reason: "missing X-Twilio-Signature"}
	}

	params, err := url.ParseQuery(string(body))
	if err != nil {
		return telephony.VerifyResult{Reason: "malformed form body"}
	}
	fullURL := p.publicBase() + r.URL.RequestURI()

	expected := computeSignature(p.authToken, fullURL, params)
	if !telephony.ConstantTimeEqual(expected, sig) {
		return telephony.VerifyResult{Reason: "signature mismatch"}
	}
	return telephony.VerifyResult{OK: true}
}

func computeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent implements telephony.Provider.
func (p *Provider) ParseWebhookEvent(_ *http.Request, body []byte) (*telephony.WebhookResult, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("twilio: parse webhook form: %w", err)
	}

	callSid := strings.TrimSpace(form.Get("CallSid"))
	if callSid == "" {
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	status := strings.ToLower(strings.TrimSpace(form.Get("CallStatus")))
	direction := telephony.DirectionOutbound
	if strings.HasPrefix(strings.ToLower(form.Get("Direction")), "inbound") {
		direction = telephony.DirectionInbound
	}

	evt := telephony.NewEvent(eventTypeFor(status, form), callSid)
	evt.Direction = direction
	evt.From = strings.TrimSpace(form.Get("From"))
	evt.To = strings.TrimSpace(form.Get("To"))

	switch evt.Type {
	case telephony.EventEnded:
		evt.Reason = endReasonFor(status, form)
	case telephony.EventDTMF:
		evt.Digits = strings.TrimSpace(form.Get("Digits"))
	case telephony.EventSpeech:
		evt.Transcript = strings.TrimSpace(form.Get("SpeechResult"))
		evt.IsFinal = true
		if c, err := strconv.ParseFloat(form.Get("Confidence"), 64); err == nil && c > 0 {
			evt.Confidence = c
		}
	}

	res := &telephony.WebhookResult{
		Events:     []telephony.Event{evt},
		StatusCode: http.StatusOK,
	}

	// An inbound call's first webhook expects inline TwiML telling Twilio to
	// open the media stream. Identity travels in a <Parameter> because the
	// query string is stripped on WS upgrade.
	if direction == telephony.DirectionInbound && evt.Type == telephony.EventInitiated {
		streamURL, err := p.RegisterCallStream(callSid)
		if err != nil {
			return nil, err
		}
		res.Body = connectStreamTwiML(streamURL, "providerCallId", callSid)
		res.ContentType = "text/xml"
	}
	return res, nil
}

func eventTypeFor(status string, form url.Values) telephony.EventType {
	if form.Get("Digits") != "" {
		return telephony.EventDTMF
	}
	if form.Get("SpeechResult") != "" {
		return telephony.EventSpeech
	}
	switch status {
	case "queued", "initiated":
		return telephony.EventInitiated
	case "ringing":
		return telephony.EventRinging
	case "in-progress", "answered":
		return telephony.EventAnswered
	case "completed", "busy", "no-answer", "failed", "canceled":
		return telephony.EventEnded
	default:
		if status == "" {
			// Inbound voice webhook carries no CallStatus.
			return telephony.EventInitiated
		}
		return telephony.EventInitiated
	}
}

func endReasonFor(status string, form url.Values) telephony.EndReason {
	if strings.HasPrefix(strings.ToLower(form.Get("AnsweredBy")), "machine") {
		return telephony.ReasonVoicemail
	}
	return telephony.MapEndReason(status)
}

// InitiateCall implements telephony.Provider.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	from := req.From
	if from == "" {
		from = p.from
	}

	var twiml string
	if req.StreamURL != "" {
		twiml = connectStreamTwiML(req.StreamURL, "callId", req.CallID)
	} else {
		twiml = sayTwiML(req.Greeting)
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Twiml", twiml)
	if base := p.publicBase(); base != "" {
		form.Set("StatusCallback", base+"/voice/webhook")
		for _, e := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", e)
		}
	}

	var out struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", p.accountSID)
	if err := p.rest(ctx, path, form, &out); err != nil {
		return telephony.CallHandle{}, err
	}
	return telephony.CallHandle{ProviderCallID: out.Sid, Status: out.Status}, nil
}

// HangupCall implements telephony.Provider.
func (p *Provider) HangupCall(ctx context.Context, ref telephony.CallRef) error {
	if ref.ProviderCallID == "" {
		return telephony.ErrNoControlURL
	}
	form := url.Values{}
	form.Set("Status", "completed")
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", p.accountSID, ref.ProviderCallID)
	return p.rest(ctx, path, form, nil)
}

// PlayTTS implements telephony.Provider by replacing the live call's TwiML
// with a <Say> followed by a long pause so the call stays up.
func (p *Provider) PlayTTS(ctx context.Context, ref telephony.CallRef, text string) error {
	if ref.ProviderCallID == "" {
		return telephony.ErrNoControlURL
	}
	form := url.Values{}
	form.Set("Twiml", sayTwiML(text))
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", p.accountSID, ref.ProviderCallID)
	return p.rest(ctx, path, form, nil)
}

// StartListening implements telephony.Provider. Twilio capture runs for the
// lifetime of the media stream; there is nothing to toggle.
func (p *Provider) StartListening(context.Context, telephony.CallRef) error { return nil }

// StopListening implements telephony.Provider.
func (p *Provider) StopListening(context.Context, telephony.CallRef) error { return nil }

// IsValidStreamToken implements telephony.StreamTokenValidator.
func (p *Provider) IsValidStreamToken(callKey, token string) bool {
	return p.tokens.Validate(callKey, token)
}

// ResolveCallIDByToken implements telephony.StreamTokenValidator.
func (p *Provider) ResolveCallIDByToken(token string) (string, bool) {
	return p.tokens.Resolve(token)
}

func (p *Provider) rest(ctx context.Context, path string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &telephony.ProviderError{Provider: "twilio", Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("twilio: decode response: %w", err)
		}
	}
	return nil
}

// connectStreamTwiML builds the TwiML that attaches a bidirectional media
// stream to the call, threading identity through a custom parameter.
func connectStreamTwiML(streamURL, paramName, paramValue string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`"><Parameter name="`)
	xml.EscapeText(&b, []byte(paramName))
	b.WriteString(`" value="`)
	xml.EscapeText(&b, []byte(paramValue))
	b.WriteString(`"/></Stream></Connect></Response>`)
	return b.String()
}

func sayTwiML(text string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>`)
	xml.EscapeText(&b, []byte(text))
	b.WriteString(`</Say><Pause length="60"/></Response>`)
	return b.String()
}
