// Package plivo implements the telephony.Provider interface for Plivo.
//
// Webhooks are application/x-www-form-urlencoded and authenticated with the
// V2 scheme: X-Plivo-Signature-V2 is base64(HMAC-SHA256(authToken, url +
// nonce)) with the nonce from X-Plivo-Signature-V2-Nonce. Outbound calls are
// given an answer URL carrying the internal call id as a query parameter;
// the answer webhook returns Plivo XML that opens the media stream.
package plivo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

var _ telephony.Provider = (*Provider)(nil)
var _ telephony.PublicURLSetter = (*Provider)(nil)
var _ telephony.StreamRegistrar = (*Provider)(nil)

const defaultAPIBase = "https://api.plivo.com"

// Provider implements telephony.Provider for Plivo.
type Provider struct {
	authID     string
	authToken  string
	from       string
	skipVerify bool

	apiBase        string
	streamPath     string
	webhookPath    string
	controlTimeout time.Duration
	client         *http.Client
	tokens         *telephony.StreamTokens

	mu        sync.Mutex
	publicURL string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIBase overrides the Plivo REST endpoint. Used in tests.
func WithAPIBase(base string) Option {
	return func(p *Provider) { p.apiBase = strings.TrimSuffix(base, "/") }
}

// WithStreamPath sets the media-stream WebSocket path.
func WithStreamPath(path string) Option {
	return func(p *Provider) { p.streamPath = path }
}

// WithWebhookPath sets the webhook path used for answer and hangup URLs.
func WithWebhookPath(path string) Option {
	return func(p *Provider) { p.webhookPath = path }
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

// New creates a Plivo provider.
func New(authID, authToken, from string, opts ...Option) (*Provider, error) {
	if authID == "" || authToken == "" {
		return nil, fmt.Errorf("plivo: authID and authToken must not be empty")
	}
	p := &Provider{
		authID:         authID,
		authToken:      authToken,
		from:           from,
		apiBase:        defaultAPIBase,
		streamPath:     "/voice/stream",
		webhookPath:    "/voice/webhook",
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
func (p *Provider) Name() string { return "plivo" }

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

// IsValidStreamToken implements telephony.StreamTokenValidator.
func (p *Provider) IsValidStreamToken(callKey, token string) bool {
	return p.tokens.Validate(callKey, token)
}

// ResolveCallIDByToken implements telephony.StreamTokenValidator.
func (p *Provider) ResolveCallIDByToken(token string) (string, bool) {
	return p.tokens.Resolve(token)
}

// VerifyWebhook implements telephony.Provider.
func (p *Provider) VerifyWebhook(r *http.Request, _ []byte) telephony.VerifyResult {
	if p.skipVerify {
		return telephony.VerifyResult{OK: true}
	}
	sig := r.Header.Get("X-Plivo-Signature-V2")
	nonce := r.Header.Get("X-Plivo-Signature-V2-Nonce")
	if sig == "" || nonce == "" {
		return telephony.VerifyResult{Reason: "missing plivo signature headers"}
	}

	fullURL := p.publicBase() + r.URL.RequestURI()
	expected := computeSignature(p.authToken, fullURL, nonce)
	if !telephony.ConstantTimeEqual(expected, sig) {
		return telephony.VerifyResult{Reason: "signature mismatch"}
	}
	return telephony.VerifyResult{OK: true}
}

func computeSignature(authToken, fullURL, nonce string) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	mac.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent implements telephony.Provider. The internal call id for
// outbound calls round-trips through the answer URL's callId query parameter.
func (p *Provider) ParseWebhookEvent(r *http.Request, body []byte) (*telephony.WebhookResult, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("plivo: parse webhook form: %w", err)
	}
	callUUID := strings.TrimSpace(form.Get("CallUUID"))
	if callUUID == "" {
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	var callID string
	if r != nil {
		callID = strings.TrimSpace(r.URL.Query().Get("callId"))
	}

	status := strings.ToLower(strings.TrimSpace(form.Get("CallStatus")))
	event := strings.ToLower(strings.TrimSpace(form.Get("Event")))

	var evt telephony.Event
	var xmlBody string
	switch {
	case form.Get("Digits") != "":
		evt = telephony.NewEvent(telephony.EventDTMF, callUUID)
		evt.Digits = strings.TrimSpace(form.Get("Digits"))
	case status == "ringing":
		evt = telephony.NewEvent(telephony.EventRinging, callUUID)
	case status == "in-progress" && (event == "startapp" || event == ""):
		// Answer webhook: respond with XML that opens the media stream.
		evt = telephony.NewEvent(telephony.EventAnswered, callUUID)
		key := callID
		if key == "" {
			key = callUUID
		}
		streamURL, err := p.RegisterCallStream(key)
		if err != nil {
			return nil, err
		}
		xmlBody = streamXML(streamURL)
	case status == "completed", event == "hangup":
		evt = telephony.NewEvent(telephony.EventEnded, callUUID)
		cause := form.Get("HangupCauseName")
		if cause == "" {
			cause = form.Get("HangupCause")
		}
		evt.Reason = endReason(cause, form.Get("Machine"))
	default:
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	evt.CallID = callID
	evt.From = strings.TrimSpace(form.Get("From"))
	evt.To = strings.TrimSpace(form.Get("To"))
	if strings.HasPrefix(strings.ToLower(form.Get("Direction")), "inbound") {
		evt.Direction = telephony.DirectionInbound
	} else if form.Get("Direction") != "" {
		evt.Direction = telephony.DirectionOutbound
	}

	res := &telephony.WebhookResult{
		Events:     []telephony.Event{evt},
		StatusCode: http.StatusOK,
	}
	if xmlBody != "" {
		res.Body = xmlBody
		res.ContentType = "application/xml"
	}
	return res, nil
}

func endReason(cause, machine string) telephony.EndReason {
	if strings.EqualFold(machine, "true") {
		return telephony.ReasonVoicemail
	}
	return telephony.MapEndReason(strings.ReplaceAll(cause, "_", " "))
}

// InitiateCall implements telephony.Provider.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	from := req.From
	if from == "" {
		from = p.from
	}
	answer := p.publicBase() + p.webhookPath + "?callId=" + url.QueryEscape(req.CallID)
	body := map[string]any{
		"to":              req.To,
		"from":            from,
		"answer_url":      answer,
		"answer_method":   "POST",
		"hangup_url":      answer,
		"hangup_method":   "POST",
		"ring_url":        answer,
		"ring_method":     "POST",
		"machine_detection": "true",
	}

	var out struct {
		RequestUUID string `json:"request_uuid"`
	}
	path := fmt.Sprintf("/v1/Account/%s/Call/", p.authID)
	if err := p.rest(ctx, http.MethodPost, path, body, &out); err != nil {
		return telephony.CallHandle{}, err
	}
	return telephony.CallHandle{ProviderCallID: out.RequestUUID, Status: "initiated"}, nil
}

// HangupCall implements telephony.Provider.
func (p *Provider) HangupCall(ctx context.Context, ref telephony.CallRef) error {
	if ref.ProviderCallID == "" {
		return telephony.ErrNoControlURL
	}
	path := fmt.Sprintf("/v1/Account/%s/Call/%s/", p.authID, ref.ProviderCallID)
	return p.rest(ctx, http.MethodDelete, path, nil, nil)
}

// PlayTTS implements telephony.Provider.
func (p *Provider) PlayTTS(ctx context.Context, ref telephony.CallRef, text string) error {
	if ref.ProviderCallID == "" {
		return telephony.ErrNoControlURL
	}
	body := map[string]any{
		"text":     text,
		"voice":    "WOMAN",
		"language": "ru-RU",
	}
	path := fmt.Sprintf("/v1/Account/%s/Call/%s/Speak/", p.authID, ref.ProviderCallID)
	return p.rest(ctx, http.MethodPost, path, body, nil)
}

// StartListening implements telephony.Provider. Plivo speech capture rides
// the media stream; there is nothing to toggle.
func (p *Provider) StartListening(context.Context, telephony.CallRef) error { return nil }

// StopListening implements telephony.Provider.
func (p *Provider) StopListening(context.Context, telephony.CallRef) error { return nil }

func (p *Provider) rest(ctx context.Context, method, path string, body map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.controlTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("plivo: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("plivo: build request: %w", err)
	}
	req.SetBasicAuth(p.authID, p.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("plivo: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &telephony.ProviderError{Provider: "plivo", Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("plivo: decode response: %w", err)
		}
	}
	return nil
}

func streamXML(streamURL string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Stream keepCallAlive="true" bidirectional="true" contentType="audio/x-mulaw;rate=8000">`)
	xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`</Stream></Response>`)
	return b.String()
}
