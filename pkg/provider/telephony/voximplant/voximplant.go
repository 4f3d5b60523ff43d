// Package voximplant implements the telephony.Provider interface on top of
// the Voximplant management API and a VoxEngine bridge scenario.
//
// Outbound calls start a scenario through StartScenarios; the scenario opens
// the media stream back to us and reports call progress by POSTing JSON
// webhooks authenticated with a shared secret header. In-call control rides
// the per-session media_session_access_url the platform returns, so every
// control command needs a registered control URL.
package voximplant

import (
	"bytes"
	"context"
	"encoding/json"
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

const defaultAPIBase = "https://api.voximplant.com"

// WebhookSecretHeader carries the shared secret the bridge scenario sends
// with every event webhook.
const WebhookSecretHeader = "x-openclaw-voximplant-secret"

// Provider implements telephony.Provider for Voximplant.
type Provider struct {
	ruleID        string
	callerID      string
	webhookSecret string
	skipVerify    bool

	apiBase        string
	streamPath     string
	controlTimeout time.Duration
	client         *http.Client
	tokens         *telephony.StreamTokens
	source         tokenSource

	mu         sync.Mutex
	publicURL  string
	controlURL map[string]string // callId and providerCallId -> media session URL
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIBase overrides the management API endpoint. Used in tests.
func WithAPIBase(base string) Option {
	return func(p *Provider) { p.apiBase = strings.TrimSuffix(base, "/") }
}

// WithStreamPath sets the media-stream WebSocket path.
func WithStreamPath(path string) Option {
	return func(p *Provider) { p.streamPath = path }
}

// WithControlTimeout bounds in-call scenario commands.
func WithControlTimeout(d time.Duration) Option {
	return func(p *Provider) { p.controlTimeout = d }
}

// WithSkipVerification disables webhook secret checks. Never use outside
// local development.
func WithSkipVerification() Option {
	return func(p *Provider) { p.skipVerify = true }
}

// New creates a Voximplant provider. apiToken is either a literal management
// token or one of the AUTO sentinels, in which case serviceAccount must hold
// the credentials JSON and bearer JWTs are minted on demand.
func New(apiToken string, serviceAccount []byte, ruleID, callerID, webhookSecret string, opts ...Option) (*Provider, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("voximplant: ruleID must not be empty")
	}
	p := &Provider{
		ruleID:         ruleID,
		callerID:       callerID,
		webhookSecret:  webhookSecret,
		apiBase:        defaultAPIBase,
		streamPath:     "/voice/stream",
		controlTimeout: 10 * time.Second,
		client:         &http.Client{Timeout: 30 * time.Second},
		tokens:         telephony.NewStreamTokens(),
		controlURL:     make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}

	if isAutoToken(apiToken) {
		if len(serviceAccount) == 0 {
			return nil, fmt.Errorf("voximplant: no api token and no service account credentials")
		}
		sa, err := ParseServiceAccount(serviceAccount)
		if err != nil {
			return nil, err
		}
		signer, err := newServiceAccountSigner(sa)
		if err != nil {
			return nil, err
		}
		p.source = signer
	} else {
		p.source = staticToken(apiToken)
	}
	return p, nil
}

// Name implements telephony.Provider.
func (p *Provider) Name() string { return "voximplant" }

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

// VerifyWebhook implements telephony.Provider. Scenario webhooks are
// authenticated with a shared secret rather than a body signature.
func (p *Provider) VerifyWebhook(r *http.Request, _ []byte) telephony.VerifyResult {
	if p.skipVerify {
		return telephony.VerifyResult{OK: true}
	}
	if p.webhookSecret == "" {
		return telephony.VerifyResult{Reason: "webhook secret not configured"}
	}
	got := r.Header.Get(WebhookSecretHeader)
	if got == "" {
		return telephony.VerifyResult{Reason: "missing " + WebhookSecretHeader + " header"}
	}
	if !telephony.ConstantTimeEqual(p.webhookSecret, got) {
		return telephony.VerifyResult{Reason: "webhook secret mismatch"}
	}
	return telephony.VerifyResult{OK: true}
}

// webhookEvent is the JSON the bridge scenario posts for call progress.
type webhookEvent struct {
	Event      string  `json:"event"`
	CallID     string  `json:"callId"`
	SessionID  string  `json:"sessionId"`
	ControlURL string  `json:"controlUrl"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Direction  string  `json:"direction"`
	Reason     string  `json:"reason"`
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Digits     string  `json:"digits"`
	Error      string  `json:"error"`
}

// ParseWebhookEvent implements telephony.Provider.
func (p *Provider) ParseWebhookEvent(_ *http.Request, body []byte) (*telephony.WebhookResult, error) {
	var we webhookEvent
	if err := json.Unmarshal(body, &we); err != nil {
		return nil, fmt.Errorf("voximplant: parse webhook: %w", err)
	}
	if we.ControlURL != "" {
		p.registerControlURL(we.CallID, we.SessionID, we.ControlURL)
	}

	var evt telephony.Event
	switch we.Event {
	case "call.initiated":
		evt = telephony.NewEvent(telephony.EventInitiated, we.SessionID)
	case "call.ringing":
		evt = telephony.NewEvent(telephony.EventRinging, we.SessionID)
	case "call.answered", "call.connected":
		evt = telephony.NewEvent(telephony.EventAnswered, we.SessionID)
	case "call.speech":
		evt = telephony.NewEvent(telephony.EventSpeech, we.SessionID)
		evt.Transcript = strings.TrimSpace(we.Transcript)
		evt.IsFinal = we.IsFinal
		evt.Confidence = we.Confidence
	case "call.dtmf":
		evt = telephony.NewEvent(telephony.EventDTMF, we.SessionID)
		evt.Digits = we.Digits
	case "call.ended", "call.disconnected", "call.failed":
		evt = telephony.NewEvent(telephony.EventEnded, we.SessionID)
		evt.Reason = telephony.MapEndReason(we.Reason)
		if we.Event == "call.failed" && evt.Reason == telephony.ReasonCompleted {
			evt.Reason = telephony.ReasonFailed
		}
		p.dropControlURL(we.CallID, we.SessionID)
	case "call.error":
		evt = telephony.NewEvent(telephony.EventError, we.SessionID)
		evt.Error = we.Error
	default:
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	evt.CallID = we.CallID
	evt.From = we.From
	evt.To = we.To
	if strings.EqualFold(we.Direction, "inbound") {
		evt.Direction = telephony.DirectionInbound
	} else if we.Direction != "" {
		evt.Direction = telephony.DirectionOutbound
	}

	return &telephony.WebhookResult{
		Events:     []telephony.Event{evt},
		StatusCode: http.StatusOK,
	}, nil
}

func (p *Provider) registerControlURL(callID, sessionID, controlURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if callID != "" {
		p.controlURL[callID] = controlURL
	}
	if sessionID != "" {
		p.controlURL[sessionID] = controlURL
	}
}

func (p *Provider) dropControlURL(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.controlURL, k)
	}
}

func (p *Provider) lookupControlURL(ref telephony.CallRef) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.controlURL[ref.ProviderCallID]; ok && ref.ProviderCallID != "" {
		return u, nil
	}
	if u, ok := p.controlURL[ref.CallID]; ok && ref.CallID != "" {
		return u, nil
	}
	return "", telephony.ErrNoControlURL
}

// InitiateCall implements telephony.Provider.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	streamURL := req.StreamURL
	if streamURL == "" {
		var err error
		streamURL, err = p.RegisterCallStream(req.CallID)
		if err != nil {
			return telephony.CallHandle{}, err
		}
	}
	custom, err := json.Marshal(map[string]string{
		"callId":    req.CallID,
		"to":        req.To,
		"from":      firstNonEmpty(req.From, p.callerID),
		"streamUrl": streamURL,
		"greeting":  req.Greeting,
	})
	if err != nil {
		return telephony.CallHandle{}, fmt.Errorf("voximplant: marshal scenario data: %w", err)
	}

	form := url.Values{
		"rule_id":            {p.ruleID},
		"script_custom_data": {string(custom)},
	}

	var out struct {
		Result               int    `json:"result"`
		CallSessionHistoryID int64  `json:"call_session_history_id"`
		MediaSessionURL      string `json:"media_session_access_url"`
		Error                struct {
			Msg string `json:"msg"`
		} `json:"error"`
	}
	if err := p.platformAPI(ctx, "StartScenarios", form, &out); err != nil {
		return telephony.CallHandle{}, err
	}
	if out.Result != 1 {
		return telephony.CallHandle{}, fmt.Errorf("voximplant: StartScenarios rejected: %s", out.Error.Msg)
	}

	providerCallID := fmt.Sprintf("%d", out.CallSessionHistoryID)
	if out.MediaSessionURL != "" {
		p.registerControlURL(req.CallID, providerCallID, out.MediaSessionURL)
	}
	return telephony.CallHandle{ProviderCallID: providerCallID, Status: "initiated"}, nil
}

// HangupCall implements telephony.Provider.
func (p *Provider) HangupCall(ctx context.Context, ref telephony.CallRef) error {
	return p.control(ctx, ref, map[string]string{"command": "hangup"})
}

// PlayTTS implements telephony.Provider.
func (p *Provider) PlayTTS(ctx context.Context, ref telephony.CallRef, text string) error {
	return p.control(ctx, ref, map[string]string{"command": "speak", "text": text})
}

// StartListening implements telephony.Provider.
func (p *Provider) StartListening(ctx context.Context, ref telephony.CallRef) error {
	return p.control(ctx, ref, map[string]string{"command": "listen.start"})
}

// StopListening implements telephony.Provider.
func (p *Provider) StopListening(ctx context.Context, ref telephony.CallRef) error {
	return p.control(ctx, ref, map[string]string{"command": "listen.stop"})
}

// control posts a command to the call's media session URL. The URL is a
// capability URL, so no bearer token is attached.
func (p *Provider) control(ctx context.Context, ref telephony.CallRef, cmd map[string]string) error {
	controlURL, err := p.lookupControlURL(ref)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.controlTimeout)
	defer cancel()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("voximplant: marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("voximplant: build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("voximplant: control %s: %w", cmd["command"], err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &telephony.ProviderError{Provider: "voximplant", Status: resp.StatusCode, Body: string(data)}
	}
	return nil
}

// platformAPI calls the management API with bearer auth. A 401 invalidates
// the cached JWT and the request is retried exactly once with a fresh token.
func (p *Provider) platformAPI(ctx context.Context, method string, form url.Values, out any) error {
	status, err := p.platformAPIOnce(ctx, method, form, out)
	if err != nil && status == http.StatusUnauthorized {
		p.source.Invalidate()
		_, err = p.platformAPIOnce(ctx, method, form, out)
	}
	return err
}

func (p *Provider) platformAPIOnce(ctx context.Context, method string, form url.Values, out any) (int, error) {
	token, err := p.source.Token()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.controlTimeout)
	defer cancel()

	endpoint := p.apiBase + "/platform_api/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("voximplant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("voximplant: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return resp.StatusCode, &telephony.ProviderError{Provider: "voximplant", Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("voximplant: decode %s response: %w", method, err)
		}
	}
	return resp.StatusCode, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
