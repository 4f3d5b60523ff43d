// Package telnyx implements the telephony.Provider interface for the Telnyx
// Call Control API.
//
// Webhooks are JSON and signed with Ed25519: the signature in
// telnyx-signature-ed25519 covers "<timestamp>|<raw body>" with the timestamp
// taken from telnyx-timestamp. The internal call id travels through Telnyx
// client_state (base64), so every webhook for a dialed call carries it back.
package telnyx

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

var _ telephony.Provider = (*Provider)(nil)
var _ telephony.PublicURLSetter = (*Provider)(nil)
var _ telephony.StreamRegistrar = (*Provider)(nil)

const defaultAPIBase = "https://api.telnyx.com"

// Provider implements telephony.Provider for Telnyx.
type Provider struct {
	apiKey       string
	publicKey    ed25519.PublicKey
	connectionID string
	from         string
	skipVerify   bool

	apiBase        string
	streamPath     string
	controlTimeout time.Duration
	client         *http.Client
	tokens         *telephony.StreamTokens

	mu        sync.Mutex
	publicURL string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIBase overrides the Telnyx REST endpoint. Used in tests.
func WithAPIBase(base string) Option {
	return func(p *Provider) { p.apiBase = strings.TrimSuffix(base, "/") }
}

// WithStreamPath sets the media-stream WebSocket path handed to Telnyx.
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

// New creates a Telnyx provider. publicKeyB64 is the base64 Ed25519 public
// key from the Telnyx portal; it is required unless verification is skipped.
func New(apiKey, publicKeyB64, connectionID, from string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("telnyx: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		connectionID:   connectionID,
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
	if !p.skipVerify {
		key, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("telnyx: publicKey must be a base64 Ed25519 public key")
		}
		p.publicKey = ed25519.PublicKey(key)
	}
	return p, nil
}

// Name implements telephony.Provider.
func (p *Provider) Name() string { return "telnyx" }

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
func (p *Provider) VerifyWebhook(r *http.Request, body []byte) telephony.VerifyResult {
	if p.skipVerify {
		return telephony.VerifyResult{OK: true}
	}
	sigB64 := r.Header.Get("telnyx-signature-ed25519")
	timestamp := r.Header.Get("telnyx-timestamp")
	if sigB64 == "" || timestamp == "" {
		return telephony.VerifyResult{Reason: "missing telnyx signature headers"}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return telephony.VerifyResult{Reason: "malformed signature"}
	}

	var signed bytes.Buffer
	signed.WriteString(timestamp)
	signed.WriteByte('|')
	signed.Write(body)

	if !ed25519.Verify(p.publicKey, signed.Bytes(), sig) {
		return telephony.VerifyResult{Reason: "signature mismatch"}
	}
	return telephony.VerifyResult{OK: true}
}

// webhook is the envelope of a Telnyx Call Control webhook.
type webhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			Direction     string `json:"direction"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
			Digit         string `json:"digit"`

			TranscriptionData struct {
				Transcript string  `json:"transcript"`
				IsFinal    bool    `json:"is_final"`
				Confidence float64 `json:"confidence"`
			} `json:"transcription_data"`

			Result string `json:"result"` // answering machine detection
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhookEvent implements telephony.Provider.
func (p *Provider) ParseWebhookEvent(_ *http.Request, body []byte) (*telephony.WebhookResult, error) {
	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("telnyx: parse webhook: %w", err)
	}
	payload := wh.Data.Payload
	if payload.CallControlID == "" {
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	var evt telephony.Event
	switch wh.Data.EventType {
	case "call.initiated":
		evt = telephony.NewEvent(telephony.EventInitiated, payload.CallControlID)
	case "call.ringing":
		evt = telephony.NewEvent(telephony.EventRinging, payload.CallControlID)
	case "call.answered":
		evt = telephony.NewEvent(telephony.EventAnswered, payload.CallControlID)
	case "call.speak.started":
		evt = telephony.NewEvent(telephony.EventSpeaking, payload.CallControlID)
	case "call.transcription":
		evt = telephony.NewEvent(telephony.EventSpeech, payload.CallControlID)
		evt.Transcript = strings.TrimSpace(payload.TranscriptionData.Transcript)
		evt.IsFinal = payload.TranscriptionData.IsFinal
		evt.Confidence = payload.TranscriptionData.Confidence
	case "call.dtmf.received":
		evt = telephony.NewEvent(telephony.EventDTMF, payload.CallControlID)
		evt.Digits = payload.Digit
	case "call.machine.detection.ended":
		if strings.HasPrefix(strings.ToLower(payload.Result), "machine") {
			evt = telephony.NewEvent(telephony.EventEnded, payload.CallControlID)
			evt.Reason = telephony.ReasonVoicemail
		} else {
			return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
		}
	case "call.hangup":
		evt = telephony.NewEvent(telephony.EventEnded, payload.CallControlID)
		// Telnyx hangup causes are snake_case; normalize before mapping.
		evt.Reason = telephony.MapEndReason(strings.ReplaceAll(payload.HangupCause, "_", "-"))
	default:
		return &telephony.WebhookResult{StatusCode: http.StatusOK}, nil
	}

	if strings.HasPrefix(strings.ToLower(payload.Direction), "incoming") {
		evt.Direction = telephony.DirectionInbound
	} else if payload.Direction != "" {
		evt.Direction = telephony.DirectionOutbound
	}
	evt.From = strings.TrimSpace(payload.From)
	evt.To = strings.TrimSpace(payload.To)
	if payload.ClientState != "" {
		if decoded, err := base64.StdEncoding.DecodeString(payload.ClientState); err == nil {
			evt.CallID = strings.TrimSpace(string(decoded))
		}
	}

	return &telephony.WebhookResult{
		Events:     []telephony.Event{evt},
		StatusCode: http.StatusOK,
	}, nil
}

// InitiateCall implements telephony.Provider.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	from := req.From
	if from == "" {
		from = p.from
	}
	body := map[string]any{
		"connection_id": p.connectionID,
		"to":            req.To,
		"from":          from,
		"client_state":  base64.StdEncoding.EncodeToString([]byte(req.CallID)),
	}
	if req.StreamURL != "" {
		body["stream_url"] = req.StreamURL
		body["stream_track"] = "inbound_track"
		body["stream_bidirectional_mode"] = "rtp"
		body["stream_bidirectional_codec"] = "PCMU"
	}

	var out struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
		} `json:"data"`
	}
	if err := p.rest(ctx, "/v2/calls", body, &out); err != nil {
		return telephony.CallHandle{}, err
	}
	return telephony.CallHandle{ProviderCallID: out.Data.CallControlID, Status: "initiated"}, nil
}

// HangupCall implements telephony.Provider.
func (p *Provider) HangupCall(ctx context.Context, ref telephony.CallRef) error {
	return p.action(ctx, ref, "hangup", map[string]any{})
}

// PlayTTS implements telephony.Provider.
func (p *Provider) PlayTTS(ctx context.Context, ref telephony.CallRef, text string) error {
	return p.action(ctx, ref, "speak", map[string]any{
		"payload":  text,
		"voice":    "female",
		"language": "ru-RU",
	})
}

// StartListening implements telephony.Provider.
func (p *Provider) StartListening(ctx context.Context, ref telephony.CallRef) error {
	return p.action(ctx, ref, "transcription_start", map[string]any{
		"transcription_engine": "B",
		"language":             "ru",
	})
}

// StopListening implements telephony.Provider.
func (p *Provider) StopListening(ctx context.Context, ref telephony.CallRef) error {
	return p.action(ctx, ref, "transcription_stop", map[string]any{})
}

func (p *Provider) action(ctx context.Context, ref telephony.CallRef, verb string, body map[string]any) error {
	if ref.ProviderCallID == "" {
		return telephony.ErrNoControlURL
	}
	path := fmt.Sprintf("/v2/calls/%s/actions/%s", ref.ProviderCallID, verb)
	return p.rest(ctx, path, body, nil)
}

func (p *Provider) rest(ctx context.Context, path string, body map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.controlTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telnyx: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telnyx: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telnyx: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &telephony.ProviderError{Provider: "telnyx", Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("telnyx: decode response: %w", err)
		}
	}
	return nil
}
