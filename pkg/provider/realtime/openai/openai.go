// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It holds a bidirectional WebSocket to the Realtime endpoint and exchanges
// JSON events per the Realtime protocol. Audio crosses the wire as
// base64-encoded g711_ulaw in both directions, so telephony frames pass
// through without transcoding. Transcription sessions survive transient
// network failures by reconnecting with exponential backoff; conversation
// sessions carry model-side dialogue state that cannot be rebuilt, so a
// dropped conversation session is terminal.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/voicebridge/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// configureTimeout bounds the wait for the session.updated ack after a
	// session.update is sent.
	configureTimeout = 5 * time.Second

	maxReconnectAttempts = 5
	reconnectBaseDelay   = 500 * time.Millisecond
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the recogniser model for input transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithAckTimeout overrides how long Connect waits for the session.updated
// acknowledgement before proceeding with a warning. Primarily used in tests.
func WithAckTimeout(d time.Duration) Option {
	return func(p *Provider) { p.ackTimeout = d }
}

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	transcriptionModel string
	baseURL            string
	ackTimeout         time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		transcriptionModel: "gpt-4o-transcribe",
		baseURL:            defaultBaseURL,
		ackTimeout:         configureTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session. It waits for the server-side
// session.updated acknowledgement before triggering the first assistant
// response; the wait is bounded by the ack timeout and an unacknowledged
// session proceeds with a warning.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		provider: p,
		cfg:      cfg,
		events:   make(chan realtime.Event, 64),
		ready:    make(chan error, 1),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	conn, err := sess.dialAndConfigure(ctx)
	if err != nil {
		sessCancel()
		return nil, err
	}
	sess.setConn(conn)

	go sess.receiveLoop(conn)

	select {
	case err := <-sess.ready:
		if err != nil {
			sess.Close()
			return nil, err
		}
	case <-time.After(p.ackTimeout):
		slog.Warn("openai realtime: session.updated not received in time, proceeding unacknowledged",
			"timeout", p.ackTimeout)
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}

	if cfg.Mode == realtime.ModeConversation && cfg.Opening != "" {
		if err := sess.sendOpening(); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities,omitempty"`
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format,omitempty"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection      *turnDetectionParams `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

// responseParams carries per-response overrides. Instructions apply to that
// single response only, on top of the session-level system prompt.
type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded g711_ulaw
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	provider *Provider
	cfg      realtime.SessionConfig
	events   chan realtime.Event

	// ready resolves the Connect-time ack wait: nil once session.updated
	// arrives, an error when the server rejects the configuration.
	ready     chan error
	readyOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// assistantText accumulates response.audio_transcript.delta events.
	// finalSent guards the exactly-once assistant.final per model response.
	assistantText string
	finalSent     bool
	// userText accumulates caller transcript deltas and is discarded when a
	// new speech segment starts.
	userText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *session) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// dialAndConfigure opens the WebSocket and sends the session configuration.
// The acknowledgement is observed by the receive loop, which signals ready.
func (s *session) dialAndConfigure(ctx context.Context) (*websocket.Conn, error) {
	p := s.provider
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}

	if err := s.configure(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "session configuration failed")
		return nil, err
	}
	return conn, nil
}

// configure sends the initial session.update.
func (s *session) configure(ctx context.Context, conn *websocket.Conn) error {
	params := sessionParams{
		InputAudioFormat: "g711_ulaw",
		InputTranscription: &transcriptionParams{
			Model:    s.provider.transcriptionModel,
			Language: s.cfg.Language,
		},
		TurnDetection: &turnDetectionParams{Type: "server_vad"},
	}
	if s.cfg.Mode == realtime.ModeConversation {
		params.Modalities = []string{"audio", "text"}
		params.OutputAudioFormat = "g711_ulaw"
		params.Voice = s.cfg.Voice
		params.Instructions = s.cfg.Instructions
	} else {
		params.Modalities = []string{"text"}
	}

	data, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return fmt.Errorf("openai realtime: marshal session.update: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai realtime: send session.update: %w", err)
	}
	return nil
}

// signalReady resolves the Connect-time ack wait at most once.
func (s *session) signalReady(err error) {
	s.readyOnce.Do(func() { s.ready <- err })
}

// sendOpening requests the first assistant response with the configured
// one-time per-response instruction. Sent once, right after configuration;
// conversation sessions never reconnect, so the opening cannot repeat.
func (s *session) sendOpening() error {
	return s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: &responseParams{Instructions: s.cfg.Opening},
	})
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel: it emits the terminal EventClosed and closes it on
// exit. Transcription sessions reconnect on read failure; conversation
// sessions do not, because the model's dialogue state is lost with the
// connection.
func (s *session) receiveLoop(conn *websocket.Conn) {
	var closeErr error
	defer func() {
		s.closeOnce.Do(func() {
			s.events <- realtime.Event{Type: realtime.EventClosed, Err: closeErr}
			close(s.events)
		})
	}()

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if s.cfg.Mode != realtime.ModeTranscription {
				closeErr = err
				return
			}
			next, rerr := s.reconnect()
			if rerr != nil {
				closeErr = fmt.Errorf("reconnect failed after %v: %w", err, rerr)
				return
			}
			s.setConn(next)
			conn = next
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated", "transcription_session.updated":
			s.signalReady(nil)
		case "error":
			msg := "unknown error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			// Before the ack this rejects Connect; afterwards the server's
			// error events are advisory and the session stays up.
			s.signalReady(fmt.Errorf("openai realtime: configure rejected: %s", msg))
		default:
			s.handleServerEvent(&evt)
		}
	}
}

// reconnect re-dials with exponential backoff. Up to maxReconnectAttempts.
func (s *session) reconnect() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := reconnectBaseDelay << attempt
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(delay):
		}

		conn, err := s.dialAndConfigure(s.ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		// A fresh speech segment supersedes any partial transcript that was
		// accumulating for the previous one.
		s.mu.Lock()
		s.userText = ""
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.userText += evt.Delta
		text := s.userText
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventUserPartial, Text: text})

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		s.userText = ""
		s.mu.Unlock()
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventUserFinal, Text: evt.Transcript})

	case "response.created":
		s.mu.Lock()
		s.assistantText = ""
		s.finalSent = false
		s.mu.Unlock()

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventAssistantAudio, Audio: audio})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.assistantText += evt.Delta
		text := s.assistantText
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventAssistantPartial, Text: text})

	case "response.audio_transcript.done", "response.text.done":
		s.emitAssistantFinal(evt.Transcript)

	case "response.done":
		// Fallback for responses where the transcript.done event was lost.
		s.emitAssistantFinal("")
	}
}

// emitAssistantFinal delivers the assistant.final for the current response
// at most once. text overrides the accumulated deltas when non-empty.
func (s *session) emitAssistantFinal(text string) {
	s.mu.Lock()
	if s.finalSent {
		s.mu.Unlock()
		return
	}
	if text == "" {
		text = s.assistantText
	}
	if text == "" {
		s.mu.Unlock()
		return
	}
	s.finalSent = true
	s.assistantText = ""
	s.mu.Unlock()
	s.emit(realtime.Event{Type: realtime.EventAssistantFinal, Text: text})
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) writeJSON(v any) error {
	conn := s.currentConn()
	if conn == nil {
		return fmt.Errorf("openai realtime: session not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return conn.Write(s.ctx, websocket.MessageText, data)
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers a chunk of caller audio as μ-law 8kHz bytes. Audio
// arriving after the session closed is dropped without error: telephony
// frames routinely race the hangup.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText injects a user text message and requests a model response.
func (s *session) SendText(text string) error {
	if s.cfg.Mode != realtime.ModeConversation {
		return fmt.Errorf("openai realtime: SendText requires conversation mode")
	}
	err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// UpdateInstructions replaces the system prompt via session.update.
func (s *session) UpdateInstructions(instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      instructions,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
		},
	})
}

// Interrupt cancels the in-flight response and clears buffered input audio.
func (s *session) Interrupt() error {
	if err := s.writeJSON(map[string]string{"type": "response.cancel"}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// Events returns the session's event channel.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}
