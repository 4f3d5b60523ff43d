// Package bridge is the media-stream side of a call: it accepts carrier
// WebSocket connections, relays caller audio into a realtime speech session,
// and plays synthesized speech back to the carrier in paced μ-law frames.
//
// Two wire transports are supported on the same endpoint. Framed JSON is the
// Twilio-style protocol of {connected, start, media, stop, mark, clear}
// messages with base64 payloads; raw binary is the Voximplant-style protocol
// where every binary frame is μ-law audio and identity travels in a
// query-string token. The first frame received decides which one a
// connection speaks.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/pkg/audio"
	"github.com/openclaw/voicebridge/pkg/provider/realtime"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

var (
	// ErrStreamNotFound is returned when a streamSid does not name a live
	// media stream.
	ErrStreamNotFound = errors.New("bridge: stream not found")

	// ErrStreamRejected is returned when the accept callback refuses a
	// connection.
	ErrStreamRejected = errors.New("bridge: stream rejected")
)

// handshakeTimeout bounds the wait for the first frame of a new connection.
const handshakeTimeout = 15 * time.Second

// writeTimeout bounds a single outbound WebSocket write.
const writeTimeout = 5 * time.Second

// Calls is the call-manager surface the bridge drives. Satisfied by
// *call.Manager.
type Calls interface {
	GetCall(callID string) (call.Record, bool)
	GetCallByProviderCallID(providerCallID string) (call.Record, bool)
	OnStreamStart(callID, streamSid string)
	OnStreamEnd(callID string, streamErr error)
	AppendTranscript(callID string, speaker call.Speaker, text string)
	SetSpeaking(callID string, speaking bool)
}

var _ Calls = (*call.Manager)(nil)

// AcceptRequest identifies an incoming media connection for the accept
// callback.
type AcceptRequest struct {
	CallID    string
	StreamSid string
	Token     string
}

// Config carries the realtime-session defaults applied to every stream. The
// call record's own prompt and language override Instructions and Language
// per call.
type Config struct {
	Mode         realtime.Mode
	Instructions string
	Voice        string
	Language     string
}

// Bridge accepts media-stream WebSocket connections and routes audio between
// the carrier and the realtime speech backend.
type Bridge struct {
	calls    Calls
	realtime realtime.Provider
	cfg      Config

	tts       tts.Provider
	validator telephony.StreamTokenValidator
	accept    func(AcceptRequest) bool
	metrics   *observe.Metrics

	mu      sync.Mutex
	streams map[string]*stream
}

// Bridge speaks through its own TTS queue on behalf of the call manager.
var _ call.StreamSpeaker = (*Bridge)(nil)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithTTS wires the telephony TTS adapter used by Speak. Leave unset in
// conversation mode, where the realtime session owns assistant audio.
func WithTTS(p tts.Provider) Option {
	return func(b *Bridge) { b.tts = p }
}

// WithTokenValidator wires the provider's stream-token registry for raw
// transports and token-carrying framed connections.
func WithTokenValidator(v telephony.StreamTokenValidator) Option {
	return func(b *Bridge) { b.validator = v }
}

// WithAcceptFunc replaces the default accept check (call record must exist).
func WithAcceptFunc(fn func(AcceptRequest) bool) Option {
	return func(b *Bridge) { b.accept = fn }
}

// WithMetrics enables stream and TTS metrics recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a bridge over the given call manager and realtime backend.
func New(calls Calls, rt realtime.Provider, cfg Config, opts ...Option) *Bridge {
	b := &Bridge{
		calls:    calls,
		realtime: rt,
		cfg:      cfg,
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.accept == nil {
		b.accept = func(req AcceptRequest) bool {
			_, ok := calls.GetCall(req.CallID)
			return ok
		}
	}
	return b
}

// ---------------------------------------------------------------------------
// Wire frames (framed JSON transport)
// ---------------------------------------------------------------------------

type wsFrame struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
}

type startFrame struct {
	StreamSid        string            `json:"streamSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      map[string]any    `json:"mediaFormat,omitempty"`
}

type mediaFrame struct {
	Payload string `json:"payload"`
}

type markFrame struct {
	Name string `json:"name"`
}

// ---------------------------------------------------------------------------
// Per-connection stream
// ---------------------------------------------------------------------------

type stream struct {
	sid     string
	callID  string
	framed  bool
	conn    *websocket.Conn
	session realtime.Session
	queue   *TTSQueue

	writeMu  sync.Mutex
	detached sync.Once
}

func (st *stream) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.Write(ctx, typ, data)
}

func (st *stream) writeJSON(f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: marshal frame: %w", err)
	}
	return st.write(websocket.MessageText, data)
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

// HandleWS upgrades an HTTP request to a media-stream WebSocket and serves it
// until the stream ends. Blocks for the lifetime of the connection.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Carriers connect from arbitrary origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("media websocket accept failed", "err", err)
		return
	}
	token := r.URL.Query().Get("token")

	hctx, hcancel := context.WithTimeout(r.Context(), handshakeTimeout)
	typ, first, err := conn.Read(hctx)
	hcancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "no opening frame")
		return
	}

	if typ == websocket.MessageText {
		b.serveFramed(r.Context(), conn, token, first)
	} else {
		b.serveRaw(r.Context(), conn, token, first)
	}
}

// serveFramed handles the JSON transport. Messages before "start" (usually a
// single "connected") carry no identity and are skipped.
func (b *Bridge) serveFramed(ctx context.Context, conn *websocket.Conn, token string, first []byte) {
	data := first
	var start *startFrame
	for start == nil {
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("undecodable media frame before start", "err", err)
		} else if f.Event == "start" {
			start = f.Start
			if start == nil {
				start = &startFrame{}
			}
			if start.StreamSid == "" {
				start.StreamSid = f.StreamSid
			}
			break
		}
		typ, d, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "closed before start")
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		data = d
	}

	callID, ok := b.resolveCallID(start, token)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unable to resolve call")
		return
	}
	sid := start.StreamSid
	if sid == "" {
		sid = uuid.NewString()
	}

	st, err := b.attach(ctx, conn, callID, sid, true, token)
	if err != nil {
		return
	}
	// Server-originated ack: the carrier starts playing inbound audio only
	// after it sees a start from our side.
	if err := st.writeJSON(wsFrame{Event: "start", StreamSid: sid}); err != nil {
		slog.Warn("start ack failed", "streamSid", sid, "err", err)
	}

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			b.detach(st, closeErr(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f wsFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.Event {
		case "media":
			if f.Media == nil {
				continue
			}
			chunk, err := audio.DecodePayload(f.Media.Payload)
			if err != nil {
				slog.Debug("bad media payload", "streamSid", sid, "err", err)
				continue
			}
			if err := st.session.SendAudio(chunk); err != nil {
				slog.Debug("session audio send failed", "streamSid", sid, "err", err)
			}
		case "stop":
			b.detach(st, nil)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case "mark":
			// Playback checkpoint from the carrier; nothing to do.
		}
	}
}

// serveRaw handles the binary transport. Identity comes exclusively from the
// query-string token.
func (b *Bridge) serveRaw(ctx context.Context, conn *websocket.Conn, token string, first []byte) {
	callID := ""
	if token != "" && b.validator != nil {
		if id, ok := b.validator.ResolveCallIDByToken(token); ok {
			callID = id
		}
	}
	if callID == "" {
		conn.Close(websocket.StatusPolicyViolation, "unable to resolve call")
		return
	}

	sid := uuid.NewString()
	st, err := b.attach(ctx, conn, callID, sid, false, token)
	if err != nil {
		return
	}
	if len(first) > 0 {
		if err := st.session.SendAudio(first); err != nil {
			slog.Debug("session audio send failed", "streamSid", sid, "err", err)
		}
	}

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			b.detach(st, closeErr(err))
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := st.session.SendAudio(msg); err != nil {
			slog.Debug("session audio send failed", "streamSid", sid, "err", err)
		}
	}
}

// resolveCallID maps a start frame to a local call id: customParameters
// first (callId is local; the rest are carrier ids), then the carrier's own
// callSid, then the stream token.
func (b *Bridge) resolveCallID(start *startFrame, token string) (string, bool) {
	params := start.CustomParameters
	if v := params["callId"]; v != "" {
		return v, true
	}
	candidates := []string{
		params["callSid"],
		params["providerCallId"],
		params["call_session_history_id"],
		start.CallSid,
	}
	for _, v := range candidates {
		if v == "" {
			continue
		}
		if rec, ok := b.calls.GetCallByProviderCallID(v); ok {
			return rec.CallID, true
		}
		return v, true
	}
	if token != "" && b.validator != nil {
		if id, ok := b.validator.ResolveCallIDByToken(token); ok {
			return id, true
		}
	}
	return "", false
}

// attach runs the accept check, validates the stream token, opens the
// realtime session, and registers the stream. On failure the connection is
// closed with 1008 and an error returned.
func (b *Bridge) attach(ctx context.Context, conn *websocket.Conn, callID, sid string, framed bool, token string) (*stream, error) {
	if !b.accept(AcceptRequest{CallID: callID, StreamSid: sid, Token: token}) {
		conn.Close(websocket.StatusPolicyViolation, "stream rejected")
		return nil, ErrStreamRejected
	}
	if token != "" && b.validator != nil {
		if !b.validator.IsValidStreamToken(callID, token) {
			conn.Close(websocket.StatusPolicyViolation, "invalid stream token")
			return nil, ErrStreamRejected
		}
	}

	scfg := realtime.SessionConfig{
		Mode:         b.cfg.Mode,
		Instructions: b.cfg.Instructions,
		Voice:        b.cfg.Voice,
		Language:     b.cfg.Language,
	}
	if rec, ok := b.calls.GetCall(callID); ok {
		if rec.Metadata.Prompt != "" {
			scfg.Instructions = rec.Metadata.Prompt
		}
		if rec.Metadata.Language != "" {
			scfg.Language = rec.Metadata.Language
		}
		if scfg.Mode == realtime.ModeConversation && rec.Metadata.Greeting != "" {
			// The greeting opens the call: the model speaks first, once,
			// right after the session is acknowledged.
			scfg.Opening = rec.Metadata.Greeting
		}
	}
	sess, err := b.realtime.Connect(ctx, scfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "realtime connect failed")
		return nil, fmt.Errorf("bridge: realtime connect: %w", err)
	}

	st := &stream{
		sid:     sid,
		callID:  callID,
		framed:  framed,
		conn:    conn,
		session: sess,
	}
	st.queue = NewTTSQueue(func() {
		if err := b.ClearAudio(sid); err != nil && !errors.Is(err, ErrStreamNotFound) {
			slog.Debug("clear frame failed", "streamSid", sid, "err", err)
		}
	})

	b.mu.Lock()
	b.streams[sid] = st
	b.mu.Unlock()

	b.calls.OnStreamStart(callID, sid)
	if b.metrics != nil {
		b.metrics.ActiveStreams.Add(context.Background(), 1)
	}
	slog.Info("media stream attached", "callId", callID, "streamSid", sid, "framed", framed)

	go b.pumpEvents(st)
	return st, nil
}

// detach tears a stream down exactly once: queue, session, manager
// notification, metrics, registry.
func (b *Bridge) detach(st *stream, streamErr error) {
	st.detached.Do(func() {
		st.queue.Close()
		if err := st.session.Close(); err != nil {
			slog.Debug("session close failed", "streamSid", st.sid, "err", err)
		}

		b.mu.Lock()
		delete(b.streams, st.sid)
		b.mu.Unlock()

		b.calls.OnStreamEnd(st.callID, streamErr)
		if b.metrics != nil {
			b.metrics.ActiveStreams.Add(context.Background(), -1)
		}
		slog.Info("media stream detached", "callId", st.callID, "streamSid", st.sid, "err", streamErr)
	})
}

// pumpEvents consumes the realtime session's event channel and feeds the
// call manager and the carrier.
func (b *Bridge) pumpEvents(st *stream) {
	for ev := range st.session.Events() {
		switch ev.Type {
		case realtime.EventSpeechStarted:
			// Caller barge-in: abort assistant playback immediately.
			b.ClearTTSQueue(st.sid)
			if err := st.session.Interrupt(); err != nil {
				slog.Debug("interrupt failed", "streamSid", st.sid, "err", err)
			}
			b.calls.SetSpeaking(st.callID, false)

		case realtime.EventUserFinal:
			b.calls.AppendTranscript(st.callID, call.SpeakerUser, ev.Text)

		case realtime.EventAssistantFinal:
			b.calls.AppendTranscript(st.callID, call.SpeakerAssistant, ev.Text)
			b.calls.SetSpeaking(st.callID, false)

		case realtime.EventAssistantAudio:
			b.calls.SetSpeaking(st.callID, true)
			if err := b.SendAudio(st.sid, ev.Audio); err != nil && !errors.Is(err, ErrStreamNotFound) {
				slog.Debug("assistant audio send failed", "streamSid", st.sid, "err", err)
			}

		case realtime.EventClosed:
			if ev.Err != nil {
				b.detach(st, ev.Err)
				st.conn.Close(websocket.StatusInternalError, "realtime session lost")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound operations
// ---------------------------------------------------------------------------

func (b *Bridge) stream(streamSid string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[streamSid]
}

// ActiveStreams returns the number of attached media streams.
func (b *Bridge) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// SendAudio pushes μ-law bytes to the carrier: a framed media message or a
// raw binary frame depending on the stream's transport.
func (b *Bridge) SendAudio(streamSid string, muLaw []byte) error {
	st := b.stream(streamSid)
	if st == nil {
		return ErrStreamNotFound
	}
	if st.framed {
		return st.writeJSON(wsFrame{
			Event:     "media",
			StreamSid: streamSid,
			Media:     &mediaFrame{Payload: audio.EncodePayload(muLaw)},
		})
	}
	return st.write(websocket.MessageBinary, muLaw)
}

// SendMark emits a named playback checkpoint. No-op on raw transports.
func (b *Bridge) SendMark(streamSid, name string) error {
	st := b.stream(streamSid)
	if st == nil {
		return ErrStreamNotFound
	}
	if !st.framed {
		return nil
	}
	return st.writeJSON(wsFrame{Event: "mark", StreamSid: streamSid, Mark: &markFrame{Name: name}})
}

// ClearAudio tells the carrier to drop its buffered outbound audio. No-op on
// raw transports.
func (b *Bridge) ClearAudio(streamSid string) error {
	st := b.stream(streamSid)
	if st == nil {
		return ErrStreamNotFound
	}
	if !st.framed {
		return nil
	}
	return st.writeJSON(wsFrame{Event: "clear", StreamSid: streamSid})
}

// ClearTTSQueue aborts in-flight playback, drops queued operations, and
// emits a clear frame. The barge-in path.
func (b *Bridge) ClearTTSQueue(streamSid string) {
	st := b.stream(streamSid)
	if st == nil {
		return
	}
	st.queue.Clear()
}

// Speak renders text and plays it on the stream through the TTS queue. With
// no TTS adapter configured, conversation-mode streams hand the text to the
// realtime model instead; everything else reports [tts.ErrUnavailable] so
// the caller can fall back to the carrier's native speech.
func (b *Bridge) Speak(ctx context.Context, streamSid, text string) error {
	st := b.stream(streamSid)
	if st == nil {
		return ErrStreamNotFound
	}
	if b.tts == nil {
		if b.cfg.Mode == realtime.ModeConversation {
			if err := st.session.SendText(text); err != nil {
				return fmt.Errorf("bridge: send text: %w", err)
			}
			return nil
		}
		return tts.ErrUnavailable
	}

	start := time.Now()
	sample, err := b.tts.SynthesizeTelephony(ctx, text)
	if err != nil {
		return fmt.Errorf("bridge: synthesize: %w", err)
	}
	if b.metrics != nil {
		b.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}

	return st.queue.Play(ctx, func(opCtx context.Context) error {
		return b.playPaced(opCtx, streamSid, sample)
	})
}

// playPaced emits sample as 160-byte frames with a 20 ms sleep between them,
// matching real-time playout. The abort check runs before each chunk and
// again after each sleep.
func (b *Bridge) playPaced(ctx context.Context, streamSid string, sample []byte) error {
	for chunk := range audio.Chunks(sample, audio.FrameSize) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.SendAudio(streamSid, chunk); err != nil {
			return err
		}
		select {
		case <-time.After(audio.FrameDurationMs * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop closes every attached stream. Used at shutdown.
func (b *Bridge) Stop() {
	b.mu.Lock()
	open := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		open = append(open, st)
	}
	b.mu.Unlock()

	for _, st := range open {
		b.detach(st, nil)
		st.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// closeErr normalizes a read error: orderly peer closes are not stream
// failures.
func closeErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}
