package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

// Sentinel errors callers branch on.
var (
	ErrTooManyCalls      = errors.New("call: too many concurrent calls")
	ErrNotFound          = errors.New("call: not found")
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrTranscriptTimeout = errors.New("call: transcript timeout")
	ErrAlreadyEnded      = errors.New("call: already ended")
)

// Limits bounds call concurrency and lifetimes. Zero values disable the
// corresponding timer.
type Limits struct {
	MaxConcurrent     int
	RingTimeout       time.Duration
	SilenceTimeout    time.Duration
	MaxDuration       time.Duration
	TranscriptTimeout time.Duration
}

// StreamSpeaker plays synthesized speech through the media-stream TTS queue.
// Implemented by the bridge; used for speak/continue in conversation mode.
type StreamSpeaker interface {
	Speak(ctx context.Context, streamSid, text string) error
}

// InitiateOptions carries the task context for an outbound call.
type InitiateOptions struct {
	From      string
	Prompt    string
	Objective string
	Context   string
	Language  string
	Mode      Mode
	MessageTo string

	// Greeting is the opening line: spoken by the carrier in notify mode,
	// the model's first-turn instruction in conversation mode.
	Greeting string

	// Streaming requests a media stream URL for the call.
	Streaming bool
}

// managedCall pairs a record with its runtime machinery. All fields are
// guarded by the manager's mutex.
type managedCall struct {
	rec *Record

	ringTimer    *time.Timer
	silenceTimer *time.Timer
	maxTimer     *time.Timer

	hookFired bool

	// counted marks that the active-calls gauge was incremented for this
	// call, so endCall knows whether a decrement is owed. Calls that fail
	// during initiation never reach the increment.
	counted bool

	// transcriptWaiters receive the next final user transcript entry.
	transcriptWaiters []chan TranscriptEntry
}

// Manager owns every live call record and drives the state machine. Webhook
// events, media events, and control commands are linearized under one mutex;
// provider I/O and the end-of-call hook run outside it.
type Manager struct {
	provider telephony.Provider
	store    Store
	limits   Limits

	speaker StreamSpeaker
	metrics *observe.Metrics

	onEnded func(Record)

	mu         sync.Mutex
	calls      map[string]*managedCall
	byProvider map[string]string
}

// Option configures a [Manager].
type Option func(*Manager)

// WithStreamSpeaker wires the bridge's TTS queue for conversation-mode speak.
func WithStreamSpeaker(s StreamSpeaker) Option {
	return func(m *Manager) { m.speaker = s }
}

// WithMetrics enables call metrics recording.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a call manager on top of the given provider and store.
func NewManager(provider telephony.Provider, store Store, limits Limits, opts ...Option) *Manager {
	m := &Manager{
		provider:   provider,
		store:      store,
		limits:     limits,
		calls:      make(map[string]*managedCall),
		byProvider: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnCallEnded registers the hook invoked exactly once per call with the
// final immutable record. Must be called before the first call is placed.
func (m *Manager) SetOnCallEnded(fn func(Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = fn
}

// SetStreamSpeaker wires the bridge's TTS queue after construction. The
// manager and bridge reference each other, so one side has to be attached
// late; must be called before the first call is placed.
func (m *Manager) SetStreamSpeaker(s StreamSpeaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speaker = s
}

// ActiveCount returns the number of calls in non-terminal states.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, c := range m.calls {
		if !c.rec.State.Terminal() {
			n++
		}
	}
	return n
}

// InitiateCall places an outbound call to the given E.164 number. sessionKey
// is the originating chat-session key used for outcome delivery.
func (m *Manager) InitiateCall(ctx context.Context, to, sessionKey string, opts InitiateOptions) (Record, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeNotify
	}

	m.mu.Lock()
	if m.limits.MaxConcurrent > 0 && m.activeLocked() >= m.limits.MaxConcurrent {
		m.mu.Unlock()
		return Record{}, ErrTooManyCalls
	}

	callID := uuid.NewString()
	rec := &Record{
		CallID:    callID,
		From:      opts.From,
		To:        to,
		Direction: string(telephony.DirectionOutbound),
		State:     StateInitiating,
		StartedAt: nowMillis(),
		Metadata: Metadata{
			Prompt:     opts.Prompt,
			Objective:  opts.Objective,
			Context:    opts.Context,
			Language:   opts.Language,
			Greeting:   opts.Greeting,
			Mode:       mode,
			MessageTo:  opts.MessageTo,
			SessionKey: sessionKey,
		},
	}
	mc := &managedCall{rec: rec}
	m.calls[callID] = mc
	m.mu.Unlock()

	var streamURL string
	if opts.Streaming {
		if reg, ok := m.provider.(telephony.StreamRegistrar); ok {
			url, err := reg.RegisterCallStream(callID)
			if err != nil {
				m.endCall(callID, StateFailed, "failed")
				return Record{}, fmt.Errorf("call: register stream: %w", err)
			}
			streamURL = url
		}
	}

	handle, err := m.provider.InitiateCall(ctx, telephony.CallRequest{
		CallID:    callID,
		From:      opts.From,
		To:        to,
		StreamURL: streamURL,
		Greeting:  opts.Greeting,
	})
	if err != nil {
		m.endCall(callID, StateFailed, "failed")
		return Record{}, fmt.Errorf("call: initiate: %w", err)
	}

	m.mu.Lock()
	if handle.ProviderCallID != "" {
		rec.ProviderCallID = handle.ProviderCallID
		m.byProvider[handle.ProviderCallID] = callID
	}
	if m.limits.RingTimeout > 0 {
		mc.ringTimer = time.AfterFunc(m.limits.RingTimeout, func() {
			m.ringExpired(callID)
		})
	}
	if m.limits.MaxDuration > 0 {
		mc.maxTimer = time.AfterFunc(m.limits.MaxDuration, func() {
			m.endCall(callID, StateTimeout, "timeout")
		})
	}
	if m.metrics != nil {
		mc.counted = true
	}
	snapshot := rec.clone()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordCallStarted(ctx, m.provider.Name())
		m.metrics.ActiveCalls.Add(ctx, 1)
	}
	slog.Info("call initiated", "callId", callID, "to", to, "providerCallId", handle.ProviderCallID)
	return snapshot, nil
}

// GetCall returns a snapshot of a live call record.
func (m *Manager) GetCall(callID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return Record{}, false
	}
	return mc.rec.clone(), true
}

// GetCallByProviderCallID resolves the carrier's id to a record snapshot.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byProvider[providerCallID]
	if !ok {
		return Record{}, false
	}
	mc, ok := m.calls[callID]
	if !ok {
		return Record{}, false
	}
	return mc.rec.clone(), true
}

// GetCallHistory returns up to limit persisted records, newest first.
func (m *Manager) GetCallHistory(limit int) ([]Record, error) {
	return m.store.Last(limit)
}

// Speak plays text on a live call and appends a bot transcript entry at
// emission time. Conversation-mode calls with an attached stream go through
// the bridge's TTS queue; everything else uses the carrier's native TTS.
// When the TTS adapter is unavailable the carrier path is the fallback.
func (m *Manager) Speak(ctx context.Context, callID, text string) error {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if mc.rec.State.Terminal() {
		m.mu.Unlock()
		return ErrAlreadyEnded
	}
	mc.rec.Transcript = append(mc.rec.Transcript, TranscriptEntry{
		Speaker:   SpeakerBot,
		Text:      text,
		Timestamp: nowMillis(),
	})
	ref := telephony.CallRef{CallID: callID, ProviderCallID: mc.rec.ProviderCallID}
	streamSid := mc.rec.StreamSid
	mode := mc.rec.Metadata.Mode
	m.mu.Unlock()

	if mode == ModeConversation && m.speaker != nil && streamSid != "" {
		err := m.speaker.Speak(ctx, streamSid, text)
		if err == nil {
			return nil
		}
		if !errors.Is(err, tts.ErrUnavailable) {
			return fmt.Errorf("call: stream speak: %w", err)
		}
		slog.Warn("tts adapter unavailable, falling back to carrier tts", "callId", callID)
	}
	if err := m.provider.PlayTTS(ctx, ref, text); err != nil {
		return fmt.Errorf("call: play tts: %w", err)
	}
	return nil
}

// ContinueCall speaks message on the call and waits for the peer's next final
// transcript turn. It always appends a bot transcript entry and never forges
// a user one. Returns the transcript including the reply, or
// [ErrTranscriptTimeout] when the peer stays silent.
func (m *Manager) ContinueCall(ctx context.Context, callID, message string) ([]TranscriptEntry, error) {
	if err := m.Speak(ctx, callID, message); err != nil {
		return nil, err
	}

	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wait := make(chan TranscriptEntry, 1)
	mc.transcriptWaiters = append(mc.transcriptWaiters, wait)
	m.mu.Unlock()

	timeout := m.limits.TranscriptTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
	case <-timer.C:
		return nil, ErrTranscriptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.calls[callID]; ok {
		return mc.rec.clone().Transcript, nil
	}
	return nil, ErrNotFound
}

// EndCall hangs up a live call. The terminal transition happens here; the
// carrier's own ended webhook is deduplicated.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if mc.rec.State.Terminal() {
		m.mu.Unlock()
		return ErrAlreadyEnded
	}
	ref := telephony.CallRef{CallID: callID, ProviderCallID: mc.rec.ProviderCallID}
	m.mu.Unlock()

	if err := m.provider.HangupCall(ctx, ref); err != nil {
		// Provider errors do not transition the call.
		return fmt.Errorf("call: hangup: %w", err)
	}
	m.endCall(callID, StateHangupBot, string(telephony.ReasonHangupBot))
	return nil
}

// HandleEvent applies one normalized provider event to the call it addresses.
// Events for unknown outbound calls are dropped; an initiated event with no
// record creates an inbound one.
func (m *Manager) HandleEvent(ctx context.Context, ev telephony.Event) {
	m.mu.Lock()
	mc := m.resolveLocked(ev)
	if mc == nil {
		if ev.Type == telephony.EventInitiated {
			mc = m.createInboundLocked(ev)
		} else {
			m.mu.Unlock()
			slog.Debug("event for unknown call dropped", "type", ev.Type, "providerCallId", ev.ProviderCallID)
			return
		}
	}
	callID := mc.rec.CallID

	// Late provider-id binding for inbound calls.
	if ev.ProviderCallID != "" && mc.rec.ProviderCallID == "" {
		mc.rec.ProviderCallID = ev.ProviderCallID
		m.byProvider[ev.ProviderCallID] = callID
	}

	switch ev.Type {
	case telephony.EventInitiated:
		// Record creation above is the whole effect.

	case telephony.EventRinging:
		m.transitionLocked(mc, StateRinging)

	case telephony.EventAnswered, telephony.EventActive:
		if mc.ringTimer != nil {
			mc.ringTimer.Stop()
		}
		m.transitionLocked(mc, StateAnswered)
		if ev.Type == telephony.EventActive {
			m.transitionLocked(mc, StateActive)
		}
		m.resetSilenceLocked(mc)

	case telephony.EventSpeaking:
		m.transitionLocked(mc, StateSpeaking)

	case telephony.EventSpeech:
		m.resetSilenceLocked(mc)
		if ev.IsFinal && ev.Transcript != "" {
			m.appendTranscriptLocked(mc, SpeakerUser, ev.Transcript)
		}

	case telephony.EventDTMF:
		mc.rec.DTMF += ev.Digits

	case telephony.EventEnded:
		reason := ev.Reason
		if reason == "" {
			reason = telephony.ReasonCompleted
		}
		m.mu.Unlock()
		m.endCall(callID, terminalStateFor(reason), string(reason))
		return

	case telephony.EventError:
		slog.Warn("call error event", "callId", callID, "error", ev.Error, "retryable", ev.Retryable)
		if !ev.Retryable {
			m.mu.Unlock()
			m.endCall(callID, StateFailed, string(telephony.ReasonFailed))
			return
		}
	}
	m.mu.Unlock()
}

// OnStreamStart binds a media stream to its call and moves it to active.
func (m *Manager) OnStreamStart(callID, streamSid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return
	}
	mc.rec.StreamSid = streamSid
	if mc.ringTimer != nil {
		mc.ringTimer.Stop()
	}
	m.transitionLocked(mc, StateAnswered)
	m.transitionLocked(mc, StateActive)
	m.resetSilenceLocked(mc)
}

// OnStreamEnd handles a media stream closing. A conversation-mode stream that
// dies mid-call takes the call with it: realtime session state cannot be
// resumed, so the call fails rather than continuing deaf.
func (m *Manager) OnStreamEnd(callID string, streamErr error) {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	mode := mc.rec.Metadata.Mode
	terminal := mc.rec.State.Terminal()
	m.mu.Unlock()

	if terminal {
		return
	}
	if streamErr != nil && mode == ModeConversation {
		m.endCall(callID, StateFailed, "realtime-disconnected")
	}
}

// AppendTranscript adds one entry to a live call's transcript. Used by the
// bridge for user and assistant turns arriving over the media stream.
func (m *Manager) AppendTranscript(callID string, speaker Speaker, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return
	}
	m.resetSilenceLocked(mc)
	m.appendTranscriptLocked(mc, speaker, text)
}

// SetSpeaking toggles the speaking/listening sub-phase while a call is
// active. Invalid toggles (call not yet active) are ignored.
func (m *Manager) SetSpeaking(callID string, speaking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return
	}
	target := StateListening
	if speaking {
		target = StateSpeaking
	}
	if CanTransition(mc.rec.State, target) {
		mc.rec.State = target
	}
}

// resolveLocked finds the managed call an event addresses.
func (m *Manager) resolveLocked(ev telephony.Event) *managedCall {
	if ev.CallID != "" {
		if mc, ok := m.calls[ev.CallID]; ok {
			return mc
		}
	}
	if ev.ProviderCallID != "" {
		if callID, ok := m.byProvider[ev.ProviderCallID]; ok {
			return m.calls[callID]
		}
	}
	return nil
}

func (m *Manager) createInboundLocked(ev telephony.Event) *managedCall {
	callID := ev.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	rec := &Record{
		CallID:         callID,
		ProviderCallID: ev.ProviderCallID,
		From:           ev.From,
		To:             ev.To,
		Direction:      string(telephony.DirectionInbound),
		State:          StateInitiating,
		StartedAt:      nowMillis(),
		Metadata:       Metadata{Mode: ModeNotify},
	}
	mc := &managedCall{rec: rec}
	m.calls[callID] = mc
	if ev.ProviderCallID != "" {
		m.byProvider[ev.ProviderCallID] = callID
	}
	if m.limits.MaxDuration > 0 {
		mc.maxTimer = time.AfterFunc(m.limits.MaxDuration, func() {
			m.endCall(callID, StateTimeout, "timeout")
		})
	}
	slog.Info("inbound call created", "callId", callID, "from", ev.From)
	return mc
}

// transitionLocked applies an edge if the state machine allows it. Disallowed
// edges are logged and dropped; redelivered webhooks routinely replay edges.
func (m *Manager) transitionLocked(mc *managedCall, to State) {
	from := mc.rec.State
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		slog.Debug("transition rejected", "callId", mc.rec.CallID, "from", from, "to", to)
		return
	}
	mc.rec.State = to
}

func (m *Manager) appendTranscriptLocked(mc *managedCall, speaker Speaker, text string) {
	entry := TranscriptEntry{Speaker: speaker, Text: text, Timestamp: nowMillis()}
	mc.rec.Transcript = append(mc.rec.Transcript, entry)
	if speaker == SpeakerUser {
		for _, w := range mc.transcriptWaiters {
			select {
			case w <- entry:
			default:
			}
		}
		mc.transcriptWaiters = nil
	}
}

func (m *Manager) resetSilenceLocked(mc *managedCall) {
	if m.limits.SilenceTimeout <= 0 {
		return
	}
	if mc.silenceTimer != nil {
		mc.silenceTimer.Stop()
	}
	callID := mc.rec.CallID
	mc.silenceTimer = time.AfterFunc(m.limits.SilenceTimeout, func() {
		m.endCall(callID, StateTimeout, "timeout")
	})
}

func (m *Manager) ringExpired(callID string) {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state := mc.rec.State
	m.mu.Unlock()
	if state == StateInitiating || state == StateRinging {
		m.endCall(callID, StateNoAnswer, string(telephony.ReasonNoAnswer))
	}
}

// terminalStateFor maps a canonical end reason to its terminal state.
func terminalStateFor(reason telephony.EndReason) State {
	switch reason {
	case telephony.ReasonBusy:
		return StateBusy
	case telephony.ReasonNoAnswer:
		return StateNoAnswer
	case telephony.ReasonVoicemail:
		return StateVoicemail
	case telephony.ReasonTimeout:
		return StateTimeout
	case telephony.ReasonHangupUser:
		return StateHangupUser
	case telephony.ReasonHangupBot:
		return StateHangupBot
	case telephony.ReasonFailed:
		return StateFailed
	default:
		return StateCompleted
	}
}

// Drain ends every non-terminal call. Used at shutdown so carriers do not
// keep billing for orphaned calls.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.calls))
	for id, mc := range m.calls {
		if !mc.rec.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	// Hangups are independent carrier REST calls; end them in parallel so a
	// slow carrier does not serialize the shutdown.
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.EndCall(ctx, id); err != nil && !errors.Is(err, ErrAlreadyEnded) {
				slog.Warn("drain: end call failed", "callId", id, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

// endCall performs the terminal transition for a call and fires the
// end-of-call machinery exactly once. Redelivered terminal events are
// no-ops.
func (m *Manager) endCall(callID string, terminal State, reason string) {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if mc.rec.State.Terminal() || mc.hookFired {
		m.mu.Unlock()
		return
	}

	// Hangup states are reached through ending; the rest transition
	// directly from any non-terminal state.
	if terminal == StateHangupBot || terminal == StateHangupUser {
		m.transitionLocked(mc, StateEnding)
	}
	if !CanTransition(mc.rec.State, terminal) && mc.rec.State != terminal {
		slog.Warn("terminal transition rejected", "callId", callID, "from", mc.rec.State, "to", terminal)
		m.mu.Unlock()
		return
	}
	mc.rec.State = terminal
	mc.rec.EndReason = reason
	mc.rec.EndedAt = nowMillis()
	mc.hookFired = true

	for _, t := range []*time.Timer{mc.ringTimer, mc.silenceTimer, mc.maxTimer} {
		if t != nil {
			t.Stop()
		}
	}
	for _, w := range mc.transcriptWaiters {
		close(w)
	}
	mc.transcriptWaiters = nil

	snapshot := mc.rec.clone()
	counted := mc.counted
	onEnded := m.onEnded
	m.mu.Unlock()

	if m.metrics != nil {
		ctx := context.Background()
		if counted {
			m.metrics.ActiveCalls.Add(ctx, -1)
		}
		m.metrics.RecordCallEnded(ctx, m.provider.Name(), reason,
			float64(snapshot.EndedAt-snapshot.StartedAt)/1000)
	}
	slog.Info("call ended", "callId", callID, "state", terminal, "reason", reason)

	// Persist and deliver outside the lock; the outcome pipeline may take
	// many seconds. The record stays queryable until both finish.
	go func() {
		if m.store != nil {
			if err := m.store.Append(snapshot); err != nil {
				slog.Error("history append failed", "callId", callID, "err", err)
			}
		}
		if onEnded != nil {
			onEnded(snapshot)
		}
		m.mu.Lock()
		delete(m.calls, callID)
		if snapshot.ProviderCallID != "" {
			delete(m.byProvider, snapshot.ProviderCallID)
		}
		m.mu.Unlock()
	}()
}
