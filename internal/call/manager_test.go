package call_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	"github.com/openclaw/voicebridge/pkg/provider/telephony/mock"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

func newManager(t *testing.T, p *mock.Provider, limits call.Limits, opts ...call.Option) *call.Manager {
	t.Helper()
	h := call.NewHistory(filepath.Join(t.TempDir(), "calls.jsonl"))
	return call.NewManager(p, h, limits, opts...)
}

func waitEnded(t *testing.T, ch <-chan call.Record) call.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("on-call-ended hook was not invoked")
		return call.Record{}
	}
}

func TestHappyOutbound(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-1", Status: "queued"}}
	m := newManager(t, p, call.Limits{MaxConcurrent: 5})

	ended := make(chan call.Record, 2)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "agent:main:telegram:dm:42", call.InitiateOptions{
		Prompt: "Забронировать столик на имя Елена, завтра 20:00, 4 гостя",
	})
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if rec.State != call.StateInitiating {
		t.Errorf("state = %s, want initiating", rec.State)
	}
	if rec.Metadata.SessionKey != "agent:main:telegram:dm:42" {
		t.Errorf("sessionKey = %q", rec.Metadata.SessionKey)
	}

	ctx := context.Background()
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventRinging, ProviderCallID: "pc-1"})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventAnswered, ProviderCallID: "pc-1"})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventEnded, ProviderCallID: "pc-1", Reason: telephony.ReasonHangupUser})

	final := waitEnded(t, ended)
	if final.State != call.StateHangupUser {
		t.Errorf("final state = %s, want hangup-user", final.State)
	}
	if final.EndReason != "hangup-user" {
		t.Errorf("endReason = %q", final.EndReason)
	}
	if final.EndedAt == 0 {
		t.Error("endedAt not set")
	}

	hist, err := m.GetCallHistory(10)
	if err != nil {
		t.Fatalf("GetCallHistory() error = %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history has %d records, want 1", len(hist))
	}
	if hist[0].CallID != rec.CallID {
		t.Errorf("history callId = %q, want %q", hist[0].CallID, rec.CallID)
	}
}

func TestIdempotentTermination(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-2"}}
	m := newManager(t, p, call.Limits{})

	var hookCalls atomic.Int32
	ended := make(chan call.Record, 4)
	m.SetOnCallEnded(func(r call.Record) {
		hookCalls.Add(1)
		ended <- r
	})

	if _, err := m.InitiateCall(context.Background(), "+15550002222", "", call.InitiateOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Redelivered terminal webhook.
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventEnded, ProviderCallID: "pc-2", Reason: telephony.ReasonCompleted})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventEnded, ProviderCallID: "pc-2", Reason: telephony.ReasonCompleted})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventEnded, ProviderCallID: "pc-2", Reason: telephony.ReasonHangupUser})

	waitEnded(t, ended)
	time.Sleep(100 * time.Millisecond)
	if n := hookCalls.Load(); n != 1 {
		t.Errorf("hook fired %d times, want 1", n)
	}
}

// activeCallsGauge collects and sums the voicebridge.active_calls gauge.
func activeCallsGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicebridge.active_calls" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("active_calls is %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestFailedInitiationKeepsGaugeBalanced(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := &mock.Provider{InitiateErr: errors.New("carrier rejected the call")}
	m := newManager(t, p, call.Limits{}, call.WithMetrics(met))

	if _, err := m.InitiateCall(context.Background(), "+15550005555", "", call.InitiateOptions{}); err == nil {
		t.Fatal("InitiateCall should fail when the carrier rejects")
	}
	if got := activeCallsGauge(t, reader); got != 0 {
		t.Fatalf("active_calls = %d after failed initiation, want 0", got)
	}

	// A call that does go out still counts up and back down.
	p.InitiateErr = nil
	p.InitiateHandle = telephony.CallHandle{ProviderCallID: "pc-bal"}
	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	if _, err := m.InitiateCall(context.Background(), "+15550006666", "", call.InitiateOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := activeCallsGauge(t, reader); got != 1 {
		t.Fatalf("active_calls = %d with one live call, want 1", got)
	}

	m.HandleEvent(context.Background(), telephony.Event{Type: telephony.EventEnded, ProviderCallID: "pc-bal", Reason: telephony.ReasonCompleted})
	waitEnded(t, ended)
	if got := activeCallsGauge(t, reader); got != 0 {
		t.Errorf("active_calls = %d after the call ended, want 0", got)
	}
}

func TestTooManyCalls(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-3"}}
	m := newManager(t, p, call.Limits{MaxConcurrent: 1})

	if _, err := m.InitiateCall(context.Background(), "+15550003333", "", call.InitiateOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := m.InitiateCall(context.Background(), "+15550004444", "", call.InitiateOptions{})
	if !errors.Is(err, call.ErrTooManyCalls) {
		t.Errorf("expected ErrTooManyCalls, got %v", err)
	}
}

func TestEndCall(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-4"}}
	m := newManager(t, p, call.Limits{})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	rec, err := m.InitiateCall(context.Background(), "+15550005555", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}

	final := waitEnded(t, ended)
	if final.State != call.StateHangupBot {
		t.Errorf("state = %s, want hangup-bot", final.State)
	}

	if len(p.ControlCalls) != 1 || p.ControlCalls[0].Op != "hangup" {
		t.Errorf("expected one hangup control call, got %+v", p.ControlCalls)
	}
}

func TestEndCall_ProviderErrorDoesNotTransition(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-5"},
		ControlErr:     telephony.ErrNoControlURL,
	}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15550006666", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.EndCall(context.Background(), rec.CallID); err == nil {
		t.Fatal("expected error from EndCall")
	}

	got, ok := m.GetCall(rec.CallID)
	if !ok {
		t.Fatal("record should still exist")
	}
	if got.State.Terminal() {
		t.Errorf("state = %s; provider failure must not transition the call", got.State)
	}
}

func TestInitiateFailureEndsFailed(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateErr: errors.New("carrier down")}
	m := newManager(t, p, call.Limits{})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	_, err := m.InitiateCall(context.Background(), "+15550007777", "", call.InitiateOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	final := waitEnded(t, ended)
	if final.State != call.StateFailed {
		t.Errorf("state = %s, want failed", final.State)
	}
}

func TestRingTimeout(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-6"}}
	m := newManager(t, p, call.Limits{RingTimeout: 30 * time.Millisecond})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	if _, err := m.InitiateCall(context.Background(), "+15550008888", "", call.InitiateOptions{}); err != nil {
		t.Fatal(err)
	}

	final := waitEnded(t, ended)
	if final.State != call.StateNoAnswer {
		t.Errorf("state = %s, want no-answer", final.State)
	}
}

func TestRingTimeoutCancelledByAnswer(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-7"}}
	m := newManager(t, p, call.Limits{RingTimeout: 40 * time.Millisecond})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	rec, err := m.InitiateCall(context.Background(), "+15550009999", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m.HandleEvent(context.Background(), telephony.Event{Type: telephony.EventAnswered, ProviderCallID: "pc-7"})

	time.Sleep(100 * time.Millisecond)
	got, ok := m.GetCall(rec.CallID)
	if !ok {
		t.Fatal("record gone")
	}
	if got.State.Terminal() {
		t.Errorf("answered call hit ring timeout: state = %s", got.State)
	}
}

func TestSilenceTimeout(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-8"}}
	m := newManager(t, p, call.Limits{SilenceTimeout: 40 * time.Millisecond})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	if _, err := m.InitiateCall(context.Background(), "+15551110000", "", call.InitiateOptions{}); err != nil {
		t.Fatal(err)
	}
	m.HandleEvent(context.Background(), telephony.Event{Type: telephony.EventAnswered, ProviderCallID: "pc-8"})

	final := waitEnded(t, ended)
	if final.State != call.StateTimeout {
		t.Errorf("state = %s, want timeout", final.State)
	}
	if final.EndReason != "timeout" {
		t.Errorf("endReason = %q", final.EndReason)
	}
}

func TestSpeechResetsSilenceTimer(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-9"}}
	m := newManager(t, p, call.Limits{SilenceTimeout: 80 * time.Millisecond})

	rec, err := m.InitiateCall(context.Background(), "+15551111111", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventAnswered, ProviderCallID: "pc-9"})

	// Keep talking past the original deadline.
	for range 3 {
		time.Sleep(50 * time.Millisecond)
		m.HandleEvent(ctx, telephony.Event{Type: telephony.EventSpeech, ProviderCallID: "pc-9", Transcript: "еще говорю", IsFinal: true})
	}

	got, _ := m.GetCall(rec.CallID)
	if got.State.Terminal() {
		t.Errorf("call timed out despite ongoing speech: %s", got.State)
	}
}

func TestSpeechAppendsFinalsOnly(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-10"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15552220000", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventSpeech, ProviderCallID: "pc-10", Transcript: "при", IsFinal: false})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventSpeech, ProviderCallID: "pc-10", Transcript: "привет", IsFinal: true})

	got, _ := m.GetCall(rec.CallID)
	if len(got.Transcript) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(got.Transcript))
	}
	if got.Transcript[0].Speaker != call.SpeakerUser || got.Transcript[0].Text != "привет" {
		t.Errorf("transcript entry = %+v", got.Transcript[0])
	}
}

func TestDTMFAccumulates(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-11"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15553330000", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventDTMF, ProviderCallID: "pc-11", Digits: "1"})
	m.HandleEvent(ctx, telephony.Event{Type: telephony.EventDTMF, ProviderCallID: "pc-11", Digits: "42"})

	got, _ := m.GetCall(rec.CallID)
	if got.DTMF != "142" {
		t.Errorf("DTMF = %q, want 142", got.DTMF)
	}
}

func TestGetCallByProviderCallID(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-12"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15554440000", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.GetCallByProviderCallID("pc-12")
	if !ok {
		t.Fatal("lookup by provider id failed")
	}
	if got.CallID != rec.CallID {
		t.Errorf("resolved callId = %q, want %q", got.CallID, rec.CallID)
	}
}

func TestInboundCallCreated(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	m := newManager(t, p, call.Limits{})

	ctx := context.Background()
	m.HandleEvent(ctx, telephony.Event{
		Type:           telephony.EventInitiated,
		ProviderCallID: "in-1",
		From:           "+15559990000",
		To:             "+15558880000",
		Direction:      telephony.DirectionInbound,
	})

	got, ok := m.GetCallByProviderCallID("in-1")
	if !ok {
		t.Fatal("inbound record not created")
	}
	if got.Direction != "inbound" {
		t.Errorf("direction = %q", got.Direction)
	}
	if got.From != "+15559990000" {
		t.Errorf("from = %q", got.From)
	}
}

func TestSpeakNotifyMode(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-13"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15555550000", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Speak(context.Background(), rec.CallID, "Здравствуйте"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	got, _ := m.GetCall(rec.CallID)
	if len(got.Transcript) != 1 || got.Transcript[0].Speaker != call.SpeakerBot {
		t.Fatalf("expected one bot transcript entry, got %+v", got.Transcript)
	}
	if len(p.ControlCalls) != 1 || p.ControlCalls[0].Op != "tts" || p.ControlCalls[0].Text != "Здравствуйте" {
		t.Errorf("expected carrier tts call, got %+v", p.ControlCalls)
	}
}

type stubSpeaker struct {
	err   error
	calls []string
}

func (s *stubSpeaker) Speak(_ context.Context, streamSid, text string) error {
	s.calls = append(s.calls, streamSid+":"+text)
	return s.err
}

func TestSpeakConversationModeUsesStream(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-14"}}
	sp := &stubSpeaker{}
	m := newManager(t, p, call.Limits{}, call.WithStreamSpeaker(sp))

	rec, err := m.InitiateCall(context.Background(), "+15556660000", "", call.InitiateOptions{Mode: call.ModeConversation})
	if err != nil {
		t.Fatal(err)
	}
	m.OnStreamStart(rec.CallID, "stream-1")

	if err := m.Speak(context.Background(), rec.CallID, "минуту"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if len(sp.calls) != 1 || sp.calls[0] != "stream-1:минуту" {
		t.Errorf("stream speaker calls = %v", sp.calls)
	}
	if len(p.ControlCalls) != 0 {
		t.Errorf("carrier tts should not be used, got %+v", p.ControlCalls)
	}
}

func TestSpeakFallsBackWhenTTSUnavailable(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-15"}}
	sp := &stubSpeaker{err: tts.ErrUnavailable}
	m := newManager(t, p, call.Limits{}, call.WithStreamSpeaker(sp))

	rec, err := m.InitiateCall(context.Background(), "+15557770000", "", call.InitiateOptions{Mode: call.ModeConversation})
	if err != nil {
		t.Fatal(err)
	}
	m.OnStreamStart(rec.CallID, "stream-2")

	if err := m.Speak(context.Background(), rec.CallID, "алло"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if len(p.ControlCalls) != 1 || p.ControlCalls[0].Op != "tts" {
		t.Errorf("expected carrier tts fallback, got %+v", p.ControlCalls)
	}
}

func TestContinueCall(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-16"}}
	m := newManager(t, p, call.Limits{TranscriptTimeout: time.Second})

	rec, err := m.InitiateCall(context.Background(), "+15551234567", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.AppendTranscript(rec.CallID, call.SpeakerUser, "да, свободно")
	}()

	transcript, err := m.ContinueCall(context.Background(), rec.CallID, "есть столик на восемь?")
	if err != nil {
		t.Fatalf("ContinueCall() error = %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("transcript has %d entries, want 2", len(transcript))
	}
	if transcript[0].Speaker != call.SpeakerBot {
		t.Errorf("first entry speaker = %s, want bot", transcript[0].Speaker)
	}
	if transcript[1].Speaker != call.SpeakerUser || transcript[1].Text != "да, свободно" {
		t.Errorf("reply entry = %+v", transcript[1])
	}
}

func TestContinueCall_Timeout(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-17"}}
	m := newManager(t, p, call.Limits{TranscriptTimeout: 50 * time.Millisecond})

	rec, err := m.InitiateCall(context.Background(), "+15557654321", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.ContinueCall(context.Background(), rec.CallID, "вы меня слышите?")
	if !errors.Is(err, call.ErrTranscriptTimeout) {
		t.Errorf("expected ErrTranscriptTimeout, got %v", err)
	}
}

func TestConversationStreamLossFailsCall(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-18"}}
	m := newManager(t, p, call.Limits{})

	ended := make(chan call.Record, 1)
	m.SetOnCallEnded(func(r call.Record) { ended <- r })

	rec, err := m.InitiateCall(context.Background(), "+15550101010", "", call.InitiateOptions{Mode: call.ModeConversation})
	if err != nil {
		t.Fatal(err)
	}
	m.OnStreamStart(rec.CallID, "stream-3")
	m.AppendTranscript(rec.CallID, call.SpeakerUser, "алло")
	m.OnStreamEnd(rec.CallID, errors.New("websocket closed 1011"))

	final := waitEnded(t, ended)
	if final.State != call.StateFailed {
		t.Errorf("state = %s, want failed", final.State)
	}
	if final.EndReason != "realtime-disconnected" {
		t.Errorf("endReason = %q, want realtime-disconnected", final.EndReason)
	}
	if len(final.Transcript) != 1 {
		t.Errorf("transcript captured so far should survive, got %+v", final.Transcript)
	}
}

func TestNotifyStreamLossKeepsCall(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-19"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15550202020", "", call.InitiateOptions{Mode: call.ModeNotify})
	if err != nil {
		t.Fatal(err)
	}
	m.OnStreamStart(rec.CallID, "stream-4")
	m.OnStreamEnd(rec.CallID, errors.New("read: connection reset"))

	got, ok := m.GetCall(rec.CallID)
	if !ok {
		t.Fatal("record gone")
	}
	if got.State.Terminal() {
		t.Errorf("notify-mode call must survive stream loss, state = %s", got.State)
	}
}

func TestSetSpeakingToggles(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-20"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15550303030", "", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m.OnStreamStart(rec.CallID, "stream-5")

	m.SetSpeaking(rec.CallID, true)
	if got, _ := m.GetCall(rec.CallID); got.State != call.StateSpeaking {
		t.Errorf("state = %s, want speaking", got.State)
	}
	m.SetSpeaking(rec.CallID, false)
	if got, _ := m.GetCall(rec.CallID); got.State != call.StateListening {
		t.Errorf("state = %s, want listening", got.State)
	}
	m.SetSpeaking(rec.CallID, true)
	if got, _ := m.GetCall(rec.CallID); got.State != call.StateSpeaking {
		t.Errorf("state = %s, want speaking again", got.State)
	}
}

func TestStreamingRegistersStreamURL(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{InitiateHandle: telephony.CallHandle{ProviderCallID: "pc-21"}}
	m := newManager(t, p, call.Limits{})

	rec, err := m.InitiateCall(context.Background(), "+15550404040", "", call.InitiateOptions{Streaming: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.RegisteredStreams) != 1 || p.RegisteredStreams[0] != rec.CallID {
		t.Errorf("registered streams = %v", p.RegisteredStreams)
	}
	if len(p.InitiateCalls) != 1 || p.InitiateCalls[0].Req.StreamURL == "" {
		t.Errorf("stream URL not passed to carrier: %+v", p.InitiateCalls)
	}
}
