// Package outcome turns a finished call into something the user can act on:
// an LLM-written Russian summary of the transcript, booking details when the
// call confirmed one, a Google Calendar link, and delivery to the chat
// channel the call originated from. When no channel can be resolved the
// summary work is left to the upstream agent and the record is enqueued as a
// system event instead.
package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/pkg/provider/llm"
)

const (
	// maxTranscriptEntries clamps the transcript handed to the LLM.
	maxTranscriptEntries = 120

	// llmTimeout bounds the single summary completion.
	llmTimeout = 15 * time.Second
)

// channelRe extracts the chat id from a session key like
// "agent:main:telegram:dm:12345".
var channelRe = regexp.MustCompile(`telegram:(dm|group|direct):(-?\d+)`)

// ResolveChannel returns the chat id outcome messages should go to: the
// session key's embedded channel first, then the explicit messageTo override
// ("telegram:<id>" or "telegram:<type>:<id>").
func ResolveChannel(sessionKey, messageTo string) (string, bool) {
	if m := channelRe.FindStringSubmatch(sessionKey); m != nil {
		return m[2], true
	}
	if messageTo != "" {
		parts := strings.Split(messageTo, ":")
		switch {
		case len(parts) == 2 && parts[0] == "telegram" && parts[1] != "":
			return parts[1], true
		case len(parts) == 3 && parts[0] == "telegram" && parts[2] != "":
			return parts[2], true
		}
	}
	return "", false
}

// Notifier delivers an outcome message to a chat channel.
type Notifier interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// EventMeta identifies a system event to the upstream agent runtime.
type EventMeta struct {
	SessionKey string
	// ContextKey is "voice-call:<callId>:ended"; the runtime deduplicates on
	// it so redelivery is a no-op.
	ContextKey string
}

// EventQueue enqueues a system event into the upstream agent runtime.
type EventQueue interface {
	EnqueueSystemEvent(ctx context.Context, text string, meta EventMeta) error
}

// Pipeline runs once per terminal call.
type Pipeline struct {
	llm      llm.Provider
	notifier Notifier
	queue    EventQueue
	metrics  *observe.Metrics

	timezone string
	now      func() time.Time
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithNotifier wires direct chat delivery.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithEventQueue wires the system-event fallback path.
func WithEventQueue(q EventQueue) Option {
	return func(p *Pipeline) { p.queue = q }
}

// WithMetrics enables LLM latency recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTimezone overrides the calendar/reference timezone. Default
// Europe/Moscow.
func WithTimezone(tz string) Option {
	return func(p *Pipeline) {
		if tz != "" {
			p.timezone = tz
		}
	}
}

// WithClock overrides the reference-date clock in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates an outcome pipeline over the given completion backend.
func New(provider llm.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:      provider,
		timezone: "Europe/Moscow",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one terminal call record: summary, optional calendar link,
// delivery. Errors are logged, never returned; the call is already over and
// there is nobody to retry for.
func (p *Pipeline) Run(ctx context.Context, rec call.Record) {
	chatID, ok := ResolveChannel(rec.Metadata.SessionKey, rec.Metadata.MessageTo)
	if !ok {
		p.enqueue(ctx, rec)
		return
	}
	text := p.summarize(ctx, rec)
	if p.notifier == nil {
		slog.Warn("no notifier configured, outcome dropped", "callId", rec.CallID, "chatId", chatID)
		return
	}
	if err := p.notifier.SendMessage(ctx, chatID, text); err != nil {
		// Log only; the summary is best-effort and a retry storm helps nobody.
		slog.Error("outcome delivery failed", "callId", rec.CallID, "chatId", chatID, "err", err)
	}
}

// enqueue hands the raw record to the upstream agent as a system event.
func (p *Pipeline) enqueue(ctx context.Context, rec call.Record) {
	if p.queue == nil {
		slog.Debug("no event queue configured, outcome dropped", "callId", rec.CallID)
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("outcome payload marshal failed", "callId", rec.CallID, "err", err)
		return
	}
	text := "Телефонный звонок завершён. Составь для пользователя короткое резюме по данным звонка:\n" + string(payload)
	meta := EventMeta{
		SessionKey: rec.Metadata.SessionKey,
		ContextKey: "voice-call:" + rec.CallID + ":ended",
	}
	if err := p.queue.EnqueueSystemEvent(ctx, text, meta); err != nil {
		slog.Error("system event enqueue failed", "callId", rec.CallID, "err", err)
	}
}

// summarize issues the single LLM request and assembles the outgoing text.
// Any LLM failure degrades to the deterministic template summary.
func (p *Pipeline) summarize(ctx context.Context, rec call.Record) string {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	start := time.Now()
	raw, err := p.llm.Complete(ctx, llm.Request{
		System:   p.systemPrompt(),
		Messages: []llm.Message{{Role: "user", Content: formatTranscript(rec)}},
		JSONMode: true,
	})
	if p.metrics != nil {
		p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("summary completion failed", "callId", rec.CallID, "err", err)
		return fallbackSummary(rec)
	}

	text, booking := parseResponse(raw)
	if booking != nil {
		if u := CalendarURL(*booking, p.timezone); u != "" {
			text += "\n\n[📅 Добавить в календарь](" + u + ")"
		}
	}
	return text
}

// parseResponse decodes the LLM reply defensively: undecodable replies become
// the summary verbatim, type-mismatched booking fields are dropped, and
// anything short of confirmed == true means no booking.
func parseResponse(raw string) (string, *Booking) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return strings.TrimSpace(raw), nil
	}
	text, _ := m["summary"].(string)
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	return text, parseBooking(m["booking"])
}

func parseBooking(v any) *Booking {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if confirmed, ok := obj["confirmed"].(bool); !ok || !confirmed {
		return nil
	}
	b := &Booking{Confirmed: true}
	if s, ok := obj["restaurant"].(string); ok {
		b.Restaurant = s
	}
	if s, ok := obj["date"].(string); ok {
		b.Date = s
	}
	if s, ok := obj["time"].(string); ok {
		b.Time = s
	}
	if s, ok := obj["guestName"].(string); ok {
		b.GuestName = s
	}
	if s, ok := obj["address"].(string); ok {
		b.Address = s
	}
	if s, ok := obj["notes"].(string); ok {
		b.Notes = s
	}
	if f, ok := obj["durationMinutes"].(float64); ok {
		b.DurationMinutes = int(f)
	}
	if f, ok := obj["guestCount"].(float64); ok {
		b.GuestCount = int(f)
	}
	return b
}

var (
	ruWeekdays = [...]string{"воскресенье", "понедельник", "вторник", "среда", "четверг", "пятница", "суббота"}
	ruMonths   = [...]string{"января", "февраля", "марта", "апреля", "мая", "июня", "июля", "августа", "сентября", "октября", "ноября", "декабря"}
)

// moscow is the reference zone for the concierge prompt. Moscow has no DST,
// so the fixed offset is exact even without tzdata on the host.
var moscow = time.FixedZone("MSK", 3*60*60)

func (p *Pipeline) systemPrompt() string {
	now := p.now().In(moscow)
	ref := fmt.Sprintf("Сегодня %s, %d %s %d года.",
		ruWeekdays[now.Weekday()], now.Day(), ruMonths[now.Month()-1], now.Year())
	return `Ты — ассистент-консьерж. Тебе дан транскрипт телефонного звонка, сделанного от имени пользователя.
Составь короткое резюме звонка по-русски (2-3 предложения, только итог).
Если в разговоре ПОДТВЕРЖДЕНА бронь, извлеки её детали; иначе booking должен быть null.
Ответь одним JSON-объектом строго такого вида:
{"summary": string, "booking": {"confirmed": bool, "restaurant": string, "date": "YYYY-MM-DD", "time": "HH:MM", "durationMinutes": number, "guestName": string, "guestCount": number, "address": string, "notes": string} | null}
` + ref
}

// formatTranscript renders the clamped transcript for the prompt.
func formatTranscript(rec call.Record) string {
	entries := rec.Transcript
	if len(entries) > maxTranscriptEntries {
		entries = entries[len(entries)-maxTranscriptEntries:]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Звонок на номер %s, итог: %s.\n", rec.To, rec.EndReason)
	if rec.Metadata.Objective != "" {
		fmt.Fprintf(&sb, "Цель звонка: %s\n", rec.Metadata.Objective)
	}
	sb.WriteString("Транскрипт:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", e.Speaker, e.Text)
	}
	return sb.String()
}

// fallbackSummary is the deterministic template used when the LLM is
// unavailable.
func fallbackSummary(rec call.Record) string {
	return fmt.Sprintf("Звонок на номер %s завершён (%s). Реплик в транскрипте: %d.",
		rec.To, rec.EndReason, len(rec.Transcript))
}
