// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// SessionConfig. Use Session to feed controlled events to consumers and
// inspect the audio and text that were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Type: realtime.EventUserFinal, Text: "привет"})
package mock

import (
	"context"
	"sync"

	"github.com/openclaw/voicebridge/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new default
	// Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.Session. Tests drive the
// consumer by calling Emit and close the stream with EmitClosed.
type Session struct {
	mu sync.Mutex

	events chan realtime.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// InterruptErr, if non-nil, is returned by Interrupt.
	InterruptErr error

	// --- Call records ---

	// SentAudio records a copy of every chunk passed to SendAudio in order.
	SentAudio [][]byte

	// SentTexts records every string passed to SendText in order.
	SentTexts []string

	// Instructions records every string passed to UpdateInstructions.
	Instructions []string

	// InterruptCount is the number of times Interrupt was called.
	InterruptCount int

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit delivers an event to the consumer. Panics if called after EmitClosed.
func (s *Session) Emit(evt realtime.Event) {
	s.events <- evt
}

// EmitClosed delivers the terminal EventClosed and closes the channel.
func (s *Session) EmitClosed(err error) {
	s.events <- realtime.Event{Type: realtime.EventClosed, Err: err}
	close(s.events)
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentAudio = append(s.SentAudio, cp)
	return s.SendAudioErr
}

// SendText records the text and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentTexts = append(s.SentTexts, text)
	return s.SendTextErr
}

// UpdateInstructions records the instructions.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Instructions = append(s.Instructions, instructions)
	return nil
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return s.InterruptErr
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Close records the call. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// SentAudioCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// Texts returns a copy of the strings passed to SendText. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentTexts))
	copy(out, s.SentTexts)
	return out
}

// Interrupts returns the number of Interrupt calls. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCount
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
