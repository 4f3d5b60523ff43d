// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled μ-law audio to consumers and to verify the
// text fragments passed to the TTS backend.
package mock

import (
	"context"
	"sync"

	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeTelephony.
type SynthesizeCall struct {
	// Ctx is the context passed to SynthesizeTelephony.
	Ctx context.Context
	// Text is the text passed to SynthesizeTelephony.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by SynthesizeTelephony. If nil, a short fixed μ-law
	// silence buffer is returned.
	Audio []byte

	// Err, if non-nil, is returned as the error from SynthesizeTelephony.
	Err error

	// Calls records every call to SynthesizeTelephony in order.
	Calls []SynthesizeCall
}

// SynthesizeTelephony records the call and returns Audio, Err.
func (p *Provider) SynthesizeTelephony(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		audio := make([]byte, len(p.Audio))
		copy(audio, p.Audio)
		return audio, nil
	}
	// 0xff is μ-law silence.
	silence := make([]byte, 320)
	for i := range silence {
		silence[i] = 0xff
	}
	return silence, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
