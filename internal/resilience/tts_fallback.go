package resilience

import (
	"context"

	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] across multiple synthesis backends,
// each behind its own breaker. With a single entry it still fails fast once
// the breaker opens, which lets the media bridge drop to the carrier's
// built-in speech without waiting out the HTTP timeout mid-call.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeTelephony renders text on the first healthy backend.
func (f *TTSFallback) SynthesizeTelephony(ctx context.Context, text string) ([]byte, error) {
	return Try(f.group, func(p tts.Provider) ([]byte, error) {
		return p.SynthesizeTelephony(ctx, text)
	})
}
