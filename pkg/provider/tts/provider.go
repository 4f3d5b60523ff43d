// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and returns audio ready
// for the telephone leg: μ-law encoded, 8 kHz, mono. Providers that
// synthesise at a higher rate are responsible for downsampling before they
// return.
//
// Implementations must be safe for concurrent use; several calls may be
// speaking at once.
package tts

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backend cannot synthesise right now
// (quota exhausted, service down). Callers fall back to the carrier's
// built-in speech when they see it.
var ErrUnavailable = errors.New("tts: backend unavailable")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeTelephony renders text as μ-law 8 kHz mono audio. The whole
	// utterance is returned in one slice; pacing into 20 ms frames is the
	// caller's job.
	SynthesizeTelephony(ctx context.Context, text string) ([]byte, error)
}
