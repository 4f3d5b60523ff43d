package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openclaw/voicebridge/pkg/provider/llm"
	"github.com/openclaw/voicebridge/pkg/provider/realtime"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	"github.com/openclaw/voicebridge/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	telephony map[string]func(*Config) (telephony.Provider, error)
	realtime  map[string]func(*Config) (realtime.Provider, error)
	tts       map[string]func(*Config) (tts.Provider, error)
	llm       map[string]func(*Config) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		telephony: make(map[string]func(*Config) (telephony.Provider, error)),
		realtime:  make(map[string]func(*Config) (realtime.Provider, error)),
		tts:       make(map[string]func(*Config) (tts.Provider, error)),
		llm:       make(map[string]func(*Config) (llm.Provider, error)),
	}
}

// RegisterTelephony registers a carrier factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTelephony(name string, factory func(*Config) (telephony.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telephony[name] = factory
}

// RegisterRealtime registers a realtime speech backend factory under name.
func (r *Registry) RegisterRealtime(name string, factory func(*Config) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterTTS registers a TTS backend factory under name.
func (r *Registry) RegisterTTS(name string, factory func(*Config) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterLLM registers a completion backend factory under name.
func (r *Registry) RegisterLLM(name string, factory func(*Config) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateTelephony instantiates the carrier selected by cfg.Telephony.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTelephony(cfg *Config) (telephony.Provider, error) {
	r.mu.RLock()
	factory, ok := r.telephony[cfg.Telephony.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Telephony.Provider)
	}
	return factory(cfg)
}

// CreateRealtime instantiates the backend selected by cfg.Streaming.Provider.
func (r *Registry) CreateRealtime(cfg *Config) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Streaming.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: streaming/%q", ErrProviderNotRegistered, cfg.Streaming.Provider)
	}
	return factory(cfg)
}

// CreateTTS instantiates the backend selected by cfg.TTS.Provider.
func (r *Registry) CreateTTS(cfg *Config) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[cfg.TTS.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, cfg.TTS.Provider)
	}
	return factory(cfg)
}

// CreateLLM instantiates the backend selected by cfg.Outcome.LLM.Provider.
func (r *Registry) CreateLLM(cfg *Config) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Outcome.LLM.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Outcome.LLM.Provider)
	}
	return factory(cfg)
}
