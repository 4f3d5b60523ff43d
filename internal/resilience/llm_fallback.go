package resilience

import (
	"context"

	"github.com/openclaw/voicebridge/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] across multiple completion backends,
// each behind its own breaker. The outcome pipeline wraps its backend in one
// so a dead completion API degrades to the template summary in milliseconds
// instead of burning the full request timeout per call.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional completion backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete runs the request on the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (string, error) {
	return Try(f.group, func(p llm.Provider) (string, error) {
		return p.Complete(ctx, req)
	})
}
