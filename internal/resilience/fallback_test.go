package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openclaw/voicebridge/internal/resilience"
	"github.com/openclaw/voicebridge/pkg/provider/llm"
	llmmock "github.com/openclaw/voicebridge/pkg/provider/llm/mock"
	ttsmock "github.com/openclaw/voicebridge/pkg/provider/tts/mock"
)

func TestLLMFallback_UsesFallbackWhenPrimaryFails(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("rate limited")}
	backup := &llmmock.Provider{Response: "ок"}

	f := resilience.NewLLMFallback(primary, "openai", resilience.FallbackConfig{})
	f.AddFallback("ollama", backup)

	got, err := f.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "привет"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ок" {
		t.Errorf("got %q", got)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls: primary=%d backup=%d", primary.CallCount(), backup.CallCount())
	}
}

func TestLLMFallback_OpenBreakerFailsFast(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("down")}
	f := resilience.NewLLMFallback(primary, "openai", resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{MaxFailures: 2, CoolDown: time.Hour},
	})

	for i := 0; i < 3; i++ {
		f.Complete(context.Background(), llm.Request{})
	}
	if primary.CallCount() != 2 {
		t.Errorf("primary called %d times, want 2 before the breaker opened", primary.CallCount())
	}
}

func TestTTSFallback_SingleEntryPassesThrough(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Audio: []byte{0x7f, 0x7f}}
	f := resilience.NewTTSFallback(primary, "openai", resilience.FallbackConfig{})

	audio, err := f.SynthesizeTelephony(context.Background(), "Здравствуйте")
	if err != nil {
		t.Fatal(err)
	}
	if len(audio) != 2 {
		t.Errorf("audio length = %d", len(audio))
	}
}

func TestTTSFallback_AllFailedSurfaces(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Err: errors.New("quota exhausted")}
	f := resilience.NewTTSFallback(primary, "openai", resilience.FallbackConfig{})

	_, err := f.SynthesizeTelephony(context.Background(), "Здравствуйте")
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
