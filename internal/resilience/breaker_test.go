package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, CoolDown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if !b.Open() {
		t.Fatal("breaker still closed after max failures")
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxFailures: 3, CoolDown: time.Hour})

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })

	if b.Open() {
		t.Error("breaker opened although failures were never consecutive")
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, CoolDown: 50 * time.Millisecond, ProbeBudget: 2})

	b.Do(func() error { return errBackend })
	if !b.Open() {
		t.Fatal("breaker should be open")
	}
	time.Sleep(60 * time.Millisecond)

	// Cool-down elapsed: probes are admitted and close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.Open() {
		t.Error("breaker still open after successful probes")
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("call after recovery: %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Hour, ProbeBudget: 2})

	b.Do(func() error { return errBackend })
	// Force the half-open transition without waiting an hour.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v", err)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err after failed probe = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Hour})

	b.Do(func() error { return errBackend })
	if !b.Open() {
		t.Fatal("breaker should be open")
	}
	b.Reset()
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestFallbackGroup_PrefersPrimary(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("primary", "a", FallbackConfig{})
	g.AddFallback("b", "fallback")

	got, err := Try(g, func(v string) (string, error) { return v, nil })
	if err != nil {
		t.Fatal(err)
	}
	if got != "primary" {
		t.Errorf("got %q, want primary", got)
	}
}

func TestFallbackGroup_FailsOverInOrder(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("primary", "a", FallbackConfig{})
	g.AddFallback("b", "fallback")

	got, err := Try(g, func(v string) (string, error) {
		if v == "primary" {
			return "", errBackend
		}
		return v, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestFallbackGroup_AllFailed(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("primary", "a", FallbackConfig{})

	_, err := Try(g, func(string) (string, error) { return "", errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("primary", "a", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 1, CoolDown: time.Hour},
	})
	g.AddFallback("b", "fallback")

	// Trip the primary's breaker.
	Try(g, func(v string) (string, error) {
		if v == "primary" {
			return "", errBackend
		}
		return v, nil
	})

	primaryCalls := 0
	got, err := Try(g, func(v string) (string, error) {
		if v == "primary" {
			primaryCalls++
			return "", errBackend
		}
		return v, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback" {
		t.Errorf("got %q", got)
	}
	if primaryCalls != 0 {
		t.Errorf("primary called %d times behind an open breaker", primaryCalls)
	}
}
