// Package resilience keeps a flaky backend from stalling live calls.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [FallbackGroup] chains several instances of one provider type, each behind
// its own breaker, so a dead synthesis or completion backend is skipped
// instead of retried while a caller waits on the line.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the cool-down has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped with an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// BreakerConfig tunes a [Breaker]. Zero fields get defaults suited to
// telephony latencies: trip after 5 straight failures, probe again after 30s.
type BreakerConfig struct {
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration

	// ProbeBudget is how many probe calls half-open allows before deciding.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	probeBudget int

	mu        sync.Mutex
	open      bool
	probing   bool
	failures  int
	openedAt  time.Time
	probes    int
	probeFail bool
}

// NewBreaker creates a [Breaker], filling zero config fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn unless the breaker is open. While open it fails immediately
// with [ErrBreakerOpen]; after the cool-down a bounded number of probes are
// let through, and the breaker closes once they all succeed.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.open && !b.probing {
		if time.Since(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
		b.probes = 0
		b.probeFail = false
		slog.Info("breaker half-open, probing backend", "name", b.name)
	}
	if b.probing {
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probes++
	}
	probing := b.probing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.openedAt = time.Now()
	if probing {
		// One failed probe re-opens immediately.
		b.probing = false
		b.probeFail = true
		slog.Warn("breaker re-opened, probe failed", "name", b.name)
		return
	}
	b.failures++
	if !b.open && b.failures >= b.maxFailures {
		b.open = true
		slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes >= b.probeBudget && !b.probeFail {
			b.open = false
			b.probing = false
			b.failures = 0
			slog.Info("breaker closed, backend recovered", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// Open reports whether the breaker currently rejects calls outright.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && !b.probing && time.Since(b.openedAt) < b.coolDown
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.probing = false
	b.failures = 0
}

// FallbackConfig configures the per-entry breaker of a [FallbackGroup].
type FallbackConfig struct {
	Breaker BreakerConfig
}

type groupEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup holds a primary and zero or more fallbacks of one provider
// type. Calls go to the first entry whose breaker admits them.
type FallbackGroup[T any] struct {
	entries []groupEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// AddFallback appends a fallback, tried after everything registered before it.
func (g *FallbackGroup[T]) AddFallback(name string, fallback T) {
	g.add(name, fallback)
}

func (g *FallbackGroup[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Try runs fn against each entry in order until one succeeds, skipping
// entries whose breaker is open. The package-level function is a workaround
// for Go's lack of method type parameters.
func Try[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("backend skipped, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
