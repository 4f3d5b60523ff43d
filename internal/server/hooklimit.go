package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	hookFailureLimit = 20
	hookWindow       = time.Minute
	hookMaxKeys      = 2048
)

// failureWindow counts authentication failures per client key over a fixed
// window. At most [hookMaxKeys] keys are tracked; when the map is full,
// expired entries are pruned first and, if that is not enough, the oldest
// half is dropped.
type failureWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count int
	start time.Time
}

func newFailureWindow() *failureWindow {
	return &failureWindow{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Fail records one failure for key. It reports whether the key is now
// throttled and, if so, how long the caller should wait.
func (f *failureWindow) Fail(key string) (throttled bool, retryAfter time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	e := f.entries[key]
	if e == nil {
		if len(f.entries) >= hookMaxKeys {
			f.evictLocked(now)
		}
		e = &windowEntry{start: now}
		f.entries[key] = e
	} else if now.Sub(e.start) >= hookWindow {
		e.count = 0
		e.start = now
	}

	e.count++
	if e.count <= hookFailureLimit {
		return false, 0
	}
	retryAfter = hookWindow - now.Sub(e.start)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return true, retryAfter
}

// Clear removes key's counter after a successful authentication.
func (f *failureWindow) Clear(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// evictLocked makes room for a new key: expired entries go first, then the
// oldest half of what remains.
func (f *failureWindow) evictLocked(now time.Time) {
	for key, e := range f.entries {
		if now.Sub(e.start) >= hookWindow {
			delete(f.entries, key)
		}
	}
	if len(f.entries) < hookMaxKeys {
		return
	}

	type aged struct {
		key   string
		start time.Time
	}
	all := make([]aged, 0, len(f.entries))
	for key, e := range f.entries {
		all = append(all, aged{key: key, start: e.start})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start.Before(all[j].start) })
	for _, a := range all[:len(all)/2] {
		delete(f.entries, a.key)
	}
}

// ipLimiter is a per-IP token bucket for the hook endpoints.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim := l.limiters[ip]
	if lim == nil {
		if len(l.limiters) >= hookMaxKeys {
			// Same cap as the failure window; a full map resets cold buckets.
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// perIPLimit is the token-bucket middleware applied to hook endpoints.
func (s *Server) perIPLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimits.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHook authenticates a wake-up request and triggers the agent. A valid
// token always succeeds and clears the caller's failure counter, even when
// the counter is over the limit.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	key := clientIP(r)
	if hookTokenValid(r, s.cfg.Hook.Token) {
		s.hookFailures.Clear(key)
		if s.metrics != nil {
			s.metrics.RecordHookDelivery(r.Context(), "ok")
		}
		if s.wake != nil {
			if err := s.wake(r.Context()); err != nil {
				slog.Error("hook wake failed", "err", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
		return
	}

	if s.metrics != nil {
		s.metrics.RecordHookDelivery(r.Context(), "unauthorized")
	}
	throttled, retryAfter := s.hookFailures.Fail(key)
	if throttled {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// hookTokenValid checks the bearer header or ?token= against the configured
// secret in constant time.
func hookTokenValid(r *http.Request, want string) bool {
	if want == "" {
		return false
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" || got == r.Header.Get("Authorization") {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
