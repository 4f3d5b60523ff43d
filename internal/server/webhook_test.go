package server_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/config"
	"github.com/openclaw/voicebridge/internal/server"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
	telmock "github.com/openclaw/voicebridge/pkg/provider/telephony/mock"
)

func newTestManager(t *testing.T, provider telephony.Provider) *call.Manager {
	t.Helper()
	store := call.NewHistory(filepath.Join(t.TempDir(), "calls.jsonl"))
	return call.NewManager(provider, store, call.Limits{MaxConcurrent: 5})
}

func newTestHandler(t *testing.T, cfg config.ServerConfig, provider telephony.Provider, opts ...server.Option) (http.Handler, *call.Manager) {
	t.Helper()
	mgr := newTestManager(t, provider)
	return server.New(cfg, provider, mgr, opts...).Handler(), mgr
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult: telephony.VerifyResult{OK: false, Reason: "bad signature"},
		// Parsing would turn the response into a 400; a 401 proves the
		// parser was never reached.
		ParseErr: errors.New("must not be called"),
	}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`{}`)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhook_SkipVerificationBypassesCheck(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult: telephony.VerifyResult{OK: false, Reason: "bad signature"},
	}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider, server.WithSkipVerification(true))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`{}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWebhook_DispatchesEvents(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult:   telephony.VerifyResult{OK: true},
		InitiateHandle: telephony.CallHandle{ProviderCallID: "PA1"},
	}
	h, mgr := newTestHandler(t, config.ServerConfig{}, provider)

	rec, err := mgr.InitiateCall(context.Background(), "+79990001122", "telegram:dm:1", call.InitiateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	provider.ParseEvents = []telephony.Event{
		{Type: telephony.EventAnswered, ProviderCallID: "PA1", Timestamp: time.Now()},
		{Type: telephony.EventActive, ProviderCallID: "PA1", Timestamp: time.Now()},
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`{}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got, ok := mgr.GetCall(rec.CallID)
	if !ok {
		t.Fatal("call disappeared")
	}
	if got.State != call.StateActive {
		t.Errorf("state = %q after answered+active events, want active", got.State)
	}
}

func TestWebhook_ProviderResponsePassthrough(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult: telephony.VerifyResult{OK: true},
		ParseResult: &telephony.WebhookResult{
			StatusCode:  http.StatusOK,
			Body:        `<Response><Say>ok</Say></Response>`,
			ContentType: "text/xml",
		},
	}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`{}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	if w.Body.String() != `<Response><Say>ok</Say></Response>` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestWebhook_ParseFailureIsBadRequest(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult: telephony.VerifyResult{OK: true},
		ParseErr:     errors.New("garbled payload"),
	}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`not json`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_OversizedBodyIs413(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{
		VerifyResult: telephony.VerifyResult{OK: true},
		// Verification and parsing must never see a truncated body.
		ParseErr: errors.New("must not be called"),
	}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider)

	body := bytes.Repeat([]byte("a"), 1<<20+1)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewReader(body)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestWebhook_CustomPath(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{VerifyResult: telephony.VerifyResult{OK: true}}
	h, _ := newTestHandler(t, config.ServerConfig{WebhookPath: "/hooks/carrier"}, provider)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hooks/carrier", bytes.NewBufferString(`{}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 on configured path", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice/webhook", bytes.NewBufferString(`{}`)))
	if w.Code == http.StatusOK {
		t.Error("default path still mounted after override")
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	provider := &telmock.Provider{}
	h, _ := newTestHandler(t, config.ServerConfig{}, provider)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}
