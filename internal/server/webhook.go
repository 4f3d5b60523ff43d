package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxWebhookBody bounds carrier webhook payloads.
const maxWebhookBody = 1 << 20

// handleWebhook verifies, parses and dispatches one carrier webhook. The body
// is buffered once up front so verification and parsing see identical bytes.
// Requests that fail verification never reach the parser.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !s.skipVerify {
		v := s.provider.VerifyWebhook(r, body)
		if !v.OK {
			if s.metrics != nil {
				s.metrics.RecordWebhookRejection(r.Context(), s.provider.Name())
			}
			slog.Warn("webhook rejected",
				"provider", s.provider.Name(),
				"reason", v.Reason,
				"remote", r.RemoteAddr,
			)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	res, err := s.provider.ParseWebhookEvent(r, body)
	if err != nil {
		slog.Warn("webhook parse failed", "provider", s.provider.Name(), "err", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Sequential dispatch: events from one webhook are ordered and the
	// manager sees them in that order.
	for _, ev := range res.Events {
		s.manager.HandleEvent(r.Context(), ev)
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(status)
	if res.Body != "" {
		io.WriteString(w, res.Body)
	}
}
