package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/outcome"
)

// The admin API is the local control surface the CLI verbs talk to. It is
// mounted unauthenticated on the same listener, which is why voicebridge
// binds to localhost unless a public URL is configured.

type initiateRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Objective string `json:"objective,omitempty"`
	Context   string `json:"context,omitempty"`
	Language  string `json:"language,omitempty"`
	Mode      string `json:"mode,omitempty"`
	MessageTo string `json:"messageTo,omitempty"`
	Greeting  string `json:"greeting,omitempty"`
	Streaming *bool  `json:"streaming,omitempty"`

	SessionKey string `json:"sessionKey,omitempty"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Provider    string `json:"provider"`
	ActiveCalls int    `json:"activeCalls"`
	PublicURL   string `json:"publicUrl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) mountAdmin(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Post("/calls", s.handleInitiate)
		r.Route("/calls/{callID}", func(r chi.Router) {
			r.Get("/", s.handleGetCall)
			r.Post("/continue", s.handleContinue)
			r.Post("/speak", s.handleSpeak)
			r.Post("/end", s.handleEnd)
		})
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{
		Provider:    s.provider.Name(),
		ActiveCalls: s.manager.ActiveCount(),
	}
	if s.publicURL != nil {
		res.PublicURL = s.publicURL()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := s.manager.GetCallHistory(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if records == nil {
		records = []call.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to is required"})
		return
	}

	mode := call.Mode(req.Mode)
	if mode == "" {
		mode = call.ModeNotify
	}
	if mode != call.ModeNotify && mode != call.ModeConversation {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mode must be notify or conversation"})
		return
	}
	streaming := true
	if req.Streaming != nil {
		streaming = *req.Streaming
	}

	rec, err := s.manager.InitiateCall(r.Context(), req.To, req.SessionKey, call.InitiateOptions{
		From:      req.From,
		Prompt:    outcome.SanitizeTask(req.Prompt),
		Objective: req.Objective,
		Context:   req.Context,
		Language:  req.Language,
		Mode:      mode,
		MessageTo: req.MessageTo,
		Greeting:  req.Greeting,
		Streaming: streaming,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.manager.GetCall(chi.URLParam(r, "callID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "call not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	entries, err := s.manager.ContinueCall(r.Context(), chi.URLParam(r, "callID"), req.Message)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if entries == nil {
		entries = []call.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	if err := s.manager.Speak(r.Context(), chi.URLParam(r, "callID"), req.Message); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EndCall(r.Context(), chi.URLParam(r, "callID")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeManagerError maps the manager's sentinel errors to HTTP statuses. The
// error text is safe to expose: the manager never embeds carrier responses in
// its sentinels.
func writeManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrTooManyCalls):
		status = http.StatusConflict
	case errors.Is(err, call.ErrAlreadyEnded), errors.Is(err, call.ErrInvalidTransition):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
