package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

// SessionAPI handles session-related HTTP endpoints.
type SessionAPI struct {
	registry     *session.Registry
	contextTurns int
}

// NewSessionAPI creates the handlers. contextTurns is the number of turns
// rendered when a context request does not say.
func NewSessionAPI(registry *session.Registry, contextTurns int) *SessionAPI {
	return &SessionAPI{registry: registry, contextTurns: contextTurns}
}

// RegisterSessionRoutes adds session endpoints to the given mux.
func (s *SessionAPI) RegisterSessionRoutes(mux *http.ServeMux, mw func(string, http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/v1/session/turn", mw("/v1/session/turn", s.handleTurn))
	mux.HandleFunc("/v1/session/context", mw("/v1/session/context", s.handleContext))
	mux.HandleFunc("/v1/session/stats", mw("/v1/session/stats", s.handleStats))
	mux.HandleFunc("/v1/session/turns", mw("/v1/session/turns", s.handleTurns))
	mux.HandleFunc("/v1/session/clear", mw("/v1/session/clear", s.handleClear))
	mux.HandleFunc("/v1/session/delete", mw("/v1/session/delete", s.handleDelete))
	mux.HandleFunc("/v1/sessions", mw("/v1/sessions", s.handleList))
}

// TurnRequest is the body of POST /v1/session/turn.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"` // auto-generated if empty
	window.TurnInput
}

// TurnResponse reports the session's state after the turn. Warning is set
// when the turn was applied but not persisted.
type TurnResponse struct {
	SessionID string       `json:"session_id"`
	Stats     window.Stats `json:"stats"`
	Warning   string       `json:"warning,omitempty"`
}

// ContextRequest is the body of POST /v1/session/context.
type ContextRequest struct {
	SessionID string `json:"session_id"`
	MaxTurns  *int   `json:"max_turns,omitempty"` // 0 = all turns
}

// ContextResponse carries the rendered prompt context.
type ContextResponse struct {
	SessionID string       `json:"session_id"`
	Context   string       `json:"context"`
	Stats     window.Stats `json:"stats"`
}

// TurnsResponse lists the turns a session currently holds, summary first.
type TurnsResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []window.Turn `json:"turns"`
	Stats     window.Stats  `json:"stats"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

func (s *SessionAPI) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.EmotionIntensity < 0 || req.EmotionIntensity > 1 {
		writeJSONError(w, http.StatusBadRequest, "emotion_intensity must be between 0 and 1")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	stats, err := s.registry.AddTurn(r.Context(), req.SessionID, req.TurnInput)
	if errors.Is(err, session.ErrNotPersisted) {
		// Applied in memory; a retry would add the turn twice.
		writeJSON(w, http.StatusAccepted, TurnResponse{SessionID: req.SessionID, Stats: stats, Warning: err.Error()})
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TurnResponse{SessionID: req.SessionID, Stats: stats})
}

func (s *SessionAPI) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ContextRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		req.SessionID = r.URL.Query().Get("session_id")
		if v := r.URL.Query().Get("max_turns"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "max_turns must be an integer")
				return
			}
			req.MaxTurns = &n
		}
	}

	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	maxTurns := s.contextTurns
	if req.MaxTurns != nil {
		maxTurns = *req.MaxTurns
	}
	if maxTurns < 0 {
		writeJSONError(w, http.StatusBadRequest, "max_turns must not be negative")
		return
	}

	text, err := s.registry.Context(r.Context(), req.SessionID, maxTurns)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	stats, err := s.registry.Stats(r.Context(), req.SessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ContextResponse{SessionID: req.SessionID, Context: text, Stats: stats})
}

func (s *SessionAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	stats, err := s.registry.Stats(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *SessionAPI) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	resp, err := sessionTurns(r.Context(), s.registry, sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionTurns gathers a session's turns and statistics.
func sessionTurns(ctx context.Context, registry *session.Registry, sessionID string) (TurnsResponse, error) {
	turns, err := registry.Turns(ctx, sessionID)
	if err != nil {
		return TurnsResponse{}, err
	}
	stats, err := registry.Stats(ctx, sessionID)
	if err != nil {
		return TurnsResponse{}, err
	}
	return TurnsResponse{SessionID: sessionID, Turns: turns, Stats: stats}, nil
}

func (s *SessionAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, ok := decodeSessionID(w, r)
	if !ok {
		return
	}

	if err := s.registry.Clear(r.Context(), req.SessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "cleared": true})
}

func (s *SessionAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, ok := decodeSessionID(w, r)
	if !ok {
		return
	}

	if err := s.registry.Delete(r.Context(), req.SessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "deleted": true})
}

func (s *SessionAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	infos, err := s.registry.List(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos, "count": len(infos)})
}

// decodeSessionID reads {"session_id": ...} from the body, falling back
// to the query string.
func decodeSessionID(w http.ResponseWriter, r *http.Request) (sessionIDRequest, bool) {
	req := sessionIDRequest{SessionID: r.URL.Query().Get("session_id")}
	if req.SessionID == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return req, false
		}
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return req, false
	}
	return req, true
}

// writeSessionError maps registry errors to HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrStoreClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
