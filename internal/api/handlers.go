package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/tools"
)

// toolRequest is the tool-execute wire shape.
type toolRequest struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params"`
	Context struct {
		SessionID string `json:"sessionId"`
	} `json:"context"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tools": tools.Names()})
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	if !s.requireJSONContentType(w, r) {
		return
	}
	body, err := readBoundedBody(r)
	if err != nil {
		writeError(w, s.cfg, http.StatusRequestEntityTooLarge, apperr.New(apperr.PayloadTooLarge, "request body too large"))
		return
	}

	var req toolRequest
	if err := decodeStrictJSON(body, &req); err != nil {
		writeError(w, s.cfg, http.StatusBadRequest, apperr.Wrap(apperr.InvalidInput, "malformed request body", err))
		return
	}
	if req.Tool == "" {
		writeError(w, s.cfg, http.StatusBadRequest, apperr.New(apperr.InvalidInput, "'tool' is required"))
		return
	}

	session := tools.Session{ID: req.Context.SessionID}
	result, err := s.tools.Call(r.Context(), req.Tool, session, req.Params)
	if err != nil {
		writeError(w, s.cfg, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requireJSONContentType rejects any POST that is not application/json with
// status 415.
func (s *Server) requireJSONContentType(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if mt, _, _ := strings.Cut(ct, ";"); strings.TrimSpace(mt) != "application/json" {
		writeError(w, s.cfg, http.StatusUnsupportedMediaType, apperr.New(apperr.InvalidInput, "Content-Type must be application/json"))
		return false
	}
	return true
}

func readBoundedBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "request body exceeds 1MB")
	}
	return b, nil
}

// decodeStrictJSON accepts a single JSON object or array and nothing else:
// no bare scalars, no trailing garbage after the first value.
func decodeStrictJSON(body []byte, v any) error {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return apperr.New(apperr.InvalidInput, "body must be a JSON object or array")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return apperr.New(apperr.InvalidInput, "unexpected trailing data after JSON body")
	}
	return nil
}

func statusForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidInput, apperr.InvalidTime, apperr.InvalidCron, apperr.PayloadInvalid,
		apperr.IllegalStateTransition, apperr.UrlRejected:
		return http.StatusBadRequest
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.TooManyActive:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) pullNotifications(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = "anonymous"
	}
	notes, err := s.repo.PullNotifications(r.Context(), sessionID, 100)
	if err != nil {
		writeError(w, s.cfg, http.StatusInternalServerError, err)
		return
	}
	views := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		views = append(views, map[string]any{
			"id":         n.ID,
			"task_id":    n.TaskID,
			"payload":    n.Payload,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
			"session_id": n.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notifications": views})
}
