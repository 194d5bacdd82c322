package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// SessionCookieName is the HttpOnly cookie carrying the session token.
const SessionCookieName = "cabo_session"

type HTTPHandler struct {
	service Service
}

type createSessionRequest struct {
	Nickname string `json:"nickname"`
}

type updateNicknameRequest struct {
	Nickname string `json:"nickname"`
}

type tokenResponse struct {
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(service Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/validate", h.handleValidate)
	mux.HandleFunc("/api/sessions/nickname", h.handleNickname)
	mux.HandleFunc("/api/sessions/refresh", h.handleRefresh)
}

func (h *HTTPHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, token, err := h.service.Create(req.Nickname)
	if err != nil {
		if errors.Is(err, ErrInvalidNickname) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}

	setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		SessionID: sess.ID,
		Nickname:  sess.Nickname,
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	sess, err := h.service.Validate(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete session failed")
		return
	}

	if err := h.service.Delete(sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete session failed")
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	sess, err := h.service.Validate(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		writeError(w, http.StatusInternalServerError, "validate failed")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		Nickname:  sess.Nickname,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *HTTPHandler) handleNickname(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	sess, err := h.service.Validate(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		writeError(w, http.StatusInternalServerError, "update nickname failed")
		return
	}

	var req updateNicknameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.service.UpdateNickname(sess.ID, req.Nickname)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidNickname):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "update nickname failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: updated.ID,
		Nickname:  updated.Nickname,
		ExpiresAt: updated.ExpiresAt,
	})
}

func (h *HTTPHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	sess, newToken, err := h.service.Refresh(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	setSessionCookie(w, newToken, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		SessionID: sess.ID,
		Nickname:  sess.Nickname,
		Token:     newToken,
		ExpiresAt: sess.ExpiresAt,
	})
}

// TokenFromRequest extracts the session token from the cookie or, failing
// that, a bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func bearerToken(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
