package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"cabo-lite/apps/server/internal/auth"
)

// GameStarter boots the engine side of a room once the host starts it.
// Implemented by the room manager.
type GameStarter interface {
	StartGame(ctx context.Context, room Room) error
}

type HTTPHandler struct {
	service Service
	auth    auth.Service
	games   GameStarter
}

type errorResponse struct {
	Error string `json:"error"`
}

type alreadyInRoomResponse struct {
	Error       string `json:"error"`
	CurrentRoom Room   `json:"current_room"`
}

func NewHTTPHandler(service Service, authService auth.Service, games GameStarter) *HTTPHandler {
	return &HTTPHandler{service: service, auth: authService, games: games}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms", h.handleRooms)
	mux.HandleFunc("/api/rooms/", h.handleRoomSubtree)
}

func (h *HTTPHandler) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.handleCreate(w, r)
}

// handleRoomSubtree dispatches /api/rooms/{code} and /api/rooms/{code}/{action}.
func (h *HTTPHandler) handleRoomSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	code := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleGet(w, r, code)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch parts[1] {
	case "join":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleJoin(w, r, code)
	case "leave":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleLeave(w, r, code)
	case "start":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleStart(w, r, code)
	case "config":
		if r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleUpdateConfig(w, r, code)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	cfg := RoomConfig{}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	room, err := h.service.Create(sess.ID, sess.Nickname, cfg)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request, code string) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	room, err := h.service.Get(code, sess.ID)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *HTTPHandler) handleJoin(w http.ResponseWriter, r *http.Request, code string) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	room, err := h.service.Join(code, sess.ID, sess.Nickname)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *HTTPHandler) handleLeave(w http.ResponseWriter, r *http.Request, code string) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	room, deleted, err := h.service.Leave(code, sess.ID)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}
	if deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request, code string) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	room, err := h.service.Start(code, sess.ID)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}

	if err := h.games.StartGame(r.Context(), room); err != nil {
		log.Printf("[Lobby] start game for room %s failed: %v", room.ID, err)
		// Put the room back so the host can retry.
		if revertErr := h.service.SetPhase(room.ID, RoomPhaseWaiting); revertErr != nil {
			log.Printf("[Lobby] revert room %s to waiting failed: %v", room.ID, revertErr)
		}
		writeError(w, http.StatusInternalServerError, "failed to start game")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *HTTPHandler) handleUpdateConfig(w http.ResponseWriter, r *http.Request, code string) {
	sess, ok := h.resolveSession(w, r)
	if !ok {
		return
	}

	var cfg RoomConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	room, err := h.service.UpdateConfig(code, sess.ID, cfg)
	if err != nil {
		h.writeServiceError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *HTTPHandler) resolveSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return auth.Session{}, false
	}

	sess, err := h.auth.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return auth.Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "session validation failed")
		return auth.Session{}, false
	}
	return sess, true
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, ErrNotMember):
		writeError(w, http.StatusForbidden, "not a member of this room")
	case errors.Is(err, ErrNotHost):
		writeError(w, http.StatusForbidden, "only the host may do this")
	case errors.Is(err, ErrAlreadyInRoom):
		if current, ok := h.service.RoomBySession(sessionID); ok {
			writeJSON(w, http.StatusConflict, alreadyInRoomResponse{
				Error:       "already_in_room",
				CurrentRoom: current,
			})
			return
		}
		writeError(w, http.StatusConflict, "already_in_room")
	case errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrRoomNotWaiting),
		errors.Is(err, ErrNotEnoughPlayers):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
