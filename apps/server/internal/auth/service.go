package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultSessionTTL = 180 * 24 * time.Hour
	refreshThreshold  = 7 * 24 * time.Hour
	tokenBytes        = 32
	maxNicknameRunes  = 32
)

var (
	ErrInvalidNickname = errors.New("invalid nickname")
	ErrInvalidToken    = errors.New("invalid session token")
	ErrSessionExpired  = errors.New("session expired")
	ErrNotFound        = errors.New("session not found")
)

// Session is the guest identity carried across connections. The raw token
// is only returned at create/refresh time; backends keep a bcrypt hash of
// the secret half.
type Session struct {
	ID        string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service is the session contract consumed by gateway, lobby and HTTP handlers.
type Service interface {
	Create(nickname string) (Session, string, error)
	Validate(token string) (Session, error)
	Refresh(token string) (Session, string, error)
	UpdateNickname(sessionID, nickname string) (Session, error)
	Delete(sessionID string) error
	Close() error
}

func validateNickname(nickname string) (string, error) {
	trimmed := strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(trimmed)
	if n == 0 || n > maxNicknameRunes {
		return "", ErrInvalidNickname
	}
	for _, r := range trimmed {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidNickname
		}
	}
	return trimmed, nil
}

// splitToken separates the "id.secret" form. The id is a uuid and the
// secret is base64url, so the first dot is unambiguous.
func splitToken(raw string) (id, secret string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	id, secret, ok = strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func joinToken(id, secret string) string {
	return id + "." + secret
}

func mustSecret() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
