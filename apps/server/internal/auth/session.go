package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Manager provides in-memory session management for single-binary deployment.
// It can be swapped to persistent storage later without changing gateway contracts.
type Manager struct {
	mu sync.Mutex

	sessionTTL time.Duration
	sessions   map[string]sessionRecord // session id -> record
}

type sessionRecord struct {
	ID         string
	Nickname   string
	SecretHash []byte
	CreatedAt  time.Time
	LastSeen   time.Time
	ExpiresAt  time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessionTTL: defaultSessionTTL,
		sessions:   make(map[string]sessionRecord),
	}
}

func (r sessionRecord) session() Session {
	return Session{
		ID:        r.ID,
		Nickname:  r.Nickname,
		CreatedAt: r.CreatedAt,
		LastSeen:  r.LastSeen,
		ExpiresAt: r.ExpiresAt,
	}
}

func (m *Manager) Close() error { return nil }

func (m *Manager) Create(nickname string) (Session, string, error) {
	trimmed, err := validateNickname(nickname)
	if err != nil {
		return Session{}, "", err
	}

	secret := mustSecret()
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, "", err
	}

	now := time.Now().UTC()
	rec := sessionRecord{
		ID:         uuid.NewString(),
		Nickname:   trimmed,
		SecretHash: secretHash,
		CreatedAt:  now,
		LastSeen:   now,
		ExpiresAt:  now.Add(m.sessionTTL),
	}

	m.mu.Lock()
	m.sessions[rec.ID] = rec
	m.mu.Unlock()

	return rec.session(), joinToken(rec.ID, secret), nil
}

// resolveLocked checks the token against the stored hash and bumps last_seen.
func (m *Manager) resolveLocked(token string, now time.Time) (sessionRecord, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return sessionRecord{}, ErrInvalidToken
	}
	rec, exists := m.sessions[id]
	if !exists {
		return sessionRecord{}, ErrInvalidToken
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.sessions, id)
		return sessionRecord{}, ErrSessionExpired
	}
	if bcrypt.CompareHashAndPassword(rec.SecretHash, []byte(secret)) != nil {
		return sessionRecord{}, ErrInvalidToken
	}
	rec.LastSeen = now
	m.sessions[id] = rec
	return rec, nil
}

func (m *Manager) Validate(token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.resolveLocked(token, time.Now().UTC())
	if err != nil {
		return Session{}, err
	}
	return rec.session(), nil
}

// Refresh rotates the secret and extends the expiry to a full TTL.
func (m *Manager) Refresh(token string) (Session, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec, err := m.resolveLocked(token, now)
	if err != nil {
		return Session{}, "", err
	}

	secret := mustSecret()
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, "", err
	}
	rec.SecretHash = secretHash
	rec.ExpiresAt = now.Add(m.sessionTTL)
	m.sessions[rec.ID] = rec

	return rec.session(), joinToken(rec.ID, secret), nil
}

func (m *Manager) UpdateNickname(sessionID, nickname string) (Session, error) {
	trimmed, err := validateNickname(nickname)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.sessions[sessionID]
	if !exists {
		return Session{}, ErrNotFound
	}
	rec.Nickname = trimmed
	rec.LastSeen = time.Now().UTC()
	m.sessions[sessionID] = rec
	return rec.session(), nil
}

func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
