package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "cabo_local.db"

type SQLiteManager struct {
	db         *sql.DB
	sessionTTL time.Duration
}

func NewSQLiteManagerFromEnv() (*SQLiteManager, error) {
	dbPath, err := authLocalDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteManager(dbPath, authSessionTTLFromEnv())
}

func NewSQLiteManager(dbPath string, sessionTTL time.Duration) (*SQLiteManager, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteAuthSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteManager{
		db:         db,
		sessionTTL: sessionTTL,
	}, nil
}

func (m *SQLiteManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *SQLiteManager) Create(nickname string) (Session, string, error) {
	trimmed, err := validateNickname(nickname)
	if err != nil {
		return Session{}, "", err
	}
	secret := mustSecret()
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	nowMs := time.Now().UTC().UnixMilli()
	expiresMs := nowMs + m.sessionTTL.Milliseconds()
	if _, err := m.db.ExecContext(ctx, `
INSERT INTO sessions (id, nickname, secret_hash, created_at_ms, last_seen_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, id, trimmed, string(secretHash), nowMs, nowMs, expiresMs); err != nil {
		return Session{}, "", err
	}

	return Session{
		ID:        id,
		Nickname:  trimmed,
		CreatedAt: time.UnixMilli(nowMs).UTC(),
		LastSeen:  time.UnixMilli(nowMs).UTC(),
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
	}, joinToken(id, secret), nil
}

// resolve loads the row, enforces expiry lazily and verifies the secret.
func (m *SQLiteManager) resolve(ctx context.Context, token string, nowMs int64) (Session, string, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return Session{}, "", ErrInvalidToken
	}

	var (
		nickname   string
		secretHash string
		createdMs  int64
		lastSeenMs int64
		expiresMs  int64
	)
	err := m.db.QueryRowContext(ctx, `
SELECT nickname, secret_hash, created_at_ms, last_seen_at_ms, expires_at_ms
FROM sessions WHERE id = ?
`, id).Scan(&nickname, &secretHash, &createdMs, &lastSeenMs, &expiresMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, "", ErrInvalidToken
		}
		return Session{}, "", err
	}
	if expiresMs <= nowMs {
		_, _ = m.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return Session{}, "", ErrSessionExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
		return Session{}, "", ErrInvalidToken
	}

	return Session{
		ID:        id,
		Nickname:  nickname,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		LastSeen:  time.UnixMilli(lastSeenMs).UTC(),
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
	}, id, nil
}

func (m *SQLiteManager) Validate(token string) (Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	sess, id, err := m.resolve(ctx, token, nowMs)
	if err != nil {
		return Session{}, err
	}
	if _, err := m.db.ExecContext(ctx, `
UPDATE sessions SET last_seen_at_ms = ? WHERE id = ?
`, nowMs, id); err != nil {
		return Session{}, err
	}
	sess.LastSeen = time.UnixMilli(nowMs).UTC()
	return sess, nil
}

func (m *SQLiteManager) Refresh(token string) (Session, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	sess, id, err := m.resolve(ctx, token, nowMs)
	if err != nil {
		return Session{}, "", err
	}

	secret := mustSecret()
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, "", err
	}
	expiresMs := nowMs + m.sessionTTL.Milliseconds()
	if _, err := m.db.ExecContext(ctx, `
UPDATE sessions
SET secret_hash = ?,
    last_seen_at_ms = ?,
    expires_at_ms = ?
WHERE id = ?
`, string(secretHash), nowMs, expiresMs, id); err != nil {
		return Session{}, "", err
	}

	sess.LastSeen = time.UnixMilli(nowMs).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return sess, joinToken(id, secret), nil
}

func (m *SQLiteManager) UpdateNickname(sessionID, nickname string) (Session, error) {
	trimmed, err := validateNickname(nickname)
	if err != nil {
		return Session{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	res, err := m.db.ExecContext(ctx, `
UPDATE sessions SET nickname = ?, last_seen_at_ms = ? WHERE id = ?
`, trimmed, nowMs, sessionID)
	if err != nil {
		return Session{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if affected == 0 {
		return Session{}, ErrNotFound
	}

	var (
		createdMs  int64
		expiresMs  int64
		lastSeenMs int64
	)
	if err := m.db.QueryRowContext(ctx, `
SELECT created_at_ms, last_seen_at_ms, expires_at_ms FROM sessions WHERE id = ?
`, sessionID).Scan(&createdMs, &lastSeenMs, &expiresMs); err != nil {
		return Session{}, err
	}
	return Session{
		ID:        sessionID,
		Nickname:  trimmed,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		LastSeen:  time.UnixMilli(lastSeenMs).UTC(),
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
	}, nil
}

func (m *SQLiteManager) Delete(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

func ensureSQLiteAuthSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    nickname TEXT NOT NULL,
    secret_hash TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    last_seen_at_ms INTEGER NOT NULL,
    expires_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at_ms)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func authLocalDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("AUTH_LOCAL_DATABASE_PATH")),
		strings.TrimSpace(os.Getenv("LOCAL_DATABASE_PATH")),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "cabo-lite", defaultLocalDBName), nil
}
