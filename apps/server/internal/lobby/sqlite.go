package lobby

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	_ "modernc.org/sqlite"
)

const (
	defaultLocalDBName = "cabo_local.db"
	codeCacheSize      = 256
)

type SQLiteService struct {
	db        *sql.DB
	codeCache *lru.Cache[string, string] // code -> room id
}

func NewSQLiteServiceFromEnv() (*SQLiteService, error) {
	dbPath, err := lobbyLocalDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteService(dbPath)
}

func NewSQLiteService(dbPath string) (*SQLiteService, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
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
	if err := ensureSQLiteLobbySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	cache, err := lru.New[string, string](codeCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteService{db: db, codeCache: cache}, nil
}

func (l *SQLiteService) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// roomByCode resolves a code through the LRU when possible and falls back to
// the table. A cache entry pointing at a deleted room is dropped and the code
// re-resolved so a recycled code never strands a live room.
func (l *SQLiteService) roomByCode(ctx context.Context, q queryer, code string, withMembers bool) (Room, error) {
	code = normalizeCode(code)
	if id, ok := l.codeCache.Get(code); ok {
		room, err := l.loadRoom(ctx, q, id, withMembers)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrRoomNotFound) {
			return Room{}, err
		}
		l.codeCache.Remove(code)
	}

	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM rooms WHERE code = ?`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, err
	}
	l.codeCache.Add(code, id)
	return l.loadRoom(ctx, q, id, withMembers)
}

func (l *SQLiteService) loadRoom(ctx context.Context, q queryer, roomID string, withMembers bool) (Room, error) {
	var (
		room           Room
		configRaw      string
		createdMs      int64
		lastActivityMs int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, code, host_session_id, phase, config, created_at_ms, last_activity_ms
FROM rooms WHERE id = ?
`, roomID).Scan(&room.ID, &room.Code, &room.HostSession, &room.Phase, &configRaw, &createdMs, &lastActivityMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, err
	}
	if err := json.Unmarshal([]byte(configRaw), &room.Config); err != nil {
		return Room{}, fmt.Errorf("unmarshal room config: %w", err)
	}
	room.CreatedAt = time.UnixMilli(createdMs).UTC()
	room.LastActivity = time.UnixMilli(lastActivityMs).UTC()
	if !withMembers {
		return room, nil
	}

	rows, err := q.QueryContext(ctx, `
SELECT session_id, nickname, joined_at_ms
FROM room_members
WHERE room_id = ?
ORDER BY joined_at_ms ASC, session_id ASC
`, roomID)
	if err != nil {
		return Room{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		var joinedMs int64
		if err := rows.Scan(&m.SessionID, &m.Nickname, &joinedMs); err != nil {
			return Room{}, err
		}
		m.JoinedAt = time.UnixMilli(joinedMs).UTC()
		m.IsHost = m.SessionID == room.HostSession
		room.Members = append(room.Members, m)
	}
	return room, rows.Err()
}

func (l *SQLiteService) memberRoomID(ctx context.Context, q queryer, sessionID string) (string, bool, error) {
	var roomID string
	err := q.QueryRowContext(ctx, `
SELECT room_id FROM room_members WHERE session_id = ?
`, sessionID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return roomID, true, nil
}

func (l *SQLiteService) Create(sessionID, nickname string, cfg RoomConfig) (Room, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return Room{}, err
	}
	configRaw, err := json.Marshal(normalized)
	if err != nil {
		return Room{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	if _, seated, err := l.memberRoomID(ctx, tx, sessionID); err != nil {
		return Room{}, err
	} else if seated {
		return Room{}, ErrAlreadyInRoom
	}

	roomID := uuid.NewString()
	nowMs := time.Now().UTC().UnixMilli()
	var code string
	for i := 0; i < codeAttempts; i++ {
		candidate := newRoomCode()
		_, err := tx.ExecContext(ctx, `
INSERT INTO rooms (id, code, host_session_id, phase, config, created_at_ms, last_activity_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, roomID, candidate, sessionID, RoomPhaseWaiting, string(configRaw), nowMs, nowMs)
		if err == nil {
			code = candidate
			break
		}
		if !isSQLiteUniqueViolation(err) {
			return Room{}, err
		}
	}
	if code == "" {
		return Room{}, fmt.Errorf("failed to allocate a room code")
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO room_members (room_id, session_id, nickname, joined_at_ms)
VALUES (?, ?, ?, ?)
`, roomID, sessionID, nickname, nowMs); err != nil {
		return Room{}, err
	}

	room, err := l.loadRoom(ctx, tx, roomID, true)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(); err != nil {
		return Room{}, err
	}
	l.codeCache.Add(code, roomID)
	return room, nil
}

func (l *SQLiteService) Join(code, sessionID, nickname string) (Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	room, err := l.roomByCode(ctx, tx, code, true)
	if err != nil {
		return Room{}, err
	}
	if _, isMember := room.member(sessionID); isMember {
		return room, tx.Commit()
	}
	if seatedID, seated, err := l.memberRoomID(ctx, tx, sessionID); err != nil {
		return Room{}, err
	} else if seated && seatedID != room.ID {
		return Room{}, ErrAlreadyInRoom
	}
	if room.Phase != RoomPhaseWaiting {
		return Room{}, ErrAlreadyStarted
	}
	if len(room.Members) >= room.Config.MaxPlayers {
		return Room{}, ErrRoomFull
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO room_members (room_id, session_id, nickname, joined_at_ms)
VALUES (?, ?, ?, ?)
`, room.ID, sessionID, nickname, nowMs); err != nil {
		return Room{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET last_activity_ms = ? WHERE id = ?
`, nowMs, room.ID); err != nil {
		return Room{}, err
	}

	room, err = l.loadRoom(ctx, tx, room.ID, true)
	if err != nil {
		return Room{}, err
	}
	return room, tx.Commit()
}

func (l *SQLiteService) Leave(code, sessionID string) (Room, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, false, err
	}
	defer tx.Rollback()

	room, err := l.roomByCode(ctx, tx, code, true)
	if err != nil {
		return Room{}, false, err
	}
	if _, isMember := room.member(sessionID); !isMember {
		return Room{}, false, ErrNotMember
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM room_members WHERE room_id = ? AND session_id = ?
`, room.ID, sessionID); err != nil {
		return Room{}, false, err
	}

	if len(room.Members) == 1 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, room.ID); err != nil {
			return Room{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return Room{}, false, err
		}
		l.codeCache.Remove(room.Code)
		return Room{}, true, nil
	}

	nowMs := time.Now().UTC().UnixMilli()
	if room.HostSession == sessionID {
		var newHost string
		if err := tx.QueryRowContext(ctx, `
SELECT session_id FROM room_members
WHERE room_id = ?
ORDER BY joined_at_ms ASC, session_id ASC
LIMIT 1
`, room.ID).Scan(&newHost); err != nil {
			return Room{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET host_session_id = ?, last_activity_ms = ? WHERE id = ?
`, newHost, nowMs, room.ID); err != nil {
			return Room{}, false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET last_activity_ms = ? WHERE id = ?
`, nowMs, room.ID); err != nil {
			return Room{}, false, err
		}
	}

	updated, err := l.loadRoom(ctx, tx, room.ID, true)
	if err != nil {
		return Room{}, false, err
	}
	return updated, false, tx.Commit()
}

func (l *SQLiteService) Start(code, sessionID string) (Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	room, err := l.roomByCode(ctx, tx, code, true)
	if err != nil {
		return Room{}, err
	}
	if _, isMember := room.member(sessionID); !isMember {
		return Room{}, ErrNotMember
	}
	if room.HostSession != sessionID {
		return Room{}, ErrNotHost
	}
	if room.Phase != RoomPhaseWaiting {
		return Room{}, ErrAlreadyStarted
	}
	if len(room.Members) < MinPlayers {
		return Room{}, ErrNotEnoughPlayers
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET phase = ?, last_activity_ms = ? WHERE id = ?
`, RoomPhaseInGame, nowMs, room.ID); err != nil {
		return Room{}, err
	}

	room.Phase = RoomPhaseInGame
	room.LastActivity = time.UnixMilli(nowMs).UTC()
	return room, tx.Commit()
}

func (l *SQLiteService) Get(code, sessionID string) (Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room, err := l.roomByCode(ctx, l.db, code, true)
	if err != nil {
		return Room{}, err
	}
	if _, isMember := room.member(sessionID); !isMember {
		return Room{}, ErrNotMember
	}
	return room, nil
}

func (l *SQLiteService) UpdateConfig(code, sessionID string, cfg RoomConfig) (Room, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return Room{}, err
	}
	configRaw, err := json.Marshal(normalized)
	if err != nil {
		return Room{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	room, err := l.roomByCode(ctx, tx, code, true)
	if err != nil {
		return Room{}, err
	}
	if room.HostSession != sessionID {
		return Room{}, ErrNotHost
	}
	if room.Phase != RoomPhaseWaiting {
		return Room{}, ErrRoomNotWaiting
	}
	if normalized.MaxPlayers < len(room.Members) {
		return Room{}, ErrInvalidConfig
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET config = ?, last_activity_ms = ? WHERE id = ?
`, string(configRaw), nowMs, room.ID); err != nil {
		return Room{}, err
	}

	room.Config = normalized
	room.LastActivity = time.UnixMilli(nowMs).UTC()
	return room, tx.Commit()
}

func (l *SQLiteService) RoomBySession(sessionID string) (Room, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roomID, seated, err := l.memberRoomID(ctx, l.db, sessionID)
	if err != nil || !seated {
		return Room{}, false
	}
	room, err := l.loadRoom(ctx, l.db, roomID, true)
	if err != nil {
		return Room{}, false
	}
	return room, true
}

func (l *SQLiteService) RoomByID(roomID string) (Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.loadRoom(ctx, l.db, roomID, true)
}

func (l *SQLiteService) SetPhase(roomID, phase string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
UPDATE rooms SET phase = ?, last_activity_ms = ? WHERE id = ?
`, phase, nowMs, roomID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (l *SQLiteService) Touch(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `
UPDATE rooms SET last_activity_ms = ? WHERE id = ?
`, time.Now().UTC().UnixMilli(), roomID)
}

func (l *SQLiteService) StaleRooms(olderThan time.Time) ([]Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `
SELECT id FROM rooms WHERE last_activity_ms < ?
`, olderThan.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Room
	for _, id := range ids {
		room, err := l.loadRoom(ctx, l.db, id, false)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

func (l *SQLiteService) Delete(roomID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room, err := l.loadRoom(ctx, l.db, roomID, false)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.codeCache.Remove(room.Code)
	return nil
}

func ensureSQLiteLobbySchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS rooms (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    host_session_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    config TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    last_activity_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_activity ON rooms(last_activity_ms)`,
		`
CREATE TABLE IF NOT EXISTS room_members (
    room_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    nickname TEXT NOT NULL,
    joined_at_ms INTEGER NOT NULL,
    PRIMARY KEY (room_id, session_id),
    FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_room_members_session ON room_members(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func lobbyLocalDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("LOBBY_LOCAL_DATABASE_PATH")),
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

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
