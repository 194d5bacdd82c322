package store

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

	"cabo-lite/cabo"

	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "cabo_local.db"

type SQLiteService struct {
	db *sql.DB
}

func NewSQLiteServiceFromEnv() (*SQLiteService, error) {
	dbPath, err := localDatabasePathFromEnv()
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
	if err := ensureSQLiteStoreSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteService{db: db}, nil
}

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) SaveGame(ctx context.Context, roomID string, st cabo.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	nowMs := time.Now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO games (room_id, state, phase, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
    state = excluded.state,
    phase = excluded.phase,
    updated_at_ms = excluded.updated_at_ms
`, roomID, raw, st.Phase.String(), nowMs, nowMs)
	return err
}

func (s *SQLiteService) LoadGame(ctx context.Context, roomID string) (cabo.State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
SELECT state FROM games WHERE room_id = ?
`, roomID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cabo.State{}, ErrNotFound
		}
		return cabo.State{}, err
	}
	var st cabo.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return cabo.State{}, fmt.Errorf("unmarshal game state: %w", err)
	}
	healState(&st, "game "+roomID)
	return st, nil
}

func (s *SQLiteService) ListActiveGames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT room_id FROM games WHERE phase != ?
`, cabo.PhaseTypeEnded.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

func (s *SQLiteService) AppendEvent(ctx context.Context, roomID string, ev cabo.Event) (uint64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last uint64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(position), 0) FROM game_events WHERE room_id = ?
`, roomID).Scan(&last); err != nil {
		return 0, err
	}
	pos := last + 1

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO game_events (room_id, position, payload, created_at_ms)
VALUES (?, ?, ?, ?)
`, roomID, pos, payload, nowMs); err != nil {
		return 0, err
	}
	if pos > StreamCap {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM game_events WHERE room_id = ? AND position <= ?
`, roomID, pos-StreamCap); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return pos, nil
}

func (s *SQLiteService) EventsAfter(ctx context.Context, roomID string, after uint64) ([]StreamEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT position, payload FROM game_events
WHERE room_id = ? AND position > ?
ORDER BY position ASC
`, roomID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamEntry
	for rows.Next() {
		var pos uint64
		var payload []byte
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, err
		}
		ev, err := cabo.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("decode stream entry %d: %w", pos, err)
		}
		out = append(out, StreamEntry{Position: pos, Event: ev})
	}
	return out, rows.Err()
}

func (s *SQLiteService) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	stateRaw, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	createdMs := cp.CreatedAt.UTC().UnixMilli()
	if cp.CreatedAt.IsZero() {
		createdMs = time.Now().UTC().UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (room_id, checkpoint_id, stream_position, sequence_num, phase, state, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, cp.RoomID, cp.CheckpointID, cp.StreamPosition, cp.SequenceNum, cp.Phase, stateRaw, createdMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE room_id = ?
  AND id IN (
      SELECT id FROM checkpoints
      WHERE room_id = ?
      ORDER BY id DESC
      LIMIT -1 OFFSET ?
  )
`, cp.RoomID, cp.RoomID, CheckpointHistory); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteService) LatestCheckpoint(ctx context.Context, roomID string) (Checkpoint, error) {
	var cp Checkpoint
	var stateRaw []byte
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT checkpoint_id, room_id, stream_position, sequence_num, phase, state, created_at_ms
FROM checkpoints
WHERE room_id = ?
ORDER BY id DESC
LIMIT 1
`, roomID).Scan(&cp.CheckpointID, &cp.RoomID, &cp.StreamPosition, &cp.SequenceNum, &cp.Phase, &stateRaw, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, err
	}
	if err := json.Unmarshal(stateRaw, &cp.State); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(createdMs).UTC()
	healState(&cp.State, "checkpoint "+cp.CheckpointID)
	return cp, nil
}

func (s *SQLiteService) NextSequence(ctx context.Context, roomID string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO room_sequences (room_id, next_seq) VALUES (?, 0)
ON CONFLICT(room_id) DO NOTHING
`, roomID); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE room_sequences SET next_seq = next_seq + 1 WHERE room_id = ?
`, roomID); err != nil {
		return 0, err
	}
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
SELECT next_seq FROM room_sequences WHERE room_id = ?
`, roomID).Scan(&seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteService) CurrentSequence(ctx context.Context, roomID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
SELECT next_seq FROM room_sequences WHERE room_id = ?
`, roomID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *SQLiteService) AppendOutbox(ctx context.Context, sessionID string, seq uint64, frame []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO outbox (session_id, seq, frame, created_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, seq) DO NOTHING
`, sessionID, seq, frame, nowMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM outbox
WHERE session_id = ?
  AND id IN (
      SELECT id FROM outbox
      WHERE session_id = ?
      ORDER BY seq DESC
      LIMIT -1 OFFSET ?
  )
`, sessionID, sessionID, OutboxCap); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteService) OutboxAfter(ctx context.Context, sessionID string, after uint64) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, frame FROM outbox
WHERE session_id = ? AND seq > ?
ORDER BY seq ASC
`, sessionID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.Seq, &e.Frame); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteService) SetCursor(ctx context.Context, sessionID string, seq uint64) error {
	nowMs := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (session_id, last_ack_seq, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    last_ack_seq = MAX(cursors.last_ack_seq, excluded.last_ack_seq),
    updated_at_ms = excluded.updated_at_ms
`, sessionID, seq, nowMs)
	return err
}

func (s *SQLiteService) Cursor(ctx context.Context, sessionID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
SELECT last_ack_seq FROM cursors WHERE session_id = ?
`, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *SQLiteService) SaveGrace(ctx context.Context, rec GraceRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO grace (session_id, room_id, nickname, is_host, last_ack_seq, grace_end_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    room_id = excluded.room_id,
    nickname = excluded.nickname,
    is_host = excluded.is_host,
    last_ack_seq = excluded.last_ack_seq,
    grace_end_ms = excluded.grace_end_ms
`, rec.SessionID, rec.RoomID, rec.Nickname, boolToInt(rec.IsHost), rec.LastAckSeq, rec.GraceEnd.UTC().UnixMilli())
	return err
}

func (s *SQLiteService) LoadGrace(ctx context.Context, sessionID string) (GraceRecord, error) {
	var rec GraceRecord
	var isHost int
	var graceEndMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, room_id, nickname, is_host, last_ack_seq, grace_end_ms
FROM grace WHERE session_id = ?
`, sessionID).Scan(&rec.SessionID, &rec.RoomID, &rec.Nickname, &isHost, &rec.LastAckSeq, &graceEndMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GraceRecord{}, ErrNotFound
		}
		return GraceRecord{}, err
	}
	rec.IsHost = isHost != 0
	rec.GraceEnd = time.UnixMilli(graceEndMs).UTC()
	return rec, nil
}

func (s *SQLiteService) DeleteGrace(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grace WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteService) PurgeRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM games WHERE room_id = ?`,
		`DELETE FROM game_events WHERE room_id = ?`,
		`DELETE FROM checkpoints WHERE room_id = ?`,
		`DELETE FROM room_sequences WHERE room_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteService) Sweep(ctx context.Context, now time.Time) error {
	nowMs := now.UTC().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		stmt string
		arg  int64
	}{
		{`DELETE FROM games WHERE updated_at_ms < ?`, nowMs - GameTTL.Milliseconds()},
		{`DELETE FROM game_events WHERE room_id NOT IN (SELECT room_id FROM games)`, -1},
		{`DELETE FROM room_sequences WHERE room_id NOT IN (SELECT room_id FROM games)`, -1},
		{`DELETE FROM checkpoints WHERE created_at_ms < ?`, nowMs - CheckpointTTL.Milliseconds()},
		{`DELETE FROM outbox WHERE created_at_ms < ?`, nowMs - OutboxTTL.Milliseconds()},
		{`DELETE FROM cursors WHERE updated_at_ms < ?`, nowMs - CursorTTL.Milliseconds()},
		{`DELETE FROM grace WHERE grace_end_ms < ?`, nowMs},
	}
	for _, step := range steps {
		var execErr error
		if step.arg < 0 {
			_, execErr = tx.ExecContext(ctx, step.stmt)
		} else {
			_, execErr = tx.ExecContext(ctx, step.stmt, step.arg)
		}
		if execErr != nil {
			return execErr
		}
	}
	return tx.Commit()
}

func ensureSQLiteStoreSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS games (
    room_id TEXT PRIMARY KEY,
    state BLOB NOT NULL,
    phase TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_games_updated ON games(updated_at_ms)`,
		`
CREATE TABLE IF NOT EXISTS game_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (room_id, position)
)`,
		`CREATE INDEX IF NOT EXISTS idx_game_events_room ON game_events(room_id, position)`,
		`
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    checkpoint_id TEXT NOT NULL,
    stream_position INTEGER NOT NULL,
    sequence_num INTEGER NOT NULL,
    phase TEXT NOT NULL,
    state BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (room_id, checkpoint_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_room ON checkpoints(room_id, id DESC)`,
		`
CREATE TABLE IF NOT EXISTS room_sequences (
    room_id TEXT PRIMARY KEY,
    next_seq INTEGER NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    frame BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (session_id, seq)
)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_session ON outbox(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at_ms)`,
		`
CREATE TABLE IF NOT EXISTS cursors (
    session_id TEXT PRIMARY KEY,
    last_ack_seq INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS grace (
    session_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    nickname TEXT NOT NULL,
    is_host INTEGER NOT NULL,
    last_ack_seq INTEGER NOT NULL,
    grace_end_ms INTEGER NOT NULL
)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func localDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("CABO_SQLITE_PATH")),
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
