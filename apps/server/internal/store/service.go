package store

import (
	"context"
	"errors"
	"log"
	"time"

	"cabo-lite/cabo"
)

// Retention windows. The sweeper enforces them; backends may also refuse
// expired rows on read so a missed sweep never resurrects stale state.
const (
	GameTTL       = 24 * time.Hour
	OutboxTTL     = time.Hour
	CursorTTL     = time.Hour
	CheckpointTTL = 7 * 24 * time.Hour

	// StreamCap bounds the per-room event stream; older entries rotate out.
	StreamCap = 1000
	// OutboxCap bounds the per-session replay window.
	OutboxCap = 100
	// CheckpointHistory keeps this many checkpoints per room besides latest.
	CheckpointHistory = 10
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// StreamEntry is one event in a room's append-only stream with its
// store-assigned position.
type StreamEntry struct {
	Position uint64
	Event    cabo.Event
}

// Checkpoint pairs a full engine state with the stream/sequence coordinates
// at the moment it was cut. Replaying stream entries with position >
// StreamPosition on top of State reproduces the room exactly.
type Checkpoint struct {
	CheckpointID   string     `json:"checkpoint_id"`
	RoomID         string     `json:"room_id"`
	StreamPosition uint64     `json:"stream_position"`
	SequenceNum    uint64     `json:"sequence_num"`
	Phase          string     `json:"phase"`
	State          cabo.State `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
}

// GraceRecord preserves a disconnected session's seat while it may still
// come back.
type GraceRecord struct {
	SessionID  string    `json:"session_id"`
	RoomID     string    `json:"room_id"`
	Nickname   string    `json:"nickname"`
	IsHost     bool      `json:"is_host"`
	LastAckSeq uint64    `json:"last_ack_seq"`
	GraceEnd   time.Time `json:"grace_end"`
}

// OutboxEntry is one seq-stamped frame retained for reconnect replay.
type OutboxEntry struct {
	Seq   uint64
	Frame []byte
}

// Service is the durable state contract shared by the room loop, the
// broadcast pump and the gateway. One implementation per STORE_MODE;
// all of them keep the same atomicity guarantees: a snapshot save is
// all-or-nothing, and a partially written snapshot is never readable.
type Service interface {
	Close() error

	// Game snapshots (write-through from the room loop).
	SaveGame(ctx context.Context, roomID string, st cabo.State) error
	LoadGame(ctx context.Context, roomID string) (cabo.State, error)
	ListActiveGames(ctx context.Context) ([]string, error)

	// Per-room append-only event stream, capped to StreamCap.
	AppendEvent(ctx context.Context, roomID string, ev cabo.Event) (uint64, error)
	EventsAfter(ctx context.Context, roomID string, after uint64) ([]StreamEntry, error)

	// Checkpoints: latest plus a bounded history.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context, roomID string) (Checkpoint, error)

	// Room-scoped broadcast sequence. Strictly monotonic, never reused.
	NextSequence(ctx context.Context, roomID string) (uint64, error)
	CurrentSequence(ctx context.Context, roomID string) (uint64, error)

	// Per-session outbox, capped to OutboxCap.
	AppendOutbox(ctx context.Context, sessionID string, seq uint64, frame []byte) error
	OutboxAfter(ctx context.Context, sessionID string, after uint64) ([]OutboxEntry, error)

	// Ack cursor. Advances monotonically; a lower seq is a no-op.
	SetCursor(ctx context.Context, sessionID string, seq uint64) error
	Cursor(ctx context.Context, sessionID string) (uint64, error)

	// Grace records for disconnected sessions.
	SaveGrace(ctx context.Context, rec GraceRecord) error
	LoadGrace(ctx context.Context, sessionID string) (GraceRecord, error)
	DeleteGrace(ctx context.Context, sessionID string) error

	// PurgeRoom drops everything the room owns: snapshot, stream,
	// checkpoints, sequence counter.
	PurgeRoom(ctx context.Context, roomID string) error

	// Sweep enforces the retention windows against now.
	Sweep(ctx context.Context, now time.Time) error
}

// healState normalizes impossible field combinations in a loaded snapshot
// so one bad write cannot crash-loop every restore. Fixes are logged, never
// surfaced as errors.
func healState(st *cabo.State, source string) {
	for _, fix := range cabo.Heal(st) {
		log.Printf("[Store] healed %s: %s", source, fix)
	}
}
