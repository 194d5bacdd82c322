package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cabo-lite/apps/server/internal/codec"
	"cabo-lite/apps/server/internal/lobby"
	"cabo-lite/apps/server/internal/store"
	"cabo-lite/cabo"
)

// eventCheckpointCreated is appended to the stream when the opening checkpoint
// is cut so clients learn a recovery point exists. Metadata only: full state
// reaches a client exclusively through its own redacted checkpoint frame.
const eventCheckpointCreated = "checkpoint_created"

const (
	sweepInterval = 2 * time.Minute
	idleRoomTTL   = 10 * time.Minute
)

var (
	ErrGameNotActive = errors.New("no active game for room")
	ErrGameRunning   = errors.New("game already running")
)

// Manager tracks the live rooms and owns their lifecycle: booting an engine
// when a host starts a game, restoring every active game after a restart, and
// sweeping idle rooms plus expired store rows.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store  store.Service
	lobby  lobby.Service
	sender Sender

	done     chan struct{}
	stopOnce sync.Once

	// Shortened by tests.
	endDelay time.Duration
	endTick  time.Duration
}

func NewManager(st store.Service, lb lobby.Service, sender Sender) *Manager {
	m := &Manager{
		rooms:    make(map[string]*Room),
		store:    st,
		lobby:    lb,
		sender:   sender,
		done:     make(chan struct{}),
		endDelay: cleanupDelay,
		endTick:  countdownTick,
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) newRoom(roomID string, game *cabo.Game) *Room {
	r := &Room{
		id:       roomID,
		game:     game,
		store:    m.store,
		lobby:    m.lobby,
		sender:   m.sender,
		intents:  make(chan cabo.Message, intentQueueCap),
		done:     make(chan struct{}),
		endDelay: m.endDelay,
		endTick:  m.endTick,
		onStop:   m.remove,
	}
	r.pump = newPump(roomID, game.PlayerIDs(), m.store, m.sender, r.done)
	return r
}

func (m *Manager) remove(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

// StartGame boots the engine for a room the host just started: persist the
// opening snapshot, append the opening events, cut the initial checkpoint and
// announce it on the stream, then hand the engine to its room loop.
func (m *Manager) StartGame(ctx context.Context, rm lobby.Room) (err error) {
	m.mu.RLock()
	_, exists := m.rooms[rm.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("room %s: %w", rm.ID, ErrGameRunning)
	}

	seats := make([]cabo.Seat, 0, len(rm.Members))
	for _, member := range rm.Members {
		seats = append(seats, cabo.Seat{PlayerID: member.SessionID, Name: member.Nickname})
	}
	game, err := cabo.NewGame(cabo.Config{
		GameID:   uuid.NewString(),
		Seats:    seats,
		HandSize: rm.Config.HandSize,
	})
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}

	defer func() {
		// A half-written boot would poison a later start of the same room.
		if err != nil {
			if purgeErr := m.store.PurgeRoom(ctx, rm.ID); purgeErr != nil {
				log.Printf("[Room %s] purge after failed start: %v", rm.ID, purgeErr)
			}
		}
	}()

	res := game.Start(time.Now())
	st := game.Snapshot()
	if err := m.store.SaveGame(ctx, rm.ID, st); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	entries := make([]store.StreamEntry, 0, len(res.Events)+1)
	for _, ev := range res.Events {
		pos, err := m.store.AppendEvent(ctx, rm.ID, ev)
		if err != nil {
			return fmt.Errorf("append %s: %w", ev.Type, err)
		}
		entries = append(entries, store.StreamEntry{Position: pos, Event: ev})
	}

	cp, err := m.initialCheckpoint(ctx, rm.ID, st, entries)
	if err != nil {
		return err
	}
	cpEvent := cabo.Event{
		Type: eventCheckpointCreated,
		Data: map[string]any{
			"checkpoint_id":   cp.CheckpointID,
			"room_id":         cp.RoomID,
			"stream_position": cp.StreamPosition,
			"sequence_num":    cp.SequenceNum,
			"phase":           cp.Phase,
		},
		Timestamp: cp.CreatedAt,
	}
	pos, err := m.store.AppendEvent(ctx, rm.ID, cpEvent)
	if err != nil {
		return fmt.Errorf("append checkpoint event: %w", err)
	}
	entries = append(entries, store.StreamEntry{Position: pos, Event: cpEvent})

	r := m.newRoom(rm.ID, game)
	m.mu.Lock()
	if _, exists := m.rooms[rm.ID]; exists {
		m.mu.Unlock()
		r.Stop()
		return fmt.Errorf("room %s: %w", rm.ID, ErrGameRunning)
	}
	m.rooms[rm.ID] = r
	m.mu.Unlock()

	r.start()
	r.pump.publish(batch{entries: entries, visibility: cabo.StateVisibility(st), state: st})
	m.lobby.Touch(rm.ID)

	log.Printf("[Room %s] game %s started with %d players", rm.ID, game.ID(), len(seats))
	return nil
}

// initialCheckpoint records the recovery point reconnecting clients start from
// before the first turn is played.
func (m *Manager) initialCheckpoint(ctx context.Context, roomID string, st cabo.State, entries []store.StreamEntry) (store.Checkpoint, error) {
	seq, err := m.store.NextSequence(ctx, roomID)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("checkpoint sequence: %w", err)
	}
	var pos uint64
	if len(entries) > 0 {
		pos = entries[len(entries)-1].Position
	}
	cp := store.Checkpoint{
		CheckpointID:   checkpointID(roomID, seq),
		RoomID:         roomID,
		StreamPosition: pos,
		SequenceNum:    seq,
		Phase:          st.Phase.String(),
		State:          st,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return store.Checkpoint{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp, nil
}

// RestoreAll reloads every active game after a restart. Each room resumes its
// loop, and its pump re-broadcasts whatever the stream holds past the latest
// checkpoint; reconnecting clients reconcile through synchronize as usual.
func (m *Manager) RestoreAll(ctx context.Context) error {
	roomIDs, err := m.store.ListActiveGames(ctx)
	if err != nil {
		return fmt.Errorf("list active games: %w", err)
	}
	restored := 0
	for _, roomID := range roomIDs {
		ok, err := m.restore(ctx, roomID)
		if err != nil {
			log.Printf("[Room %s] restore failed: %v", roomID, err)
			continue
		}
		if ok {
			restored++
		}
	}
	if len(roomIDs) > 0 {
		log.Printf("[Room] restored %d/%d active games", restored, len(roomIDs))
	}
	return nil
}

func (m *Manager) restore(ctx context.Context, roomID string) (bool, error) {
	// The store healed the snapshot on load; what it could not repair
	// fails construction below.
	st, err := m.store.LoadGame(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("load game: %w", err)
	}
	game, err := cabo.NewGameFromState(st)
	if err != nil {
		m.abandon(ctx, roomID, st)
		return false, fmt.Errorf("state unrecoverable: %w", err)
	}
	if game.Phase() == cabo.PhaseTypeEnded {
		// Crashed mid-countdown; nothing left to play, just erase it.
		m.abandon(ctx, roomID, st)
		return false, nil
	}

	var fromPos uint64
	cp, err := m.store.LatestCheckpoint(ctx, roomID)
	switch {
	case err == nil:
		fromPos = cp.StreamPosition
	case errors.Is(err, store.ErrNotFound):
		// No checkpoint survived; replay the whole stream.
	default:
		return false, fmt.Errorf("load checkpoint: %w", err)
	}

	r := m.newRoom(roomID, game)
	m.mu.Lock()
	m.rooms[roomID] = r
	m.mu.Unlock()
	r.start()

	entries, err := m.store.EventsAfter(ctx, roomID, fromPos)
	if err != nil {
		log.Printf("[Room %s] tail stream after %d: %v", roomID, fromPos, err)
	} else if len(entries) > 0 {
		r.pump.publish(batch{entries: entries, visibility: cabo.StateVisibility(st), state: st})
	}
	log.Printf("[Room %s] restored at phase %s (%d events past checkpoint)", roomID, game.Phase(), len(entries))
	return true, nil
}

// abandon wipes a room whose snapshot cannot be brought back to life and tells
// anyone still connected to leave.
func (m *Manager) abandon(ctx context.Context, roomID string, st cabo.State) {
	sessions := make([]string, 0, len(st.Players))
	for _, p := range st.Players {
		sessions = append(sessions, p.PlayerID)
	}
	broadcastSequenced(m.store, m.sender, roomID, sessions, codec.FrameGameCleanup, map[string]any{
		"reason": "unrecoverable_state",
	})
	if err := m.store.PurgeRoom(ctx, roomID); err != nil {
		log.Printf("[Room %s] purge store: %v", roomID, err)
	}
	if err := m.lobby.Delete(roomID); err != nil && !errors.Is(err, lobby.ErrRoomNotFound) {
		log.Printf("[Room %s] delete room: %v", roomID, err)
	}
	m.sender.CloseRoomConnections(roomID)
}

// Submit queues a player intent for a live room.
func (m *Manager) Submit(roomID string, msg cabo.Message) error {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return ErrGameNotActive
	}
	return r.Submit(msg)
}

// Active reports whether a room has a live game loop.
func (m *Manager) Active(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// ViewFor renders the live game as one session sees it.
func (m *Manager) ViewFor(roomID, sessionID string) (cabo.View, bool) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return cabo.View{}, false
	}
	return r.ViewFor(sessionID)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweep tears down rooms idle past the TTL and lets the store expire its dead
// rows (games, outboxes, cursors, checkpoints, grace records).
func (m *Manager) sweep(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.store.Sweep(ctx, now); err != nil {
		log.Printf("[Room] store sweep: %v", err)
	}

	stale, err := m.lobby.StaleRooms(now.Add(-idleRoomTTL))
	if err != nil {
		log.Printf("[Room] list stale rooms: %v", err)
		return
	}
	for _, rm := range stale {
		log.Printf("[Room %s] idle past %s, tearing down (code %s)", rm.ID, idleRoomTTL, rm.Code)
		m.mu.RLock()
		r, ok := m.rooms[rm.ID]
		m.mu.RUnlock()
		if ok {
			r.finish()
			continue
		}
		if err := m.store.PurgeRoom(ctx, rm.ID); err != nil {
			log.Printf("[Room %s] purge store: %v", rm.ID, err)
		}
		if err := m.lobby.Delete(rm.ID); err != nil && !errors.Is(err, lobby.ErrRoomNotFound) {
			log.Printf("[Room %s] delete room: %v", rm.ID, err)
		}
	}
}

// Shutdown stops the sweeper and every room loop. Store rows stay put so the
// next boot restores the games.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Stop()
	}
}
