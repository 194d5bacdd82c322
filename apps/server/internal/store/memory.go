package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cabo-lite/cabo"
)

// memoryService keeps all durable state in process. It serves tests and
// STORE_MODE=memory single-binary runs, and mirrors the SQL backends by
// round-tripping snapshots and events through JSON so nothing shares
// memory with callers.
type memoryService struct {
	mu sync.Mutex

	games       map[string]*memoryGame
	streams     map[string][]memoryStreamEntry
	streamLast  map[string]uint64
	checkpoints map[string][]memoryCheckpoint
	sequences   map[string]uint64
	outboxes    map[string][]memoryOutboxEntry
	cursors     map[string]memoryCursor
	graces      map[string]GraceRecord
}

type memoryGame struct {
	state     []byte
	phase     string
	createdAt time.Time
	updatedAt time.Time
}

type memoryStreamEntry struct {
	position  uint64
	payload   []byte
	createdAt time.Time
}

type memoryCheckpoint struct {
	raw       []byte
	createdAt time.Time
}

type memoryOutboxEntry struct {
	seq       uint64
	frame     []byte
	createdAt time.Time
}

type memoryCursor struct {
	lastAck   uint64
	updatedAt time.Time
}

// NewMemory returns an in-memory Service.
func NewMemory() Service {
	return &memoryService{
		games:       make(map[string]*memoryGame),
		streams:     make(map[string][]memoryStreamEntry),
		streamLast:  make(map[string]uint64),
		checkpoints: make(map[string][]memoryCheckpoint),
		sequences:   make(map[string]uint64),
		outboxes:    make(map[string][]memoryOutboxEntry),
		cursors:     make(map[string]memoryCursor),
		graces:      make(map[string]GraceRecord),
	}
}

func (s *memoryService) Close() error { return nil }

func (s *memoryService) SaveGame(_ context.Context, roomID string, st cabo.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	g := s.games[roomID]
	if g == nil {
		g = &memoryGame{createdAt: now}
		s.games[roomID] = g
	}
	g.state = raw
	g.phase = st.Phase.String()
	g.updatedAt = now
	return nil
}

func (s *memoryService) LoadGame(_ context.Context, roomID string) (cabo.State, error) {
	s.mu.Lock()
	g := s.games[roomID]
	s.mu.Unlock()

	if g == nil {
		return cabo.State{}, ErrNotFound
	}
	var st cabo.State
	if err := json.Unmarshal(g.state, &st); err != nil {
		return cabo.State{}, fmt.Errorf("unmarshal game state: %w", err)
	}
	healState(&st, "game "+roomID)
	return st, nil
}

func (s *memoryService) ListActiveGames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []string
	for roomID, g := range s.games {
		if g.phase != cabo.PhaseTypeEnded.String() {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

func (s *memoryService) AppendEvent(_ context.Context, roomID string, ev cabo.Event) (uint64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.streamLast[roomID] + 1
	s.streamLast[roomID] = pos
	entries := append(s.streams[roomID], memoryStreamEntry{
		position:  pos,
		payload:   payload,
		createdAt: time.Now(),
	})
	if len(entries) > StreamCap {
		entries = entries[len(entries)-StreamCap:]
	}
	s.streams[roomID] = entries
	return pos, nil
}

func (s *memoryService) EventsAfter(_ context.Context, roomID string, after uint64) ([]StreamEntry, error) {
	s.mu.Lock()
	var raws []memoryStreamEntry
	for _, e := range s.streams[roomID] {
		if e.position > after {
			raws = append(raws, e)
		}
	}
	s.mu.Unlock()

	out := make([]StreamEntry, 0, len(raws))
	for _, e := range raws {
		ev, err := cabo.DecodeEvent(e.payload)
		if err != nil {
			return nil, fmt.Errorf("decode stream entry %d: %w", e.position, err)
		}
		out = append(out, StreamEntry{Position: e.position, Event: ev})
	}
	return out, nil
}

func (s *memoryService) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cps := append(s.checkpoints[cp.RoomID], memoryCheckpoint{raw: raw, createdAt: time.Now()})
	if len(cps) > CheckpointHistory {
		cps = cps[len(cps)-CheckpointHistory:]
	}
	s.checkpoints[cp.RoomID] = cps
	return nil
}

func (s *memoryService) LatestCheckpoint(_ context.Context, roomID string) (Checkpoint, error) {
	s.mu.Lock()
	cps := s.checkpoints[roomID]
	var raw []byte
	if n := len(cps); n > 0 {
		raw = cps[n-1].raw
	}
	s.mu.Unlock()

	if raw == nil {
		return Checkpoint{}, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	healState(&cp.State, "checkpoint "+cp.CheckpointID)
	return cp, nil
}

func (s *memoryService) NextSequence(_ context.Context, roomID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[roomID]++
	return s.sequences[roomID], nil
}

func (s *memoryService) CurrentSequence(_ context.Context, roomID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequences[roomID], nil
}

func (s *memoryService) AppendOutbox(_ context.Context, sessionID string, seq uint64, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.outboxes[sessionID], memoryOutboxEntry{
		seq:       seq,
		frame:     cp,
		createdAt: time.Now(),
	})
	if len(entries) > OutboxCap {
		entries = entries[len(entries)-OutboxCap:]
	}
	s.outboxes[sessionID] = entries
	return nil
}

func (s *memoryService) OutboxAfter(_ context.Context, sessionID string, after uint64) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxEntry
	for _, e := range s.outboxes[sessionID] {
		if e.seq > after {
			frame := make([]byte, len(e.frame))
			copy(frame, e.frame)
			out = append(out, OutboxEntry{Seq: e.seq, Frame: frame})
		}
	}
	return out, nil
}

func (s *memoryService) SetCursor(_ context.Context, sessionID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cursors[sessionID]
	if seq > cur.lastAck {
		cur.lastAck = seq
	}
	cur.updatedAt = time.Now()
	s.cursors[sessionID] = cur
	return nil
}

func (s *memoryService) Cursor(_ context.Context, sessionID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[sessionID].lastAck, nil
}

func (s *memoryService) SaveGrace(_ context.Context, rec GraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graces[rec.SessionID] = rec
	return nil
}

func (s *memoryService) LoadGrace(_ context.Context, sessionID string) (GraceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.graces[sessionID]
	if !ok {
		return GraceRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryService) DeleteGrace(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graces, sessionID)
	return nil
}

func (s *memoryService) PurgeRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.games, roomID)
	delete(s.streams, roomID)
	delete(s.streamLast, roomID)
	delete(s.checkpoints, roomID)
	delete(s.sequences, roomID)
	return nil
}

func (s *memoryService) Sweep(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, g := range s.games {
		if now.Sub(g.updatedAt) > GameTTL {
			delete(s.games, roomID)
			delete(s.streams, roomID)
			delete(s.streamLast, roomID)
			delete(s.sequences, roomID)
		}
	}
	for roomID, cps := range s.checkpoints {
		kept := cps[:0]
		for _, cp := range cps {
			if now.Sub(cp.createdAt) <= CheckpointTTL {
				kept = append(kept, cp)
			}
		}
		if len(kept) == 0 {
			delete(s.checkpoints, roomID)
		} else {
			s.checkpoints[roomID] = kept
		}
	}
	for sessionID, entries := range s.outboxes {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.createdAt) <= OutboxTTL {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.outboxes, sessionID)
		} else {
			s.outboxes[sessionID] = kept
		}
	}
	for sessionID, cur := range s.cursors {
		if now.Sub(cur.updatedAt) > CursorTTL {
			delete(s.cursors, sessionID)
		}
	}
	for sessionID, rec := range s.graces {
		if now.After(rec.GraceEnd) {
			delete(s.graces, sessionID)
		}
	}
	return nil
}
