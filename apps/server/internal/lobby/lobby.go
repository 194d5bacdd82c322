package lobby

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoomPhaseWaiting  = "waiting"
	RoomPhaseInGame   = "in_game"
	RoomPhaseFinished = "finished" // reserved on the wire; ended rooms are deleted, not parked

	MinPlayers = 2

	roomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeAttempts     = 5

	// Cabo deals from a 54 card deck; room config must leave it dealable.
	deckCards = 54
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrAlreadyInRoom    = errors.New("session already in a room")
	ErrAlreadyStarted   = errors.New("game already started")
	ErrNotHost          = errors.New("only the host may do this")
	ErrNotMember        = errors.New("not a member of this room")
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrRoomNotWaiting   = errors.New("room is not waiting")
	ErrInvalidConfig    = errors.New("invalid room config")
)

type RoomConfig struct {
	MaxPlayers int `json:"max_players"`
	HandSize   int `json:"hand_size"`
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{MaxPlayers: 6, HandSize: 4}
}

// normalize fills zero fields with defaults and bounds-checks the rest.
func (c RoomConfig) normalize() (RoomConfig, error) {
	out := c
	if out.MaxPlayers == 0 {
		out.MaxPlayers = DefaultRoomConfig().MaxPlayers
	}
	if out.HandSize == 0 {
		out.HandSize = DefaultRoomConfig().HandSize
	}
	if out.MaxPlayers < MinPlayers || out.MaxPlayers > 8 {
		return RoomConfig{}, ErrInvalidConfig
	}
	if out.HandSize < 2 || out.HandSize > 8 {
		return RoomConfig{}, ErrInvalidConfig
	}
	if out.MaxPlayers*out.HandSize > deckCards {
		return RoomConfig{}, ErrInvalidConfig
	}
	return out, nil
}

type Member struct {
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	IsHost    bool      `json:"is_host"`
	JoinedAt  time.Time `json:"joined_at"`
}

type Room struct {
	ID           string     `json:"room_id"`
	Code         string     `json:"room_code"`
	HostSession  string     `json:"host_session_id"`
	Phase        string     `json:"phase"`
	Config       RoomConfig `json:"config"`
	Members      []Member   `json:"members"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
}

func (r Room) member(sessionID string) (Member, bool) {
	for _, m := range r.Members {
		if m.SessionID == sessionID {
			return m, true
		}
	}
	return Member{}, false
}

// Service is the room registry contract consumed by HTTP handlers, the
// gateway and the room lifecycle manager.
type Service interface {
	Create(sessionID, nickname string, cfg RoomConfig) (Room, error)
	Join(code, sessionID, nickname string) (Room, error)
	// Leave reports whether the room was deleted because it emptied.
	Leave(code, sessionID string) (Room, bool, error)
	Start(code, sessionID string) (Room, error)
	Get(code, sessionID string) (Room, error)
	UpdateConfig(code, sessionID string, cfg RoomConfig) (Room, error)
	RoomBySession(sessionID string) (Room, bool)
	RoomByID(roomID string) (Room, error)
	SetPhase(roomID, phase string) error
	Touch(roomID string)
	StaleRooms(olderThan time.Time) ([]Room, error)
	Delete(roomID string) error
	Close() error
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func newRoomCode() string {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, roomCodeLength)
	for i, b := range buf {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out)
}

// Memory is the in-process room registry for single-binary deployment.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]*Room  // room id -> room
	byCode   map[string]string // code -> room id
	byMember map[string]string // session id -> room id
}

func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*Room),
		byCode:   make(map[string]string),
		byMember: make(map[string]string),
	}
}

func (l *Memory) Close() error { return nil }

func cloneRoom(r *Room) Room {
	out := *r
	out.Members = make([]Member, len(r.Members))
	copy(out.Members, r.Members)
	return out
}

func (l *Memory) Create(sessionID, nickname string, cfg RoomConfig) (Room, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return Room{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seated := l.byMember[sessionID]; seated {
		return Room{}, ErrAlreadyInRoom
	}

	var code string
	for i := 0; i < codeAttempts; i++ {
		candidate := newRoomCode()
		if _, taken := l.byCode[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		return Room{}, fmt.Errorf("failed to allocate a room code")
	}

	now := time.Now().UTC()
	room := &Room{
		ID:          uuid.NewString(),
		Code:        code,
		HostSession: sessionID,
		Phase:       RoomPhaseWaiting,
		Config:      normalized,
		Members: []Member{{
			SessionID: sessionID,
			Nickname:  nickname,
			IsHost:    true,
			JoinedAt:  now,
		}},
		CreatedAt:    now,
		LastActivity: now,
	}
	l.rooms[room.ID] = room
	l.byCode[code] = room.ID
	l.byMember[sessionID] = room.ID
	return cloneRoom(room), nil
}

func (l *Memory) roomByCodeLocked(code string) (*Room, error) {
	id, ok := l.byCode[normalizeCode(code)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return l.rooms[id], nil
}

func (l *Memory) Join(code, sessionID, nickname string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, err := l.roomByCodeLocked(code)
	if err != nil {
		return Room{}, err
	}
	if _, isMember := room.member(sessionID); isMember {
		return cloneRoom(room), nil
	}
	if seatedID, seated := l.byMember[sessionID]; seated && seatedID != room.ID {
		return Room{}, ErrAlreadyInRoom
	}
	if room.Phase != RoomPhaseWaiting {
		return Room{}, ErrAlreadyStarted
	}
	if len(room.Members) >= room.Config.MaxPlayers {
		return Room{}, ErrRoomFull
	}

	now := time.Now().UTC()
	room.Members = append(room.Members, Member{
		SessionID: sessionID,
		Nickname:  nickname,
		JoinedAt:  now,
	})
	room.LastActivity = now
	l.byMember[sessionID] = room.ID
	return cloneRoom(room), nil
}

func (l *Memory) Leave(code, sessionID string) (Room, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, err := l.roomByCodeLocked(code)
	if err != nil {
		return Room{}, false, err
	}
	if _, isMember := room.member(sessionID); !isMember {
		return Room{}, false, ErrNotMember
	}

	kept := room.Members[:0]
	for _, m := range room.Members {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	room.Members = kept
	delete(l.byMember, sessionID)

	if len(room.Members) == 0 {
		l.deleteLocked(room.ID)
		return Room{}, true, nil
	}

	if room.HostSession == sessionID {
		promoteEarliest(room)
	}
	room.LastActivity = time.Now().UTC()
	return cloneRoom(room), false, nil
}

// promoteEarliest makes the longest-seated member the new host.
func promoteEarliest(room *Room) {
	earliest := 0
	for i := 1; i < len(room.Members); i++ {
		if room.Members[i].JoinedAt.Before(room.Members[earliest].JoinedAt) {
			earliest = i
		}
	}
	for i := range room.Members {
		room.Members[i].IsHost = i == earliest
	}
	room.HostSession = room.Members[earliest].SessionID
}

func (l *Memory) Start(code, sessionID string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, err := l.roomByCodeLocked(code)
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

	room.Phase = RoomPhaseInGame
	room.LastActivity = time.Now().UTC()
	return cloneRoom(room), nil
}

func (l *Memory) Get(code, sessionID string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, err := l.roomByCodeLocked(code)
	if err != nil {
		return Room{}, err
	}
	if _, isMember := room.member(sessionID); !isMember {
		return Room{}, ErrNotMember
	}
	return cloneRoom(room), nil
}

func (l *Memory) UpdateConfig(code, sessionID string, cfg RoomConfig) (Room, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return Room{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	room, err := l.roomByCodeLocked(code)
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

	room.Config = normalized
	room.LastActivity = time.Now().UTC()
	return cloneRoom(room), nil
}

func (l *Memory) RoomBySession(sessionID string) (Room, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byMember[sessionID]
	if !ok {
		return Room{}, false
	}
	room, ok := l.rooms[id]
	if !ok {
		return Room{}, false
	}
	return cloneRoom(room), true
}

func (l *Memory) RoomByID(roomID string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (l *Memory) SetPhase(roomID, phase string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Phase = phase
	room.LastActivity = time.Now().UTC()
	return nil
}

func (l *Memory) Touch(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if room, ok := l.rooms[roomID]; ok {
		room.LastActivity = time.Now().UTC()
	}
}

func (l *Memory) StaleRooms(olderThan time.Time) ([]Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Room
	for _, room := range l.rooms {
		if room.LastActivity.Before(olderThan) {
			out = append(out, cloneRoom(room))
		}
	}
	return out, nil
}

func (l *Memory) Delete(roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteLocked(roomID)
	return nil
}

func (l *Memory) deleteLocked(roomID string) {
	room, ok := l.rooms[roomID]
	if !ok {
		return
	}
	for _, m := range room.Members {
		delete(l.byMember, m.SessionID)
	}
	delete(l.byCode, room.Code)
	delete(l.rooms, roomID)
}
