package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"cabo-lite/cabo"
)

// Outbound frame types. Everything on the wire is JSON with a "type" field.
const (
	FrameGameEvent        = "game_event"
	FrameGameCheckpoint   = "game_checkpoint"
	FramePlayerJoined     = "player_joined"
	FramePlayerLeft       = "player_left"
	FrameRoomUpdate       = "room_update"
	FrameCleanupCountdown = "cleanup_countdown"
	FrameRedirectHome     = "redirect_home"
	FrameGameCleanup      = "game_cleanup"
	FrameSessionInfo      = "session_info"
	FrameReady            = "ready"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameError            = "error"
)

// Inbound control frame types. Any other inbound type is treated as a
// player action and handed to the engine message parser.
const (
	ClientAckSeq         = "ack_seq"
	ClientPing           = "ping"
	ClientPong           = "pong"
	ClientGetSessionInfo = "get_session_info"
	ClientUpdateNickname = "update_nickname"
)

// GameEventFrame wraps one engine event with its room-scoped sequence
// number and durable stream position.
type GameEventFrame struct {
	Type      string    `json:"type"`
	SeqNum    uint64    `json:"seq_num"`
	StreamID  uint64    `json:"stream_id"`
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EncodeGameEvent renders an engine event as a wire frame. The event must
// already be redacted for the receiver.
func EncodeGameEvent(seq, streamID uint64, ev cabo.Event) ([]byte, error) {
	return json.Marshal(GameEventFrame{
		Type:      FrameGameEvent,
		SeqNum:    seq,
		StreamID:  streamID,
		EventType: ev.Type,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	})
}

// CheckpointFrame carries a per-viewer game state plus the stream/sequence
// coordinates a client needs to resume from this point.
type CheckpointFrame struct {
	Type           string    `json:"type"`
	CheckpointID   string    `json:"checkpoint_id"`
	RoomID         string    `json:"room_id"`
	StreamPosition uint64    `json:"stream_position"`
	SequenceNum    uint64    `json:"sequence_num"`
	Phase          string    `json:"phase"`
	GameState      cabo.View `json:"game_state"`
	Timestamp      time.Time `json:"timestamp"`
}

func EncodeCheckpoint(f CheckpointFrame) ([]byte, error) {
	f.Type = FrameGameCheckpoint
	return json.Marshal(f)
}

// EncodeSequenced builds a lobby frame (player_joined, room_update, ...)
// with the data keys flattened into the envelope.
func EncodeSequenced(seq uint64, frameType string, data map[string]any, ts time.Time) ([]byte, error) {
	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	out["type"] = frameType
	out["seq_num"] = seq
	out["timestamp"] = ts.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// SessionInfoFrame answers get_session_info: who the session is, where it
// sits, and the game from its point of view when one is running.
type SessionInfoFrame struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id"`
	Nickname  string     `json:"nickname"`
	RoomCode  string     `json:"room_code,omitempty"`
	IsHost    bool       `json:"is_host"`
	GameState *cabo.View `json:"game_state,omitempty"`
}

func EncodeSessionInfo(f SessionInfoFrame) ([]byte, error) {
	f.Type = FrameSessionInfo
	return json.Marshal(f)
}

type readyFrame struct {
	Type       string `json:"type"`
	CurrentSeq uint64 `json:"current_seq"`
}

// EncodeReady terminates a reconnect sync: everything up to CurrentSeq
// has been delivered.
func EncodeReady(currentSeq uint64) []byte {
	raw, _ := json.Marshal(readyFrame{Type: FrameReady, CurrentSeq: currentSeq})
	return raw
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func EncodeError(message string) []byte {
	raw, _ := json.Marshal(errorFrame{Type: FrameError, Message: message})
	return raw
}

func EncodePong() []byte {
	raw, _ := json.Marshal(map[string]string{"type": FramePong})
	return raw
}

func EncodePing(ts time.Time) []byte {
	raw, _ := json.Marshal(map[string]string{
		"type":      FramePing,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
	return raw
}

// ClientFrame is the decoded inbound envelope. Index fields default to 0
// when absent; the engine validates ranges per action.
type ClientFrame struct {
	Type           string `json:"type"`
	SeqNum         uint64 `json:"seq_num"`
	Nickname       string `json:"nickname"`
	HandIndex      int    `json:"hand_index"`
	CardIndex      int    `json:"card_index"`
	TargetPlayerID string `json:"target_player_id"`
	OwnIndex       int    `json:"own_index"`
	TargetIndex    int    `json:"target_index"`
}

func DecodeClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, err
	}
	if f.Type == "" {
		return ClientFrame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// ToEngineMessage converts a decoded action frame into an engine message
// attributed to playerID. Returns false for control frames and unknown
// action strings.
func ToEngineMessage(playerID string, f ClientFrame) (cabo.Message, bool) {
	t, ok := cabo.ParseMessageType(f.Type)
	if !ok || !t.IsPlayerIntent() {
		return cabo.Message{}, false
	}
	return cabo.Message{
		Type:        t,
		PlayerID:    playerID,
		HandIndex:   f.HandIndex,
		CardIndex:   f.CardIndex,
		TargetID:    f.TargetPlayerID,
		OwnIndex:    f.OwnIndex,
		TargetIndex: f.TargetIndex,
		HasTarget:   f.TargetPlayerID != "",
	}, true
}

// FrameSeq extracts seq_num from an encoded outbound frame. Only
// seq-stamped frames belong in the per-session outbox.
func FrameSeq(raw []byte) (uint64, bool) {
	var env struct {
		SeqNum *uint64 `json:"seq_num"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.SeqNum == nil {
		return 0, false
	}
	return *env.SeqNum, true
}
