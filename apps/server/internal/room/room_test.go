package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cabo-lite/apps/server/internal/codec"
	"cabo-lite/apps/server/internal/lobby"
	"cabo-lite/apps/server/internal/store"
	"cabo-lite/cabo"
	"cabo-lite/card"
)

// fakeSender records every frame per session and which rooms were closed.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	closed []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte)}
}

func (f *fakeSender) SendToSession(sessionID string, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.frames[sessionID] = append(f.frames[sessionID], buf)
}

func (f *fakeSender) CloseRoomConnections(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func (f *fakeSender) closedRoom(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.closed {
		if id == roomID {
			return true
		}
	}
	return false
}

// decoded returns every frame for a session parsed to a map, in send order.
func (f *fakeSender) decoded(t *testing.T, sessionID string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames[sessionID]))
	for _, raw := range f.frames[sessionID] {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad frame %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

// waitFrame polls until the session has a frame matching the predicate.
func (f *fakeSender) waitFrame(t *testing.T, sessionID string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.decoded(t, sessionID) {
			if match(m) {
				return m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no matching frame for %s, got %v", sessionID, f.decoded(t, sessionID))
	return nil
}

func (f *fakeSender) waitGameEvent(t *testing.T, sessionID, eventType string) map[string]any {
	t.Helper()
	return f.waitFrame(t, sessionID, func(m map[string]any) bool {
		return m["type"] == codec.FrameGameEvent && m["event_type"] == eventType
	})
}

func newTestManager(t *testing.T) (*Manager, store.Service, *lobby.Memory, *fakeSender) {
	t.Helper()
	st := store.NewMemory()
	lb := lobby.NewMemory()
	fs := newFakeSender()
	m := NewManager(st, lb, fs)
	m.endDelay = 200 * time.Millisecond
	m.endTick = 50 * time.Millisecond
	t.Cleanup(func() {
		m.Shutdown()
		st.Close()
		lb.Close()
	})
	return m, st, lb, fs
}

func makeLobbyRoom(t *testing.T, lb *lobby.Memory, sessions ...string) lobby.Room {
	t.Helper()
	rm, err := lb.Create(sessions[0], "host", lobby.RoomConfig{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, sid := range sessions[1:] {
		if _, err := lb.Join(rm.Code, sid, "guest-"+sid); err != nil {
			t.Fatalf("join %s: %v", sid, err)
		}
	}
	started, err := lb.Start(rm.Code, sessions[0])
	if err != nil {
		t.Fatalf("start room: %v", err)
	}
	return started
}

// craftPlayingState drives an engine past setup with timestamps an hour in the
// past, so a restored room loop sees every pending deadline as already due.
func craftPlayingState(t *testing.T, deck []card.Card) cabo.State {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	g, err := cabo.NewGame(cabo.Config{
		GameID:            "g-test",
		Seats:             []cabo.Seat{{PlayerID: "p1", Name: "Ann"}, {PlayerID: "p2", Name: "Ben"}},
		Seed:              1,
		DeckOverride:      deck,
		ForcedStartPlayer: "p1",
	})
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.Start(base)
	res := g.Process(base.Add(11 * time.Second))
	for _, rej := range res.Rejections {
		t.Fatalf("setup rejection: %+v", rej)
	}
	if g.Phase() != cabo.PhaseTypePlaying {
		t.Fatalf("crafted phase = %v, want playing", g.Phase())
	}
	return g.Snapshot()
}

func plainDeck() []card.Card {
	return []card.Card{
		card.CardSpade2, card.CardSpade3, card.CardSpade4, card.CardSpade5, // p1
		card.CardHeart2, card.CardHeart3, card.CardHeart4, card.CardHeart5, // p2
		card.CardClub5, card.CardClub6, // draws
	}
}

func TestStartGamePublishesOpeningAndCheckpoint(t *testing.T) {
	m, st, lb, fs := newTestManager(t)
	ctx := context.Background()
	rm := makeLobbyRoom(t, lb, "s1", "s2")

	if err := m.StartGame(ctx, rm); err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	if !m.Active(rm.ID) {
		t.Fatal("room should be active after StartGame")
	}

	loaded, err := st.LoadGame(ctx, rm.ID)
	if err != nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if loaded.Phase != cabo.PhaseTypeSetup {
		t.Fatalf("saved phase = %v, want setup", loaded.Phase)
	}

	cp, err := st.LatestCheckpoint(ctx, rm.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.Phase != "setup" || cp.StreamPosition == 0 || cp.SequenceNum == 0 {
		t.Fatalf("initial checkpoint = %+v", cp)
	}

	for _, sid := range []string{"s1", "s2"} {
		started := fs.waitGameEvent(t, sid, "game_started")
		data := started["data"].(map[string]any)
		if data["phase"] != "setup" {
			t.Fatalf("game_started phase = %v", data["phase"])
		}
		if data["setup_time_seconds"].(float64) != 10 {
			t.Fatalf("setup_time_seconds = %v", data["setup_time_seconds"])
		}
		created := fs.waitGameEvent(t, sid, "checkpoint_created")
		cd := created["data"].(map[string]any)
		if cd["checkpoint_id"] != cp.CheckpointID {
			t.Fatalf("checkpoint_created id = %v, want %s", cd["checkpoint_id"], cp.CheckpointID)
		}
		if created["seq_num"].(float64) <= started["seq_num"].(float64) {
			t.Fatalf("seq order: started=%v created=%v", started["seq_num"], created["seq_num"])
		}
		if started["stream_id"].(float64) != 1 || created["stream_id"].(float64) != 2 {
			t.Fatalf("stream ids: started=%v created=%v", started["stream_id"], created["stream_id"])
		}
	}

	if err := m.StartGame(ctx, rm); !errors.Is(err, ErrGameRunning) {
		t.Fatalf("second StartGame err = %v, want ErrGameRunning", err)
	}
}

func TestSubmitRedactsDrawPerReceiver(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-redact"

	state := craftPlayingState(t, plainDeck())
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if !m.Active(roomID) {
		t.Fatal("room should be active after restore")
	}

	if err := m.Submit(roomID, cabo.Message{Type: cabo.MessageTypeDrawCard, PlayerID: "p1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	drawn := fs.waitGameEvent(t, "p1", "card_drawn")
	ownCard := drawn["data"].(map[string]any)["card"]
	if ownCard == cabo.HiddenCard || ownCard == "" {
		t.Fatalf("drawer should see the card, got %v", ownCard)
	}

	other := fs.waitGameEvent(t, "p2", "card_drawn")
	if got := other["data"].(map[string]any)["card"]; got != cabo.HiddenCard {
		t.Fatalf("opponent sees %v, want %s", got, cabo.HiddenCard)
	}
	if drawn["seq_num"].(float64) != other["seq_num"].(float64) {
		t.Fatalf("receivers disagree on seq: %v vs %v", drawn["seq_num"], other["seq_num"])
	}
}

func TestRejectionSendsErrorFrameOnly(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-reject"

	state := craftPlayingState(t, plainDeck())
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	// p2 acts out of turn.
	if err := m.Submit(roomID, cabo.Message{Type: cabo.MessageTypeDrawCard, PlayerID: "p2"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	errFrame := fs.waitFrame(t, "p2", func(m map[string]any) bool { return m["type"] == "error" })
	if msg, _ := errFrame["message"].(string); msg == "" {
		t.Fatalf("error frame without message: %v", errFrame)
	}
	for _, m := range fs.decoded(t, "p1") {
		if m["type"] == codec.FrameGameEvent {
			t.Fatalf("rejection must not broadcast events, p1 got %v", m)
		}
	}
}

func TestRestoreRebroadcastsTailAfterCheckpoint(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-tail"

	state := craftPlayingState(t, plainDeck())
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	for i := 0; i < 3; i++ {
		ev := cabo.Event{
			Type:      cabo.EventTurnChanged,
			Data:      cabo.TurnChangedData{CurrentPlayer: "p1", CurrentPlayerName: "Ann"},
			Timestamp: time.Now().UTC(),
		}
		if _, err := st.AppendEvent(ctx, roomID, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	cp := store.Checkpoint{
		CheckpointID:   "cp-1",
		RoomID:         roomID,
		StreamPosition: 1,
		SequenceNum:    1,
		Phase:          "playing",
		State:          state,
		CreatedAt:      time.Now().UTC(),
	}
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	// Entries 2 and 3 were never confirmed broadcast; the pump replays them.
	fs.waitFrame(t, "p2", func(m map[string]any) bool {
		return m["type"] == codec.FrameGameEvent && m["stream_id"].(float64) == 3
	})
	var got []float64
	for _, m := range fs.decoded(t, "p2") {
		if m["type"] == codec.FrameGameEvent {
			got = append(got, m["stream_id"].(float64))
		}
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("rebroadcast stream ids = %v, want [2 3]", got)
	}
}

func TestCheckpointCutAtCaboCall(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-cabo"

	state := craftPlayingState(t, plainDeck())
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	if err := m.Submit(roomID, cabo.Message{Type: cabo.MessageTypeCallCabo, PlayerID: "p1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fs.waitGameEvent(t, "p2", "cabo_called")

	deadline := time.Now().Add(2 * time.Second)
	for {
		cp, err := st.LatestCheckpoint(ctx, roomID)
		if err == nil {
			if cp.Phase != "playing" || cp.StreamPosition == 0 {
				t.Fatalf("checkpoint = %+v", cp)
			}
			if cp.State.CaboCaller != "p1" {
				t.Fatalf("checkpoint cabo caller = %q, want p1", cp.State.CaboCaller)
			}
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LatestCheckpoint: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("no checkpoint cut after cabo call")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGameEndCountdownAndTeardown(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-end"

	// Final round already played out: p1 called Cabo, p2 took the last turn,
	// and the pending transition deadline is an hour overdue. The restored
	// loop's first tick lands the turn back on the caller and ends the game.
	deck := []card.Card{
		card.CardSpadeA, card.CardSpade2, card.CardJokerA, card.CardJokerB, // p1 = 3
		card.CardHeart2, card.CardHeart3, card.CardHeart4, card.CardHeart5, // p2 = 14
		card.CardClub6, // p2's final draw
	}
	base := time.Now().Add(-time.Hour)
	g, err := cabo.NewGame(cabo.Config{
		GameID:            "g-end",
		Seats:             []cabo.Seat{{PlayerID: "p1", Name: "Ann"}, {PlayerID: "p2", Name: "Ben"}},
		Seed:              1,
		DeckOverride:      deck,
		ForcedStartPlayer: "p1",
	})
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.Start(base)
	now := base.Add(11 * time.Second)
	g.Process(now)
	g.Submit(cabo.Message{Type: cabo.MessageTypeCallCabo, PlayerID: "p1"})
	res := g.Process(now)
	for _, rej := range res.Rejections {
		t.Fatalf("cabo rejection: %+v", rej)
	}
	g.Submit(cabo.Message{Type: cabo.MessageTypeDrawCard, PlayerID: "p2"})
	g.Submit(cabo.Message{Type: cabo.MessageTypePlayDrawnCard, PlayerID: "p2"})
	res = g.Process(now)
	for _, rej := range res.Rejections {
		t.Fatalf("final turn rejection: %+v", rej)
	}
	if g.Phase() != cabo.PhaseTypeTurnTransition {
		t.Fatalf("crafted phase = %v, want turn_transition", g.Phase())
	}

	if err := st.SaveGame(ctx, roomID, g.Snapshot()); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	ended := fs.waitGameEvent(t, "p1", "game_ended")
	data := ended["data"].(map[string]any)
	if data["winner_id"] != "p1" {
		t.Fatalf("winner = %v, want p1", data["winner_id"])
	}

	fs.waitFrame(t, "p2", func(m map[string]any) bool { return m["type"] == "cleanup_countdown" })
	fs.waitFrame(t, "p2", func(m map[string]any) bool { return m["type"] == "redirect_home" })

	deadline := time.Now().Add(2 * time.Second)
	for m.Active(roomID) || !fs.closedRoom(roomID) {
		if time.Now().After(deadline) {
			t.Fatalf("room not torn down: active=%v closed=%v", m.Active(roomID), fs.closedRoom(roomID))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := st.LoadGame(ctx, roomID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("game should be purged, got %v", err)
	}
}

func TestSubmitGuards(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()

	msg := cabo.Message{Type: cabo.MessageTypeDrawCard, PlayerID: "p1"}
	if err := m.Submit("missing", msg); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("Submit to missing room err = %v, want ErrGameNotActive", err)
	}

	roomID := "room-guards"
	state := craftPlayingState(t, plainDeck())
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()
	r.Stop()
	if err := m.Submit(roomID, msg); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("Submit to stopped room err = %v, want ErrRoomClosed", err)
	}
}

func TestSweepTearsDownIdleRooms(t *testing.T) {
	m, st, lb, fs := newTestManager(t)
	ctx := context.Background()
	rm := makeLobbyRoom(t, lb, "s1", "s2")
	if err := m.StartGame(ctx, rm); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	// A fresh room survives a sweep at the current time.
	m.sweep(time.Now())
	if !m.Active(rm.ID) {
		t.Fatal("fresh room was swept")
	}

	// The same room is torn down once its last activity falls out of the TTL.
	m.sweep(time.Now().Add(idleRoomTTL + time.Minute))
	if m.Active(rm.ID) {
		t.Fatal("idle room still active after sweep")
	}
	if !fs.closedRoom(rm.ID) {
		t.Fatal("idle room connections were not closed")
	}
	if _, err := st.LoadGame(ctx, rm.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idle game should be purged, got %v", err)
	}
	if _, err := lb.RoomByID(rm.ID); !errors.Is(err, lobby.ErrRoomNotFound) {
		t.Fatalf("idle room should leave the registry, got %v", err)
	}
}

func TestAbandonUnrecoverableState(t *testing.T) {
	m, st, _, fs := newTestManager(t)
	ctx := context.Background()
	roomID := "room-broken"

	// Two seats referencing the same player is beyond healing.
	state := craftPlayingState(t, plainDeck())
	state.Players[1].PlayerID = state.Players[0].PlayerID
	if err := st.SaveGame(ctx, roomID, state); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}

	if err := m.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if m.Active(roomID) {
		t.Fatal("unrecoverable room must not come back")
	}
	fs.waitFrame(t, "p1", func(m map[string]any) bool { return m["type"] == "game_cleanup" })
	if _, err := st.LoadGame(ctx, roomID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("broken game should be purged, got %v", err)
	}
	if !fs.closedRoom(roomID) {
		t.Fatal("broken room connections were not closed")
	}
}
