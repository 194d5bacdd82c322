package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"cabo-lite/apps/server/internal/codec"
	"cabo-lite/apps/server/internal/lobby"
	"cabo-lite/apps/server/internal/store"
	"cabo-lite/cabo"
)

// Sender delivers encoded frames to sessions. Implemented by the gateway:
// seq-stamped frames are buffered in the session outbox and, when the session
// has an active connection, written to the wire.
type Sender interface {
	SendToSession(sessionID string, frame []byte)
	CloseRoomConnections(roomID string)
}

var (
	ErrRoomClosed = errors.New("room closed")
	ErrQueueFull  = errors.New("intent queue full")
)

const (
	tickInterval   = 100 * time.Millisecond
	intentQueueCap = 256
	storeTimeout   = 5 * time.Second

	// Store writes retry inside the loop. The in-memory engine stays
	// authoritative; a lost write only widens the replay window.
	storeAttempts  = 5
	retryBaseDelay = 50 * time.Millisecond

	cleanupDelay  = 30 * time.Second
	countdownTick = 5 * time.Second
)

// Room owns one game engine and is its only writer. Intents arrive on a
// buffered channel; a ticker drives engine timers when nobody is acting.
type Room struct {
	id     string
	game   *cabo.Game
	store  store.Service
	lobby  lobby.Service
	sender Sender
	pump   *pump

	intents chan cabo.Message
	done    chan struct{}

	stopOnce    sync.Once
	cleanupOnce sync.Once

	// Shortened by tests.
	endDelay time.Duration
	endTick  time.Duration

	onStop func(roomID string)
}

func (r *Room) start() {
	go r.run()
	go r.pump.run()
}

// Submit queues one player intent. It never blocks the caller: a full queue
// rejects the message and the client hears about it through an error frame.
func (r *Room) Submit(msg cabo.Message) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.intents <- msg:
		return nil
	case <-r.done:
		return ErrRoomClosed
	default:
		return ErrQueueFull
	}
}

// Stop halts the loop and its pump. Safe to call more than once.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// ViewFor renders the engine state as seen by one session.
func (r *Room) ViewFor(sessionID string) (cabo.View, bool) {
	return r.game.ViewFor(sessionID)
}

func (r *Room) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-r.intents:
			r.game.Submit(msg)
			r.drainIntents()
			r.step(time.Now())
		case <-ticker.C:
			r.step(time.Now())
		case <-r.done:
			log.Printf("[Room %s] loop stopped", r.id)
			return
		}
	}
}

// drainIntents empties the queue so one Process covers the whole burst.
func (r *Room) drainIntents() {
	for {
		select {
		case msg := <-r.intents:
			r.game.Submit(msg)
		default:
			return
		}
	}
}

func (r *Room) step(now time.Time) {
	res := r.game.Process(now)
	for _, rej := range res.Rejections {
		if rej.PlayerID == "" {
			log.Printf("[Room %s] dropped message: %s", r.id, rej.Reason)
			continue
		}
		log.Printf("[Room %s] rejected %s from %s: %s", r.id, rej.Action, rej.PlayerID, rej.Reason)
		r.sender.SendToSession(rej.PlayerID, codec.EncodeError(rej.Reason))
	}
	if len(res.Events) == 0 {
		return
	}

	st := r.game.Snapshot()
	r.saveGame(st)
	entries := r.appendEvents(res.Events)
	if len(entries) > 0 {
		// Redaction must use the visibility in force when these events were
		// emitted, which is exactly what the snapshot taken above holds.
		r.pump.publish(batch{
			entries:    entries,
			visibility: cabo.StateVisibility(st),
			state:      st,
			checkpoint: res.Checkpoint,
		})
	}
	r.lobby.Touch(r.id)

	for _, ev := range res.Events {
		if ev.Type == cabo.EventGameEnded {
			r.cleanupOnce.Do(func() { go r.cleanupCountdown() })
		}
	}
}

func (r *Room) saveGame(st cabo.State) {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := r.store.SaveGame(ctx, r.id, st)
		cancel()
		if err == nil {
			return
		}
		log.Printf("[Room %s] save game attempt %d/%d: %v", r.id, attempt, storeAttempts, err)
		if attempt == storeAttempts {
			return
		}
		select {
		case <-time.After(delay):
		case <-r.done:
			return
		}
		delay *= 2
	}
}

// appendEvents persists each event with bounded backoff. An event that could
// not be persisted is not broadcast either: the stream stays the record of
// what clients may have seen.
func (r *Room) appendEvents(events []cabo.Event) []store.StreamEntry {
	entries := make([]store.StreamEntry, 0, len(events))
	for _, ev := range events {
		pos, err := r.appendEvent(ev)
		if err != nil {
			log.Printf("[Room %s] dropping %s from broadcast: %v", r.id, ev.Type, err)
			continue
		}
		entries = append(entries, store.StreamEntry{Position: pos, Event: ev})
	}
	return entries
}

func (r *Room) appendEvent(ev cabo.Event) (uint64, error) {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		pos, err := r.store.AppendEvent(ctx, r.id, ev)
		cancel()
		if err == nil {
			return pos, nil
		}
		if attempt == storeAttempts {
			return 0, err
		}
		log.Printf("[Room %s] append %s attempt %d/%d: %v", r.id, ev.Type, attempt, storeAttempts, err)
		select {
		case <-time.After(delay):
		case <-r.done:
			return 0, err
		}
		delay *= 2
	}
}

// cleanupCountdown runs once after game_ended: countdown frames while clients
// show the score screen, a redirect, then the room is erased for good.
func (r *Room) cleanupCountdown() {
	log.Printf("[Room %s] game ended, cleanup in %s", r.id, r.endDelay)
	remaining := r.endDelay
	for remaining > 0 {
		r.broadcastSequenced(codec.FrameCleanupCountdown, map[string]any{
			"remaining_seconds": int(remaining / time.Second),
		})
		wait := r.endTick
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-r.done:
			return
		}
		remaining -= wait
	}
	r.broadcastSequenced(codec.FrameRedirectHome, map[string]any{"reason": "game_ended"})
	r.finish()
}

func (r *Room) broadcastSequenced(frameType string, data map[string]any) {
	broadcastSequenced(r.store, r.sender, r.id, r.game.PlayerIDs(), frameType, data)
}

// finish stops the loop and erases every trace of the room.
func (r *Room) finish() {
	r.Stop()
	if r.onStop != nil {
		r.onStop(r.id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.PurgeRoom(ctx, r.id); err != nil {
		log.Printf("[Room %s] purge store: %v", r.id, err)
	}
	if err := r.lobby.Delete(r.id); err != nil && !errors.Is(err, lobby.ErrRoomNotFound) {
		log.Printf("[Room %s] delete room: %v", r.id, err)
	}
	r.sender.CloseRoomConnections(r.id)
	log.Printf("[Room %s] cleaned up", r.id)
}

// broadcastSequenced allocates one room sequence number and fans the frame out
// to every listed session, connected or not; the outbox keeps it for replay.
func broadcastSequenced(st store.Service, sender Sender, roomID string, sessions []string, frameType string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	seq, err := st.NextSequence(ctx, roomID)
	if err != nil {
		log.Printf("[Room %s] sequence for %s: %v", roomID, frameType, err)
		return
	}
	frame, err := codec.EncodeSequenced(seq, frameType, data, time.Now().UTC())
	if err != nil {
		log.Printf("[Room %s] encode %s: %v", roomID, frameType, err)
		return
	}
	for _, sessionID := range sessions {
		sender.SendToSession(sessionID, frame)
	}
}
