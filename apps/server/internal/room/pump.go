package room

import (
	"context"
	"fmt"
	"log"
	"time"

	"cabo-lite/apps/server/internal/codec"
	"cabo-lite/apps/server/internal/store"
	"cabo-lite/cabo"
)

// batch is one Process result handed from the room loop to its pump: the
// appended stream entries plus the visibility in force when they were emitted.
// Redacting against anything newer would hide cards a receiver was looking at
// when the event fired (the setup peek ends exactly this way).
type batch struct {
	entries    []store.StreamEntry
	visibility cabo.Visibility
	state      cabo.State
	checkpoint bool
}

// pump fans room events out to the seats. Each stream entry gets one
// room-scoped sequence number shared by every receiver; payloads differ per
// receiver after redaction.
type pump struct {
	roomID  string
	members []string
	store   store.Service
	sender  Sender
	notify  chan batch
	done    chan struct{}
}

func newPump(roomID string, members []string, st store.Service, sender Sender, done chan struct{}) *pump {
	return &pump{
		roomID:  roomID,
		members: members,
		store:   st,
		sender:  sender,
		notify:  make(chan batch, 64),
		done:    done,
	}
}

func (p *pump) run() {
	for {
		select {
		case b := <-p.notify:
			p.broadcast(b)
		case <-p.done:
			// Flush what the loop already handed off.
			for {
				select {
				case b := <-p.notify:
					p.broadcast(b)
				default:
					log.Printf("[Pump %s] stopped", p.roomID)
					return
				}
			}
		}
	}
}

func (p *pump) publish(b batch) {
	select {
	case p.notify <- b:
	case <-p.done:
	}
}

func (p *pump) broadcast(b batch) {
	var lastPos uint64
	for _, entry := range b.entries {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		seq, err := p.store.NextSequence(ctx, p.roomID)
		cancel()
		if err != nil {
			log.Printf("[Pump %s] sequence for stream %d: %v", p.roomID, entry.Position, err)
			continue
		}
		for _, member := range p.members {
			redacted := cabo.RedactEventFor(entry.Event, member, b.visibility)
			frame, err := codec.EncodeGameEvent(seq, entry.Position, redacted)
			if err != nil {
				log.Printf("[Pump %s] encode %s: %v", p.roomID, entry.Event.Type, err)
				break
			}
			p.sender.SendToSession(member, frame)
		}
		lastPos = entry.Position
	}
	if b.checkpoint && len(b.entries) > 0 {
		p.cutCheckpoint(b.state, lastPos)
	}
}

// cutCheckpoint persists a recovery point at the tail of what was just
// broadcast. The checkpoint burns one sequence number of its own, so a replay
// can order it against the frames around it.
func (p *pump) cutCheckpoint(st cabo.State, streamPos uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	seq, err := p.store.NextSequence(ctx, p.roomID)
	if err != nil {
		log.Printf("[Pump %s] checkpoint sequence: %v", p.roomID, err)
		return
	}
	cp := store.Checkpoint{
		CheckpointID:   checkpointID(p.roomID, seq),
		RoomID:         p.roomID,
		StreamPosition: streamPos,
		SequenceNum:    seq,
		Phase:          st.Phase.String(),
		State:          st,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.SaveCheckpoint(ctx, cp); err != nil {
		log.Printf("[Pump %s] save checkpoint: %v", p.roomID, err)
		return
	}
	log.Printf("[Pump %s] checkpoint %s at stream %d (phase %s)", p.roomID, cp.CheckpointID, streamPos, cp.Phase)
}

func checkpointID(roomID string, seq uint64) string {
	return fmt.Sprintf("%s:%d:%d", roomID, seq, time.Now().UnixMilli())
}
