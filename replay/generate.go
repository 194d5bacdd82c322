package replay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"cabo-lite/cabo"
)

const defaultGameID = "replay_local"

// 磁带时钟从纪元零点起步, wait 步把它拨到下一个到期定时器
var tapeEpoch = time.Unix(0, 0).UTC()

// GenerateReplayTape 把 TapeSpec 走一遍全新引擎, 产出帧序列。
// 任何一步被引擎拒绝都会中止并返回带步序号的 ReplayError。
func GenerateReplayTape(spec TapeSpec) (*ReplayTape, error) {
	ns, err := normalizeSpec(spec)
	if err != nil {
		return nil, err
	}

	seats := make([]cabo.Seat, 0, len(ns.seats))
	for _, s := range ns.seats {
		seats = append(seats, cabo.Seat{PlayerID: s.playerID, Name: s.name})
	}
	game, err := cabo.NewGame(cabo.Config{
		GameID:            ns.gameID,
		Seats:             seats,
		HandSize:          ns.handSize,
		Seed:              ns.seed,
		DeckOverride:      ns.deck,
		ForcedStartPlayer: ns.startPlayer,
	})
	if err != nil {
		return nil, &ReplayError{StepIndex: -1, Reason: "engine_init_failed", Message: err.Error()}
	}

	builder := newTapeBuilder(ns.gameID)
	now := tapeEpoch
	res := game.Start(now)
	builder.addState(game.Snapshot())
	builder.addEvents(res.Events)

	for stepIdx, action := range ns.actions {
		if action.wait {
			next := game.NextDeadline()
			if next.IsZero() {
				return nil, &ReplayError{
					StepIndex: int32(stepIdx),
					Reason:    "no_pending_timer",
					Message:   "wait step but no timer is armed",
					Expected:  expectedState(game),
				}
			}
			now = next
		} else {
			game.Submit(action.msg)
		}

		res = game.Process(now)
		if len(res.Rejections) > 0 {
			rej := res.Rejections[0]
			return nil, &ReplayError{
				StepIndex: int32(stepIdx),
				Reason:    "action_rejected",
				Message:   fmt.Sprintf("%s: %s", rej.Action, rej.Reason),
				Expected:  expectedState(game),
			}
		}
		builder.addEvents(res.Events)
	}

	return &ReplayTape{
		TapeVersion: 1,
		GameID:      builder.gameID,
		Events:      builder.events,
	}, nil
}

func expectedState(g *cabo.Game) *ExpectedState {
	st := g.Snapshot()
	out := &ExpectedState{
		Phase:         st.Phase.String(),
		CurrentPlayer: g.CurrentPlayerID(),
		SpecialPlayer: st.SpecialPlayer,
		StackCaller:   st.StackCaller,
	}
	if st.SpecialType != cabo.SpecialTypeNone {
		out.SpecialType = st.SpecialType.String()
	}
	return out
}

type tapeBuilder struct {
	gameID string
	seq    uint64
	events []ReplayEvent
}

func newTapeBuilder(gameID string) *tapeBuilder {
	return &tapeBuilder{
		gameID: gameID,
		events: make([]ReplayEvent, 0, 64),
	}
}

func (b *tapeBuilder) addState(st cabo.State) {
	b.seq++
	b.events = append(b.events, ReplayEvent{
		Type:     "state",
		Seq:      b.seq,
		State:    &st,
		FrameB64: encodeFrame(st),
	})
}

func (b *tapeBuilder) addEvents(events []cabo.Event) {
	for i := range events {
		ev := events[i]
		b.seq++
		b.events = append(b.events, ReplayEvent{
			Type:     ev.Type,
			Seq:      b.seq,
			Event:    &ev,
			FrameB64: encodeFrame(ev),
		})
	}
}

func encodeFrame(v any) string {
	raw, _ := json.Marshal(v)
	return base64.StdEncoding.EncodeToString(raw)
}
