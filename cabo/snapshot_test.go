package cabo

import (
	"encoding/json"
	"reflect"
	"testing"

	"cabo-lite/card"
)

// 快照 -> 恢复 -> 快照 必须逐字段稳定。
func TestSnapshotRoundTripIsStable(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-snap",
		Seats:             threeSeats(),
		Seed:              42,
		DeckOverride:      specialDeck(card.CardHeart9),
		ForcedStartPlayer: "p1",
	})

	// 推进到一个状态字段尽量丰富的时刻: 特殊行动挂起 + 抢牌占坑
	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypeCallStack, PlayerID: "p3"})
	res := g.Process(now)
	requireNoRejections(t, res)

	first := g.Snapshot()
	restored, err := NewGameFromState(first)
	if err != nil {
		t.Fatalf("NewGameFromState err: %v", err)
	}
	second := restored.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshot not stable across restore\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

// JSON 落盘再载入等价于直接恢复 (持久层存的就是这份 JSON)。
func TestSnapshotSurvivesJSON(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-snap-json",
		Seats:             threeSeats(),
		Seed:              42,
		DeckOverride:      specialDeck(card.CardSpadeK),
		ForcedStartPlayer: "p2",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p2"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p2"})
	g.Submit(Message{Type: MessageTypeKingViewCard, PlayerID: "p2", TargetID: "p1", CardIndex: 1})
	res := g.Process(now)
	requireNoRejections(t, res)

	st := g.Snapshot()
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	var loaded State
	if err := json.Unmarshal(raw, &loaded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if !reflect.DeepEqual(st, loaded) {
		t.Fatalf("state changed through JSON\nwant: %+v\ngot:  %+v", st, loaded)
	}

	restored, err := NewGameFromState(loaded)
	if err != nil {
		t.Fatalf("NewGameFromState err: %v", err)
	}
	if restored.Phase() != PhaseTypeKingSwap {
		t.Fatalf("restored phase = %v, want king_swap_phase", restored.Phase())
	}
	if !restored.VisibilitySnapshot().sees("p2", SlotRef{PlayerID: "p1", Index: 1}) {
		t.Fatal("visibility lost through JSON round trip")
	}
}

// 恢复后继续打, 事件与终态和不中断的对照局一致。
func TestRestoredGameContinuesIdentically(t *testing.T) {
	cfg := Config{
		GameID:            "g-cont",
		Seats:             threeSeats(),
		Seed:              42,
		DeckOverride:      specialDeck(card.CardHeart3, card.CardClub5),
		ForcedStartPlayer: "p1",
	}

	// 对照局: 一口气打完一手并轮转
	ref, now := newStartedGame(t, cfg)
	ref.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	ref.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res := ref.Process(now)
	requireNoRejections(t, res)
	res = ref.Process(now.Add(turnTransitionTimeout))
	requireNoRejections(t, res)
	wantEvents := res.Events
	wantState := ref.Snapshot()

	// 实验局: 打到一半落盘恢复, 再继续
	g, now2 := newStartedGame(t, cfg)
	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res = g.Process(now2)
	requireNoRejections(t, res)

	restored, err := NewGameFromState(g.Snapshot())
	if err != nil {
		t.Fatalf("NewGameFromState err: %v", err)
	}
	res = restored.Process(now2.Add(turnTransitionTimeout))
	requireNoRejections(t, res)

	if !reflect.DeepEqual(res.Events, wantEvents) {
		t.Fatalf("restored run diverged:\nwant %+v\ngot  %+v", wantEvents, res.Events)
	}
	if !reflect.DeepEqual(restored.Snapshot(), wantState) {
		t.Fatal("restored final state differs from uninterrupted run")
	}
}

// 宕机期间错过的到期定时器, 恢复后第一次 Process 就补结算。
func TestRestoreFiresTimersMissedWhileDown(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-missed",
		Seats:             threeSeats(),
		Seed:              42,
		DeckOverride:      specialDeck(card.CardHeart3),
		ForcedStartPlayer: "p1",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res := g.Process(now)
	requireNoRejections(t, res)
	if g.Phase() != PhaseTypeTurnTransition {
		t.Fatalf("phase = %v, want turn_transition", g.Phase())
	}

	restored, err := NewGameFromState(g.Snapshot())
	if err != nil {
		t.Fatalf("NewGameFromState err: %v", err)
	}

	// 恢复发生在计时早已过点之后
	res = restored.Process(now.Add(10 * turnTransitionTimeout))
	requireNoRejections(t, res)
	if !hasEvent(res, EventTurnChanged) {
		t.Fatalf("missed transition timer did not fire, events: %v", eventTypes(res))
	}
	if restored.CurrentPlayerID() != "p2" {
		t.Fatalf("current = %s, want p2", restored.CurrentPlayerID())
	}
}

func TestHealClearsImpossibleCombinations(t *testing.T) {
	st := State{
		GameID:   "g-heal",
		Seed:     1,
		HandSize: 2,
		Phase:    PhaseTypeKingView,
		Players: []PlayerState{
			{PlayerID: "p1", Name: "Alice", Hand: card.Cards2bytes([]card.Card{card.CardSpadeA, card.CardSpade2})},
			{PlayerID: "p2", Name: "Bob", Hand: card.Cards2bytes([]card.Card{card.CardHeartA, card.CardHeart2})},
		},
		DrawnCard:       byte(card.CardClub9), // K 相位不可能还有摸起的牌
		SpecialPlayer:   "p1",
		KingViewedIndex: -1,
		SpecialTimerID:  99, // 列表里没有对应条目
	}

	fixes := Heal(&st)
	if len(fixes) == 0 {
		t.Fatal("expected heal fixes")
	}
	if st.DrawnCard != byte(card.CardInvalid) {
		t.Fatal("drawn card should be cleared in king phase")
	}
	if st.SpecialTimerID != 0 {
		t.Fatal("dangling timer id should be cleared")
	}
	// 特殊相位里的 special_player 合法, 不应被动
	if st.SpecialPlayer != "p1" {
		t.Fatal("special player wrongly cleared")
	}

	if _, err := NewGameFromState(st); err != nil {
		t.Fatalf("healed state should load: %v", err)
	}
}

func TestHealClearsSpecialOutsideSpecialPhase(t *testing.T) {
	st := State{
		GameID:   "g-heal2",
		Seed:     1,
		HandSize: 2,
		Phase:    PhaseTypePlaying,
		Players: []PlayerState{
			{PlayerID: "p1", Name: "Alice", Hand: card.Cards2bytes([]card.Card{card.CardSpadeA, card.CardSpade2})},
			{PlayerID: "p2", Name: "Bob", Hand: card.Cards2bytes([]card.Card{card.CardHeartA, card.CardHeart2})},
		},
		SpecialPlayer:    "p1",
		SpecialType:      SpecialTypeViewOwn,
		StackCaller:      "p2",
		KingViewedCard:   byte(card.CardClub9),
		KingViewedPlayer: "p2",
		KingViewedIndex:  1,
	}

	Heal(&st)
	if st.SpecialPlayer != "" || st.SpecialType != SpecialTypeNone {
		t.Fatal("special fields should be cleared outside special phases")
	}
	if st.StackCaller != "" {
		t.Fatal("stack caller should be cleared outside stack phase")
	}
	if st.KingViewedPlayer != "" || st.KingViewedIndex != -1 {
		t.Fatal("king viewed fields should be cleared outside king_swap")
	}
}

// 载入畸形快照必须报 invalid state, 而不是带病运行。
func TestRestoreRejectsBrokenState(t *testing.T) {
	st := State{
		GameID:   "g-broken",
		Seed:     1,
		HandSize: 2,
		Phase:    PhaseTypePlaying,
		Players: []PlayerState{
			{PlayerID: "p1", Name: "Alice"},
			{PlayerID: "p2", Name: "Bob"},
		},
		CurrentIdx:      5,
		KingViewedIndex: -1,
	}
	if _, err := NewGameFromState(st); err == nil {
		t.Fatal("expected error for out-of-range current index")
	} else if _, ok := err.(InvalidStateError); !ok {
		t.Fatalf("expected InvalidStateError, got %T: %v", err, err)
	}

	st.CurrentIdx = 0
	st.Players = st.Players[:1]
	if _, err := NewGameFromState(st); err == nil {
		t.Fatal("expected error for single-player state")
	}
}
