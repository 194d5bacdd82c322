package cabo

import (
	"reflect"
	"testing"

	"cabo-lite/card"
)

// 摸牌只有摸牌人可见, 打出的牌全桌公开。裁剪不改原事件。
func TestRedactCardDrawnForOthers(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-redact-draw",
		Seats:             threeSeats(),
		Seed:              1,
		DeckOverride:      specialDeck(card.CardClub5),
		ForcedStartPlayer: "p1",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res := g.Process(now)
	requireNoRejections(t, res)

	vis := g.VisibilitySnapshot()
	drawn := findEvent(t, res, EventCardDrawn)

	own := RedactEventFor(drawn, "p1", vis).Data.(CardDrawnData)
	if own.Card != "5♣" {
		t.Fatalf("drawer should keep the card, got %q", own.Card)
	}
	other := RedactEventFor(drawn, "p2", vis).Data.(CardDrawnData)
	if other.Card != HiddenCard {
		t.Fatalf("bystander should get %q, got %q", HiddenCard, other.Card)
	}
	if drawn.Data.(CardDrawnData).Card != "5♣" {
		t.Fatal("redaction mutated the original event")
	}

	played := findEvent(t, res, EventCardPlayed)
	public := RedactEventFor(played, "p3", vis)
	if !reflect.DeepEqual(public, played) {
		t.Fatalf("card_played should pass through untouched, got %+v", public)
	}
}

// 偷看事件只有偷看人拿到牌面。
func TestRedactViewEventsViewerOnly(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-redact-view",
		Seats:             threeSeats(),
		Seed:              1,
		DeckOverride:      specialDeck(card.CardHeart7),
		ForcedStartPlayer: "p1",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res := g.Process(now)
	requireNoRejections(t, res)

	g.Submit(Message{Type: MessageTypeViewOwnCard, PlayerID: "p1", CardIndex: 1})
	res = g.Process(now)
	requireNoRejections(t, res)

	vis := g.VisibilitySnapshot()
	viewed := findEvent(t, res, EventCardViewed)

	own := RedactEventFor(viewed, "p1", vis).Data.(CardViewedData)
	if own.Card != "2♣" || own.CardIndex != 1 {
		t.Fatalf("viewer should keep the card, got %+v", own)
	}
	other := RedactEventFor(viewed, "p2", vis).Data.(CardViewedData)
	if other.Card != HiddenCard {
		t.Fatalf("bystander should get %q, got %q", HiddenCard, other.Card)
	}
}

func TestRedactOpponentViewViewerOnly(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-redact-opview",
		Seats:             threeSeats(),
		Seed:              1,
		DeckOverride:      specialDeck(card.CardHeart9),
		ForcedStartPlayer: "p1",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	res := g.Process(now)
	requireNoRejections(t, res)

	g.Submit(Message{Type: MessageTypeViewOpponentCard, PlayerID: "p1", TargetID: "p2", CardIndex: 0})
	res = g.Process(now)
	requireNoRejections(t, res)

	vis := g.VisibilitySnapshot()
	viewed := findEvent(t, res, EventOpponentCardViewed)

	own := RedactEventFor(viewed, "p1", vis).Data.(OpponentCardViewedData)
	if own.Card != "A♦" {
		t.Fatalf("viewer should keep the card, got %q", own.Card)
	}
	// 被看的人自己也不知道哪张被看走了牌面
	target := RedactEventFor(viewed, "p2", vis).Data.(OpponentCardViewedData)
	if target.Card != HiddenCard {
		t.Fatalf("target should get %q, got %q", HiddenCard, target.Card)
	}
}

// 换牌裁剪按槽位走: 可见性钉在 (owner, index) 上, 不随牌移动。
// 盯着 (p1,2) 的人在换牌后看到的是落进该槽位的新牌。
func TestRedactSwapBySlotVisibility(t *testing.T) {
	st := State{
		GameID:   "g-redact-swap",
		Seed:     7,
		HandSize: 3,
		Phase:    PhaseTypeWaitingSpecial,
		Players: []PlayerState{
			{PlayerID: "p1", Name: "Alice", Hand: card.Cards2bytes([]card.Card{card.CardSpadeA, card.CardSpade2, card.CardSpade3})},
			{PlayerID: "p2", Name: "Bob", Hand: card.Cards2bytes([]card.Card{card.CardHeartA, card.CardHeart2, card.CardHeart3})},
		},
		CurrentIdx:      1,
		PlayedCard:      byte(card.CardClubJ),
		SpecialPlayer:   "p2",
		SpecialType:     SpecialTypeSwapOpponent,
		KingViewedIndex: -1,
		Viewed: []VisibilityEntry{
			{Viewer: "p1", Slots: []SlotRef{{PlayerID: "p1", Index: 2}}},
		},
	}
	g, err := NewGameFromState(st)
	if err != nil {
		t.Fatalf("NewGameFromState err: %v", err)
	}

	// p2 用自己的 2♥ 换走 p1 的 3♠
	g.Submit(Message{Type: MessageTypeSwapCards, PlayerID: "p2", TargetID: "p1", OwnIndex: 1, TargetIndex: 2})
	res := g.Process(testStart)
	requireNoRejections(t, res)

	ev := findEvent(t, res, EventCardsSwapped)
	sd := ev.Data.(CardsSwappedData)
	if sd.PlayerCard != "2♥" || sd.TargetCard != "3♠" {
		t.Fatalf("unexpected swap payload: %+v", sd)
	}

	vis := g.VisibilitySnapshot()
	if !vis.sees("p1", SlotRef{PlayerID: "p1", Index: 2}) {
		t.Fatal("slot visibility should survive the swap")
	}
	if vis.sees("p1", SlotRef{PlayerID: "p2", Index: 1}) {
		t.Fatal("visibility must not follow the card to its new slot")
	}

	// p1 盯着 (p1,2): 换进来的 PlayerCard 可见, 换出去的 TargetCard 不可见
	forP1 := RedactEventFor(ev, "p1", vis).Data.(CardsSwappedData)
	if forP1.PlayerCard != "2♥" {
		t.Fatalf("p1 should see the card landing in (p1,2), got %q", forP1.PlayerCard)
	}
	if forP1.TargetCard != HiddenCard {
		t.Fatalf("p1 should not see the card leaving for (p2,1), got %q", forP1.TargetCard)
	}

	// 换牌人自己没有任何可见槽位, 两张都被遮
	forP2 := RedactEventFor(ev, "p2", vis).Data.(CardsSwappedData)
	if forP2.PlayerCard != HiddenCard || forP2.TargetCard != HiddenCard {
		t.Fatalf("p2 has no visible slots, got %+v", forP2)
	}

	// 视图在 (p1,2) 处给出换进来的新牌
	view, ok := g.ViewFor("p1")
	if !ok {
		t.Fatal("p1 should be in game")
	}
	var vc []VisibleCard
	for _, pv := range view.Players {
		if pv.PlayerID == "p1" {
			vc = pv.VisibleCards
		}
	}
	want := []VisibleCard{{TargetPlayerID: "p1", CardIndex: 2, Card: "2♥"}}
	if !reflect.DeepEqual(vc, want) {
		t.Fatalf("visible cards = %+v, want %+v", vc, want)
	}
}

// 从快照重建可见性, 给恢复路径上的补发用。
func TestStateVisibilityMatchesLive(t *testing.T) {
	g, now := newStartedGame(t, Config{
		GameID:            "g-redact-state",
		Seats:             threeSeats(),
		Seed:              1,
		DeckOverride:      specialDeck(card.CardHeart7),
		ForcedStartPlayer: "p1",
	})

	g.Submit(Message{Type: MessageTypeDrawCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypePlayDrawnCard, PlayerID: "p1"})
	g.Submit(Message{Type: MessageTypeViewOwnCard, PlayerID: "p1", CardIndex: 0})
	res := g.Process(now)
	requireNoRejections(t, res)

	live := g.VisibilitySnapshot()
	fromState := StateVisibility(g.Snapshot())
	if !reflect.DeepEqual(live, fromState) {
		t.Fatalf("visibility mismatch:\nlive  %+v\nstate %+v", live, fromState)
	}
	if !fromState.sees("p1", SlotRef{PlayerID: "p1", Index: 0}) {
		t.Fatal("rebuilt visibility lost the viewed slot")
	}
}
