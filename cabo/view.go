package cabo

import (
	"sort"

	"cabo-lite/card"
)

// View 某个玩家视角下的对局状态。手牌只给张数, 已知牌面通过
// visible_cards 列出; 别人的摸牌永远不可见。
type View struct {
	GameID        string             `json:"game_id"`
	Phase         string             `json:"phase"`
	CurrentPlayer string             `json:"current_player"`
	Players       []PlayerView       `json:"players"`
	DeckSize      int                `json:"deck_size"`
	DiscardTop    string             `json:"discard_top,omitempty"`
	DrawnCard     string             `json:"drawn_card,omitempty"`
	StackCaller   string             `json:"stack_caller,omitempty"`
	CaboCaller    string             `json:"cabo_caller,omitempty"`
	Winner        string             `json:"winner,omitempty"`
	SpecialAction *SpecialActionView `json:"special_action,omitempty"`
}

type PlayerView struct {
	PlayerID      string        `json:"player_id"`
	Name          string        `json:"name"`
	HandSize      int           `json:"hand_size"`
	HasCalledCabo bool          `json:"has_called_cabo"`
	VisibleCards  []VisibleCard `json:"visible_cards,omitempty"`
}

// VisibleCard 请求者可见的一个槽位及其当前牌面
type VisibleCard struct {
	TargetPlayerID string `json:"target_player_id"`
	CardIndex      int    `json:"card_index"`
	Card           string `json:"card"`
}

type SpecialActionView struct {
	Player string `json:"player"`
	Type   string `json:"type"`
}

// ViewFor 生成 requester 视角的状态。requester 不在局内时返回 false。
func (g *Game) ViewFor(requester string) (View, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.playerByIDLocked(requester) == nil {
		return View{}, false
	}

	v := View{
		GameID:        g.id,
		Phase:         g.phase.String(),
		CurrentPlayer: g.currentPlayerLocked().ID,
		DeckSize:      g.deck.Count(),
		StackCaller:   g.stackCaller,
		CaboCaller:    g.caboCaller,
		Winner:        g.winner,
	}
	if n := g.discard.Count(); n > 0 {
		v.DiscardTop = g.discard[n-1].String()
	}
	if g.drawnCard != card.CardInvalid && requester == g.currentPlayerLocked().ID {
		v.DrawnCard = g.drawnCard.String()
	}
	if g.specialPlayer != "" {
		v.SpecialAction = &SpecialActionView{Player: g.specialPlayer, Type: g.specialType.String()}
	}

	for _, p := range g.players {
		pv := PlayerView{
			PlayerID:      p.ID,
			Name:          p.Name,
			HandSize:      p.hand.Count(),
			HasCalledCabo: p.hasCalledCabo,
		}
		if p.ID == requester {
			pv.VisibleCards = g.visibleCardsLocked(requester)
		}
		v.Players = append(v.Players, pv)
	}
	return v, true
}

// ViewFromState 从快照生成 requester 视角的状态, 用于检查点下发等
// 没有活引擎的场合。语义与 ViewFor 一致。
func ViewFromState(st State, requester string) (View, bool) {
	idx := -1
	for i, p := range st.Players {
		if p.PlayerID == requester {
			idx = i
			break
		}
	}
	if idx < 0 {
		return View{}, false
	}

	v := View{
		GameID:      st.GameID,
		Phase:       st.Phase.String(),
		DeckSize:    len(st.Deck),
		StackCaller: st.StackCaller,
		CaboCaller:  st.CaboCaller,
		Winner:      st.Winner,
	}
	var current string
	if st.CurrentIdx >= 0 && st.CurrentIdx < len(st.Players) {
		current = st.Players[st.CurrentIdx].PlayerID
	}
	v.CurrentPlayer = current
	if n := len(st.Discard); n > 0 {
		v.DiscardTop = card.Card(st.Discard[n-1]).String()
	}
	if card.Card(st.DrawnCard) != card.CardInvalid && requester == current {
		v.DrawnCard = card.Card(st.DrawnCard).String()
	}
	if st.SpecialPlayer != "" {
		v.SpecialAction = &SpecialActionView{Player: st.SpecialPlayer, Type: st.SpecialType.String()}
	}

	hands := make(map[string][]byte, len(st.Players))
	for _, p := range st.Players {
		hands[p.PlayerID] = p.Hand
	}
	for _, p := range st.Players {
		pv := PlayerView{
			PlayerID:      p.PlayerID,
			Name:          p.Name,
			HandSize:      len(p.Hand),
			HasCalledCabo: p.HasCalledCabo,
		}
		if p.PlayerID == requester {
			pv.VisibleCards = stateVisibleCards(st, requester, hands)
		}
		v.Players = append(v.Players, pv)
	}
	return v, true
}

func stateVisibleCards(st State, viewer string, hands map[string][]byte) []VisibleCard {
	var out []VisibleCard
	for _, entry := range st.Viewed {
		if entry.Viewer != viewer {
			continue
		}
		for _, slot := range entry.Slots {
			hand, ok := hands[slot.PlayerID]
			if !ok || slot.Index < 0 || slot.Index >= len(hand) {
				continue
			}
			out = append(out, VisibleCard{
				TargetPlayerID: slot.PlayerID,
				CardIndex:      slot.Index,
				Card:           card.Card(hand[slot.Index]).String(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetPlayerID != out[j].TargetPlayerID {
			return out[i].TargetPlayerID < out[j].TargetPlayerID
		}
		return out[i].CardIndex < out[j].CardIndex
	})
	return out
}

// visibleCardsLocked 展开 viewer 的可见槽位。手牌长度会因罚摸/抢牌
// 而变化, 越界的陈旧槽位直接跳过。
func (g *Game) visibleCardsLocked(viewer string) []VisibleCard {
	slots := g.viewed[viewer]
	if len(slots) == 0 {
		return nil
	}
	out := make([]VisibleCard, 0, len(slots))
	for slot := range slots {
		owner := g.playerByIDLocked(slot.PlayerID)
		if owner == nil || slot.Index < 0 || slot.Index >= owner.hand.Count() {
			continue
		}
		out = append(out, VisibleCard{
			TargetPlayerID: slot.PlayerID,
			CardIndex:      slot.Index,
			Card:           owner.hand[slot.Index].String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetPlayerID != out[j].TargetPlayerID {
			return out[i].TargetPlayerID < out[j].TargetPlayerID
		}
		return out[i].CardIndex < out[j].CardIndex
	})
	return out
}
