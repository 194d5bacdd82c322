package cabo

import (
	"fmt"
	"sort"
	"time"

	"cabo-lite/card"
)

// State 引擎的完整可序列化状态。牌以字节存储, 定时器存绝对到期时刻,
// 宕机期间到期的定时器会在恢复后的第一次 Process 里补触发。
type State struct {
	GameID   string `json:"game_id"`
	Seed     int64  `json:"seed"`
	HandSize int    `json:"hand_size"`
	Phase    Phase  `json:"phase"`

	Players []PlayerState `json:"players"`
	Deck    []byte        `json:"deck"`
	Discard []byte        `json:"discard"`

	CurrentIdx int  `json:"current_idx"`
	DrawnCard  byte `json:"drawn_card"`
	PlayedCard byte `json:"played_card"`

	StackCaller   string      `json:"stack_caller,omitempty"`
	SpecialPlayer string      `json:"special_player,omitempty"`
	SpecialType   SpecialType `json:"special_type,omitempty"`

	KingViewedCard   byte   `json:"king_viewed_card"`
	KingViewedPlayer string `json:"king_viewed_player,omitempty"`
	KingViewedIndex  int    `json:"king_viewed_index"`

	CaboCaller string `json:"cabo_caller,omitempty"`
	Winner     string `json:"winner,omitempty"`

	TimerSeq          uint64       `json:"timer_seq"`
	SetupTimerID      uint64       `json:"setup_timer_id,omitempty"`
	StackTimerID      uint64       `json:"stack_timer_id,omitempty"`
	SpecialTimerID    uint64       `json:"special_timer_id,omitempty"`
	TransitionTimerID uint64       `json:"transition_timer_id,omitempty"`
	Timers            []TimerState `json:"timers,omitempty"`

	Viewed []VisibilityEntry `json:"viewed,omitempty"`
}

type PlayerState struct {
	PlayerID      string `json:"player_id"`
	Name          string `json:"name"`
	Hand          []byte `json:"hand"`
	HasCalledCabo bool   `json:"has_called_cabo"`
}

type TimerState struct {
	ID        uint64      `json:"id"`
	Type      MessageType `json:"type"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type VisibilityEntry struct {
	Viewer string    `json:"viewer"`
	Slots  []SlotRef `json:"slots"`
}

// Snapshot 深拷贝当前状态。应在两次 Process 之间调用, 此时内部消息队列为空;
// 队列里尚未结算的消息不会进快照。
func (g *Game) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := State{
		GameID:   g.id,
		Seed:     g.seed,
		HandSize: g.handSize,
		Phase:    g.phase,

		Deck:    g.deck.CardsBytes(),
		Discard: g.discard.CardsBytes(),

		CurrentIdx: g.currentIdx,
		DrawnCard:  byte(g.drawnCard),
		PlayedCard: byte(g.playedCard),

		StackCaller:   g.stackCaller,
		SpecialPlayer: g.specialPlayer,
		SpecialType:   g.specialType,

		KingViewedCard:   byte(g.kingViewedCard),
		KingViewedPlayer: g.kingViewedPlayer,
		KingViewedIndex:  g.kingViewedIndex,

		CaboCaller: g.caboCaller,
		Winner:     g.winner,

		TimerSeq:          g.timerSeq,
		SetupTimerID:      g.setupTimerID,
		StackTimerID:      g.stackTimerID,
		SpecialTimerID:    g.specialTimerID,
		TransitionTimerID: g.transitionTimerID,
	}

	for _, p := range g.players {
		st.Players = append(st.Players, PlayerState{
			PlayerID:      p.ID,
			Name:          p.Name,
			Hand:          p.hand.CardsBytes(),
			HasCalledCabo: p.hasCalledCabo,
		})
	}

	for id, pt := range g.pendingTimeouts {
		st.Timers = append(st.Timers, TimerState{ID: id, Type: pt.msgType, ExpiresAt: pt.expiresAt})
	}
	sort.Slice(st.Timers, func(i, j int) bool { return st.Timers[i].ID < st.Timers[j].ID })

	for viewer, slots := range g.viewed {
		entry := VisibilityEntry{Viewer: viewer}
		for slot := range slots {
			entry.Slots = append(entry.Slots, slot)
		}
		sort.Slice(entry.Slots, func(i, j int) bool {
			if entry.Slots[i].PlayerID != entry.Slots[j].PlayerID {
				return entry.Slots[i].PlayerID < entry.Slots[j].PlayerID
			}
			return entry.Slots[i].Index < entry.Slots[j].Index
		})
		st.Viewed = append(st.Viewed, entry)
	}
	sort.Slice(st.Viewed, func(i, j int) bool { return st.Viewed[i].Viewer < st.Viewed[j].Viewer })

	return st
}

// NewGameFromState 从快照重建引擎, 不触发任何事件。rng 以原 seed 重新播种
// (恢复后只有 SETUP 期的随机起手位还会用到它)。
func NewGameFromState(st State) (*Game, error) {
	if len(st.Players) < 2 {
		return nil, ErrInvalidState(fmt.Sprintf("state has %d players, need at least 2", len(st.Players)))
	}
	if st.CurrentIdx < 0 || st.CurrentIdx >= len(st.Players) {
		return nil, ErrInvalidState(fmt.Sprintf("current index %d out of range", st.CurrentIdx))
	}
	if _, ok := PhaseTypeDictionary[st.Phase]; !ok {
		return nil, ErrInvalidState(fmt.Sprintf("unknown phase %d", st.Phase))
	}

	seats := make([]Seat, 0, len(st.Players))
	for _, ps := range st.Players {
		seats = append(seats, Seat{PlayerID: ps.PlayerID, Name: ps.Name})
	}
	g, err := NewGame(Config{
		GameID:   st.GameID,
		Seats:    seats,
		HandSize: st.HandSize,
		Seed:     st.Seed,
	})
	if err != nil {
		return nil, err
	}

	g.phase = st.Phase
	g.deck.Init(card.Bytes2cards(st.Deck))
	g.discard.Init(card.Bytes2cards(st.Discard))

	for i, ps := range st.Players {
		g.players[i].hand.Init(card.Bytes2cards(ps.Hand))
		g.players[i].hasCalledCabo = ps.HasCalledCabo
	}

	g.currentIdx = st.CurrentIdx
	g.drawnCard = card.Card(st.DrawnCard)
	g.playedCard = card.Card(st.PlayedCard)

	g.stackCaller = st.StackCaller
	g.specialPlayer = st.SpecialPlayer
	g.specialType = st.SpecialType

	g.kingViewedCard = card.Card(st.KingViewedCard)
	g.kingViewedPlayer = st.KingViewedPlayer
	g.kingViewedIndex = st.KingViewedIndex

	g.caboCaller = st.CaboCaller
	g.winner = st.Winner

	g.timerSeq = st.TimerSeq
	g.setupTimerID = st.SetupTimerID
	g.stackTimerID = st.StackTimerID
	g.specialTimerID = st.SpecialTimerID
	g.transitionTimerID = st.TransitionTimerID
	for _, ts := range st.Timers {
		g.pendingTimeouts[ts.ID] = pendingTimer{msgType: ts.Type, expiresAt: ts.ExpiresAt}
	}

	for _, entry := range st.Viewed {
		for _, slot := range entry.Slots {
			g.grantVisibilityLocked(entry.Viewer, slot)
		}
	}
	return g, nil
}
