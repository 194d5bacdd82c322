package cabo

import (
	"time"

	"cabo-lite/card"
)

// Phase 游戏阶段
type Phase byte

const (
	PhaseTypeSetup          Phase = 0
	PhaseTypePlaying        Phase = 1
	PhaseTypeWaitingSpecial Phase = 2
	PhaseTypeKingView       Phase = 3
	PhaseTypeKingSwap       Phase = 4
	PhaseTypeStackCalled    Phase = 5
	PhaseTypeTurnTransition Phase = 6
	PhaseTypeEnded          Phase = 7
)

var PhaseTypeDictionary = map[Phase]string{
	PhaseTypeSetup:          "setup",
	PhaseTypePlaying:        "playing",
	PhaseTypeWaitingSpecial: "waiting_for_special_action",
	PhaseTypeKingView:       "king_view_phase",
	PhaseTypeKingSwap:       "king_swap_phase",
	PhaseTypeStackCalled:    "stack_called",
	PhaseTypeTurnTransition: "turn_transition",
	PhaseTypeEnded:          "ended",
}

func (p Phase) String() string {
	if s, ok := PhaseTypeDictionary[p]; ok {
		return s
	}
	return "unknown"
}

// SpecialType 特殊行动类型 (K 走独立的两段式阶段, 不占用类型位)
type SpecialType byte

const (
	SpecialTypeNone         SpecialType = 0
	SpecialTypeViewOwn      SpecialType = 1
	SpecialTypeViewOpponent SpecialType = 2
	SpecialTypeSwapOpponent SpecialType = 3
)

var SpecialTypeDictionary = map[SpecialType]string{
	SpecialTypeNone:         "none",
	SpecialTypeViewOwn:      "view_own",
	SpecialTypeViewOpponent: "view_opponent",
	SpecialTypeSwapOpponent: "swap_opponent",
}

func (t SpecialType) String() string {
	if s, ok := SpecialTypeDictionary[t]; ok {
		return s
	}
	return "none"
}

// SlotRef 可见性条目: 某个玩家手牌中的一个位置。牌以槽位标识, 交换不迁移可见性。
type SlotRef struct {
	PlayerID string `json:"player_id"`
	Index    int    `json:"index"`
}

// 计时时长
const (
	setupTimeout          = 10 * time.Second
	specialActionTimeout  = 30 * time.Second
	stackTimeout          = 30 * time.Second
	turnTransitionTimeout = 5 * time.Second
)

// DefaultHandSize 起手牌数默认值
const DefaultHandSize = 4

// CaboCards 整副 54 张 (52 + 大小王)
var CaboCards = []card.Card{
	card.CardSpadeA, card.CardSpade2, card.CardSpade3, card.CardSpade4, card.CardSpade5, card.CardSpade6,
	card.CardSpade7, card.CardSpade8, card.CardSpade9, card.CardSpadeT, card.CardSpadeJ, card.CardSpadeQ, card.CardSpadeK,
	card.CardHeartA, card.CardHeart2, card.CardHeart3, card.CardHeart4, card.CardHeart5, card.CardHeart6,
	card.CardHeart7, card.CardHeart8, card.CardHeart9, card.CardHeartT, card.CardHeartJ, card.CardHeartQ, card.CardHeartK,
	card.CardClubA, card.CardClub2, card.CardClub3, card.CardClub4, card.CardClub5, card.CardClub6,
	card.CardClub7, card.CardClub8, card.CardClub9, card.CardClubT, card.CardClubJ, card.CardClubQ, card.CardClubK,
	card.CardDiamondA, card.CardDiamond2, card.CardDiamond3, card.CardDiamond4, card.CardDiamond5, card.CardDiamond6,
	card.CardDiamond7, card.CardDiamond8, card.CardDiamond9, card.CardDiamondT, card.CardDiamondJ, card.CardDiamondQ, card.CardDiamondK,
	card.CardJokerA, card.CardJokerB,
}
