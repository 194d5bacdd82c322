package cabo

import "cabo-lite/card"

// 特殊牌效果: 7/8 看自己一张, 9/10 看对手一张, J/Q 与对手盲换,
// K 先看任意一张再决定换不换。效果结清 (或超时) 后, 若期间有人占了
// 抢牌坑则进入抢牌相位, 否则进入回合过渡。

func specialTypeForCard(c card.Card) SpecialType {
	switch c.Rank() {
	case 7, 8:
		return SpecialTypeViewOwn
	case 9, 10:
		return SpecialTypeViewOpponent
	case 11, 12:
		return SpecialTypeSwapOpponent
	}
	// K 走独立的 king_view/king_swap 相位
	return SpecialTypeNone
}

func (g *Game) handleViewOwnCardLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.specialType != SpecialTypeViewOwn {
		return "Not in view own phase"
	}
	if g.phase != PhaseTypeWaitingSpecial {
		return "Not in special action phase"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	if p == nil {
		return "Player not found"
	}
	if msg.CardIndex < 0 || msg.CardIndex >= p.hand.Count() {
		return "Invalid card index"
	}

	g.grantVisibilityLocked(msg.PlayerID, SlotRef{PlayerID: msg.PlayerID, Index: msg.CardIndex})
	g.clearSpecialActionStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventCardViewed, CardViewedData{
		Player:    p.Name,
		PlayerID:  p.ID,
		Card:      p.hand[msg.CardIndex].String(),
		CardIndex: msg.CardIndex,
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

func (g *Game) handleViewOpponentCardLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.specialType != SpecialTypeViewOpponent {
		return "Not in view opponent phase"
	}
	if g.phase != PhaseTypeWaitingSpecial {
		return "Not in special action phase"
	}
	if msg.TargetID == msg.PlayerID {
		return "Cannot target yourself"
	}
	viewer := g.playerByIDLocked(msg.PlayerID)
	target := g.playerByIDLocked(msg.TargetID)
	if viewer == nil || target == nil {
		return "Target player not found"
	}
	if msg.CardIndex < 0 || msg.CardIndex >= target.hand.Count() {
		return "Invalid card index"
	}

	viewedCard := target.hand[msg.CardIndex]
	g.grantVisibilityLocked(msg.PlayerID, SlotRef{PlayerID: msg.TargetID, Index: msg.CardIndex})
	g.clearSpecialActionStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventOpponentCardViewed, OpponentCardViewedData{
		Viewer:    viewer.Name,
		ViewerID:  viewer.ID,
		Target:    target.Name,
		TargetID:  target.ID,
		Card:      viewedCard.String(),
		CardIndex: msg.CardIndex,
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

func (g *Game) handleSwapCardsLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.specialType != SpecialTypeSwapOpponent {
		return "Not in swap phase"
	}
	if g.phase != PhaseTypeWaitingSpecial {
		return "Not in special action phase"
	}
	if msg.TargetID == msg.PlayerID {
		return "Cannot swap with yourself"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	target := g.playerByIDLocked(msg.TargetID)
	if p == nil || target == nil {
		return "Player not found"
	}
	if msg.OwnIndex < 0 || msg.OwnIndex >= p.hand.Count() {
		return "Invalid own card index"
	}
	if msg.TargetIndex < 0 || msg.TargetIndex >= target.hand.Count() {
		return "Invalid target card index"
	}

	playerCard := p.hand[msg.OwnIndex]
	targetCard := target.hand[msg.TargetIndex]
	p.hand[msg.OwnIndex] = targetCard
	target.hand[msg.TargetIndex] = playerCard

	g.clearSpecialActionStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventCardsSwapped, CardsSwappedData{
		Player:      p.Name,
		PlayerID:    p.ID,
		Target:      target.Name,
		TargetID:    target.ID,
		OwnIndex:    msg.OwnIndex,
		TargetIndex: msg.TargetIndex,
		PlayerCard:  playerCard.String(),
		TargetCard:  targetCard.String(),
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

func (g *Game) handleKingViewCardLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.phase != PhaseTypeKingView {
		return "Not in King view phase"
	}
	viewer := g.playerByIDLocked(msg.PlayerID)
	target := g.playerByIDLocked(msg.TargetID)
	if viewer == nil || target == nil {
		return "Target player not found"
	}
	if msg.CardIndex < 0 || msg.CardIndex >= target.hand.Count() {
		return "Invalid card index"
	}

	// 记下看过的槽位, 供第二段换牌用; 特殊行动计时跨两段继续走
	g.kingViewedCard = target.hand[msg.CardIndex]
	g.kingViewedPlayer = msg.TargetID
	g.kingViewedIndex = msg.CardIndex
	g.grantVisibilityLocked(msg.PlayerID, SlotRef{PlayerID: msg.TargetID, Index: msg.CardIndex})
	g.phase = PhaseTypeKingSwap

	res.Events = append(res.Events, g.eventLocked(EventKingCardViewed, OpponentCardViewedData{
		Viewer:    viewer.Name,
		ViewerID:  viewer.ID,
		Target:    target.Name,
		TargetID:  target.ID,
		Card:      g.kingViewedCard.String(),
		CardIndex: msg.CardIndex,
	}))
	return ""
}

func (g *Game) handleKingSwapCardsLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.phase != PhaseTypeKingSwap {
		return "Not in King swap phase"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	target := g.playerByIDLocked(msg.TargetID)
	if p == nil || target == nil {
		return "Player not found"
	}
	if msg.OwnIndex < 0 || msg.OwnIndex >= p.hand.Count() {
		return "Invalid own card index"
	}
	if msg.TargetIndex < 0 || msg.TargetIndex >= target.hand.Count() {
		return "Invalid target card index"
	}

	playerCard := p.hand[msg.OwnIndex]
	targetCard := target.hand[msg.TargetIndex]
	p.hand[msg.OwnIndex] = targetCard
	target.hand[msg.TargetIndex] = playerCard

	g.clearKingStateLocked()
	g.clearSpecialActionStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventKingCardsSwapped, CardsSwappedData{
		Player:      p.Name,
		PlayerID:    p.ID,
		Target:      target.Name,
		TargetID:    target.ID,
		OwnIndex:    msg.OwnIndex,
		TargetIndex: msg.TargetIndex,
		PlayerCard:  playerCard.String(),
		TargetCard:  targetCard.String(),
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

func (g *Game) handleKingSkipSwapLocked(msg Message, res *Result) string {
	if g.specialPlayer != msg.PlayerID {
		return "Not your special action"
	}
	if g.phase != PhaseTypeKingSwap {
		return "Not in King swap phase"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	if p == nil {
		return "Player not found"
	}

	g.clearKingStateLocked()
	g.clearSpecialActionStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventKingSwapSkipped, KingSwapSkippedData{
		Player:   p.Name,
		PlayerID: p.ID,
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

func (g *Game) handleSpecialActionTimeoutLocked(res *Result) string {
	if g.phase != PhaseTypeWaitingSpecial && g.phase != PhaseTypeKingView && g.phase != PhaseTypeKingSwap {
		return "No special action pending"
	}

	playerID := g.specialPlayer
	g.clearSpecialActionStateLocked()
	g.clearKingStateLocked()

	res.Events = append(res.Events, g.eventLocked(EventSpecialActionTimeout, SpecialActionTimeoutData{
		PlayerID: playerID,
	}))
	g.transitionAfterSpecialLocked(res)
	return ""
}

// transitionAfterSpecialLocked 特殊行动结清后的去向: 有人占了抢牌坑
// 就补开抢牌相位 (stack_called 事件此前已广播, 这里不再发), 否则照常
// 进入回合过渡。
func (g *Game) transitionAfterSpecialLocked(res *Result) {
	if g.stackCaller != "" {
		g.phase = PhaseTypeStackCalled
		g.stackTimerID = g.scheduleTimeoutLocked(MessageTypeStackTimeout, stackTimeout)
		return
	}

	g.phase = PhaseTypeTurnTransition
	g.transitionTimerID = g.scheduleTimeoutLocked(MessageTypeTurnTransitionTimeout, turnTransitionTimeout)
	res.Events = append(res.Events, g.eventLocked(EventGamePhaseChanged, GamePhaseChangedData{
		Phase:         g.phase.String(),
		CurrentPlayer: g.currentPlayerLocked().ID,
	}))
}

func (g *Game) clearSpecialActionStateLocked() {
	g.specialPlayer = ""
	g.specialType = SpecialTypeNone
	g.dropTimerLocked(g.specialTimerID)
	g.specialTimerID = 0
}

func (g *Game) clearKingStateLocked() {
	g.kingViewedCard = card.CardInvalid
	g.kingViewedPlayer = ""
	g.kingViewedIndex = -1
}
