package cabo

import "cabo-lite/card"

// Stack 抢牌分两段: 任何人先 call_stack 占坑, 再由占坑者 execute_stack
// 指定自己手里的一张牌。点数与刚打出的牌相同则成功 (弃掉或塞给对手),
// 否则罚摸一张。特殊行动期间的占坑先挂账, 等行动结清后再进入抢牌相位。

func (g *Game) handleCallStackLocked(msg Message, res *Result) string {
	if g.phase == PhaseTypeEnded {
		return "Game has ended"
	}
	if g.playedCard == card.CardInvalid {
		return "No card to stack on"
	}
	if g.phase == PhaseTypeStackCalled || g.stackCaller != "" {
		return "Another player already called STACK"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	if p == nil {
		return "Player not found"
	}

	// 特殊行动未结清: 只记下占坑人, 相位不动
	if g.phase == PhaseTypeWaitingSpecial || g.phase == PhaseTypeKingView || g.phase == PhaseTypeKingSwap {
		g.stackCaller = msg.PlayerID
		res.Events = append(res.Events, g.eventLocked(EventStackCalled, StackCalledData{
			Caller:     p.Name,
			CallerID:   msg.PlayerID,
			TargetCard: g.playedCard.String(),
		}))
		return ""
	}

	g.phase = PhaseTypeStackCalled
	g.stackCaller = msg.PlayerID
	g.stackTimerID = g.scheduleTimeoutLocked(MessageTypeStackTimeout, stackTimeout)
	g.dropTimerLocked(g.transitionTimerID)
	g.transitionTimerID = 0

	res.Events = append(res.Events, g.eventLocked(EventStackCalled, StackCalledData{
		Caller:     p.Name,
		CallerID:   msg.PlayerID,
		TargetCard: g.playedCard.String(),
	}))
	return ""
}

func (g *Game) handleExecuteStackLocked(msg Message, res *Result) string {
	if g.stackCaller != msg.PlayerID {
		return "You did not call STACK"
	}
	if g.phase != PhaseTypeStackCalled {
		return "Not in stack phase"
	}
	p := g.playerByIDLocked(msg.PlayerID)
	if p == nil {
		return "Player not found"
	}
	if msg.CardIndex < 0 || msg.CardIndex >= p.hand.Count() {
		return "Invalid card index"
	}

	// 目标校验先于任何状态改动, 拒绝必须零副作用
	var target *Player
	if msg.HasTarget {
		target = g.playerByIDLocked(msg.TargetID)
		if target == nil {
			return "Target player not found"
		}
	}

	stackCard := p.hand[msg.CardIndex]
	playedCard := g.playedCard

	g.clearStackStateLocked()
	g.queue = append(g.queue, Message{Type: MessageTypeNextTurn})

	if stackCard.Rank() != playedCard.Rank() {
		// 抢错: 罚摸一张
		penalty := g.deck.PopCard()
		if penalty != card.CardInvalid {
			p.hand.Add(penalty)
		}
		res.Events = append(res.Events, g.eventLocked(EventStackFailed, StackFailedData{
			Player:        p.Name,
			PlayerID:      p.ID,
			AttemptedCard: stackCard.String(),
			Penalty:       penalty != card.CardInvalid,
		}))
		return ""
	}

	if target == nil {
		// 抢自己: 直接弃掉
		p.hand.RemoveAt(msg.CardIndex)
		g.discard.Add(stackCard)
		res.Events = append(res.Events, g.eventLocked(EventStackSuccess, StackSuccessData{
			Type:          "self_stack",
			Player:        p.Name,
			PlayerID:      p.ID,
			DiscardedCard: stackCard.String(),
		}))
		return ""
	}

	// 抢对手: 把这张牌塞给目标
	p.hand.RemoveAt(msg.CardIndex)
	target.hand.Add(stackCard)
	res.Events = append(res.Events, g.eventLocked(EventStackSuccess, StackSuccessData{
		Type:      "opponent_stack",
		Player:    p.Name,
		PlayerID:  p.ID,
		Target:    target.Name,
		TargetID:  target.ID,
		GivenCard: stackCard.String(),
	}))
	return ""
}

func (g *Game) handleStackTimeoutLocked(res *Result) string {
	if g.phase != PhaseTypeStackCalled {
		return "Not in stack phase"
	}

	caller := g.playerByIDLocked(g.stackCaller)
	penalty := card.CardInvalid
	if caller != nil {
		penalty = g.deck.PopCard()
		if penalty != card.CardInvalid {
			caller.hand.Add(penalty)
		}
	}

	g.clearStackStateLocked()
	g.queue = append(g.queue, Message{Type: MessageTypeNextTurn})

	name := "Unknown"
	callerID := ""
	if caller != nil {
		name = caller.Name
		callerID = caller.ID
	}
	res.Events = append(res.Events, g.eventLocked(EventStackTimeout, StackTimeoutData{
		Player:   name,
		PlayerID: callerID,
		Penalty:  penalty != card.CardInvalid,
	}))
	return ""
}

func (g *Game) clearStackStateLocked() {
	g.stackCaller = ""
	g.dropTimerLocked(g.stackTimerID)
	g.stackTimerID = 0
	g.phase = PhaseTypePlaying
}
