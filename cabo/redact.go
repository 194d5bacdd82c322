package cabo

// HiddenCard 对当前接收者不可见的牌在下发负载里的占位值
const HiddenCard = "hidden"

// Visibility 观察者 -> 可见槽位集合。引擎内部的 viewed 映射的只读副本,
// 下发裁剪在引擎锁之外进行。
type Visibility map[string]map[SlotRef]bool

func (v Visibility) sees(viewer string, slot SlotRef) bool {
	return v[viewer][slot]
}

// VisibilitySnapshot 深拷贝当前可见性映射
func (g *Game) VisibilitySnapshot() Visibility {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(Visibility, len(g.viewed))
	for viewer, slots := range g.viewed {
		m := make(map[SlotRef]bool, len(slots))
		for slot := range slots {
			m[slot] = true
		}
		out[viewer] = m
	}
	return out
}

// StateVisibility 从快照重建可见性映射, 用于恢复路径上的补发裁剪
func StateVisibility(st State) Visibility {
	out := make(Visibility, len(st.Viewed))
	for _, entry := range st.Viewed {
		m := make(map[SlotRef]bool, len(entry.Slots))
		for _, slot := range entry.Slots {
			m[slot] = true
		}
		out[entry.Viewer] = m
	}
	return out
}

// RedactEventFor 按接收者裁剪事件负载。引擎广播始终携带原始牌面,
// 牌面是否保留遵循桌面直觉: 打出/弃掉/抢牌亮出的牌全桌可见,
// 摸牌只有摸牌人可见, 偷看只有偷看人可见, 换牌后看槽位可见性。
// 原事件不被改动。
func RedactEventFor(ev Event, viewer string, vis Visibility) Event {
	switch data := ev.Data.(type) {
	case CardDrawnData:
		if viewer != data.PlayerID {
			data.Card = HiddenCard
		}
		ev.Data = data

	case CardViewedData:
		if viewer != data.PlayerID {
			data.Card = HiddenCard
		}
		ev.Data = data

	case OpponentCardViewedData:
		// opponent_card_viewed 与 king_card_viewed 同构
		if viewer != data.ViewerID {
			data.Card = HiddenCard
		}
		ev.Data = data

	case CardsSwappedData:
		// 换牌后 PlayerCard 落在 (target, target_index), TargetCard 落在
		// (player, own_index); 谁能看到哪个槽位, 谁就知道落进去的牌
		if !vis.sees(viewer, SlotRef{PlayerID: data.TargetID, Index: data.TargetIndex}) {
			data.PlayerCard = HiddenCard
		}
		if !vis.sees(viewer, SlotRef{PlayerID: data.PlayerID, Index: data.OwnIndex}) {
			data.TargetCard = HiddenCard
		}
		ev.Data = data
	}
	return ev
}
