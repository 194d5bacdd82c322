package cabo

import "cabo-lite/card"

// Heal 修剪快照里逻辑上不可能的字段组合, 返回修复说明。
// 这类组合来自历史 bug 或被截断的写入, 载入时归一化, 避免恢复后反复崩溃。
func Heal(st *State) []string {
	var fixes []string

	special := st.Phase == PhaseTypeWaitingSpecial || st.Phase == PhaseTypeKingView || st.Phase == PhaseTypeKingSwap

	// K 相位与非回合相位不可能持有未打出的摸牌
	if st.DrawnCard != byte(card.CardInvalid) && st.Phase != PhaseTypePlaying {
		st.DrawnCard = byte(card.CardInvalid)
		fixes = append(fixes, "cleared drawn_card outside playing phase")
	}

	// 特殊行动字段只在特殊相位有意义
	if !special && (st.SpecialPlayer != "" || st.SpecialType != SpecialTypeNone) {
		st.SpecialPlayer = ""
		st.SpecialType = SpecialTypeNone
		st.SpecialTimerID = 0
		fixes = append(fixes, "cleared special_action outside special phase")
	}

	// 占坑人只能存在于抢牌相位或尚未结清的特殊相位
	if st.StackCaller != "" && st.Phase != PhaseTypeStackCalled && !special {
		st.StackCaller = ""
		st.StackTimerID = 0
		fixes = append(fixes, "cleared stack_caller outside stack phase")
	}

	// K 第一段看过的牌只在 king_swap 里有用
	if st.Phase != PhaseTypeKingSwap &&
		(st.KingViewedCard != byte(card.CardInvalid) || st.KingViewedPlayer != "" || st.KingViewedIndex >= 0) {
		st.KingViewedCard = byte(card.CardInvalid)
		st.KingViewedPlayer = ""
		st.KingViewedIndex = -1
		fixes = append(fixes, "cleared king_viewed outside king_swap phase")
	}

	// 终局不再需要任何计时
	if st.Phase == PhaseTypeEnded && len(st.Timers) > 0 {
		st.Timers = nil
		st.SetupTimerID = 0
		st.StackTimerID = 0
		st.SpecialTimerID = 0
		st.TransitionTimerID = 0
		fixes = append(fixes, "dropped timers in ended phase")
	}

	// 挂在状态字段上的定时器必须在列表里有对应条目
	ids := make(map[uint64]bool, len(st.Timers))
	for _, ts := range st.Timers {
		ids[ts.ID] = true
	}
	for _, f := range []struct {
		name string
		id   *uint64
	}{
		{"setup_timer_id", &st.SetupTimerID},
		{"stack_timer_id", &st.StackTimerID},
		{"special_timer_id", &st.SpecialTimerID},
		{"transition_timer_id", &st.TransitionTimerID},
	} {
		if *f.id != 0 && !ids[*f.id] {
			*f.id = 0
			fixes = append(fixes, "cleared dangling "+f.name)
		}
	}

	return fixes
}
