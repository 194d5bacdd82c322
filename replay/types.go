package replay

import "cabo-lite/cabo"

// TapeSpec 一局可复现对局的声明式描述: 固定座位, 可选的定牌与脚本化行动。
// 牌面字符串同客户端线上格式 ("A♠", "10♦", "Joker"), 也接受 ASCII 花色后缀。
type TapeSpec struct {
	GameID      string       `json:"game_id,omitempty"`
	HandSize    int          `json:"hand_size,omitempty"`
	Seats       []SeatSpec   `json:"seats"`
	Draws       []string     `json:"draws,omitempty"`
	Deck        []string     `json:"deck,omitempty"`
	StartPlayer string       `json:"start_player,omitempty"`
	Actions     []ActionSpec `json:"actions"`
	RNG         *RNGSpec     `json:"rng,omitempty"`
}

type SeatSpec struct {
	PlayerID string   `json:"player_id,omitempty"`
	Name     string   `json:"name,omitempty"`
	Hand     []string `json:"hand,omitempty"`
}

// ActionSpec 脚本中的一步: 玩家意图 (type 取线上消息名), 或 "wait"
// (把时钟拨到下一个到期定时器)。
type ActionSpec struct {
	Type        string `json:"type"`
	Player      string `json:"player,omitempty"`
	Target      string `json:"target,omitempty"`
	HandIndex   int    `json:"hand_index,omitempty"`
	CardIndex   int    `json:"card_index,omitempty"`
	OwnIndex    int    `json:"own_index,omitempty"`
	TargetIndex int    `json:"target_index,omitempty"`
}

type RNGSpec struct {
	Seed int64 `json:"seed"`
}

type ReplayTape struct {
	TapeVersion int           `json:"tape_version"`
	GameID      string        `json:"game_id"`
	Events      []ReplayEvent `json:"events"`
}

// ReplayEvent 磁带中的一帧: 开头一帧完整状态, 之后是引擎事件。
// 帧负载不做可见性裁剪, 磁带是服务端产物。
type ReplayEvent struct {
	Type     string      `json:"type"`
	Seq      uint64      `json:"seq"`
	State    *cabo.State `json:"state,omitempty"`
	Event    *cabo.Event `json:"event,omitempty"`
	FrameB64 string      `json:"frame_b64,omitempty"`
}
