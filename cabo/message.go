package cabo

// MessageType 消息类型: 玩家意图 + 系统消息
type MessageType byte

const (
	MessageTypeDrawCard         MessageType = 1
	MessageTypePlayDrawnCard    MessageType = 2
	MessageTypeReplaceAndPlay   MessageType = 3
	MessageTypeCallStack        MessageType = 4
	MessageTypeExecuteStack     MessageType = 5
	MessageTypeCallCabo         MessageType = 6
	MessageTypeViewOwnCard      MessageType = 7
	MessageTypeViewOpponentCard MessageType = 8
	MessageTypeSwapCards        MessageType = 9
	MessageTypeKingViewCard     MessageType = 10
	MessageTypeKingSwapCards    MessageType = 11
	MessageTypeKingSkipSwap     MessageType = 12

	MessageTypeSetupTimeout          MessageType = 20
	MessageTypeStackTimeout          MessageType = 21
	MessageTypeSpecialActionTimeout  MessageType = 22
	MessageTypeTurnTransitionTimeout MessageType = 23
	MessageTypeNextTurn              MessageType = 24
	MessageTypeEndGame               MessageType = 25
)

var MessageTypeDictionary = map[MessageType]string{
	MessageTypeDrawCard:         "draw_card",
	MessageTypePlayDrawnCard:    "play_drawn_card",
	MessageTypeReplaceAndPlay:   "replace_and_play",
	MessageTypeCallStack:        "call_stack",
	MessageTypeExecuteStack:     "execute_stack",
	MessageTypeCallCabo:         "call_cabo",
	MessageTypeViewOwnCard:      "view_own_card",
	MessageTypeViewOpponentCard: "view_opponent_card",
	MessageTypeSwapCards:        "swap_cards",
	MessageTypeKingViewCard:     "king_view_card",
	MessageTypeKingSwapCards:    "king_swap_cards",
	MessageTypeKingSkipSwap:     "king_skip_swap",

	MessageTypeSetupTimeout:          "setup_timeout",
	MessageTypeStackTimeout:          "stack_timeout",
	MessageTypeSpecialActionTimeout:  "special_action_timeout",
	MessageTypeTurnTransitionTimeout: "turn_transition_timeout",
	MessageTypeNextTurn:              "next_turn",
	MessageTypeEndGame:               "end_game",
}

func (t MessageType) String() string {
	if s, ok := MessageTypeDictionary[t]; ok {
		return s
	}
	return "unknown"
}

// IsPlayerIntent 是否为客户端可直接提交的消息
func (t MessageType) IsPlayerIntent() bool {
	return t >= MessageTypeDrawCard && t <= MessageTypeKingSkipSwap
}

// ParseMessageType 解析客户端动作字符串。"skip_swap" 为 "king_skip_swap" 的别名。
func ParseMessageType(s string) (MessageType, bool) {
	switch s {
	case "draw_card":
		return MessageTypeDrawCard, true
	case "play_drawn_card":
		return MessageTypePlayDrawnCard, true
	case "replace_and_play":
		return MessageTypeReplaceAndPlay, true
	case "call_stack":
		return MessageTypeCallStack, true
	case "execute_stack":
		return MessageTypeExecuteStack, true
	case "call_cabo":
		return MessageTypeCallCabo, true
	case "view_own_card":
		return MessageTypeViewOwnCard, true
	case "view_opponent_card":
		return MessageTypeViewOpponentCard, true
	case "swap_cards":
		return MessageTypeSwapCards, true
	case "king_view_card":
		return MessageTypeKingViewCard, true
	case "king_swap_cards":
		return MessageTypeKingSwapCards, true
	case "king_skip_swap", "skip_swap":
		return MessageTypeKingSkipSwap, true
	}
	return 0, false
}

// Message 引擎输入。字段按消息类型选用; 合法性在 Process 时统一校验。
type Message struct {
	Type     MessageType
	PlayerID string

	HandIndex   int
	CardIndex   int
	TargetID    string
	OwnIndex    int
	TargetIndex int

	// HasTarget 区分 execute_stack 省略 target 的情形
	HasTarget bool
}
