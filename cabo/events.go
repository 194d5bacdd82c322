package cabo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event 广播事件。负载始终携带原始牌面, 可见性裁剪由下游按接收者完成。
type Event struct {
	Type      string    `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// 事件类型常量 (对客户端协议稳定)
const (
	EventGameStarted           = "game_started"
	EventCardDrawn             = "card_drawn"
	EventCardPlayed            = "card_played"
	EventCardReplacedAndPlayed = "card_replaced_and_played"
	EventStackCalled           = "stack_called"
	EventStackSuccess          = "stack_success"
	EventStackFailed           = "stack_failed"
	EventStackTimeout          = "stack_timeout"
	EventCaboCalled            = "cabo_called"
	EventTurnChanged           = "turn_changed"
	EventGamePhaseChanged      = "game_phase_changed"
	EventCardViewed            = "card_viewed"
	EventOpponentCardViewed    = "opponent_card_viewed"
	EventCardsSwapped          = "cards_swapped"
	EventKingCardViewed        = "king_card_viewed"
	EventKingCardsSwapped      = "king_cards_swapped"
	EventKingSwapSkipped       = "king_swap_skipped"
	EventSpecialActionTimeout  = "special_action_timeout"
	EventGameEnded             = "game_ended"
)

type PlayerBrief struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
}

type GameStartedData struct {
	GameID           string        `json:"game_id"`
	Phase            string        `json:"phase"`
	SetupTimeSeconds int           `json:"setup_time_seconds"`
	Players          []PlayerBrief `json:"players"`
}

type CardDrawnData struct {
	PlayerID string `json:"player_id"`
	Card     string `json:"card"`
}

type CardPlayedData struct {
	PlayerID      string `json:"player_id"`
	Card          string `json:"card"`
	SpecialEffect bool   `json:"special_effect"`
}

type CardReplacedData struct {
	PlayerID      string `json:"player_id"`
	PlayedCard    string `json:"played_card"`
	HandIndex     int    `json:"hand_index"`
	SpecialEffect bool   `json:"special_effect"`
}

type GamePhaseChangedData struct {
	Phase             string `json:"phase"`
	CurrentPlayer     string `json:"current_player"`
	CurrentPlayerName string `json:"current_player_name,omitempty"`
	SpecialActionType string `json:"special_action_type,omitempty"`
}

type StackCalledData struct {
	Caller     string `json:"caller"`
	CallerID   string `json:"caller_id"`
	TargetCard string `json:"target_card"`
}

type StackSuccessData struct {
	Type          string `json:"type"`
	Player        string `json:"player"`
	PlayerID      string `json:"player_id"`
	Target        string `json:"target,omitempty"`
	TargetID      string `json:"target_id,omitempty"`
	DiscardedCard string `json:"discarded_card,omitempty"`
	GivenCard     string `json:"given_card,omitempty"`
}

type StackFailedData struct {
	Player        string `json:"player"`
	PlayerID      string `json:"player_id"`
	AttemptedCard string `json:"attempted_card"`
	Penalty       bool   `json:"penalty"`
}

type StackTimeoutData struct {
	Player   string `json:"player"`
	PlayerID string `json:"player_id,omitempty"`
	Penalty  bool   `json:"penalty"`
}

type CaboCalledData struct {
	Player   string `json:"player"`
	PlayerID string `json:"player_id"`
}

type TurnChangedData struct {
	CurrentPlayer     string `json:"current_player"`
	CurrentPlayerName string `json:"current_player_name"`
}

type CardViewedData struct {
	Player    string `json:"player"`
	PlayerID  string `json:"player_id"`
	Card      string `json:"card"`
	CardIndex int    `json:"card_index"`
}

// OpponentCardViewedData 同时用于 opponent_card_viewed 与 king_card_viewed
type OpponentCardViewedData struct {
	Viewer    string `json:"viewer"`
	ViewerID  string `json:"viewer_id"`
	Target    string `json:"target"`
	TargetID  string `json:"target_id"`
	Card      string `json:"card"`
	CardIndex int    `json:"card_index"`
}

// CardsSwappedData 同时用于 cards_swapped 与 king_cards_swapped
type CardsSwappedData struct {
	Player      string `json:"player"`
	PlayerID    string `json:"player_id"`
	Target      string `json:"target"`
	TargetID    string `json:"target_id"`
	OwnIndex    int    `json:"own_index"`
	TargetIndex int    `json:"target_index"`
	PlayerCard  string `json:"player_card"`
	TargetCard  string `json:"target_card"`
}

type KingSwapSkippedData struct {
	Player   string `json:"player"`
	PlayerID string `json:"player_id"`
}

type SpecialActionTimeoutData struct {
	PlayerID string `json:"player_id,omitempty"`
}

type FinalScore struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

type GameEndedData struct {
	WinnerID    string       `json:"winner_id"`
	WinnerName  string       `json:"winner_name"`
	FinalScores []FinalScore `json:"final_scores"`
}

// DecodeEvent 从持久化的 JSON 还原事件, 负载解码为对应的具体类型
// (流重放与旁路裁剪都依赖具体类型)。未知事件类型原样透传为 map。
func DecodeEvent(raw []byte) (Event, error) {
	var env struct {
		Type      string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	ev := Event{Type: env.Type, Timestamp: env.Timestamp}
	if len(env.Data) == 0 {
		return ev, nil
	}

	var err error
	switch env.Type {
	case EventGameStarted:
		var d GameStartedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCardDrawn:
		var d CardDrawnData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCardPlayed:
		var d CardPlayedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCardReplacedAndPlayed:
		var d CardReplacedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventGamePhaseChanged:
		var d GamePhaseChangedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventStackCalled:
		var d StackCalledData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventStackSuccess:
		var d StackSuccessData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventStackFailed:
		var d StackFailedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventStackTimeout:
		var d StackTimeoutData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCaboCalled:
		var d CaboCalledData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventTurnChanged:
		var d TurnChangedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCardViewed:
		var d CardViewedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventOpponentCardViewed, EventKingCardViewed:
		var d OpponentCardViewedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventCardsSwapped, EventKingCardsSwapped:
		var d CardsSwappedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventKingSwapSkipped:
		var d KingSwapSkippedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventSpecialActionTimeout:
		var d SpecialActionTimeoutData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	case EventGameEnded:
		var d GameEndedData
		err = json.Unmarshal(env.Data, &d)
		ev.Data = d
	default:
		var m map[string]any
		err = json.Unmarshal(env.Data, &m)
		ev.Data = m
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return ev, nil
}
