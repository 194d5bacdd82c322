package replay

import (
	"fmt"
	"math/rand"
	"strings"

	"cabo-lite/cabo"
	"cabo-lite/card"
)

type normalizedSeat struct {
	playerID string
	name     string
	hand     []card.Card
}

type normalizedAction struct {
	wait bool
	msg  cabo.Message
}

type normalizedSpec struct {
	gameID      string
	handSize    int
	seed        int64
	seats       []normalizedSeat
	startPlayer string
	deck        []card.Card
	actions     []normalizedAction
}

func normalizeSpec(spec TapeSpec) (normalizedSpec, error) {
	var out normalizedSpec

	out.gameID = strings.TrimSpace(spec.GameID)
	if out.gameID == "" {
		out.gameID = defaultGameID
	}
	out.handSize = spec.HandSize
	if out.handSize == 0 {
		out.handSize = cabo.DefaultHandSize
	}
	if out.handSize < 2 {
		return out, &ReplayError{StepIndex: -1, Reason: "invalid_hand_size", Message: "hand_size must be >= 2"}
	}
	if len(spec.Seats) < 2 {
		return out, &ReplayError{StepIndex: -1, Reason: "invalid_seats", Message: "at least 2 seats are required"}
	}
	if out.handSize*len(spec.Seats) > len(cabo.CaboCards) {
		return out, &ReplayError{StepIndex: -1, Reason: "invalid_seats", Message: "too many seats for the deck"}
	}

	// 座位顺序即发牌顺序; 作弊牌通过槽位约束钉进牌堆
	usedCards := make(map[card.Card]bool, len(cabo.CaboCards))
	constraints := make(map[int]card.Card, out.handSize*len(spec.Seats)+len(spec.Draws))
	seenID := make(map[string]bool, len(spec.Seats))
	for i, seat := range spec.Seats {
		playerID := strings.TrimSpace(seat.PlayerID)
		if playerID == "" {
			playerID = fmt.Sprintf("p%d", i+1)
		}
		if seenID[playerID] {
			return out, &ReplayError{StepIndex: -1, Reason: "duplicate_player", Message: fmt.Sprintf("duplicate player id %q", playerID)}
		}
		seenID[playerID] = true
		name := strings.TrimSpace(seat.Name)
		if name == "" {
			name = fmt.Sprintf("P%d", i+1)
		}

		ns := normalizedSeat{playerID: playerID, name: name}
		if len(seat.Hand) > 0 {
			if len(seat.Hand) != out.handSize {
				return out, &ReplayError{
					StepIndex: -1,
					Reason:    "invalid_hand_cards",
					Message:   fmt.Sprintf("seat %d hand must contain exactly %d cards", i, out.handSize),
				}
			}
			ns.hand = make([]card.Card, 0, out.handSize)
			for k, s := range seat.Hand {
				c, err := parseConstraintCard(s, usedCards)
				if err != nil {
					return out, &ReplayError{StepIndex: -1, Reason: "invalid_hand_cards", Message: fmt.Sprintf("seat %d hand[%d]: %v", i, k, err)}
				}
				ns.hand = append(ns.hand, c)
				constraints[i*out.handSize+k] = c
			}
		}
		out.seats = append(out.seats, ns)
	}

	drawBase := len(out.seats) * out.handSize
	for j, s := range spec.Draws {
		slot := drawBase + j
		if slot >= len(cabo.CaboCards) {
			return out, &ReplayError{StepIndex: -1, Reason: "invalid_draws", Message: "more stacked draws than cards in the deck"}
		}
		c, err := parseConstraintCard(s, usedCards)
		if err != nil {
			return out, &ReplayError{StepIndex: -1, Reason: "invalid_draws", Message: fmt.Sprintf("draws[%d]: %v", j, err)}
		}
		constraints[slot] = c
	}

	out.startPlayer = strings.TrimSpace(spec.StartPlayer)
	if out.startPlayer == "" {
		// 磁带必须可复现, 不走引擎的随机起手位
		out.startPlayer = out.seats[0].playerID
	} else if !seenID[out.startPlayer] {
		return out, &ReplayError{StepIndex: -1, Reason: "invalid_start_player", Message: fmt.Sprintf("start_player %q is not seated", out.startPlayer)}
	}

	out.seed = seedFromSpec(spec.RNG)
	if out.seed == 0 {
		// seed 0 让引擎走时钟播种, 两次生成的磁带会不一致
		out.seed = 1
	}

	var err error
	out.deck, err = parseOrBuildDeck(spec.Deck, constraints, seedFromSpec(spec.RNG))
	if err != nil {
		return out, err
	}

	out.actions = make([]normalizedAction, 0, len(spec.Actions))
	for i, a := range spec.Actions {
		if strings.EqualFold(a.Type, "wait") {
			out.actions = append(out.actions, normalizedAction{wait: true})
			continue
		}
		msgType, ok := cabo.ParseMessageType(a.Type)
		if !ok || !msgType.IsPlayerIntent() {
			return out, &ReplayError{StepIndex: int32(i), Reason: "invalid_action", Message: fmt.Sprintf("unknown action type %q", a.Type)}
		}
		if !seenID[a.Player] {
			return out, &ReplayError{StepIndex: int32(i), Reason: "invalid_action_player", Message: fmt.Sprintf("player %q not seated", a.Player)}
		}
		if a.Target != "" && !seenID[a.Target] {
			return out, &ReplayError{StepIndex: int32(i), Reason: "invalid_action_target", Message: fmt.Sprintf("target %q not seated", a.Target)}
		}
		out.actions = append(out.actions, normalizedAction{msg: cabo.Message{
			Type:        msgType,
			PlayerID:    a.Player,
			TargetID:    a.Target,
			HandIndex:   a.HandIndex,
			CardIndex:   a.CardIndex,
			OwnIndex:    a.OwnIndex,
			TargetIndex: a.TargetIndex,
			HasTarget:   a.Target != "",
		}})
	}
	return out, nil
}

// parseConstraintCard 解析并占用一张牌。"Joker" 依次映射到两张王,
// 其余重复引用直接报错。
func parseConstraintCard(s string, used map[card.Card]bool) (card.Card, error) {
	c, err := card.ParseCard(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if c == card.CardJokerA && used[c] {
		c = card.CardJokerB
	}
	if used[c] {
		return 0, fmt.Errorf("card %s appears more than once", c.String())
	}
	used[c] = true
	return c, nil
}

// parseOrBuildDeck 显式牌堆逐张校验; 否则以未占用的牌补满,
// seed 非零时先洗未占用部分。牌堆按摸牌顺序排列。
func parseOrBuildDeck(deck []string, constraints map[int]card.Card, seed int64) ([]card.Card, error) {
	if len(deck) > 0 {
		if len(deck) != len(cabo.CaboCards) {
			return nil, &ReplayError{
				StepIndex: -1,
				Reason:    "invalid_deck",
				Message:   fmt.Sprintf("deck must contain %d cards", len(cabo.CaboCards)),
			}
		}
		out := make([]card.Card, len(deck))
		seen := make(map[card.Card]bool, len(deck))
		for i, s := range deck {
			c, err := parseConstraintCard(s, seen)
			if err != nil {
				return nil, &ReplayError{StepIndex: -1, Reason: "invalid_deck_card", Message: fmt.Sprintf("deck[%d]: %v", i, err)}
			}
			out[i] = c
		}
		for idx, expected := range constraints {
			if out[idx] != expected {
				return nil, &ReplayError{
					StepIndex: -1,
					Reason:    "deck_constraint_mismatch",
					Message:   fmt.Sprintf("deck[%d] does not match constrained card %s", idx, expected.String()),
				}
			}
		}
		return out, nil
	}

	used := make(map[card.Card]bool, len(constraints))
	for _, c := range constraints {
		used[c] = true
	}
	remaining := make([]card.Card, 0, len(cabo.CaboCards)-len(constraints))
	for _, c := range cabo.CaboCards {
		if used[c] {
			continue
		}
		remaining = append(remaining, c)
	}
	if seed != 0 {
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(remaining), func(i, j int) {
			remaining[i], remaining[j] = remaining[j], remaining[i]
		})
	}

	out := make([]card.Card, len(cabo.CaboCards))
	ri := 0
	for i := range out {
		if constrained, ok := constraints[i]; ok {
			out[i] = constrained
			continue
		}
		out[i] = remaining[ri]
		ri++
	}
	return out, nil
}

func seedFromSpec(rng *RNGSpec) int64 {
	if rng == nil {
		return 0
	}
	return rng.Seed
}
