package cabo

import (
	"fmt"

	"cabo-lite/card"
)

// Seat 一个参与对局的玩家
type Seat struct {
	PlayerID string
	Name     string
}

type Config struct {
	// GameID 由上层分配, 引擎原样携带
	GameID string

	Seats []Seat

	// HandSize 起手牌数 (0 => 4)
	HandSize int

	// RNG seed (0 => time-based)
	Seed int64

	// DeckOverride 以摸牌顺序给出牌堆 (第一张最先被摸到), 用于测试与回放;
	// 空则按 seed 洗整副 54 张
	DeckOverride []card.Card

	// ForcedStartPlayer 指定 SETUP 结束后的起始玩家 (空 => 随机)
	ForcedStartPlayer string
}

func (c Config) validate() error {
	if len(c.Seats) < 2 {
		return fmt.Errorf("need at least 2 players, got %d", len(c.Seats))
	}
	handSize := c.HandSize
	if handSize == 0 {
		handSize = DefaultHandSize
	}
	if handSize < 2 {
		return fmt.Errorf("HandSize must be >= 2, got %d", handSize)
	}
	deckSize := len(CaboCards)
	if len(c.DeckOverride) > 0 {
		deckSize = len(c.DeckOverride)
	}
	if handSize*len(c.Seats) > deckSize {
		return fmt.Errorf("deck too small: %d players x %d cards > %d", len(c.Seats), handSize, deckSize)
	}

	seen := make(map[string]bool, len(c.Seats))
	for _, s := range c.Seats {
		if s.PlayerID == "" {
			return fmt.Errorf("empty player id")
		}
		if seen[s.PlayerID] {
			return fmt.Errorf("duplicate player id %q", s.PlayerID)
		}
		seen[s.PlayerID] = true
	}
	if c.ForcedStartPlayer != "" && !seen[c.ForcedStartPlayer] {
		return fmt.Errorf("ForcedStartPlayer %q is not seated", c.ForcedStartPlayer)
	}
	return nil
}
