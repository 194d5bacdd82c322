package cabo

import "cabo-lite/card"

type Player struct {
	ID   string
	Name string

	hand          card.CardList
	hasCalledCabo bool
}

func (p *Player) Hand() []card.Card { return p.hand }

func (p *Player) HasCalledCabo() bool { return p.hasCalledCabo }

// Score 手牌合计, 终局时越小越好
func (p *Player) Score() int { return card.Score(p.hand) }
