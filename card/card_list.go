package card

import "math/rand"

type CardList []Card

func (ds *CardList) Init(cards []Card) {
	*ds = make([]Card, len(cards))
	copy(*ds, cards)
}

// Count 获取总牌数
func (ds CardList) Count() int {
	return len(ds)
}

func (ds CardList) CardsBytes() []byte {
	return Cards2bytes(ds)
}

func (ds CardList) Shuffle() {
	rand.Shuffle(len(ds), func(i, j int) {
		ds[i], ds[j] = ds[j], ds[i]
	})
}

func (ds *CardList) Add(cards ...Card) {
	*ds = append(*ds, cards...)
}

// PopCard 从牌堆尾部摸一张 (后进先出)
func (ds *CardList) PopCard() Card {
	totalCount := ds.Count()
	if totalCount == 0 {
		return CardInvalid
	}
	card := (*ds)[totalCount-1]
	*ds = (*ds)[:totalCount-1]
	return card
}

// RemoveAt 移除并返回下标 i 处的牌
func (ds *CardList) RemoveAt(i int) Card {
	if i < 0 || i >= ds.Count() {
		return CardInvalid
	}
	card := (*ds)[i]
	*ds = append((*ds)[:i], (*ds)[i+1:]...)
	return card
}

// ReplaceAt 用 c 替换下标 i 处的牌, 返回被换出的旧牌
func (ds *CardList) ReplaceAt(i int, c Card) Card {
	if i < 0 || i >= ds.Count() {
		return CardInvalid
	}
	old := (*ds)[i]
	(*ds)[i] = c
	return old
}
