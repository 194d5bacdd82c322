package card

func Cards2bytes(cs []Card) []byte {
	out := make([]byte, 0, len(cs))
	for _, c := range cs {
		out = append(out, byte(c))
	}
	return out
}

func Bytes2cards(bs []byte) []Card {
	out := make([]Card, 0, len(bs))
	for _, b := range bs {
		out = append(out, Card(b))
	}
	return out
}

// Score 手牌计分, 总和越小越好
func Score(cs []Card) int {
	total := 0
	for _, c := range cs {
		total += c.Value()
	}
	return total
}
