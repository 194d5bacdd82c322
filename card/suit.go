package card

type Suit byte

const (
	Spade Suit = iota // ♠
	Heart             // ♥
	Club              // ♣
	Diamond           // ♦
)

// String 返回纯符号 (非 emoji 变体), 与客户端协议一致
func (s Suit) String() string {
	switch s {
	case Diamond:
		return "♦"
	case Club:
		return "♣"
	case Heart:
		return "♥"
	case Spade:
		return "♠"
	}
	return "?"
}
