package cabo

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"cabo-lite/card"
)

// Result 一次 Start/Process 的产出。Events 按发生顺序排列,
// Rejections 是被拒绝的消息 (拒绝不改动任何状态), Checkpoint
// 表示状态越过了需要落盘的边界 (开局/换手/Cabo/终局)。
type Result struct {
	Events     []Event
	Rejections []Rejection
	Checkpoint bool
}

// Rejection 被拒绝的消息。系统消息被拒时 PlayerID 为空。
type Rejection struct {
	PlayerID string
	Action   string
	Reason   string
}

type pendingTimer struct {
	msgType   MessageType
	expiresAt time.Time
}

// Game 一局 Cabo。所有公开方法自行加锁, *Locked 后缀的方法假定调用方已持锁。
// 引擎不自带协程与真实时钟: 消息经 Submit 入队, 由上层在单写循环里以
// Process(now) 驱动, 到期定时器与排队消息在同一次调用内按序结算。
type Game struct {
	cfg  Config
	rng  *rand.Rand
	seed int64
	mu   sync.Mutex

	id       string
	phase    Phase
	handSize int

	players []*Player
	deck    card.CardList
	discard card.CardList

	currentIdx int
	drawnCard  card.Card
	playedCard card.Card

	stackCaller string

	specialPlayer string
	specialType   SpecialType

	kingViewedCard   card.Card
	kingViewedPlayer string
	kingViewedIndex  int

	caboCaller string
	winner     string

	timerSeq          uint64
	pendingTimeouts   map[uint64]pendingTimer
	setupTimerID      uint64
	stackTimerID      uint64
	specialTimerID    uint64
	transitionTimerID uint64

	// viewed[观察者] = 该观察者当前可见的槽位集合
	viewed map[string]map[SlotRef]bool

	queue []Message
	now   time.Time
}

func NewGame(cfg Config) (*Game, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	handSize := cfg.HandSize
	if handSize == 0 {
		handSize = DefaultHandSize
	}

	g := &Game{
		cfg:             cfg,
		rng:             rand.New(rand.NewSource(seed)),
		seed:            seed,
		id:              cfg.GameID,
		phase:           PhaseTypeSetup,
		handSize:        handSize,
		drawnCard:       card.CardInvalid,
		playedCard:      card.CardInvalid,
		kingViewedCard:  card.CardInvalid,
		kingViewedIndex: -1,
		pendingTimeouts: make(map[uint64]pendingTimer),
		viewed:          make(map[string]map[SlotRef]bool),
	}
	for _, s := range cfg.Seats {
		g.players = append(g.players, &Player{ID: s.PlayerID, Name: s.Name})
	}
	return g, nil
}

func (g *Game) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

func (g *Game) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *Game) CurrentPlayerID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentPlayerLocked().ID
}

func (g *Game) Winner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.winner
}

func (g *Game) CaboCaller() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caboCaller
}

func (g *Game) PlayerIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.players))
	for _, p := range g.players {
		ids = append(ids, p.ID)
	}
	return ids
}

// Start 洗牌发牌并进入 SETUP: 每人先看自己 0/1 两张, 10 秒后自动开打。
// 重复调用是空操作。
func (g *Game) Start(now time.Time) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res Result
	if g.phase != PhaseTypeSetup || g.deck.Count() != 0 {
		return res
	}
	g.now = now

	g.shuffleLocked()
	g.dealLocked()

	for _, p := range g.players {
		g.grantVisibilityLocked(p.ID, SlotRef{PlayerID: p.ID, Index: 0})
		g.grantVisibilityLocked(p.ID, SlotRef{PlayerID: p.ID, Index: 1})
	}

	g.setupTimerID = g.scheduleTimeoutLocked(MessageTypeSetupTimeout, setupTimeout)

	briefs := make([]PlayerBrief, 0, len(g.players))
	for _, p := range g.players {
		briefs = append(briefs, PlayerBrief{PlayerID: p.ID, Name: p.Name})
	}
	res.Events = append(res.Events, g.eventLocked(EventGameStarted, GameStartedData{
		GameID:           g.id,
		Phase:            g.phase.String(),
		SetupTimeSeconds: int(setupTimeout / time.Second),
		Players:          briefs,
	}))
	res.Checkpoint = true
	return res
}

func (g *Game) shuffleLocked() {
	if len(g.cfg.DeckOverride) > 0 {
		// 定牌序: 列表首张最先被摸到, 入堆时反转 (堆尾为顶)
		for i := len(g.cfg.DeckOverride) - 1; i >= 0; i-- {
			g.deck.Add(g.cfg.DeckOverride[i])
		}
		return
	}
	cards := append([]card.Card{}, CaboCards...)
	g.rng.Shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
	g.deck.Init(cards)
}

func (g *Game) dealLocked() {
	for _, p := range g.players {
		for i := 0; i < g.handSize; i++ {
			if c := g.deck.PopCard(); c != card.CardInvalid {
				p.hand.Add(c)
			}
		}
	}
}

// Submit 入队一条消息, 校验与结算推迟到 Process。
func (g *Game) Submit(msg Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, msg)
}

// Process 以 now 为当前时刻结算: 先触发到期定时器 (生成系统消息入队),
// 再按 FIFO 清空队列, 处理过程中产生的后续消息在同一次调用内排空。
func (g *Game) Process(now time.Time) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.now = now
	var res Result

	g.fireExpiredTimersLocked()

	for len(g.queue) > 0 {
		msg := g.queue[0]
		g.queue = g.queue[1:]
		g.handleMessageLocked(msg, &res)
	}
	return res
}

func (g *Game) scheduleTimeoutLocked(t MessageType, d time.Duration) uint64 {
	g.timerSeq++
	id := g.timerSeq
	g.pendingTimeouts[id] = pendingTimer{msgType: t, expiresAt: g.now.Add(d)}
	return id
}

func (g *Game) dropTimerLocked(id uint64) {
	if id != 0 {
		delete(g.pendingTimeouts, id)
	}
}

// fireExpiredTimersLocked 把到期的定时器转成系统消息。只有仍挂在状态
// 字段上的定时器才会生效, 其余是换相位时遗留的陈旧计时, 直接丢弃。
func (g *Game) fireExpiredTimersLocked() {
	var expired []uint64
	for id, pt := range g.pendingTimeouts {
		if !pt.expiresAt.After(g.now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, id := range expired {
		pt := g.pendingTimeouts[id]
		delete(g.pendingTimeouts, id)
		switch id {
		case g.setupTimerID:
			g.setupTimerID = 0
		case g.stackTimerID:
			g.stackTimerID = 0
		case g.specialTimerID:
			g.specialTimerID = 0
		case g.transitionTimerID:
			g.transitionTimerID = 0
		default:
			continue
		}
		g.queue = append(g.queue, Message{Type: pt.msgType})
	}
}

// NextDeadline 返回最近一个挂在状态字段上的定时器到期时刻, 没有则返回零值。
// 上层用它决定 tick 间隔之外是否还需要唤醒。
func (g *Game) NextDeadline() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next time.Time
	for _, id := range []uint64{g.setupTimerID, g.stackTimerID, g.specialTimerID, g.transitionTimerID} {
		pt, ok := g.pendingTimeouts[id]
		if !ok {
			continue
		}
		if next.IsZero() || pt.expiresAt.Before(next) {
			next = pt.expiresAt
		}
	}
	return next
}

func (g *Game) handleMessageLocked(msg Message, res *Result) {
	var reason string
	switch msg.Type {
	case MessageTypeDrawCard:
		reason = g.handleDrawCardLocked(msg, res)
	case MessageTypePlayDrawnCard:
		reason = g.handlePlayDrawnCardLocked(msg, res)
	case MessageTypeReplaceAndPlay:
		reason = g.handleReplaceAndPlayLocked(msg, res)
	case MessageTypeCallStack:
		reason = g.handleCallStackLocked(msg, res)
	case MessageTypeExecuteStack:
		reason = g.handleExecuteStackLocked(msg, res)
	case MessageTypeCallCabo:
		reason = g.handleCallCaboLocked(msg, res)
	case MessageTypeViewOwnCard:
		reason = g.handleViewOwnCardLocked(msg, res)
	case MessageTypeViewOpponentCard:
		reason = g.handleViewOpponentCardLocked(msg, res)
	case MessageTypeSwapCards:
		reason = g.handleSwapCardsLocked(msg, res)
	case MessageTypeKingViewCard:
		reason = g.handleKingViewCardLocked(msg, res)
	case MessageTypeKingSwapCards:
		reason = g.handleKingSwapCardsLocked(msg, res)
	case MessageTypeKingSkipSwap:
		reason = g.handleKingSkipSwapLocked(msg, res)
	case MessageTypeSetupTimeout:
		reason = g.handleSetupTimeoutLocked(res)
	case MessageTypeStackTimeout:
		reason = g.handleStackTimeoutLocked(res)
	case MessageTypeSpecialActionTimeout:
		reason = g.handleSpecialActionTimeoutLocked(res)
	case MessageTypeTurnTransitionTimeout:
		reason = g.handleTurnTransitionTimeoutLocked(res)
	case MessageTypeNextTurn:
		reason = g.handleNextTurnLocked(res)
	case MessageTypeEndGame:
		reason = g.handleEndGameLocked(res)
	default:
		reason = "Unknown message type"
	}
	if reason != "" {
		res.Rejections = append(res.Rejections, Rejection{
			PlayerID: msg.PlayerID,
			Action:   msg.Type.String(),
			Reason:   reason,
		})
	}
}

func (g *Game) handleDrawCardLocked(msg Message, res *Result) string {
	if g.phase != PhaseTypePlaying {
		return "Game not in playing phase"
	}
	if g.currentPlayerLocked().ID != msg.PlayerID {
		return "Not your turn"
	}
	if g.drawnCard != card.CardInvalid {
		return "Card already drawn this turn"
	}
	c := g.deck.PopCard()
	if c == card.CardInvalid {
		return "Deck is empty"
	}

	g.drawnCard = c
	res.Events = append(res.Events, g.eventLocked(EventCardDrawn, CardDrawnData{
		PlayerID: msg.PlayerID,
		Card:     c.String(),
	}))
	return ""
}

func (g *Game) handlePlayDrawnCardLocked(msg Message, res *Result) string {
	if g.drawnCard == card.CardInvalid {
		return "No card drawn"
	}
	if g.currentPlayerLocked().ID != msg.PlayerID {
		return "Not your turn"
	}

	c := g.drawnCard
	g.playedCard = c
	g.drawnCard = card.CardInvalid
	g.discard.Add(c)

	res.Events = append(res.Events, g.eventLocked(EventCardPlayed, CardPlayedData{
		PlayerID:      msg.PlayerID,
		Card:          c.String(),
		SpecialEffect: c.IsSpecial(),
	}))
	g.enterPostPlayLocked(c, res)
	return ""
}

func (g *Game) handleReplaceAndPlayLocked(msg Message, res *Result) string {
	if g.drawnCard == card.CardInvalid {
		return "No card drawn"
	}
	cur := g.currentPlayerLocked()
	if cur.ID != msg.PlayerID {
		return "Not your turn"
	}
	if msg.HandIndex < 0 || msg.HandIndex >= cur.hand.Count() {
		return "Invalid hand index"
	}

	old := cur.hand.ReplaceAt(msg.HandIndex, g.drawnCard)
	g.playedCard = old
	g.drawnCard = card.CardInvalid
	g.discard.Add(old)

	// 换入的牌玩家自己刚看过, 记入可见性
	g.grantVisibilityLocked(msg.PlayerID, SlotRef{PlayerID: msg.PlayerID, Index: msg.HandIndex})

	res.Events = append(res.Events, g.eventLocked(EventCardReplacedAndPlayed, CardReplacedData{
		PlayerID:      msg.PlayerID,
		PlayedCard:    old.String(),
		HandIndex:     msg.HandIndex,
		SpecialEffect: old.IsSpecial(),
	}))
	g.enterPostPlayLocked(old, res)
	return ""
}

// enterPostPlayLocked 打出一张牌之后的相位跳转: 特殊牌进入对应的
// 特殊行动相位并启动 30 秒计时, 普通牌进入 5 秒回合过渡。
func (g *Game) enterPostPlayLocked(played card.Card, res *Result) {
	cur := g.currentPlayerLocked()

	if played.IsSpecial() {
		g.specialPlayer = cur.ID
		g.specialTimerID = g.scheduleTimeoutLocked(MessageTypeSpecialActionTimeout, specialActionTimeout)

		if played.Rank() == 13 {
			g.phase = PhaseTypeKingView
			res.Events = append(res.Events, g.eventLocked(EventGamePhaseChanged, GamePhaseChangedData{
				Phase:         g.phase.String(),
				CurrentPlayer: cur.ID,
			}))
			return
		}

		g.phase = PhaseTypeWaitingSpecial
		g.specialType = specialTypeForCard(played)
		res.Events = append(res.Events, g.eventLocked(EventGamePhaseChanged, GamePhaseChangedData{
			Phase:             g.phase.String(),
			CurrentPlayer:     cur.ID,
			SpecialActionType: g.specialType.String(),
		}))
		return
	}

	g.phase = PhaseTypeTurnTransition
	g.transitionTimerID = g.scheduleTimeoutLocked(MessageTypeTurnTransitionTimeout, turnTransitionTimeout)
	res.Events = append(res.Events, g.eventLocked(EventGamePhaseChanged, GamePhaseChangedData{
		Phase:         g.phase.String(),
		CurrentPlayer: cur.ID,
	}))
}

func (g *Game) handleCallCaboLocked(msg Message, res *Result) string {
	if g.phase != PhaseTypePlaying && g.phase != PhaseTypeWaitingSpecial {
		return "Cannot call Cabo in current phase"
	}
	cur := g.currentPlayerLocked()
	if cur.ID != msg.PlayerID {
		return "Not your turn"
	}
	if g.drawnCard != card.CardInvalid {
		return "Cannot call Cabo after drawing a card"
	}
	if g.caboCaller != "" {
		return "Cabo already called"
	}

	// 从特殊行动相位里叫 Cabo 会放弃该行动, 连带清掉计时
	if g.phase == PhaseTypeWaitingSpecial {
		g.clearSpecialActionStateLocked()
		g.clearKingStateLocked()
	}

	cur.hasCalledCabo = true
	g.caboCaller = msg.PlayerID

	res.Events = append(res.Events, g.eventLocked(EventCaboCalled, CaboCalledData{
		Player:   cur.Name,
		PlayerID: msg.PlayerID,
	}))
	res.Checkpoint = true
	g.queue = append(g.queue, Message{Type: MessageTypeNextTurn})
	return ""
}

func (g *Game) handleNextTurnLocked(res *Result) string {
	if g.phase == PhaseTypeEnded {
		return "Game has ended"
	}

	// Cabo 已叫且下一手轮回到叫牌人: 终局
	if g.caboCaller != "" {
		nextIdx := (g.currentIdx + 1) % len(g.players)
		if g.players[nextIdx].ID == g.caboCaller {
			g.queue = append(g.queue, Message{Type: MessageTypeEndGame})
			return ""
		}
	}

	g.currentIdx = (g.currentIdx + 1) % len(g.players)
	g.phase = PhaseTypePlaying
	g.drawnCard = card.CardInvalid
	g.playedCard = card.CardInvalid

	cur := g.currentPlayerLocked()
	res.Events = append(res.Events, g.eventLocked(EventTurnChanged, TurnChangedData{
		CurrentPlayer:     cur.ID,
		CurrentPlayerName: cur.Name,
	}))
	res.Checkpoint = true
	return ""
}

func (g *Game) handleEndGameLocked(res *Result) string {
	if g.phase == PhaseTypeEnded {
		return "Game has ended"
	}

	g.phase = PhaseTypeEnded
	g.clearAllTimersLocked()

	scores := make([]FinalScore, 0, len(g.players))
	for _, p := range g.players {
		scores = append(scores, FinalScore{PlayerID: p.ID, Name: p.Name, Score: p.Score()})
	}
	// 最低分获胜, 同分按座次
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score < scores[j].Score })
	g.winner = scores[0].PlayerID

	res.Events = append(res.Events, g.eventLocked(EventGameEnded, GameEndedData{
		WinnerID:    scores[0].PlayerID,
		WinnerName:  scores[0].Name,
		FinalScores: scores,
	}))
	res.Checkpoint = true
	return ""
}

func (g *Game) handleSetupTimeoutLocked(res *Result) string {
	if g.phase != PhaseTypeSetup {
		return "Game not in setup phase"
	}

	g.dropTimerLocked(g.setupTimerID)
	g.setupTimerID = 0

	// 起手偷看结束
	g.clearAllVisibilityLocked()

	// 先走随机数再看是否强制起手位, 保证两种配置下 rng 消耗一致
	idx := g.rng.Intn(len(g.players))
	if g.cfg.ForcedStartPlayer != "" {
		idx = g.indexOfLocked(g.cfg.ForcedStartPlayer)
	}
	g.currentIdx = idx
	g.phase = PhaseTypePlaying

	cur := g.currentPlayerLocked()
	res.Events = append(res.Events, g.eventLocked(EventGamePhaseChanged, GamePhaseChangedData{
		Phase:             g.phase.String(),
		CurrentPlayer:     cur.ID,
		CurrentPlayerName: cur.Name,
	}))
	res.Checkpoint = true
	return ""
}

func (g *Game) handleTurnTransitionTimeoutLocked(res *Result) string {
	if g.phase != PhaseTypeTurnTransition {
		return "Not in turn transition"
	}

	g.dropTimerLocked(g.transitionTimerID)
	g.transitionTimerID = 0

	g.clearAllVisibilityLocked()
	g.queue = append(g.queue, Message{Type: MessageTypeNextTurn})
	return ""
}

func (g *Game) currentPlayerLocked() *Player {
	return g.players[g.currentIdx]
}

func (g *Game) playerByIDLocked(id string) *Player {
	for _, p := range g.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (g *Game) indexOfLocked(id string) int {
	for i, p := range g.players {
		if p.ID == id {
			return i
		}
	}
	return 0
}

func (g *Game) grantVisibilityLocked(viewer string, slot SlotRef) {
	m, ok := g.viewed[viewer]
	if !ok {
		m = make(map[SlotRef]bool)
		g.viewed[viewer] = m
	}
	m[slot] = true
}

func (g *Game) clearAllVisibilityLocked() {
	g.viewed = make(map[string]map[SlotRef]bool)
}

func (g *Game) clearAllTimersLocked() {
	g.pendingTimeouts = make(map[uint64]pendingTimer)
	g.setupTimerID = 0
	g.stackTimerID = 0
	g.specialTimerID = 0
	g.transitionTimerID = 0
}

func (g *Game) eventLocked(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: g.now}
}
