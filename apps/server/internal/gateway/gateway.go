package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cabo-lite/apps/server/internal/auth"
	"cabo-lite/apps/server/internal/codec"
	"cabo-lite/apps/server/internal/lobby"
	"cabo-lite/apps/server/internal/store"
	"cabo-lite/cabo"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

// Handshake rejections close with these codes before any frame flows.
const (
	CloseUnauthorized  = 4001
	CloseNotInRoom     = 4003
	CloseGameNotActive = 4004
)

const (
	pingInterval = 10 * time.Second
	pongTimeout  = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 65536
	sendBuffer   = 256
	storeTimeout = 5 * time.Second

	defaultGracePeriod = 60 * time.Second
)

// Inbound control frame types handled by the gateway itself; everything
// else is offered to the engine as a player intent.
const (
	msgAckSeq         = "ack_seq"
	msgGetSessionInfo = "get_session_info"
	msgUpdateNickname = "update_nickname"
)

// Rooms is the slice of the game lifecycle manager the gateway dispatches
// into.
type Rooms interface {
	Submit(roomID string, msg cabo.Message) error
	Active(roomID string) bool
	ViewFor(roomID, sessionID string) (cabo.View, bool)
}

// Connection is one live transport for a session. At most one per session;
// a newer transport replaces the old one.
type Connection struct {
	ID          string
	SessionID   string
	RoomID      string
	RoomCode    string
	IsHost      bool
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	gw   *Gateway

	// delivered is the highest seq written to this transport. The write
	// pump skips anything at or below it, so frames replayed during
	// synchronize are not sent twice.
	delivered atomic.Uint64
	lastAck   atomic.Uint64
	lastPong  atomic.Int64

	mu        sync.Mutex
	nickname  string
	closeOnce sync.Once
}

// Gateway owns the WebSocket side of the server: session to connection
// mapping, heartbeats, grace-period reconnects and the per-session outbox
// that makes broadcast frames replayable.
type Gateway struct {
	auth  auth.Service
	lobby lobby.Service
	store store.Service

	mu       sync.RWMutex
	conns    map[string]*Connection
	sessions map[string]*Connection
	rooms    Rooms

	gracePeriod time.Duration // Shortened by tests.
}

func New(authSvc auth.Service, lobbySvc lobby.Service, storeSvc store.Service) *Gateway {
	return &Gateway{
		auth:        authSvc,
		lobby:       lobbySvc,
		store:       storeSvc,
		conns:       make(map[string]*Connection),
		sessions:    make(map[string]*Connection),
		gracePeriod: defaultGracePeriod,
	}
}

// SetRooms wires the game manager in after construction; the manager needs
// the gateway as its frame sender, so the two cannot be built in one shot.
func (g *Gateway) SetRooms(rooms Rooms) {
	g.mu.Lock()
	g.rooms = rooms
	g.mu.Unlock()
}

func (g *Gateway) roomsRef() Rooms {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms
}

func (g *Gateway) gameActive(roomID string) bool {
	rooms := g.roomsRef()
	return rooms != nil && rooms.Active(roomID)
}

func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", g.HandleWebSocket)
}

// HandleWebSocket serves /ws/{room_code}. The token comes from the session
// cookie or a token query parameter; membership is checked against the room
// registry before any frame flows.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade error: %v", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.TokenFromRequest(r)
	}
	sess, err := g.auth.Validate(token)
	if err != nil {
		closeWith(ws, CloseUnauthorized, "unauthorized")
		return
	}

	rm, err := g.lobby.Get(code, sess.ID)
	if err != nil {
		closeWith(ws, CloseNotInRoom, "not in this room")
		return
	}
	if rm.Phase == lobby.RoomPhaseInGame && !g.gameActive(rm.ID) {
		closeWith(ws, CloseGameNotActive, "game not active")
		return
	}

	lastSeq, _ := strconv.ParseUint(r.URL.Query().Get("last_seq"), 10, 64)
	c, fresh := g.register(sess, rm, ws, lastSeq)

	// A grace-period reconnect never repeats player_joined: the grace
	// record preserved the seat, so the roster did not change.
	if fresh && rm.Phase == lobby.RoomPhaseWaiting {
		g.announceJoin(c, rm)
	}

	go c.readPump()
	g.synchronize(c)
	go c.writePump()
}

// register inserts the connection, replacing any existing transport for the
// session, and reports whether the session connected fresh (no grace record).
func (g *Gateway) register(sess auth.Session, rm lobby.Room, ws *websocket.Conn, lastSeq uint64) (*Connection, bool) {
	resume, fresh := g.resumePoint(sess.ID, lastSeq)

	nickname := sess.Nickname
	isHost := rm.HostSession == sess.ID
	for _, m := range rm.Members {
		if m.SessionID == sess.ID {
			nickname = m.Nickname
			isHost = m.IsHost
			break
		}
	}

	c := &Connection{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		RoomID:      rm.ID,
		RoomCode:    rm.Code,
		IsHost:      isHost,
		ConnectedAt: time.Now(),
		conn:        ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		gw:          g,
		nickname:    nickname,
	}
	c.lastPong.Store(time.Now().UnixNano())
	c.lastAck.Store(resume)
	c.delivered.Store(resume)

	g.mu.Lock()
	old := g.sessions[sess.ID]
	g.conns[c.ID] = c
	g.sessions[sess.ID] = c
	total := len(g.conns)
	g.mu.Unlock()

	if old != nil {
		g.dropConnection(old, false)
	}

	log.Printf("[Gateway] connected %s (session %s, room %s), total: %d", c.ID, sess.ID, rm.Code, total)
	return c, fresh
}

// resumePoint picks where replay starts: the highest of the client-reported
// last_seq, the grace record's last ack and the stored cursor. The grace
// record is consumed here.
func (g *Gateway) resumePoint(sessionID string, clientSeq uint64) (uint64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	resume := clientSeq
	fresh := true
	if rec, err := g.store.LoadGrace(ctx, sessionID); err == nil {
		fresh = false
		if rec.LastAckSeq > resume {
			resume = rec.LastAckSeq
		}
		if err := g.store.DeleteGrace(ctx, sessionID); err != nil {
			log.Printf("[Gateway] delete grace for %s: %v", sessionID, err)
		}
	}
	if cur, err := g.store.Cursor(ctx, sessionID); err == nil && cur > resume {
		resume = cur
	}
	return resume, fresh
}

func (g *Gateway) announceJoin(c *Connection, rm lobby.Room) {
	g.sendSequencedToRoom(rm.ID, codec.FramePlayerJoined, map[string]any{
		"player": map[string]any{
			"id":       c.SessionID,
			"nickname": c.nicknameValue(),
			"is_host":  c.IsHost,
		},
	}, c.SessionID)
	g.sendSequencedToRoom(rm.ID, codec.FrameRoomUpdate, map[string]any{"room": rm}, "")
}

// synchronize replays everything the session missed: a checkpoint of the
// running game redacted for this session, the seq-stamped frames past its
// resume point in order, then ready{current_seq}. Writes go straight to the
// socket; the write pump starts afterwards and skips anything delivered here.
func (g *Gateway) synchronize(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	resume := c.lastAck.Load()
	delivered := resume

	if g.gameActive(c.RoomID) {
		cp, err := g.store.LatestCheckpoint(ctx, c.RoomID)
		if err != nil {
			log.Printf("[Gateway] no checkpoint for room %s: %v", c.RoomID, err)
			c.writeDirect(codec.EncodeError("no game state available for resync"))
			return
		}
		view, ok := cabo.ViewFromState(cp.State, c.SessionID)
		if !ok {
			c.writeDirect(codec.EncodeError("not a player in this game"))
			return
		}
		frame, err := codec.EncodeCheckpoint(codec.CheckpointFrame{
			CheckpointID:   cp.CheckpointID,
			RoomID:         cp.RoomID,
			StreamPosition: cp.StreamPosition,
			SequenceNum:    cp.SequenceNum,
			Phase:          cp.Phase,
			GameState:      view,
			Timestamp:      cp.CreatedAt,
		})
		if err != nil {
			log.Printf("[Gateway] encode checkpoint for %s: %v", c.SessionID, err)
			return
		}
		if !c.writeDirect(frame) {
			return
		}

		entries, err := g.store.OutboxAfter(ctx, c.SessionID, resume)
		if err != nil {
			log.Printf("[Gateway] outbox read for %s: %v", c.SessionID, err)
			return
		}
		if g.outboxRotated(ctx, c.RoomID, resume, entries) {
			delivered = g.replayFromStream(ctx, c, cp, delivered)
		} else {
			for _, e := range entries {
				if !c.writeDirect(e.Frame) {
					return
				}
				delivered = e.Seq
			}
		}
	} else {
		entries, err := g.store.OutboxAfter(ctx, c.SessionID, resume)
		if err != nil {
			log.Printf("[Gateway] outbox read for %s: %v", c.SessionID, err)
			return
		}
		for _, e := range entries {
			if !c.writeDirect(e.Frame) {
				return
			}
			delivered = e.Seq
		}
	}

	c.delivered.Store(delivered)
	if !c.writeDirect(codec.EncodeReady(delivered)) {
		return
	}
	c.lastAck.Store(delivered)
	if err := g.store.SetCursor(ctx, c.SessionID, delivered); err != nil {
		log.Printf("[Gateway] set cursor for %s: %v", c.SessionID, err)
	}
	log.Printf("[Gateway] synchronized session %s up to seq %d", c.SessionID, delivered)
}

// outboxRotated reports whether the capped outbox no longer reaches back to
// the resume point, so the replay has to be rebuilt from the room stream.
func (g *Gateway) outboxRotated(ctx context.Context, roomID string, resume uint64, entries []store.OutboxEntry) bool {
	if len(entries) > 0 {
		return entries[0].Seq > resume+1
	}
	cur, err := g.store.CurrentSequence(ctx, roomID)
	return err == nil && cur > resume
}

// replayFromStream rebuilds game_event frames from the room stream on top of
// the checkpoint. Replayed events get fresh sequence numbers; redaction runs
// against the live state, which never shows more than the session is
// entitled to see now.
func (g *Gateway) replayFromStream(ctx context.Context, c *Connection, cp store.Checkpoint, delivered uint64) uint64 {
	st, err := g.store.LoadGame(ctx, c.RoomID)
	if err != nil {
		log.Printf("[Gateway] load game %s for replay: %v", c.RoomID, err)
		return delivered
	}
	vis := cabo.StateVisibility(st)

	entries, err := g.store.EventsAfter(ctx, c.RoomID, cp.StreamPosition)
	if err != nil {
		log.Printf("[Gateway] stream replay for %s: %v", c.RoomID, err)
		return delivered
	}
	for _, e := range entries {
		seq, err := g.store.NextSequence(ctx, c.RoomID)
		if err != nil {
			log.Printf("[Gateway] sequence for replay in %s: %v", c.RoomID, err)
			return delivered
		}
		redacted := cabo.RedactEventFor(e.Event, c.SessionID, vis)
		frame, err := codec.EncodeGameEvent(seq, e.Position, redacted)
		if err != nil {
			log.Printf("[Gateway] encode replay event: %v", err)
			continue
		}
		if !c.writeDirect(frame) {
			return delivered
		}
		delivered = seq
	}
	return delivered
}

// writeDirect writes on the handshake goroutine, before the write pump owns
// the socket. A failed write tears the connection down into grace.
func (c *Connection) writeDirect(frame []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.gw.dropConnection(c, true)
		return false
	}
	return true
}

func (c *Connection) readPump() {
	defer c.gw.dropConnection(c, true)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.refreshLiveness()
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] read error on %s: %v", c.ID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType == websocket.TextMessage {
			c.handleFrame(raw)
		}
	}
}

func (c *Connection) handleFrame(raw []byte) {
	f, err := codec.DecodeClientFrame(raw)
	if err != nil {
		c.enqueue(codec.EncodeError("Invalid JSON"))
		return
	}

	switch f.Type {
	case msgAckSeq:
		c.handleAck(f.SeqNum)
	case codec.FramePing:
		c.refreshLiveness()
		c.enqueue(codec.EncodePong())
	case codec.FramePong:
		c.refreshLiveness()
	case msgGetSessionInfo:
		c.gw.sendSessionInfo(c)
	case msgUpdateNickname:
		c.gw.handleNickname(c, f.Nickname)
	default:
		msg, ok := codec.ToEngineMessage(c.SessionID, f)
		if !ok {
			c.enqueue(codec.EncodeError(fmt.Sprintf("unknown message type: %s", f.Type)))
			return
		}
		rooms := c.gw.roomsRef()
		if rooms == nil {
			c.enqueue(codec.EncodeError("no active game in this room"))
			return
		}
		if err := rooms.Submit(c.RoomID, msg); err != nil {
			c.enqueue(codec.EncodeError(err.Error()))
		}
	}
}

// handleAck advances the session cursor; acks never rewind it.
func (c *Connection) handleAck(seq uint64) {
	if seq <= c.lastAck.Load() {
		return
	}
	c.lastAck.Store(seq)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.gw.store.SetCursor(ctx, c.SessionID, seq); err != nil {
		log.Printf("[Gateway] set cursor for %s: %v", c.SessionID, err)
	}
}

func (g *Gateway) sendSessionInfo(c *Connection) {
	info := codec.SessionInfoFrame{
		SessionID: c.SessionID,
		Nickname:  c.nicknameValue(),
		RoomCode:  c.RoomCode,
		IsHost:    c.IsHost,
	}
	if rooms := g.roomsRef(); rooms != nil {
		if view, ok := rooms.ViewFor(c.RoomID, c.SessionID); ok {
			info.GameState = &view
		}
	}
	frame, err := codec.EncodeSessionInfo(info)
	if err != nil {
		log.Printf("[Gateway] encode session info for %s: %v", c.SessionID, err)
		return
	}
	c.enqueue(frame)
}

// handleNickname renames the session. The room roster keeps the name the
// member joined with; the registry owns that copy.
func (g *Gateway) handleNickname(c *Connection, nickname string) {
	sess, err := g.auth.UpdateNickname(c.SessionID, nickname)
	if err != nil {
		c.enqueue(codec.EncodeError(err.Error()))
		return
	}
	c.setNickname(sess.Nickname)
	g.sendSessionInfo(c)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.gw.dropConnection(c, true)
	}()

	for {
		select {
		case frame := <-c.send:
			if seq, ok := codec.FrameSeq(frame); ok {
				if seq <= c.delivered.Load() {
					continue // replayed during synchronize already
				}
				c.delivered.Store(seq)
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if time.Since(c.lastPongTime()) > pongTimeout {
				log.Printf("[Gateway] connection %s timed out", c.ID)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, codec.EncodePing(time.Now())); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		// Slow consumer; seq-stamped frames stay in the outbox for resync.
	}
}

func (c *Connection) refreshLiveness() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *Connection) lastPongTime() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Connection) setNickname(nickname string) {
	c.mu.Lock()
	c.nickname = nickname
	c.mu.Unlock()
}

func (c *Connection) nicknameValue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// SendToSession delivers a frame to a session: seq-stamped frames are
// appended to the session outbox first so a reconnect can replay them, then
// written to the live transport when one exists.
func (g *Gateway) SendToSession(sessionID string, frame []byte) {
	if seq, ok := codec.FrameSeq(frame); ok {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := g.store.AppendOutbox(ctx, sessionID, seq, frame); err != nil {
			log.Printf("[Gateway] outbox append for %s: %v", sessionID, err)
		}
		cancel()
	}

	g.mu.RLock()
	c := g.sessions[sessionID]
	g.mu.RUnlock()
	if c != nil {
		c.enqueue(frame)
	}
}

// sendSequencedToRoom allocates one room sequence number and fans the frame
// out to every member, connected or not.
func (g *Gateway) sendSequencedToRoom(roomID, frameType string, data map[string]any, excludeSession string) {
	rm, err := g.lobby.RoomByID(roomID)
	if err != nil {
		log.Printf("[Gateway] room %s for %s frame: %v", roomID, frameType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	seq, err := g.store.NextSequence(ctx, roomID)
	if err != nil {
		log.Printf("[Gateway] sequence for room %s: %v", roomID, err)
		return
	}
	frame, err := codec.EncodeSequenced(seq, frameType, data, time.Now().UTC())
	if err != nil {
		log.Printf("[Gateway] encode %s frame: %v", frameType, err)
		return
	}
	for _, m := range rm.Members {
		if m.SessionID == excludeSession {
			continue
		}
		g.SendToSession(m.SessionID, frame)
	}
}

// CloseRoomConnections drops every transport attached to the room without
// grace; the room itself is gone.
func (g *Gateway) CloseRoomConnections(roomID string) {
	g.mu.RLock()
	var victims []*Connection
	for _, c := range g.conns {
		if c.RoomID == roomID {
			victims = append(victims, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range victims {
		g.dropConnection(c, false)
	}
}

// dropConnection removes c from the registry and closes the transport.
// Grace is entered only when c was still the registered transport, so a
// replaced connection never shadows its successor's seat.
func (g *Gateway) dropConnection(c *Connection, withGrace bool) {
	registered := g.removeConnection(c)
	if registered && withGrace {
		g.enterGrace(c)
	}
	c.close()
}

func (g *Gateway) removeConnection(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[c.ID] != c {
		return false
	}
	delete(g.conns, c.ID)
	if g.sessions[c.SessionID] == c {
		delete(g.sessions, c.SessionID)
	}
	log.Printf("[Gateway] disconnected %s (session %s), total: %d", c.ID, c.SessionID, len(g.conns))
	return true
}

// enterGrace preserves the seat of a dropped session so a reconnect within
// the window resumes instead of starting fresh.
func (g *Gateway) enterGrace(c *Connection) {
	graceEnd := time.Now().Add(g.gracePeriod).UTC()
	rec := store.GraceRecord{
		SessionID:  c.SessionID,
		RoomID:     c.RoomID,
		Nickname:   c.nicknameValue(),
		IsHost:     c.IsHost,
		LastAckSeq: c.lastAck.Load(),
		GraceEnd:   graceEnd,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := g.store.SaveGrace(ctx, rec)
	cancel()
	if err != nil {
		log.Printf("[Gateway] save grace for %s: %v", c.SessionID, err)
	}
	log.Printf("[Gateway] session %s entering grace until %s", c.SessionID, graceEnd.Format(time.RFC3339))

	g.sendSequencedToRoom(c.RoomID, codec.FramePlayerLeft, map[string]any{
		"session_id": c.SessionID,
	}, c.SessionID)

	time.AfterFunc(time.Until(graceEnd), func() {
		g.expireGrace(c.SessionID, graceEnd)
	})
}

// expireGrace runs when the window elapses. A session that reconnected in
// time already consumed the record; a later disconnect owns a newer one.
func (g *Gateway) expireGrace(sessionID string, graceEnd time.Time) {
	g.mu.RLock()
	_, reconnected := g.sessions[sessionID]
	g.mu.RUnlock()
	if reconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec, err := g.store.LoadGrace(ctx, sessionID)
	if err != nil {
		return
	}
	if rec.GraceEnd.After(graceEnd) {
		return
	}
	if err := g.store.DeleteGrace(ctx, sessionID); err != nil {
		log.Printf("[Gateway] delete grace for %s: %v", sessionID, err)
		return
	}
	log.Printf("[Gateway] grace expired for session %s", sessionID)
}

// Close tears down every connection without grace, for process shutdown.
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		g.dropConnection(c, false)
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	ws.Close()
}
