package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cabo-lite/apps/server/internal/auth"
)

func mustCreate(t *testing.T, svc Service, sessionID, nickname string, cfg RoomConfig) Room {
	t.Helper()
	room, err := svc.Create(sessionID, nickname, cfg)
	if err != nil {
		t.Fatalf("create room for %s: %v", sessionID, err)
	}
	return room
}

func mustJoin(t *testing.T, svc Service, code, sessionID, nickname string) Room {
	t.Helper()
	room, err := svc.Join(code, sessionID, nickname)
	if err != nil {
		t.Fatalf("join %s as %s: %v", code, sessionID, err)
	}
	return room
}

func TestCreateAssignsCodeAndHost(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "s1", "Ada", RoomConfig{})

	if len(room.Code) != roomCodeLength {
		t.Fatalf("code length = %d, want %d", len(room.Code), roomCodeLength)
	}
	for _, r := range room.Code {
		if r < 'A' || r > 'Z' {
			t.Fatalf("code %q contains %q, want A-Z only", room.Code, r)
		}
	}
	if room.Phase != RoomPhaseWaiting {
		t.Errorf("phase = %q, want %q", room.Phase, RoomPhaseWaiting)
	}
	if room.HostSession != "s1" {
		t.Errorf("host = %q, want s1", room.HostSession)
	}
	if len(room.Members) != 1 || !room.Members[0].IsHost {
		t.Errorf("members = %+v, want single host member", room.Members)
	}
	if room.Config.MaxPlayers != 6 || room.Config.HandSize != 4 {
		t.Errorf("config = %+v, want defaults 6/4", room.Config)
	}
}

func TestCreateRejectsSecondRoom(t *testing.T) {
	svc := NewMemory()
	mustCreate(t, svc, "s1", "Ada", RoomConfig{})

	if _, err := svc.Create("s1", "Ada", RoomConfig{}); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("second create err = %v, want ErrAlreadyInRoom", err)
	}
}

func TestConfigBounds(t *testing.T) {
	svc := NewMemory()

	bad := []RoomConfig{
		{MaxPlayers: 1},
		{MaxPlayers: 9},
		{HandSize: 1},
		{HandSize: 9},
		{MaxPlayers: 8, HandSize: 8}, // 64 cards > deck
	}
	for i, cfg := range bad {
		if _, err := svc.Create(fmt.Sprintf("bad-%d", i), "X", cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("config %+v err = %v, want ErrInvalidConfig", cfg, err)
		}
	}

	room := mustCreate(t, svc, "ok", "X", RoomConfig{MaxPlayers: 8, HandSize: 6})
	if room.Config.MaxPlayers != 8 || room.Config.HandSize != 6 {
		t.Fatalf("config = %+v, want 8/6", room.Config)
	}
}

func TestJoinIsIdempotentForMembers(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "s1", "Ada", RoomConfig{})
	mustJoin(t, svc, room.Code, "s2", "Bo")

	again := mustJoin(t, svc, room.Code, "s2", "Bo")
	if len(again.Members) != 2 {
		t.Fatalf("members after rejoin = %d, want 2", len(again.Members))
	}
}

func TestJoinGuards(t *testing.T) {
	svc := NewMemory()

	if _, err := svc.Join("NOSUCH", "s1", "Ada"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unknown code err = %v, want ErrRoomNotFound", err)
	}

	room := mustCreate(t, svc, "s1", "Ada", RoomConfig{MaxPlayers: 2})
	mustJoin(t, svc, room.Code, "s2", "Bo")
	if _, err := svc.Join(room.Code, "s3", "Cy"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("full room err = %v, want ErrRoomFull", err)
	}

	other := mustCreate(t, svc, "s4", "Di", RoomConfig{})
	if _, err := svc.Join(other.Code, "s1", "Ada"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("seated elsewhere err = %v, want ErrAlreadyInRoom", err)
	}

	if _, err := svc.Start(room.Code, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := svc.Leave(room.Code, "s2"); err != nil {
		t.Fatalf("leave started room: %v", err)
	}
	if _, err := svc.Join(room.Code, "s5", "Ed"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("join started room err = %v, want ErrAlreadyStarted", err)
	}
}

func TestLeaveMigratesHostToEarliestJoiner(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "host", "Ada", RoomConfig{})
	mustJoin(t, svc, room.Code, "second", "Bo")
	mustJoin(t, svc, room.Code, "third", "Cy")

	updated, deleted, err := svc.Leave(room.Code, "host")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if deleted {
		t.Fatal("room reported deleted with members remaining")
	}
	if updated.HostSession != "second" {
		t.Fatalf("host = %q, want second (earliest joiner)", updated.HostSession)
	}
	hosts := 0
	for _, m := range updated.Members {
		if m.IsHost {
			hosts++
			if m.SessionID != "second" {
				t.Errorf("is_host set on %q, want second", m.SessionID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("host flags = %d, want exactly 1", hosts)
	}
}

func TestLeaveLastMemberDeletesRoom(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "s1", "Ada", RoomConfig{})

	_, deleted, err := svc.Leave(room.Code, "s1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !deleted {
		t.Fatal("expected room deletion when last member leaves")
	}
	if _, err := svc.Get(room.Code, "s1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("get after delete err = %v, want ErrRoomNotFound", err)
	}
	if _, ok := svc.RoomBySession("s1"); ok {
		t.Fatal("session still seated after room deletion")
	}
}

func TestLeaveRequiresMembership(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "s1", "Ada", RoomConfig{})

	if _, _, err := svc.Leave(room.Code, "stranger"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("leave err = %v, want ErrNotMember", err)
	}
}

func TestStartGuards(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "host", "Ada", RoomConfig{})

	if _, err := svc.Start(room.Code, "host"); !errors.Is(err, ErrNotEnoughPlayers) {
		t.Fatalf("solo start err = %v, want ErrNotEnoughPlayers", err)
	}

	mustJoin(t, svc, room.Code, "guest", "Bo")
	if _, err := svc.Start(room.Code, "stranger"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("stranger start err = %v, want ErrNotMember", err)
	}
	if _, err := svc.Start(room.Code, "guest"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest start err = %v, want ErrNotHost", err)
	}

	started, err := svc.Start(room.Code, "host")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Phase != RoomPhaseInGame {
		t.Fatalf("phase = %q, want %q", started.Phase, RoomPhaseInGame)
	}
	if _, err := svc.Start(room.Code, "host"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("double start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestUpdateConfigGuards(t *testing.T) {
	svc := NewMemory()
	room := mustCreate(t, svc, "host", "Ada", RoomConfig{})
	mustJoin(t, svc, room.Code, "g1", "Bo")
	mustJoin(t, svc, room.Code, "g2", "Cy")

	if _, err := svc.UpdateConfig(room.Code, "g1", RoomConfig{MaxPlayers: 4}); !errors.Is(err, ErrNotHost) {
		t.Fatalf("non-host config err = %v, want ErrNotHost", err)
	}
	if _, err := svc.UpdateConfig(room.Code, "host", RoomConfig{MaxPlayers: 2}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("shrink below member count err = %v, want ErrInvalidConfig", err)
	}

	updated, err := svc.UpdateConfig(room.Code, "host", RoomConfig{MaxPlayers: 4, HandSize: 5})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated.Config.MaxPlayers != 4 || updated.Config.HandSize != 5 {
		t.Fatalf("config = %+v, want 4/5", updated.Config)
	}

	if _, err := svc.Start(room.Code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.UpdateConfig(room.Code, "host", RoomConfig{MaxPlayers: 5}); !errors.Is(err, ErrRoomNotWaiting) {
		t.Fatalf("config after start err = %v, want ErrRoomNotWaiting", err)
	}
}

func TestStaleRoomsThreshold(t *testing.T) {
	svc := NewMemory()
	mustCreate(t, svc, "s1", "Ada", RoomConfig{})
	mustCreate(t, svc, "s2", "Bo", RoomConfig{})

	stale, err := svc.StaleRooms(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("stale rooms: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale with future threshold = %d, want 2", len(stale))
	}

	stale, err = svc.StaleRooms(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stale rooms: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stale with past threshold = %d, want 0", len(stale))
	}
}

type fakeStarter struct {
	calls int
	fail  bool
}

func (f *fakeStarter) StartGame(context.Context, Room) error {
	f.calls++
	if f.fail {
		return errors.New("engine unavailable")
	}
	return nil
}

func newLobbyServer(t *testing.T) (*http.ServeMux, auth.Service, *fakeStarter) {
	t.Helper()
	authSvc := auth.NewManager()
	starter := &fakeStarter{}
	mux := http.NewServeMux()
	auth.NewHTTPHandler(authSvc).RegisterRoutes(mux)
	NewHTTPHandler(NewMemory(), authSvc, starter).RegisterRoutes(mux)
	return mux, authSvc, starter
}

func newTestSession(t *testing.T, authSvc auth.Service, nickname string) (string, string) {
	t.Helper()
	sess, token, err := authSvc.Create(nickname)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess.ID, token
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeRoom(t *testing.T, rec *httptest.ResponseRecorder) Room {
	t.Helper()
	var room Room
	if err := json.Unmarshal(rec.Body.Bytes(), &room); err != nil {
		t.Fatalf("decode room from %q: %v", rec.Body.String(), err)
	}
	return room
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	mux, authSvc, starter := newLobbyServer(t)
	hostID, hostToken := newTestSession(t, authSvc, "Ada")
	_, guestToken := newTestSession(t, authSvc, "Bo")
	_, strangerToken := newTestSession(t, authSvc, "Cy")

	rec := doJSON(t, mux, http.MethodPost, "/api/rooms", hostToken, `{"max_players":4}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	room := decodeRoom(t, rec)
	if room.HostSession != hostID {
		t.Fatalf("host = %q, want %q", room.HostSession, hostID)
	}
	if room.Config.MaxPlayers != 4 {
		t.Fatalf("max players = %d, want 4", room.Config.MaxPlayers)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/join", guestToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d, body %s", rec.Code, rec.Body.String())
	}
	if joined := decodeRoom(t, rec); len(joined.Members) != 2 {
		t.Fatalf("members after join = %d, want 2", len(joined.Members))
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/rooms/"+room.Code, strangerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger get status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/start", guestToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("guest start status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/start", hostToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("host start status = %d, body %s", rec.Code, rec.Body.String())
	}
	if starter.calls != 1 {
		t.Fatalf("starter calls = %d, want 1", starter.calls)
	}
	if started := decodeRoom(t, rec); started.Phase != RoomPhaseInGame {
		t.Fatalf("phase = %q, want %q", started.Phase, RoomPhaseInGame)
	}
}

func TestStartRevertsPhaseWhenGameBootFails(t *testing.T) {
	mux, authSvc, starter := newLobbyServer(t)
	starter.fail = true

	_, hostToken := newTestSession(t, authSvc, "Ada")
	_, guestToken := newTestSession(t, authSvc, "Bo")

	rec := doJSON(t, mux, http.MethodPost, "/api/rooms", hostToken, "")
	room := decodeRoom(t, rec)
	doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/join", guestToken, "")

	rec = doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/start", hostToken, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("start status = %d, want 500", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/rooms/"+room.Code, hostToken, "")
	if got := decodeRoom(t, rec); got.Phase != RoomPhaseWaiting {
		t.Fatalf("phase after failed start = %q, want %q", got.Phase, RoomPhaseWaiting)
	}
}

func TestJoinConflictReportsCurrentRoom(t *testing.T) {
	mux, authSvc, _ := newLobbyServer(t)
	_, adaToken := newTestSession(t, authSvc, "Ada")
	_, boToken := newTestSession(t, authSvc, "Bo")

	first := decodeRoom(t, doJSON(t, mux, http.MethodPost, "/api/rooms", adaToken, ""))
	second := decodeRoom(t, doJSON(t, mux, http.MethodPost, "/api/rooms", boToken, ""))

	rec := doJSON(t, mux, http.MethodPost, "/api/rooms/"+second.Code+"/join", adaToken, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("join status = %d, want 409", rec.Code)
	}
	var conflict struct {
		Error       string `json:"error"`
		CurrentRoom Room   `json:"current_room"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if conflict.Error != "already_in_room" {
		t.Errorf("error = %q, want already_in_room", conflict.Error)
	}
	if conflict.CurrentRoom.Code != first.Code {
		t.Errorf("current room = %q, want %q", conflict.CurrentRoom.Code, first.Code)
	}
}

func TestRoomEndpointsRequireAuth(t *testing.T) {
	mux, _, _ := newLobbyServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/rooms", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("create without token status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/rooms/ABCDEF", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("get without token status = %d, want 401", rec.Code)
	}
}

func TestLeaveOverHTTP(t *testing.T) {
	mux, authSvc, _ := newLobbyServer(t)
	_, hostToken := newTestSession(t, authSvc, "Ada")
	guestID, guestToken := newTestSession(t, authSvc, "Bo")

	room := decodeRoom(t, doJSON(t, mux, http.MethodPost, "/api/rooms", hostToken, ""))
	doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/join", guestToken, "")

	rec := doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/leave", guestToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d, body %s", rec.Code, rec.Body.String())
	}
	left := decodeRoom(t, rec)
	if len(left.Members) != 1 {
		t.Fatalf("members after leave = %d, want 1", len(left.Members))
	}
	for _, m := range left.Members {
		if m.SessionID == guestID {
			t.Fatal("guest still listed after leave")
		}
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/rooms/"+room.Code+"/leave", hostToken, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("last leave status = %d, want 204", rec.Code)
	}
}

func TestRoomMethodGuards(t *testing.T) {
	mux, authSvc, _ := newLobbyServer(t)
	_, token := newTestSession(t, authSvc, "Ada")
	room := decodeRoom(t, doJSON(t, mux, http.MethodPost, "/api/rooms", token, ""))

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/rooms"},
		{http.MethodPost, "/api/rooms/" + room.Code},
		{http.MethodGet, "/api/rooms/" + room.Code + "/join"},
		{http.MethodPost, "/api/rooms/" + room.Code + "/config"},
	}
	for _, tc := range cases {
		rec := doJSON(t, mux, tc.method, tc.path, token, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}
