package room

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/core/data"
	"github.com/parlorhq/parlor/internal/protocol"
)

// fakeStore is an in-memory SessionStore standing in for the gorm-backed
// one; it honors the same per-class serialized read-modify-write contract.
// The locks mirror the real store's per-class split, which also matters for
// re-entrancy: the engine reads games from inside room update callbacks, so
// a single store-wide mutex would deadlock there.
type fakeStore struct {
	gameMu   sync.Mutex
	games    map[string]*data.Game
	roomMu   sync.Mutex
	rooms    map[uint64]*data.Room
	resultMu sync.Mutex
	results  []*data.MatchResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		games: make(map[string]*data.Game),
		rooms: make(map[uint64]*data.Room),
	}
}

func copyRoom(r *data.Room) *data.Room {
	cp := *r
	cp.Members = append([]string(nil), r.Members...)
	cp.Ready = append([]string(nil), r.Ready...)
	return &cp
}

func (s *fakeStore) FindGame(gameID string) (*data.Game, error) {
	s.gameMu.Lock()
	defer s.gameMu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *fakeStore) CreateRoom(room *data.Room) (err error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("duplicate room id %d", room.ID)
	}
	s.rooms[room.ID] = copyRoom(room)
	return nil
}

func (s *fakeStore) FindRoom(id uint64) (*data.Room, error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	return copyRoom(r), nil
}

func (s *fakeStore) UpdateRoom(id uint64, fn func(*data.Room) error) (*data.Room, error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := copyRoom(r)
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.rooms[id] = cp
	return copyRoom(cp), nil
}

func (s *fakeStore) ListRooms() ([]data.Room, error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	var rooms []data.Room
	for _, r := range s.rooms {
		rooms = append(rooms, *copyRoom(r))
	}
	return rooms, nil
}

func (s *fakeStore) DeleteRoom(id uint64) error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	delete(s.rooms, id)
	return nil
}

func (s *fakeStore) AddMatchResult(res *data.MatchResult) error {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.results = append(s.results, res)
	return nil
}

// fakeNotifier records every broadcast for assertions.
type fakeNotifier struct {
	mu     sync.Mutex
	sent   []*protocol.Message
	sentTo [][]string
}

func (n *fakeNotifier) Broadcast(members []string, msg *protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	n.sentTo = append(n.sentTo, append([]string(nil), members...))
}

func (n *fakeNotifier) lastCmd() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1].Cmd
}

func (n *fakeNotifier) cmds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var cmds []string
	for _, m := range n.sent {
		cmds = append(cmds, m.Cmd)
	}
	return cmds
}

// fakeLauncher simulates the process orchestrator.
type fakeLauncher struct {
	mu       sync.Mutex
	failWith error
	launches int
	releases map[uint64]int
	tracked  map[uint64]bool
	port     int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		releases: make(map[uint64]int),
		tracked:  make(map[uint64]bool),
		port:     40000,
	}
}

func (l *fakeLauncher) Launch(room *data.Room, game *data.Game) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return 0, l.failWith
	}
	l.launches++
	l.tracked[room.ID] = true
	return l.port, nil
}

func (l *fakeLauncher) Release(roomID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases[roomID]++
	delete(l.tracked, roomID)
}

func testEngine(t *testing.T) (*Engine, *fakeStore, *fakeNotifier, *fakeLauncher) {
	t.Helper()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	la := newFakeLauncher()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store.games["tictactoe"] = &data.Game{
		GameID:     "tictactoe",
		Version:    "1.0.0",
		MinPlayers: 2,
		MaxPlayers: 3,
		ServerExe:  "server/game_server.py",
		ClientExe:  "client/game_client.py",
		Path:       "tictactoe/1.0.0",
		Available:  true,
	}
	return NewEngine(store, notifier, la, logger, "127.0.0.1"), store, notifier, la
}

func TestCreateRoom(t *testing.T) {
	engine, _, notifier, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), room.ID)
	assert.Equal(t, "alice", room.Host)
	assert.Equal(t, []string{"alice"}, room.Members)
	assert.Equal(t, data.RoomStatusWaiting, room.Status)
	assert.Equal(t, 3, room.MaxPlayers)
	assert.Equal(t, protocol.CmdPlayerJoined, notifier.lastCmd())

	// Room ids are monotonically increasing.
	second, err := engine.CreateRoom("tictactoe", "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)
}

func TestCreateRoomGameUnavailable(t *testing.T) {
	engine, store, _, _ := testEngine(t)

	_, err := engine.CreateRoom("missing", "alice")
	assert.ErrorIs(t, err, ErrGameUnavailable)

	store.games["tictactoe"].Available = false
	_, err = engine.CreateRoom("tictactoe", "alice")
	assert.ErrorIs(t, err, ErrGameUnavailable)
}

func TestJoinRoom(t *testing.T) {
	engine, _, notifier, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	joined, err := engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, joined.Members)
	assert.Equal(t, protocol.CmdPlayerJoined, notifier.lastCmd())

	_, err = engine.JoinRoom(room.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyMember)

	_, err = engine.JoinRoom(999, "carol")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomCapacity(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	// Capacity is 3; the fourth joiner must always be rejected.
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "carol")
	require.NoError(t, err)

	_, err = engine.JoinRoom(room.ID, "dave")
	assert.ErrorIs(t, err, ErrRoomFull)

	got, _ := engine.store.FindRoom(room.ID)
	assert.Len(t, got.Members, 3)
}

func TestJoinRoomGameWentUnavailable(t *testing.T) {
	engine, store, _, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	// The developer pulls the game while the room is waiting.
	store.games["tictactoe"].Available = false

	_, err = engine.JoinRoom(room.ID, "bob")
	assert.ErrorIs(t, err, ErrGameUnavailable)

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, []string{"alice"}, got.Members, "membership must be unchanged")
}

func TestJoinRoomInProgress(t *testing.T) {
	engine, store, _, _ := testEngine(t)

	room := startedRoom(t, engine, store)

	_, err := engine.JoinRoom(room.ID, "dave")
	assert.ErrorIs(t, err, ErrGameInProgress)
}

func TestMarkReady(t *testing.T) {
	engine, store, notifier, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, engine.MarkReady(room.ID, "bob"))
	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, []string{"bob"}, got.Ready)
	assert.Equal(t, protocol.CmdPlayerReady, notifier.lastCmd())

	// Re-marking is idempotent.
	before := len(notifier.cmds())
	require.NoError(t, engine.MarkReady(room.ID, "bob"))
	got, _ = store.FindRoom(room.ID)
	assert.Equal(t, []string{"bob"}, got.Ready)
	assert.Len(t, notifier.cmds(), before, "idempotent ready must not rebroadcast")

	// The host doesn't ready; the vote is silently ignored.
	require.NoError(t, engine.MarkReady(room.ID, "alice"))
	got, _ = store.FindRoom(room.ID)
	assert.Equal(t, []string{"bob"}, got.Ready)
}

// startedRoom builds a 3-member room and drives it into the playing state.
func startedRoom(t *testing.T, engine *Engine, store *fakeStore) *data.Room {
	t.Helper()

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "carol")
	require.NoError(t, err)
	require.NoError(t, engine.MarkReady(room.ID, "bob"))
	require.NoError(t, engine.MarkReady(room.ID, "carol"))

	started, err := engine.RequestStart(room.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, data.RoomStatusPlaying, started.Status)
	return started
}

func TestNewEngineResumesRoomIDsPastPersistedRows(t *testing.T) {
	store := newFakeStore()
	store.games["tictactoe"] = &data.Game{
		GameID: "tictactoe", MinPlayers: 2, MaxPlayers: 3, Available: true,
	}
	store.rooms[7] = &data.Room{
		ID: 7, GameID: "tictactoe", Host: "carol",
		Status: data.RoomStatusWaiting, Members: []string{"carol"},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine := NewEngine(store, &fakeNotifier{}, newFakeLauncher(), logger, "127.0.0.1")

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), room.ID, "counter must resume past surviving rooms")
}

func TestRequestStartWhilePlaying(t *testing.T) {
	engine, store, _, la := testEngine(t)
	room := startedRoom(t, engine, store)
	require.Equal(t, 1, la.launches)

	// The host is in the ready set after a successful start, so without the
	// status check a repeated start would pass every other precondition and
	// spawn a second server over the live match.
	_, err := engine.RequestStart(room.ID, "alice")
	assert.ErrorIs(t, err, ErrGameInProgress)
	assert.Equal(t, 1, la.launches, "must not spawn a second server for a live match")

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusPlaying, got.Status)
	assert.True(t, la.tracked[room.ID], "the original process handle must survive")
}

func TestRequestStartPreconditions(t *testing.T) {
	engine, store, _, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	assertUnchangedWaiting := func(t *testing.T) {
		t.Helper()
		got, _ := store.FindRoom(room.ID)
		assert.Equal(t, data.RoomStatusWaiting, got.Status)
	}

	t.Run("not host", func(t *testing.T) {
		_, err := engine.RequestStart(room.ID, "bob")
		assert.ErrorIs(t, err, ErrNotHost)
		assertUnchangedWaiting(t)
	})

	t.Run("not enough players", func(t *testing.T) {
		_, err := engine.RequestStart(room.ID, "alice")
		assert.ErrorIs(t, err, ErrNotEnoughPlayers)
		assertUnchangedWaiting(t)
	})

	t.Run("not all ready", func(t *testing.T) {
		_, err := engine.JoinRoom(room.ID, "bob")
		require.NoError(t, err)

		_, err = engine.RequestStart(room.ID, "alice")
		assert.ErrorIs(t, err, ErrNotAllReady)
		assertUnchangedWaiting(t)
	})

	t.Run("game unavailable", func(t *testing.T) {
		require.NoError(t, engine.MarkReady(room.ID, "bob"))
		store.games["tictactoe"].Available = false

		_, err := engine.RequestStart(room.ID, "alice")
		assert.ErrorIs(t, err, ErrGameUnavailable)
		assertUnchangedWaiting(t)
	})
}

func TestRequestStartSuccess(t *testing.T) {
	engine, store, notifier, la := testEngine(t)

	room := startedRoom(t, engine, store)

	assert.Equal(t, 40000, room.Port)
	assert.Equal(t, 1, la.launches)
	assert.True(t, la.tracked[room.ID], "a process handle must be tracked")

	// Host was marked ready so a post-failure restart skips re-collection.
	got, _ := store.FindRoom(room.ID)
	assert.True(t, got.IsReady("alice"))

	cmds := notifier.cmds()
	require.Equal(t, protocol.CmdGameStart, cmds[len(cmds)-1])
	last := notifier.sent[len(notifier.sent)-1]
	assert.Equal(t, "127.0.0.1", last.IP)
	assert.Equal(t, 40000, last.Port)
	assert.Equal(t, "games/tictactoe/1.0.0", last.GamePath)
	assert.Equal(t, "client/game_client.py", last.ClientExe)
	assert.Equal(t, []string{"alice", "bob", "carol"}, notifier.sentTo[len(notifier.sentTo)-1])
}

func TestRequestStartLaunchFailureRollsBack(t *testing.T) {
	engine, store, notifier, la := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, engine.MarkReady(room.ID, "bob"))

	la.failWith = errors.New("spawn failed: no such file")

	_, err = engine.RequestStart(room.ID, "alice")
	require.Error(t, err)

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusWaiting, got.Status, "room must roll back to waiting")
	assert.Empty(t, got.Ready, "ready set must be cleared")
	assert.False(t, la.tracked[room.ID], "no orphaned process handle")
	assert.Equal(t, protocol.CmdGameStartFailed, notifier.lastCmd())
}

func TestLeaveRoomHostPromotion(t *testing.T) {
	engine, store, notifier, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "carol")
	require.NoError(t, err)

	// Removing the host always promotes the earliest-joined remaining member.
	require.NoError(t, engine.LeaveRoom(room.ID, "alice"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, "bob", got.Host)
	assert.Equal(t, []string{"bob", "carol"}, got.Members)

	assert.Equal(t, protocol.CmdHostChanged, notifier.lastCmd())
	assert.Equal(t, []string{"bob", "carol"}, notifier.sentTo[len(notifier.sentTo)-1])
}

func TestLeaveRoomNonHost(t *testing.T) {
	engine, store, notifier, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, engine.LeaveRoom(room.ID, "bob"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, "alice", got.Host)
	assert.Equal(t, []string{"alice"}, got.Members)
	assert.Equal(t, protocol.CmdPlayerLeft, notifier.lastCmd())
}

func TestLeaveRoomLastMemberDeletesRoom(t *testing.T) {
	engine, store, _, la := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	require.NoError(t, engine.LeaveRoom(room.ID, "alice"))

	got, _ := store.FindRoom(room.ID)
	assert.Nil(t, got, "empty room must not exist")
	assert.Equal(t, 1, la.releases[room.ID], "room deletion releases any process handle")
}

func TestLeaveRoomMidMatchKeepsProcess(t *testing.T) {
	engine, store, _, la := testEngine(t)

	room := startedRoom(t, engine, store)

	require.NoError(t, engine.LeaveRoom(room.ID, "carol"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusPlaying, got.Status)
	assert.Equal(t, []string{"alice", "bob"}, got.Members)
	assert.True(t, la.tracked[room.ID], "leaving mid-match must not touch the process handle")
}

func TestLeaveRoomIdempotent(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)
	_, err = engine.JoinRoom(room.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, engine.LeaveRoom(room.ID, "bob"))
	// The disconnect teardown may call leave again for the same user.
	require.NoError(t, engine.LeaveRoom(room.ID, "bob"))
}

func TestReportMatchEnd(t *testing.T) {
	engine, store, notifier, la := testEngine(t)

	room := startedRoom(t, engine, store)

	require.NoError(t, engine.ReportMatchEnd(room.ID, "Player 1 Wins"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusWaiting, got.Status)
	assert.Empty(t, got.Ready)
	assert.Zero(t, got.Port)
	assert.False(t, la.tracked[room.ID])
	assert.Equal(t, protocol.CmdGameEnded, notifier.lastCmd())

	// Every member's history records the result.
	require.Len(t, store.results, 3)
	for _, res := range store.results {
		assert.Equal(t, "tictactoe", res.GameID)
		assert.Equal(t, "Player 1 Wins", res.Result)
	}
}

func TestReportMatchEndIdempotent(t *testing.T) {
	engine, store, _, la := testEngine(t)

	room := startedRoom(t, engine, store)

	require.NoError(t, engine.ReportMatchEnd(room.ID, "Draw"))
	require.NoError(t, engine.ReportMatchEnd(room.ID, "Draw"))

	assert.Len(t, store.results, 3, "duplicate callback must not double-record results")
	assert.GreaterOrEqual(t, la.releases[room.ID], 1)
}

func TestReportMatchEndUnknownRoom(t *testing.T) {
	engine, _, _, _ := testEngine(t)
	assert.NoError(t, engine.ReportMatchEnd(999, "Draw"))
}

func TestReportClientLaunchFailure(t *testing.T) {
	engine, store, notifier, la := testEngine(t)

	room := startedRoom(t, engine, store)

	require.NoError(t, engine.ReportClientLaunchFailure(room.ID, "bob", "missing client binary"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusWaiting, got.Status)
	assert.Empty(t, got.Ready)
	assert.False(t, la.tracked[room.ID], "server process must be terminated")

	assert.Equal(t, protocol.CmdGameStartFailed, notifier.lastCmd())
	assert.Equal(t, []string{"alice", "bob", "carol"}, notifier.sentTo[len(notifier.sentTo)-1],
		"the whole room is told about a single client's failure")
}

func TestFullMatchScenario(t *testing.T) {
	// Room with host alice and players {alice, bob, carol}, capacity 3.
	engine, store, notifier, la := testEngine(t)

	room := startedRoom(t, engine, store)
	assert.True(t, la.tracked[room.ID])

	require.NoError(t, engine.ReportMatchEnd(room.ID, "Player 1 Wins"))

	got, _ := store.FindRoom(room.ID)
	assert.Equal(t, data.RoomStatusWaiting, got.Status)
	assert.Empty(t, got.Ready)

	cmds := notifier.cmds()
	assert.Equal(t, protocol.CmdGameStart, cmds[len(cmds)-2])
	assert.Equal(t, protocol.CmdGameEnded, cmds[len(cmds)-1])
}

func TestIsHost(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	room, err := engine.CreateRoom("tictactoe", "alice")
	require.NoError(t, err)

	isHost, err := engine.IsHost(room.ID, "alice")
	require.NoError(t, err)
	assert.True(t, isHost)

	isHost, err = engine.IsHost(room.ID, "bob")
	require.NoError(t, err)
	assert.False(t, isHost)

	_, err = engine.IsHost(999, "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
