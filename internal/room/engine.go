// Package room implements the room lifecycle state machine: creation,
// join/leave, the ready check, host migration, match start authorization and
// match end handling.
//
// The engine owns no durable state itself; rooms live in the injected store
// and every mutation is a read-modify-write serialized by the store's room
// lock. Broadcasts are emitted strictly after the mutation they announce.
package room

import (
	"fmt"
	"path"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/core/data"
	"github.com/parlorhq/parlor/internal/protocol"
)

// Store is the slice of the session store the engine depends on.
type Store interface {
	FindGame(gameID string) (*data.Game, error)
	CreateRoom(room *data.Room) error
	FindRoom(id uint64) (*data.Room, error)
	ListRooms() ([]data.Room, error)
	UpdateRoom(id uint64, fn func(*data.Room) error) (*data.Room, error)
	DeleteRoom(id uint64) error
	AddMatchResult(res *data.MatchResult) error
}

// Notifier delivers a message to every currently-online member of a room.
// Delivery is best effort; implementations must never fail the caller.
type Notifier interface {
	Broadcast(members []string, msg *protocol.Message)
}

// Launcher spawns and tracks game server processes.
type Launcher interface {
	Launch(room *data.Room, game *data.Game) (int, error)
	Release(roomID uint64)
}

// Engine is the room lifecycle state machine. It is safe for concurrent use
// by any number of connection handlers.
type Engine struct {
	store    Store
	notify   Notifier
	launcher Launcher
	logger   *logrus.Logger

	// externalIP is the lobby address broadcast to clients in game_start.
	externalIP string

	mu         sync.Mutex
	nextRoomID uint64
}

func NewEngine(store Store, notify Notifier, launcher Launcher, logger *logrus.Logger, externalIP string) *Engine {
	e := &Engine{
		store:      store,
		notify:     notify,
		launcher:   launcher,
		logger:     logger,
		externalIP: externalIP,
	}

	// Rooms survive a restart in the store, so the counter must resume past
	// the highest persisted id or the first new room collides with a
	// surviving row.
	rooms, err := store.ListRooms()
	if err != nil {
		logger.Warnf("failed to scan existing rooms to seed the id counter: %v", err)
		return e
	}
	for _, r := range rooms {
		if r.ID > e.nextRoomID {
			e.nextRoomID = r.ID
		}
	}
	return e
}

// allocateRoomID returns the next process-lifetime-unique room id.
func (e *Engine) allocateRoomID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRoomID++
	return e.nextRoomID
}

// CreateRoom creates a new waiting room for gameID with host as its sole
// member and announces the join to the (new) room.
func (e *Engine) CreateRoom(gameID, host string) (*data.Room, error) {
	game, err := e.store.FindGame(gameID)
	if err != nil {
		return nil, err
	}
	if game == nil || !game.Available {
		return nil, ErrGameUnavailable
	}

	room := &data.Room{
		ID:         e.allocateRoomID(),
		GameID:     gameID,
		Host:       host,
		Status:     data.RoomStatusWaiting,
		Members:    []string{host},
		MaxPlayers: game.MaxPlayers,
	}
	if err := e.store.CreateRoom(room); err != nil {
		return nil, err
	}

	e.notify.Broadcast(room.Members, &protocol.Message{
		Cmd:      protocol.CmdPlayerJoined,
		Username: host,
		RoomID:   room.ID,
	})
	return room, nil
}

// JoinRoom appends user to the room's member list and announces the join.
func (e *Engine) JoinRoom(roomID uint64, user string) (*data.Room, error) {
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		if r.Status != data.RoomStatusWaiting {
			return ErrGameInProgress
		}
		if r.IsMember(user) {
			return ErrAlreadyMember
		}
		if len(r.Members) >= r.MaxPlayers {
			return ErrRoomFull
		}

		game, err := e.store.FindGame(r.GameID)
		if err != nil {
			return err
		}
		if game == nil || !game.Available {
			return ErrGameUnavailable
		}

		r.Members = append(r.Members, user)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	e.notify.Broadcast(room.Members, &protocol.Message{
		Cmd:      protocol.CmdPlayerJoined,
		Username: user,
		RoomID:   room.ID,
	})
	return room, nil
}

// MarkReady records user's readiness vote. Re-marking is a no-op, as is a
// vote from the host (hosts don't ready, they start).
func (e *Engine) MarkReady(roomID uint64, user string) error {
	var changed bool
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		if r.Status != data.RoomStatusWaiting {
			return ErrGameInProgress
		}
		if user == r.Host || !r.IsMember(user) || r.IsReady(user) {
			return nil
		}
		r.Ready = append(r.Ready, user)
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}

	if changed {
		e.notify.Broadcast(room.Members, &protocol.Message{
			Cmd:      protocol.CmdPlayerReady,
			Username: user,
			RoomID:   room.ID,
		})
	}
	return nil
}

// RequestStart validates the start preconditions, transitions the room to
// playing and launches the game server. A synchronous launch failure rolls
// the room back to waiting with an empty ready set and broadcasts
// game_start_failed so no partial state survives.
func (e *Engine) RequestStart(roomID uint64, caller string) (*data.Room, error) {
	var game *data.Game
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		// A room that is already Playing has a live server; a second start
		// must never reach the launcher.
		if r.Status != data.RoomStatusWaiting {
			return ErrGameInProgress
		}
		if caller != r.Host {
			return ErrNotHost
		}

		var err error
		game, err = e.store.FindGame(r.GameID)
		if err != nil {
			return err
		}
		if game == nil || !game.Available {
			return ErrGameUnavailable
		}
		if len(r.Members) < game.MinPlayers {
			return ErrNotEnoughPlayers
		}
		for _, m := range r.Members {
			if m != r.Host && !r.IsReady(m) {
				return ErrNotAllReady
			}
		}

		// Marking the host ready here means a restart after a failed launch
		// doesn't require collecting the votes again.
		if !r.IsReady(r.Host) {
			r.Ready = append(r.Ready, r.Host)
		}
		r.Status = data.RoomStatusPlaying
		return nil
	})
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	port, err := e.launcher.Launch(room, game)
	if err != nil {
		e.logger.Warnf("launch failed for room %d: %v", room.ID, err)
		e.abortStart(room.ID, err.Error())
		return nil, err
	}

	room, updateErr := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		r.Port = port
		return nil
	})
	if updateErr != nil || room == nil {
		// The room store failed after the process came up; tear the process
		// down rather than leaving a match nobody is tracking.
		e.launcher.Release(roomID)
		e.abortStart(roomID, "internal error starting game")
		if updateErr == nil {
			updateErr = ErrRoomNotFound
		}
		return nil, updateErr
	}

	e.notify.Broadcast(room.Members, &protocol.Message{
		Cmd:        protocol.CmdGameStart,
		RoomID:     room.ID,
		IP:         e.externalIP,
		Port:       port,
		GamePath:   path.Join("games", game.Path),
		ClientExe:  game.ClientExe,
		ClientArgs: game.ClientArgs,
	})
	return room, nil
}

// abortStart reverts a room to waiting with a cleared ready set and tells
// every member the start failed.
func (e *Engine) abortStart(roomID uint64, reason string) {
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		r.Status = data.RoomStatusWaiting
		r.Ready = nil
		r.Port = 0
		return nil
	})
	if err != nil || room == nil {
		e.logger.Errorf("failed to roll back room %d after launch failure: %v", roomID, err)
		return
	}

	e.notify.Broadcast(room.Members, &protocol.Message{
		Cmd:    protocol.CmdGameStartFailed,
		RoomID: room.ID,
		Msg:    fmt.Sprintf("game could not be started: %s", reason),
	})
}

// LeaveRoom removes user from the room. The earliest-joined remaining
// member inherits the host role when the host departs; the room is deleted
// when its last member leaves. Leaving is permitted in any room state.
func (e *Engine) LeaveRoom(roomID uint64, user string) error {
	var (
		wasHost bool
		newHost string
		empty   bool
	)
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		if !r.IsMember(user) {
			// Idempotent: the disconnect teardown path may race a voluntary
			// leave for the same user.
			return nil
		}

		wasHost = user == r.Host
		r.RemoveMember(user)

		if len(r.Members) == 0 {
			empty = true
			return nil
		}
		if wasHost {
			// Deterministic promotion: the longest-tenured remaining member.
			newHost = r.Members[0]
			r.Host = newHost
		}
		return nil
	})
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}

	if empty {
		if err := e.store.DeleteRoom(roomID); err != nil {
			return err
		}
		// Nothing left to clean the process up on end_game, so release any
		// tracked handle now. A room_closed notice would have no recipients.
		e.launcher.Release(roomID)
		e.logger.Infof("room %d closed (last member left)", roomID)
		return nil
	}

	if wasHost {
		e.notify.Broadcast(room.Members, &protocol.Message{
			Cmd:      protocol.CmdHostChanged,
			Username: newHost,
			RoomID:   room.ID,
			Msg:      fmt.Sprintf("%s left the room; %s is now the host", user, newHost),
		})
	} else {
		e.notify.Broadcast(room.Members, &protocol.Message{
			Cmd:      protocol.CmdPlayerLeft,
			Username: user,
			RoomID:   room.ID,
		})
	}
	return nil
}

// ReportMatchEnd handles the end_game callback from a spawned game server:
// the room returns to waiting, the result is recorded against every current
// member and the process handle is released. Process cleanup is idempotent;
// a duplicate callback for an already-waiting room only re-releases the
// (absent) handle.
func (e *Engine) ReportMatchEnd(roomID uint64, result string) error {
	var (
		wasPlaying bool
		gameID     string
	)
	room, err := e.store.UpdateRoom(roomID, func(r *data.Room) error {
		wasPlaying = r.Status == data.RoomStatusPlaying
		gameID = r.GameID
		r.Status = data.RoomStatusWaiting
		r.Ready = nil
		r.Port = 0
		return nil
	})
	if err != nil {
		return err
	}

	e.launcher.Release(roomID)

	if room == nil {
		// The room dissolved before the callback arrived; the handle release
		// above is all the cleanup left to do.
		e.logger.Infof("end_game callback for unknown room %d", roomID)
		return nil
	}
	if !wasPlaying {
		return nil
	}

	for _, member := range room.Members {
		err := e.store.AddMatchResult(&data.MatchResult{
			Username: member,
			GameID:   gameID,
			Result:   result,
		})
		if err != nil {
			e.logger.Errorf("failed to record match result for %s: %v", member, err)
		}
	}

	e.notify.Broadcast(room.Members, &protocol.Message{
		Cmd:    protocol.CmdGameEnded,
		RoomID: room.ID,
		Result: result,
	})
	return nil
}

// ReportClientLaunchFailure aborts a match because one member's local game
// client failed to start. The server process is terminated and every member
// is told the start failed; a single client failure aborts the match for
// everyone.
func (e *Engine) ReportClientLaunchFailure(roomID uint64, user, reason string) error {
	e.launcher.Release(roomID)
	e.logger.Warnf("client launch failure in room %d reported by %s: %s", roomID, user, reason)
	e.abortStart(roomID, reason)
	return nil
}

// IsHost reports whether user currently holds the host role in the room.
func (e *Engine) IsHost(roomID uint64, user string) (bool, error) {
	room, err := e.store.FindRoom(roomID)
	if err != nil {
		return false, err
	}
	if room == nil {
		return false, ErrRoomNotFound
	}
	return room.Host == user, nil
}
