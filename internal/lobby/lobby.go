// Package lobby implements the player-facing service: authentication, game
// browsing and download, room commands, and the end_game callback from
// spawned game servers.
package lobby

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/core"
	"github.com/parlorhq/parlor/internal/core/data"
	"github.com/parlorhq/parlor/internal/protocol"
	"github.com/parlorhq/parlor/internal/room"
	"github.com/parlorhq/parlor/internal/server"
)

const gameListCacheKey = "game_list"

func gameInfo(g *data.Game) protocol.GameInfo {
	return protocol.GameInfo{
		GameID:        g.GameID,
		Name:          g.Name,
		Uploader:      g.Uploader,
		Version:       g.Version,
		Description:   g.Description,
		MinPlayers:    g.MinPlayers,
		MaxPlayers:    g.MaxPlayers,
		AverageRating: g.AverageRating,
		Reviews:       g.ReviewCount,
	}
}

// Server is the lobby Backend. One Handle invocation runs at a time per
// connection; state shared between connections lives in the registry, the
// engine and the store, each with its own locking.
type Server struct {
	name     string
	config   *core.Config
	logger   *logrus.Logger
	store    data.SessionStore
	engine   *room.Engine
	registry *Registry

	// gameCache takes repeated list_games calls off the database; the dev
	// service flushes it whenever the catalog changes.
	gameCache *gocache.Cache
}

func NewServer(name string, config *core.Config, logger *logrus.Logger, store data.SessionStore,
	engine *room.Engine, registry *Registry, gameCache *gocache.Cache) *Server {
	return &Server{
		name:      name,
		config:    config,
		logger:    logger,
		store:     store,
		engine:    engine,
		registry:  registry,
		gameCache: gameCache,
	}
}

func (s *Server) Name() string                   { return s.name }
func (s *Server) Init(ctx context.Context) error { return nil }

func (s *Server) StartSession(c *server.Client) error { return nil }

// EndSession tears down whatever session state the connection accumulated:
// room membership (via the leave path, exactly once), the registry binding
// and the online flag.
func (s *Server) EndSession(c *server.Client) {
	if c.Username == "" {
		return
	}

	if c.RoomID != 0 {
		if err := s.engine.LeaveRoom(c.RoomID, c.Username); err != nil {
			s.logger.Warnf("leave on disconnect failed for %s: %v", c.Username, err)
		}
		c.RoomID = 0
	}

	s.registry.Deregister(c.Username, c)
	auth.Logout(s.store, c.Username, data.RolePlayer)
	c.Username = ""
}

// Handle dispatches one decoded message. register and login are always
// permitted; end_game is unauthenticated by design since it originates from
// a spawned game server rather than a player; everything else requires a
// logged-in user.
func (s *Server) Handle(ctx context.Context, c *server.Client, msg *protocol.Message) error {
	switch msg.Cmd {
	case protocol.CmdRegister:
		return s.handleRegister(c, msg)
	case protocol.CmdLogin:
		return s.handleLogin(c, msg)
	case protocol.CmdEndGame:
		return s.handleEndGame(c, msg)
	}

	if c.Username == "" {
		return c.Send(protocol.Error("not authenticated: please log in first"))
	}

	switch msg.Cmd {
	case protocol.CmdListGames:
		return s.handleListGames(c)
	case protocol.CmdListRooms:
		return s.handleListRooms(c)
	case protocol.CmdCreateRoom:
		return s.handleCreateRoom(c, msg)
	case protocol.CmdJoinRoom:
		return s.handleJoinRoom(c, msg)
	case protocol.CmdLeaveRoom:
		return s.handleLeaveRoom(c, msg)
	case protocol.CmdGetHost:
		return s.handleGetHost(c)
	case protocol.CmdReady:
		return s.handleReady(c, msg)
	case protocol.CmdStartGame:
		return s.handleStartGame(c, msg)
	case protocol.CmdClientStartFailed:
		return s.handleClientStartFailed(c, msg)
	case protocol.CmdDownloadGame:
		return s.handleDownloadGame(c, msg)
	case protocol.CmdCompareVersion:
		return s.handleCompareVersion(c, msg)
	case protocol.CmdPlayedGameList:
		return s.handlePlayedGameList(c)
	case protocol.CmdSubmitReview:
		return s.handleSubmitReview(c, msg)
	default:
		return c.Send(protocol.Error(fmt.Sprintf("unknown command %q", msg.Cmd)))
	}
}

func (s *Server) handleRegister(c *server.Client, msg *protocol.Message) error {
	if msg.Username == "" || msg.Password == "" {
		return c.Send(protocol.Error("username and password are required"))
	}

	if _, err := auth.CreateUser(s.store, msg.Username, msg.Password, data.RolePlayer); err != nil {
		return c.Send(protocol.Error(err.Error()))
	}
	return c.Send(protocol.OK("registration successful"))
}

func (s *Server) handleLogin(c *server.Client, msg *protocol.Message) error {
	if c.Username != "" {
		return c.Send(protocol.Error("already logged in"))
	}

	user, err := auth.Login(s.store, msg.Username, msg.Password, data.RolePlayer)
	if err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	c.Username = user.Username
	c.Role = user.Role
	s.registry.Register(user.Username, c)

	s.logger.Infof("player %s logged in from %s", user.Username, c.IPAddr())
	return c.Send(protocol.OK(fmt.Sprintf("welcome, %s", user.Username)))
}

func (s *Server) handleListGames(c *server.Client) error {
	if cached, found := s.gameCache.Get(gameListCacheKey); found {
		return c.Send(&protocol.Message{Status: protocol.StatusOK, Games: cached.([]protocol.GameInfo)})
	}

	games, err := s.store.ListGames()
	if err != nil {
		s.logger.Errorf("list_games failed: %v", err)
		return c.Send(protocol.Error("failed to list games"))
	}

	infos := make([]protocol.GameInfo, 0, len(games))
	for _, g := range games {
		if !g.Available {
			continue
		}
		infos = append(infos, gameInfo(&g))
	}

	s.gameCache.Set(gameListCacheKey, infos, gocache.DefaultExpiration)
	return c.Send(&protocol.Message{Status: protocol.StatusOK, Games: infos})
}

func (s *Server) handleListRooms(c *server.Client) error {
	rooms, err := s.store.ListRooms()
	if err != nil {
		s.logger.Errorf("list_rooms failed: %v", err)
		return c.Send(protocol.Error("failed to list rooms"))
	}

	infos := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, protocol.RoomInfo{
			RoomID:     r.ID,
			GameID:     r.GameID,
			Host:       r.Host,
			Status:     r.Status,
			Members:    r.Members,
			MaxPlayers: r.MaxPlayers,
		})
	}
	return c.Send(&protocol.Message{Status: protocol.StatusOK, Rooms: infos})
}

func (s *Server) handleCreateRoom(c *server.Client, msg *protocol.Message) error {
	if c.RoomID != 0 {
		return c.Send(protocol.Error("leave your current room first"))
	}

	created, err := s.engine.CreateRoom(msg.GameID, c.Username)
	if err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	c.RoomID = created.ID
	return c.Send(&protocol.Message{
		Status: protocol.StatusOK,
		RoomID: created.ID,
		Msg:    fmt.Sprintf("room %d created", created.ID),
	})
}

func (s *Server) handleJoinRoom(c *server.Client, msg *protocol.Message) error {
	if c.RoomID != 0 {
		return c.Send(protocol.Error("leave your current room first"))
	}

	joined, err := s.engine.JoinRoom(msg.RoomID, c.Username)
	if err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	c.RoomID = joined.ID
	return c.Send(&protocol.Message{
		Status: protocol.StatusOK,
		RoomID: joined.ID,
		Msg:    fmt.Sprintf("joined room %d", joined.ID),
	})
}

func (s *Server) handleLeaveRoom(c *server.Client, msg *protocol.Message) error {
	roomID := msg.RoomID
	if roomID == 0 {
		roomID = c.RoomID
	}
	if roomID == 0 {
		return c.Send(protocol.Error("not in a room"))
	}

	if err := s.engine.LeaveRoom(roomID, c.Username); err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	if roomID == c.RoomID {
		c.RoomID = 0
	}
	return c.Send(protocol.OK("left room"))
}

func (s *Server) handleGetHost(c *server.Client) error {
	if c.RoomID == 0 {
		return c.Send(protocol.Error("not in a room"))
	}

	isHost, err := s.engine.IsHost(c.RoomID, c.Username)
	if err != nil {
		return c.Send(protocol.Error(err.Error()))
	}
	return c.Send(&protocol.Message{Status: protocol.StatusOK, Host: &isHost})
}

func (s *Server) handleReady(c *server.Client, msg *protocol.Message) error {
	roomID := msg.RoomID
	if roomID == 0 {
		roomID = c.RoomID
	}
	if roomID == 0 {
		return c.Send(protocol.Error("not in a room"))
	}

	if err := s.engine.MarkReady(roomID, c.Username); err != nil {
		return c.Send(protocol.Error(err.Error()))
	}
	return c.Send(protocol.OK("ready"))
}

// handleStartGame drives the room menu's primary action: clients send
// start_game for both roles, so from the host it authorizes the match start
// and from any other member it records their ready vote. Validation
// failures come back on this connection as start_game_error; failures after
// the room has transitioned reach everyone as a game_start_failed broadcast
// instead.
func (s *Server) handleStartGame(c *server.Client, msg *protocol.Message) error {
	roomID := msg.RoomID
	if roomID == 0 {
		roomID = c.RoomID
	}
	if roomID == 0 {
		return c.Send(&protocol.Message{Cmd: protocol.CmdStartGameError, Msg: "not in a room"})
	}

	isHost, err := s.engine.IsHost(roomID, c.Username)
	if err != nil {
		return c.Send(&protocol.Message{Cmd: protocol.CmdStartGameError, Msg: err.Error()})
	}

	if !isHost {
		if err := s.engine.MarkReady(roomID, c.Username); err != nil {
			return c.Send(&protocol.Message{Cmd: protocol.CmdStartGameError, Msg: err.Error()})
		}
		// The vote is announced by the player_ready broadcast.
		return nil
	}

	if _, err := s.engine.RequestStart(roomID, c.Username); err != nil {
		return c.Send(&protocol.Message{Cmd: protocol.CmdStartGameError, Msg: err.Error()})
	}
	// Success is announced to the whole room by the game_start broadcast.
	return nil
}

func (s *Server) handleClientStartFailed(c *server.Client, msg *protocol.Message) error {
	roomID := msg.RoomID
	if roomID == 0 {
		roomID = c.RoomID
	}
	if roomID == 0 {
		return nil
	}

	// Fire and forget: no reply, the room-wide broadcast carries the news.
	if err := s.engine.ReportClientLaunchFailure(roomID, c.Username, msg.Reason); err != nil {
		s.logger.Warnf("client_start_failed handling error: %v", err)
	}
	return nil
}

// handleEndGame is the match-end callback sent by a spawned game server
// over a fresh connection. Fire and forget and unauthenticated.
func (s *Server) handleEndGame(c *server.Client, msg *protocol.Message) error {
	if msg.RoomID == 0 {
		return nil
	}

	s.logger.Infof("end_game callback from %s for room %d: %s", c.IPAddr(), msg.RoomID, msg.Result)
	if err := s.engine.ReportMatchEnd(msg.RoomID, msg.Result); err != nil {
		s.logger.Errorf("end_game handling error: %v", err)
	}
	return nil
}

func (s *Server) handleDownloadGame(c *server.Client, msg *protocol.Message) error {
	game, err := s.store.FindGame(msg.GameID)
	if err != nil {
		s.logger.Errorf("download_game lookup failed: %v", err)
		return c.Send(protocol.Error("failed to look up game"))
	}
	if game == nil || !game.Available {
		return c.Send(protocol.Error(room.ErrGameUnavailable.Error()))
	}

	archive := filepath.Join(s.config.GamesDir, game.Path, game.GameID+".zip")
	info, err := os.Stat(archive)
	if err != nil {
		s.logger.Errorf("archive missing for %s: %v", game.GameID, err)
		return c.Send(protocol.Error("game package is missing on the server"))
	}

	// Announce the size, then wait for the client to confirm it is ready
	// before the raw bytes start; the client's reader must leave framed
	// mode for the transfer.
	if err := c.Send(&protocol.Message{Status: protocol.StatusOK, FileSize: info.Size()}); err != nil {
		return err
	}
	ack, err := protocol.ReadMessage(c)
	if err != nil {
		return err
	}
	if ack.Status != protocol.StatusReadyToReceive {
		s.logger.Warnf("download of %s aborted by %s: %s", game.GameID, c.Username, ack.Status)
		return nil
	}

	s.logger.Infof("sending %s to %s", archive, c.Username)
	return c.SendFile(archive)
}

func (s *Server) handleCompareVersion(c *server.Client, msg *protocol.Message) error {
	game, err := s.store.FindGame(msg.GameID)
	if err != nil {
		return c.Send(protocol.Error("failed to look up game"))
	}
	if game == nil {
		return c.Send(protocol.Error("game not found"))
	}

	reply := &protocol.Message{Status: protocol.StatusOK, Latest: game.Version}
	if CompareVersions(msg.Version, game.Version) >= 0 {
		reply.Msg = "up to date"
	} else {
		reply.Msg = "a newer version is available"
	}
	return c.Send(reply)
}

// handlePlayedGameList returns the distinct games in the caller's match
// history (the set eligible for reviews) along with the raw per-match
// records.
func (s *Server) handlePlayedGameList(c *server.Client) error {
	history, err := s.store.MatchHistory(c.Username)
	if err != nil {
		s.logger.Errorf("played_game_list failed: %v", err)
		return c.Send(protocol.Error("failed to load match history"))
	}

	var played []protocol.GameInfo
	seen := make(map[string]bool)
	records := make([]protocol.MatchRecord, 0, len(history))
	for _, h := range history {
		records = append(records, protocol.MatchRecord{
			GameID:   h.GameID,
			Result:   h.Result,
			PlayedAt: h.PlayedAt.Format(time.DateTime),
		})

		if seen[h.GameID] {
			continue
		}
		seen[h.GameID] = true
		game, err := s.store.FindGame(h.GameID)
		if err != nil {
			s.logger.Errorf("played_game_list lookup of %s failed: %v", h.GameID, err)
			continue
		}
		if game == nil {
			// The record outlives the catalog entry; nothing to show.
			continue
		}
		played = append(played, gameInfo(game))
	}

	return c.Send(&protocol.Message{
		Status:      protocol.StatusOK,
		PlayedGames: played,
		History:     records,
	})
}

func (s *Server) handleSubmitReview(c *server.Client, msg *protocol.Message) error {
	if msg.Score < 1 || msg.Score > 5 {
		return c.Send(protocol.Error("score must be between 1 and 5"))
	}

	game, err := s.store.AddReview(&data.Review{
		GameID:   msg.GameID,
		Username: c.Username,
		Score:    msg.Score,
		Comment:  msg.Comment,
	})
	if err != nil {
		s.logger.Errorf("submit_review failed: %v", err)
		return c.Send(protocol.Error("failed to record review"))
	}
	if game == nil {
		return c.Send(protocol.Error("game not found"))
	}

	s.gameCache.Delete(gameListCacheKey)
	return c.Send(protocol.OK(fmt.Sprintf("thanks! %s is now rated %.1f", game.GameID, game.AverageRating)))
}
