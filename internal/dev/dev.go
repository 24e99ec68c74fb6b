// Package dev implements the developer-facing service: game package upload,
// catalog management and retirement of published games.
package dev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/core"
	"github.com/parlorhq/parlor/internal/core/data"
	"github.com/parlorhq/parlor/internal/protocol"
	"github.com/parlorhq/parlor/internal/server"
)

// Server is the developer Backend. It shares the game list cache with the
// lobby service so catalog changes are visible to players immediately.
type Server struct {
	name      string
	config    *core.Config
	logger    *logrus.Logger
	store     data.SessionStore
	gameCache *gocache.Cache
}

func NewServer(name string, config *core.Config, logger *logrus.Logger,
	store data.SessionStore, gameCache *gocache.Cache) *Server {
	return &Server{
		name:      name,
		config:    config,
		logger:    logger,
		store:     store,
		gameCache: gameCache,
	}
}

func (s *Server) Name() string                   { return s.name }
func (s *Server) Init(ctx context.Context) error { return nil }

func (s *Server) StartSession(c *server.Client) error { return nil }

func (s *Server) EndSession(c *server.Client) {
	if c.Username == "" {
		return
	}
	auth.Logout(s.store, c.Username, data.RoleDeveloper)
	c.Username = ""
}

func (s *Server) Handle(ctx context.Context, c *server.Client, msg *protocol.Message) error {
	switch msg.Cmd {
	case protocol.CmdRegister:
		return s.handleRegister(c, msg)
	case protocol.CmdLogin:
		return s.handleLogin(c, msg)
	}

	if c.Username == "" {
		return c.Send(protocol.Error("not authenticated: please log in first"))
	}

	switch msg.Cmd {
	case protocol.CmdUploadGame:
		return s.handleUploadGame(c, msg)
	case protocol.CmdDeleteGame:
		return s.handleDeleteGame(c, msg)
	case protocol.CmdMyGames, protocol.CmdListGames:
		return s.handleMyGames(c)
	default:
		return c.Send(protocol.Error(fmt.Sprintf("unknown command %q", msg.Cmd)))
	}
}

func (s *Server) handleRegister(c *server.Client, msg *protocol.Message) error {
	if msg.Username == "" || msg.Password == "" {
		return c.Send(protocol.Error("username and password are required"))
	}

	if _, err := auth.CreateUser(s.store, msg.Username, msg.Password, data.RoleDeveloper); err != nil {
		return c.Send(protocol.Error(err.Error()))
	}
	return c.Send(protocol.OK("registration successful"))
}

func (s *Server) handleLogin(c *server.Client, msg *protocol.Message) error {
	if c.Username != "" {
		return c.Send(protocol.Error("already logged in"))
	}

	user, err := auth.Login(s.store, msg.Username, msg.Password, data.RoleDeveloper)
	if err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	c.Username = user.Username
	c.Role = user.Role
	s.logger.Infof("developer %s logged in from %s", user.Username, c.IPAddr())
	return c.Send(protocol.OK(fmt.Sprintf("welcome, %s", user.Username)))
}

// handleUploadGame validates the manifest, acknowledges it, then consumes
// the raw package bytes that follow on the same connection. The catalog is
// only touched once the whole package has landed on disk, so a dropped
// upload leaves the previous version live.
func (s *Server) handleUploadGame(c *server.Client, msg *protocol.Message) error {
	if err := validateManifest(msg); err != nil {
		return c.Send(protocol.Error(err.Error()))
	}

	existing, err := s.store.FindGame(msg.GameID)
	if err != nil {
		s.logger.Errorf("upload_game lookup failed: %v", err)
		return c.Send(protocol.Error("failed to look up game"))
	}
	if existing != nil && existing.Uploader != c.Username {
		return c.Send(protocol.Error(fmt.Sprintf("game %s belongs to another developer", msg.GameID)))
	}

	packagePath := filepath.Join(msg.GameID, msg.Version)
	packageDir := filepath.Join(s.config.GamesDir, packagePath)
	if err := os.MkdirAll(packageDir, 0o755); err != nil {
		s.logger.Errorf("failed to create package dir %s: %v", packageDir, err)
		return c.Send(protocol.Error("failed to prepare storage for the upload"))
	}

	// The client streams the archive as soon as it sees this ack.
	if err := c.Send(&protocol.Message{Status: protocol.StatusReadyToReceive}); err != nil {
		return err
	}

	received, err := protocol.ReceiveFile(c, packageDir)
	if err != nil {
		s.logger.Warnf("upload of %s from %s failed: %v", msg.GameID, c.Username, err)
		return err
	}

	archive := filepath.Join(packageDir, msg.GameID+".zip")
	if received != archive {
		if err := os.Rename(received, archive); err != nil {
			s.logger.Errorf("failed to move upload into place: %v", err)
			return c.Send(protocol.Error("failed to store the uploaded package"))
		}
	}

	game := &data.Game{
		GameID:      msg.GameID,
		Name:        msg.Name,
		Version:     msg.Version,
		Description: msg.Description,
		MinPlayers:  msg.MinPlayers,
		MaxPlayers:  msg.MaxPlayers,
		ServerExe:   msg.ServerExe,
		ClientExe:   msg.ClientExe,
		ServerArgs:  msg.ServerArgs,
		ClientArgs:  msg.ClientArgs,
		Path:        packagePath,
		Uploader:    c.Username,
		Available:   true,
	}
	if err := s.store.UpsertGame(game); err != nil {
		s.logger.Errorf("failed to register uploaded game %s: %v", msg.GameID, err)
		return c.Send(protocol.Error("failed to register the uploaded game"))
	}

	s.gameCache.Flush()
	s.logger.Infof("developer %s published %s %s", c.Username, msg.GameID, msg.Version)
	return c.Send(protocol.OK(fmt.Sprintf("%s %s published", msg.GameID, msg.Version)))
}

func validateManifest(msg *protocol.Message) error {
	switch {
	case msg.GameID == "":
		return fmt.Errorf("manifest is missing game_id")
	case msg.GameID != filepath.Base(msg.GameID):
		return fmt.Errorf("game_id must not contain path separators")
	case msg.Version == "":
		return fmt.Errorf("manifest is missing version")
	case msg.Version != filepath.Base(msg.Version):
		return fmt.Errorf("version must not contain path separators")
	case msg.ServerExe == "":
		return fmt.Errorf("manifest is missing server_exe")
	case msg.ClientExe == "":
		return fmt.Errorf("manifest is missing client_exe")
	case msg.MinPlayers < 1 || msg.MaxPlayers < msg.MinPlayers:
		return fmt.Errorf("manifest has an invalid player count range")
	}
	return nil
}

// handleDeleteGame retires a game: it disappears from listings and can no
// longer be played or downloaded, but its record and review history remain.
func (s *Server) handleDeleteGame(c *server.Client, msg *protocol.Message) error {
	game, err := s.store.FindGame(msg.GameID)
	if err != nil {
		s.logger.Errorf("delete_game lookup failed: %v", err)
		return c.Send(protocol.Error("failed to look up game"))
	}
	if game == nil {
		return c.Send(protocol.Error("game not found"))
	}
	if game.Uploader != c.Username {
		return c.Send(protocol.Error(fmt.Sprintf("game %s belongs to another developer", msg.GameID)))
	}

	if _, err := s.store.UpdateGame(msg.GameID, func(g *data.Game) error {
		g.Available = false
		return nil
	}); err != nil {
		s.logger.Errorf("delete_game update failed: %v", err)
		return c.Send(protocol.Error("failed to delete game"))
	}

	s.gameCache.Flush()
	s.logger.Infof("developer %s retired %s", c.Username, msg.GameID)
	return c.Send(protocol.OK(fmt.Sprintf("%s deleted", msg.GameID)))
}

// handleMyGames returns the caller's own games, retired ones included.
func (s *Server) handleMyGames(c *server.Client) error {
	games, err := s.store.ListGames()
	if err != nil {
		s.logger.Errorf("my_games failed: %v", err)
		return c.Send(protocol.Error("failed to list games"))
	}

	infos := make([]protocol.GameInfo, 0, len(games))
	for _, g := range games {
		if g.Uploader != c.Username {
			continue
		}
		infos = append(infos, protocol.GameInfo{
			GameID:        g.GameID,
			Name:          g.Name,
			Uploader:      g.Uploader,
			Version:       g.Version,
			Description:   g.Description,
			MinPlayers:    g.MinPlayers,
			MaxPlayers:    g.MaxPlayers,
			AverageRating: g.AverageRating,
			Reviews:       g.ReviewCount,
		})
	}
	return c.Send(&protocol.Message{Status: protocol.StatusOK, Games: infos})
}
