// Package internal wires the shared resources (logging, database, room
// engine, process launcher) into the lobby and developer services and runs
// them.
package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/core"
	"github.com/parlorhq/parlor/internal/core/data"
	"github.com/parlorhq/parlor/internal/dev"
	"github.com/parlorhq/parlor/internal/launcher"
	"github.com/parlorhq/parlor/internal/lobby"
	"github.com/parlorhq/parlor/internal/room"
	"github.com/parlorhq/parlor/internal/server"
)

const gameListCacheTTL = 30 * time.Second

// Controller is the main entrypoint. It initializes the shared resources,
// declares the servers and runs everything until the context is cancelled.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	store  *data.Store
	wg     sync.WaitGroup

	servers []*server.Frontend
}

func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which is shared by all sub-servers.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	c.store, err = data.Initialize(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	defer func() {
		if err := c.store.Shutdown(); err != nil {
			c.logger.Errorf("error shutting down database: %v", err)
		}
	}()

	c.declareServers()
	c.run(ctx)
	return nil
}

// declareServers assembles the lobby and developer services around one
// shared store, registry and game list cache.
func (c *Controller) declareServers() {
	registry := lobby.NewRegistry(c.logger)
	gameCache := gocache.New(gameListCacheTTL, time.Minute)

	procs := launcher.New(
		c.logger,
		c.Config.GamesDir,
		c.Config.ExternalIP,
		c.Config.LobbyServer.Port,
	)
	engine := room.NewEngine(c.store, registry, procs, c.logger, c.Config.ExternalIP)

	c.servers = []*server.Frontend{
		{
			Address: c.buildAddress(c.Config.LobbyServer.Port),
			Backend: lobby.NewServer("LOBBY", c.Config, c.logger, c.store, engine, registry, gameCache),
		},
		{
			Address: c.buildAddress(c.Config.DevServer.Port),
			Backend: dev.NewServer("DEV", c.Config, c.logger, c.store, gameCache),
		},
	}

	// The connection cap spans both services.
	limiter := server.NewConnectionLimiter()
	for _, s := range c.servers {
		s.Logger = c.logger
		s.MaxConnections = c.Config.MaxConnections
		s.SetConnections(limiter)
	}
}

func (c *Controller) run(ctx context.Context) {
	// Failure to start one of the declared servers is terminal.
	errs := make(chan error, len(c.servers))
	for _, s := range c.servers {
		c.wg.Add(1)
		go func(s *server.Frontend) {
			defer c.wg.Done()
			if err := s.StartListening(ctx); err != nil {
				c.logger.Errorf("error starting %s server: %v", s.Backend.Name(), err)
				errs <- err
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-errs:
	case <-ctx.Done():
		c.wg.Wait()
	}
}

func (c *Controller) buildAddress(port int) string {
	return fmt.Sprintf("%s:%v", c.Config.Hostname, port)
}
