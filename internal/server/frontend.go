// Package server implements the concurrent connection handling shared by
// the lobby and developer services: a Frontend accepts TCP connections,
// reads framed messages and dispatches them to a Backend, abstracting the
// lower level connection details away from the command handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/protocol"
)

// Frontend pairs a listening address with the Backend serving it. Frontends
// sharing a ConnectionLimiter also share the connection cap.
type Frontend struct {
	Address string
	Backend Backend
	Logger  *logrus.Logger

	MaxConnections int
	connections    *clientList
}

// ConnectionLimiter is the client list shared between frontends.
type ConnectionLimiter = clientList

// NewConnectionLimiter creates a client list for use across frontends.
func NewConnectionLimiter() *ConnectionLimiter {
	return newClientList()
}

// SetConnections injects the shared client list; a Frontend used without
// one gets its own.
func (f *Frontend) SetConnections(c *ConnectionLimiter) {
	f.connections = c
}

// StartListening opens the server socket and enters a blocking loop
// accepting client connections and dispatching them to the Backend until
// the context is cancelled.
func (f *Frontend) StartListening(ctx context.Context) error {
	if f.connections == nil {
		f.connections = newClientList()
	}
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("initializing %s: %w", f.Backend.Name(), err)
	}

	addr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return fmt.Errorf("resolving address %s: %w", f.Address, err)
	}
	socket, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("error listening on socket: %w", err)
	}

	f.Logger.Infof("waiting for %s connections on %v", f.Backend.Name(), addr)

	f.startBlockingLoop(ctx, socket)
	return nil
}

// startBlockingLoop accepts new connections and spins off goroutines for
// the Backend to handle them.
func (f *Frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener) {
	defer f.Logger.Infof("%s exiting", f.Backend.Name())

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.MaxConnections > 0 && f.connections.len() >= f.MaxConnections {
				time.Sleep(time.Second)
			}

			connection, err := socket.AcceptTCP()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				f.Logger.Warnf("failed to accept connection: %v", err)
				continue
			}
			connections <- connection
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = socket.Close()
			return
		case connection := <-connections:
			go f.acceptClient(ctx, connection)
		}
	}
}

func (f *Frontend) acceptClient(ctx context.Context, connection *net.TCPConn) {
	c := NewClient(connection)

	if err := f.Backend.StartSession(c); err != nil {
		f.Logger.Errorf("StartSession() failed for client %s: %v", c.IPAddr(), err)
		_ = connection.Close()
		return
	}

	f.Logger.Infof("accepted %s connection from %s", f.Backend.Name(), c.IPAddr())

	f.connections.add(c)
	f.processMessages(ctx, c)
}

// processMessages runs a blocking loop dedicated to reading messages sent
// by one client and only returns once the connection has closed.
func (f *Frontend) processMessages(ctx context.Context, c *Client) {
	defer f.closeConnectionAndRecover(c)

	for {
		msg, err := protocol.ReadMessage(c)
		if errors.Is(err, io.EOF) {
			// Peer disconnected; tear down silently.
			return
		} else if err != nil {
			// Anything else (malformed frame included) is connection-fatal.
			f.Logger.Warnf("dropping %s client %s: %v", f.Backend.Name(), c.IPAddr(), err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.Backend.Handle(ctx, c, msg); err != nil {
			f.Logger.Warnf("error in client communication: %v", err)
			return
		}
	}
}

// closeConnectionAndRecover catches any panics, disconnects the client and
// removes them from the list regardless of the state of the connection.
func (f *Frontend) closeConnectionAndRecover(c *Client) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication: %s: %s\n%s\n",
			c.IPAddr(), err, debug.Stack())
	}

	f.Backend.EndSession(c)

	if err := c.Close(); err != nil {
		f.Logger.Debugf("failed to close client connection: %v", err)
	}
	f.connections.remove(c)

	f.Logger.Infof("disconnected %s client %s", f.Backend.Name(), c.IPAddr())
}
