package server

import (
	"context"

	"github.com/parlorhq/parlor/internal/protocol"
)

// Backend implements a sub-server's command set. The frontend handles the
// connection lifecycle and framing; Backends only see decoded messages.
type Backend interface {
	// Name returns a uniquely identifying string, mostly used for logging.
	Name() string

	// Init is called before the frontend starts accepting connections, as a
	// hook for the Backend to perform any necessary initialization.
	Init(ctx context.Context) error

	// StartSession is called once for every accepted connection before any
	// messages are dispatched.
	StartSession(c *Client) error

	// Handle processes one decoded message from a client and sends any
	// replies. Returning an error tears the connection down.
	Handle(ctx context.Context, c *Client, msg *protocol.Message) error

	// EndSession is called exactly once when a connection is torn down,
	// regardless of how it ended.
	EndSession(c *Client)
}
