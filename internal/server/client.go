package server

import (
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/protocol"
)

// Client represents one accepted connection to either service.
//
// The session fields (Username, RoomID) are owned by the goroutine handling
// the connection; other goroutines only touch a Client through Send, which
// serializes concurrent writers so broadcasts don't interleave frames.
type Client struct {
	connection net.Conn
	id         uuid.UUID
	ipAddr     string
	port       string

	writeMutex sync.Mutex

	// Username of the authenticated user, empty until login succeeds.
	Username string
	// Role the user authenticated under.
	Role string
	// RoomID of the room the user currently occupies, 0 for none.
	RoomID uint64
}

func NewClient(connection net.Conn) *Client {
	addr := strings.Split(connection.RemoteAddr().String(), ":")

	c := &Client{
		connection: connection,
		id:         uuid.New(),
		ipAddr:     addr[0],
	}
	if len(addr) > 1 {
		c.port = addr[1]
	}
	return c
}

func (c *Client) ID() uuid.UUID  { return c.id }
func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Read consumes available bytes directly from the client's connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Send frames and writes a message to the client. Safe for concurrent use.
func (c *Client) Send(msg *protocol.Message) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return protocol.WriteMessage(c.connection, msg)
}

// SendFile streams the file at path to the client using the file transfer
// sub-protocol, holding the write lock for the duration so no frame can be
// interleaved with the raw bytes.
func (c *Client) SendFile(path string) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return protocol.SendFile(c.connection, path)
}

// Close the connection.
func (c *Client) Close() error {
	return c.connection.Close()
}
