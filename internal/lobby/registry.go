package lobby

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/protocol"
	"github.com/parlorhq/parlor/internal/server"
)

// Registry is the online-connection index mapping authenticated usernames
// to their connections. Broadcasts resolve recipients through it, so
// registration happens on login and deregistration on teardown.
type Registry struct {
	logger *logrus.Logger

	// One mutex guards inserts, removes and broadcast reads so a broadcast
	// can't race a concurrent disconnect.
	mu     sync.Mutex
	online map[string]*server.Client
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger: logger,
		online: make(map[string]*server.Client),
	}
}

// Register binds username to c, replacing any previous binding.
func (r *Registry) Register(username string, c *server.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[username] = c
}

// Deregister removes username's binding if it still belongs to c. The
// identity check keeps a slow teardown from evicting a fresh login.
func (r *Registry) Deregister(username string, c *server.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.online[username]; ok && current.ID() == c.ID() {
		delete(r.online, username)
	}
}

// Lookup returns the connection for username, if online.
func (r *Registry) Lookup(username string) (*server.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.online[username]
	return c, ok
}

// Broadcast delivers msg to every member that is currently online. Delivery
// is fire and forget: a failed send to one recipient (a connection that just
// closed, say) is logged and never aborts delivery to the rest, and no
// error ever reaches the caller, because state transitions must not block
// or fail on a slow or dead peer.
func (r *Registry) Broadcast(members []string, msg *protocol.Message) {
	// Resolve recipients under the lock, then write outside it so a slow
	// peer can't stall logins and other broadcasts. A recipient that
	// disconnects between the two steps just turns into a failed send.
	r.mu.Lock()
	recipients := make(map[string]*server.Client, len(members))
	for _, member := range members {
		if c, ok := r.online[member]; ok {
			recipients[member] = c
		}
	}
	r.mu.Unlock()

	for member, c := range recipients {
		if err := c.Send(msg); err != nil {
			r.logger.Warnf("failed to deliver %s to %s: %v", msg.Cmd, member, err)
		}
	}
}
