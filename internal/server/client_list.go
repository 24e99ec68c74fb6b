package server

import (
	"container/list"
	"sync"
)

// clientList is a synchronized list of connected clients, shared by the
// frontends so that the connection cap applies across both services.
type clientList struct {
	clients *list.List
	sync.RWMutex
}

func newClientList() *clientList {
	return &clientList{clients: list.New()}
}

func (c *clientList) add(cl *Client) {
	c.Lock()
	c.clients.PushBack(cl)
	c.Unlock()
}

func (c *clientList) remove(cl *Client) {
	c.Lock()
	defer c.Unlock()
	for e := c.clients.Front(); e != nil; e = e.Next() {
		if e.Value.(*Client).id == cl.id {
			c.clients.Remove(e)
			break
		}
	}
}

func (c *clientList) len() int {
	c.RLock()
	defer c.RUnlock()
	return c.clients.Len()
}
