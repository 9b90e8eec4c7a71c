package server

import (
	"sync"

	"github.com/npezzotti/quizhub/internal/types"
)

// Presence maps users to their live connections, per hub. A user may hold
// any number of connections at once.
type Presence struct {
	mu    sync.RWMutex
	users map[types.Hub]map[string]map[string]*Client
	conns map[string]*Client
}

func NewPresence() *Presence {
	return &Presence{
		users: make(map[types.Hub]map[string]map[string]*Client),
		conns: make(map[string]*Client),
	}
}

func (p *Presence) Add(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byUser, ok := p.users[c.hub]
	if !ok {
		byUser = make(map[string]map[string]*Client)
		p.users[c.hub] = byUser
	}
	if _, ok := byUser[c.user.Id]; !ok {
		byUser[c.user.Id] = make(map[string]*Client)
	}
	byUser[c.user.Id][c.id] = c
	p.conns[c.id] = c
}

// Remove detaches c and reports whether it was attached.
func (p *Presence) Remove(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[c.id]; !ok {
		return false
	}
	delete(p.conns, c.id)

	byUser := p.users[c.hub]
	delete(byUser[c.user.Id], c.id)
	if len(byUser[c.user.Id]) == 0 {
		delete(byUser, c.user.Id)
	}

	return true
}

// Lookup returns the connections userId holds on hub.
func (p *Presence) Lookup(hub types.Hub, userId string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := p.users[hub][userId]
	clients := make([]*Client, 0, len(conns))
	for _, c := range conns {
		clients = append(clients, c)
	}
	return clients
}

func (p *Presence) Get(connId string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[connId]
	return c, ok
}

// All returns a snapshot of every attached connection.
func (p *Presence) All() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clients := make([]*Client, 0, len(p.conns))
	for _, c := range p.conns {
		clients = append(clients, c)
	}
	return clients
}

func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
