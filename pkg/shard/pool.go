package shard

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Pool tracks the live set of kv-shards for one role. Discovery updates the
// set as collectors come and go; readers take a point-in-time slice.
type Pool struct {
	role   Role
	cfg    Config
	reg    *Registry
	logger log.Logger

	mtx     sync.Mutex
	clients map[string]*Client
}

func NewPool(role Role, cfg Config, reg *Registry, logger log.Logger) *Pool {
	return &Pool{
		role:    role,
		cfg:     cfg,
		reg:     reg,
		logger:  logger,
		clients: map[string]*Client{},
	}
}

// Update reconciles the pool against the advertised shard addresses.
// Existing connections are kept; departed shards are closed.
func (p *Pool) Update(addrs []string) {
	want := map[string]struct{}{}
	for _, a := range addrs {
		want[a] = struct{}{}
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	for addr := range want {
		if _, ok := p.clients[addr]; !ok {
			level.Info(p.logger).Log("msg", "adding shard", "role", p.role, "addr", addr)
			p.clients[addr] = NewClient(p.role, addr, p.cfg, p.reg)
		}
	}
	for addr, c := range p.clients {
		if _, ok := want[addr]; !ok {
			level.Info(p.logger).Log("msg", "removing shard", "role", p.role, "addr", addr)
			_ = c.Close()
			delete(p.clients, addr)
		}
	}
}

// Clients returns the current shard set.
func (p *Pool) Clients() []*Client {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// For returns the client for addr, creating it if the pool has not seen the
// shard yet. The query broker uses this to follow a qid back to the shard
// that owns it.
func (p *Pool) For(addr string) *Client {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c
	}
	c := NewClient(p.role, addr, p.cfg, p.reg)
	p.clients[addr] = c
	return c
}

func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for addr, c := range p.clients {
		_ = c.Close()
		delete(p.clients, addr)
	}
}
