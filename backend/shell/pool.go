package shell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// PoolConfig tunes per-host SSH client reuse.
type PoolConfig struct {
	// MaxActive is the maximum number of clients per (address, username)
	// pair, idle and checked out combined.
	MaxActive int
	// MaxIdle is how many warm clients are kept for reuse.
	MaxIdle int
	// IdleTimeout is how long an idle client is kept before being closed.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxActive:   4,
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
	}
}

type dialFunc func(ctx context.Context) (*ssh.Client, error)

type idleClient struct {
	client   *ssh.Client
	lastUsed time.Time
}

// hostPool reuses SSH clients for one (address, username) pair. A checked-out
// client is exclusive to its caller until released: pooling is reuse across
// time, never concurrent sharing, because remote shell sessions are not
// assumed safely reentrant.
type hostPool struct {
	cfg  PoolConfig
	dial dialFunc

	mu     sync.Mutex
	idle   []*idleClient
	closed bool
	sem    chan struct{} // limits total clients
}

func newHostPool(cfg PoolConfig, dial dialFunc) *hostPool {
	if cfg.MaxActive < 1 {
		cfg.MaxActive = 1
	}
	if cfg.MaxIdle < 0 {
		cfg.MaxIdle = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &hostPool{
		cfg:  cfg,
		dial: dial,
		sem:  make(chan struct{}, cfg.MaxActive),
	}
}

// acquire returns an exclusive client, reusing a warm one when possible.
func (p *hostPool) acquire(ctx context.Context) (*ssh.Client, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is closed")
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		// Pop from the end (LIFO for warm connections)
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		// Probe outside the lock; a dead transport errors immediately.
		if time.Since(pc.lastUsed) > p.cfg.IdleTimeout || !alive(pc.client) {
			_ = pc.client.Close()
			<-p.sem
			continue
		}
		return pc.client, nil
	}

	select {
	case p.sem <- struct{}{}:
		client, err := p.dial(ctx)
		if err != nil {
			<-p.sem
			return nil, err
		}
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a client for reuse. Discarded clients (command torn down,
// transport suspect) are closed instead of pooled.
func (p *hostPool) release(client *ssh.Client, discard bool) {
	p.mu.Lock()
	if discard || p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		_ = client.Close()
		<-p.sem
		return
	}
	p.idle = append(p.idle, &idleClient{client: client, lastUsed: time.Now()})
	p.mu.Unlock()
}

func (p *hostPool) close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.client.Close()
		<-p.sem
	}
}

// alive probes a pooled client with a keepalive request before handing it
// out.
func alive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@sapops.dev", true, nil)
	return err == nil
}

// Pool holds one hostPool per (address, username) pair.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	hosts map[string]*hostPool
}

// NewPool creates an empty pool set.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{cfg: cfg, hosts: make(map[string]*hostPool)}
}

func (p *Pool) forHost(key string, dial dialFunc) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = newHostPool(p.cfg, dial)
		p.hosts[key] = hp
	}
	return hp
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[string]*hostPool)
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.close()
	}
}

// IdleCount reports pooled idle clients across all hosts, for tests and
// stats reporting.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, hp := range p.hosts {
		hp.mu.Lock()
		n += len(hp.idle)
		hp.mu.Unlock()
	}
	return n
}
