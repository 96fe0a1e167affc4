package lua

import (
	"fmt"
	"sync"
)

// Pool hands out runtimes to concurrent callers. An LState is not safe for
// concurrent use, so every caller borrows its own.
type Pool struct {
	mu      sync.Mutex
	idle    []*Runtime
	factory func() (*Runtime, error)
	closed  bool
}

func NewPool(factory func() (*Runtime, error)) *Pool {
	return &Pool{factory: factory}
}

func (p *Pool) Get() (*Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("lua pool is closed")
	}
	if n := len(p.idle); n > 0 {
		rt := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return rt, nil
	}
	p.mu.Unlock()

	return p.factory()
}

// Put returns a runtime. Runtimes that errored mid-call should be closed
// instead, since their stack may be unusable.
func (p *Pool) Put(rt *Runtime) {
	if rt == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		rt.Close()
		return
	}
	p.idle = append(p.idle, rt)
}

func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rt := range p.idle {
		rt.Close()
	}
	p.idle = nil
	p.closed = true
}
