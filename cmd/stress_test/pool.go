package main

import (
	"math/rand/v2"
	"sync"
)

// idPool is the set of live request ids shared by the workers.
type idPool struct {
	mu  sync.Mutex
	ids []string
	pos map[string]int
}

func newIDPool() *idPool {
	return &idPool{pos: make(map[string]int)}
}

func (p *idPool) add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos[id] = len(p.ids)
	p.ids = append(p.ids, id)
}

func (p *idPool) pick(rng *rand.Rand) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return "", false
	}
	return p.ids[rng.IntN(len(p.ids))], true
}

func (p *idPool) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.pos[id]
	if !ok {
		return
	}
	last := len(p.ids) - 1
	p.ids[i] = p.ids[last]
	p.pos[p.ids[i]] = i
	p.ids = p.ids[:last]
	delete(p.pos, id)
}
