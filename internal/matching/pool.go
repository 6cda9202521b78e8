// Package matching holds the waiting pool and the compatibility scorer.
package matching

import "sync"

// Pool is the set of searching participants, keyed by id and kept in
// insertion order.
type Pool struct {
	mu      sync.Mutex
	order   []int64
	entries map[int64]Entry
}

func NewPool() *Pool {
	return &Pool{entries: make(map[int64]Entry)}
}

// Add inserts e unless its id is already waiting. It reports whether e was
// inserted.
func (p *Pool) Add(e Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(e)
}

func (p *Pool) addLocked(e Entry) bool {
	if _, ok := p.entries[e.ID]; ok {
		return false
	}
	p.entries[e.ID] = e
	p.order = append(p.order, e.ID)
	return true
}

// Remove reports whether id was waiting.
func (p *Pool) Remove(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

func (p *Pool) removeLocked(id int64) bool {
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *Pool) Contains(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns a copy of the waiting entries in insertion order.
func (p *Pool) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	return out
}

// AddAndMatch inserts e (if absent) and scores it against everyone waiting.
// On a match both participants leave the pool before the lock is released, so
// no concurrent caller can pair either of them again.
func (p *Pool) AddAndMatch(e Entry, rules Rules) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addLocked(e)
	partner, ok := FindBestMatch(e, p.snapshotLocked(), rules)
	if !ok {
		return Entry{}, false
	}
	p.removeLocked(e.ID)
	p.removeLocked(partner.ID)
	return partner, true
}
