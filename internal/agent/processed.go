package agent

import "sync"

// ProcessedSet remembers route ids this process has already handled so the
// poll and stream strategies can re-scan the full collection cheaply. It is
// in-memory only: a restart re-examines everything and relies on the
// first-writer-wins response guard upstream to prevent re-execution.
type ProcessedSet struct {
	mu    sync.Mutex
	limit int
	order []string
	seen  map[string]struct{}
}

const defaultProcessedLimit = 1024

func NewProcessedSet(limit int) *ProcessedSet {
	if limit <= 0 {
		limit = defaultProcessedLimit
	}
	return &ProcessedSet{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
	}
}

func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[id]
	return ok
}

// Add records id, evicting the oldest entry once the cap is reached.
func (p *ProcessedSet) Add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return
	}
	if len(p.order) >= p.limit {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.seen, oldest)
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
}

func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
