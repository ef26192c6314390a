package mempool

import "sort"

// SetMaxSize changes the pool capacity. Call Evict to enforce a lower limit.
func (p *Pool) SetMaxSize(maxSize int) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = maxSize
}

// Evict removes the lowest fee-rate requests until the pool is at or below
// maxSize. Among equal rates the most recent requests go first.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.reqs) <= p.maxSize {
		return 0
	}

	entries := make([]*entry, 0, len(p.reqs))
	for _, e := range p.reqs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate < entries[j].feeRate
		}
		return entries[i].seq > entries[j].seq
	})

	evicted := 0
	for len(p.reqs) > p.maxSize && evicted < len(entries) {
		p.removeLocked(entries[evicted].digest)
		evicted++
	}
	return evicted
}
