// Package mempool holds validated requests waiting to be proposed in a batch.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// Pool errors.
var (
	ErrAlreadyExists = errors.New("request already in pool")
	ErrConflict      = errors.New("request conflicts with pooled request")
	ErrPoolFull      = errors.New("request pool is full")
)

// DefaultMaxSize is the pool capacity used when none is given.
const DefaultMaxSize = 5000

// entry wraps a request with its ledger, fee and arrival order.
type entry struct {
	req      *request.Request
	digest   string
	ledgerID int
	fee      uint64
	feeRate  float64 // fee per byte of SigningBytes.
	seq      uint64
}

// Pool holds requests that passed validation and are not yet proposed.
type Pool struct {
	mu      sync.RWMutex
	reqs    map[string]*entry        // digest -> entry
	spends  map[utxo.Outpoint]string // funding input -> digest (conflict index)
	maxSize int
	nextSeq uint64
}

// New creates a pool holding at most maxSize requests.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		reqs:    make(map[string]*entry),
		spends:  make(map[utxo.Outpoint]string),
		maxSize: maxSize,
	}
}

// Add queues req for ledgerID. fee is the amount the request settles.
// Rejects duplicates and requests spending an input another pooled request
// already spends. A full pool evicts its lowest fee-rate request when req
// pays a higher rate.
func (p *Pool) Add(req *request.Request, ledgerID int, fee uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	digest := req.Digest()
	if _, exists := p.reqs[digest]; exists {
		return ErrAlreadyExists
	}

	inputs := req.FundingInputs()
	for _, in := range inputs {
		op := utxo.Outpoint{Address: in.Address, SeqNo: in.SeqNo}
		if other, exists := p.spends[op]; exists {
			return fmt.Errorf("%w: input %s already spent by %s", ErrConflict, op, other)
		}
	}

	var feeRate float64
	if size := len(req.SigningBytes()); size > 0 {
		feeRate = float64(fee) / float64(size)
	}

	if len(p.reqs) >= p.maxSize {
		lowest, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return ErrPoolFull
		}
		p.removeLocked(lowest)
	}

	p.nextSeq++
	p.reqs[digest] = &entry{
		req:      req,
		digest:   digest,
		ledgerID: ledgerID,
		fee:      fee,
		feeRate:  feeRate,
		seq:      p.nextSeq,
	}
	for _, in := range inputs {
		p.spends[utxo.Outpoint{Address: in.Address, SeqNo: in.SeqNo}] = digest
	}
	return nil
}

// Remove removes a request from the pool by digest.
func (p *Pool) Remove(digest string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(digest)
}

func (p *Pool) removeLocked(digest string) {
	e, exists := p.reqs[digest]
	if !exists {
		return
	}
	for _, in := range e.req.FundingInputs() {
		delete(p.spends, utxo.Outpoint{Address: in.Address, SeqNo: in.SeqNo})
	}
	delete(p.reqs, digest)
}

// RemoveAll removes every request of a proposed batch.
func (p *Pool) RemoveAll(reqs []*request.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range reqs {
		p.removeLocked(r.Digest())
	}
}

// Has checks if a request exists in the pool.
func (p *Pool) Has(digest string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.reqs[digest]
	return exists
}

// Get retrieves a pooled request.
func (p *Pool) Get(digest string) *request.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.reqs[digest]
	if !exists {
		return nil
	}
	return e.req
}

// GetFee returns the fee of a pooled request (0 if not found).
func (p *Pool) GetFee(digest string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.reqs[digest]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of pooled requests.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.reqs)
}

// Digests returns the digests of all pooled requests, sorted.
func (p *Pool) Digests() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	digests := make([]string, 0, len(p.reqs))
	for d := range p.reqs {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	return digests
}

// findLowestFeeRate returns the digest and fee rate of the lowest fee-rate
// entry, the most recent one on ties. Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (string, float64) {
	var lowest *entry
	for _, e := range p.reqs {
		if lowest == nil || e.feeRate < lowest.feeRate ||
			(e.feeRate == lowest.feeRate && e.seq > lowest.seq) {
			lowest = e
		}
	}
	if lowest == nil {
		return "", math.MaxFloat64
	}
	return lowest.digest, lowest.feeRate
}

// Select returns up to limit requests queued for ledgerID, highest fee rate
// first and in arrival order among equal rates. limit <= 0 selects all.
func (p *Pool) Select(ledgerID, limit int) []*request.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.reqs))
	for _, e := range p.reqs {
		if e.ledgerID == ledgerID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].seq < entries[j].seq
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*request.Request, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].req
	}
	return result
}
