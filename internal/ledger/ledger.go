// Package ledger implements an append-only transaction log whose tail is
// speculative: transactions appended inside an open batch stay uncommitted
// until that batch commits and vanish if it is rejected.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-fees/internal/storage"
)

// Ledger errors.
var (
	ErrNoBatch       = errors.New("no uncommitted batch")
	ErrSeqNoMismatch = errors.New("txn seq_no does not follow uncommitted size")
	ErrTxnNotFound   = errors.New("txn not found")
)

// Well-known ledger identifiers.
const (
	DomainLedgerID = 1
	ConfigLedgerID = 2
	TokenLedgerID  = 1001
)

// Key layout.
var (
	prefixTxn = []byte("t/") // t/<seq_no(8)> -> Txn JSON
	keySize   = []byte("m/size")
)

// Txn is one ledger entry.
type Txn struct {
	SeqNo     uint64          `json:"seq_no"`
	Type      string          `json:"type"`
	ReqDigest string          `json:"req_digest,omitempty"`
	PPSeqNo   uint64          `json:"pp_seq_no,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Ledger persists committed transactions to a storage.DB and keeps the
// uncommitted tail in memory, grouped per open batch.
type Ledger struct {
	mu          sync.RWMutex
	id          int
	db          storage.DB
	size        uint64
	uncommitted []*Txn
	batches     []int // txn count per open batch, oldest first
}

// Open loads the committed size of the ledger stored in db.
func Open(id int, db storage.DB) (*Ledger, error) {
	l := &Ledger{id: id, db: db}
	data, err := db.Get(keySize)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("ledger %d: read size: %w", id, err)
	case len(data) != 8:
		return nil, fmt.Errorf("ledger %d: corrupt size record", id)
	default:
		l.size = binary.BigEndian.Uint64(data)
	}
	return l, nil
}

func txnKey(seqNo uint64) []byte {
	key := make([]byte, len(prefixTxn)+8)
	copy(key, prefixTxn)
	binary.BigEndian.PutUint64(key[len(prefixTxn):], seqNo)
	return key
}

// ID returns the ledger identifier.
func (l *Ledger) ID() int {
	return l.id
}

// Size returns the number of committed transactions.
func (l *Ledger) Size() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// UncommittedSize returns the committed size plus every uncommitted txn.
func (l *Ledger) UncommittedSize() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size + uint64(len(l.uncommitted))
}

// NextSeqNo returns the seq_no the next appended txn must carry.
func (l *Ledger) NextSeqNo() uint64 {
	return l.UncommittedSize() + 1
}

// Begin opens a new batch for appends.
func (l *Ledger) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, 0)
}

// Append adds txn to the newest open batch. txn.SeqNo must equal
// UncommittedSize()+1. Returns the new uncommitted size.
func (l *Ledger) Append(txn *Txn) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return 0, ErrNoBatch
	}
	want := l.size + uint64(len(l.uncommitted)) + 1
	if txn.SeqNo != want {
		return 0, fmt.Errorf("%w: ledger %d want %d, got %d", ErrSeqNoMismatch, l.id, want, txn.SeqNo)
	}
	l.uncommitted = append(l.uncommitted, txn)
	l.batches[len(l.batches)-1]++
	return l.size + uint64(len(l.uncommitted)), nil
}

// Revert drops every txn appended in the newest batch.
func (l *Ledger) Revert() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return ErrNoBatch
	}
	n := l.batches[len(l.batches)-1]
	l.batches = l.batches[:len(l.batches)-1]
	l.uncommitted = l.uncommitted[:len(l.uncommitted)-n]
	return nil
}

// Commit persists the txns of the oldest batch and returns them.
func (l *Ledger) Commit() ([]*Txn, error) {
	batch := storage.NewBatch(l.db)
	if err := l.Stage(batch); err != nil {
		batch.Cancel()
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("ledger %d commit: %w", l.id, err)
	}
	return l.Advance()
}

// Stage writes the txns of the oldest batch and the new ledger size into
// b, bound to the ledger's key namespace. The batch stays uncommitted in
// the ledger until Advance.
func (l *Ledger) Stage(b storage.Batch) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.batches) == 0 {
		return ErrNoBatch
	}
	n := l.batches[0]
	batch := storage.Bind(l.db, b)
	for _, txn := range l.uncommitted[:n] {
		data, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("txn marshal: %w", err)
		}
		if err := batch.Put(txnKey(txn.SeqNo), data); err != nil {
			return fmt.Errorf("ledger %d txn put: %w", l.id, err)
		}
	}
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], l.size+uint64(n))
	if err := batch.Put(keySize, sizeBuf[:]); err != nil {
		return fmt.Errorf("ledger %d size put: %w", l.id, err)
	}
	return nil
}

// Advance marks the oldest batch committed once the storage batch it was
// staged into has committed, and returns its txns.
func (l *Ledger) Advance() ([]*Txn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return nil, ErrNoBatch
	}
	n := l.batches[0]
	out := make([]*Txn, n)
	copy(out, l.uncommitted[:n])
	l.uncommitted = append([]*Txn(nil), l.uncommitted[n:]...)
	l.batches = l.batches[1:]
	l.size += uint64(n)
	return out, nil
}

// DB returns the database committed txns are written to.
func (l *Ledger) DB() storage.DB {
	return l.db
}

// Get returns the txn at seqNo, committed or not.
func (l *Ledger) Get(seqNo uint64) (*Txn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seqNo == 0 || seqNo > l.size+uint64(len(l.uncommitted)) {
		return nil, fmt.Errorf("%w: seq_no %d", ErrTxnNotFound, seqNo)
	}
	if seqNo > l.size {
		return l.uncommitted[seqNo-l.size-1], nil
	}
	data, err := l.db.Get(txnKey(seqNo))
	if err != nil {
		return nil, fmt.Errorf("txn get %d: %w", seqNo, err)
	}
	var txn Txn
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("txn unmarshal: %w", err)
	}
	return &txn, nil
}

// ForEachCommitted iterates committed txns in seq_no order.
func (l *Ledger) ForEachCommitted(fn func(*Txn) error) error {
	return l.db.ForEach(prefixTxn, func(_, value []byte) error {
		var txn Txn
		if err := json.Unmarshal(value, &txn); err != nil {
			return fmt.Errorf("txn unmarshal: %w", err)
		}
		return fn(&txn)
	})
}
