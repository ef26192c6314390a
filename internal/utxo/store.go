package utxo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
)

// Key prefixes in the versioned state.
var (
	prefixUnspent = []byte("u/") // u/<address>/<seq_no(8)> -> value(8)
	prefixSpent   = []byte("x/") // x/<address>/<seq_no(8)> -> empty (spent marker)
)

var _ Set = (*Cache)(nil)

// Cache implements Set over the versioned state. Reads see committed
// outputs overlaid by every open batch; writes land in the newest batch.
type Cache struct {
	st *state.Store
}

// NewCache creates a UTXO cache over st.
func NewCache(st *state.Store) *Cache {
	return &Cache{st: st}
}

// addrPrefix builds "<prefix><address>/".
func addrPrefix(prefix []byte, address string) []byte {
	key := make([]byte, 0, len(prefix)+len(address)+1)
	key = append(key, prefix...)
	key = append(key, address...)
	return append(key, '/')
}

// outputKey builds "<prefix><address>/" + seq_no(8).
func outputKey(prefix []byte, address string, seqNo uint64) []byte {
	return binary.BigEndian.AppendUint64(addrPrefix(prefix, address), seqNo)
}

func seqNoFromKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

// Get returns the unspent output referenced by op.
func (c *Cache) Get(op Outpoint) (Output, bool, error) {
	data, err := c.st.Get(outputKey(prefixUnspent, op.Address, op.SeqNo))
	if errors.Is(err, storage.ErrNotFound) {
		return Output{}, false, nil
	}
	if err != nil {
		return Output{}, false, fmt.Errorf("utxo get %s: %w", op, err)
	}
	if len(data) != 8 {
		return Output{}, false, fmt.Errorf("utxo get %s: corrupt value record", op)
	}
	return Output{Address: op.Address, SeqNo: op.SeqNo, Value: binary.BigEndian.Uint64(data)}, true, nil
}

// Spend consumes the unspent output op and returns it.
func (c *Cache) Spend(op Outpoint) (Output, error) {
	out, ok, err := c.Get(op)
	if err != nil {
		return Output{}, err
	}
	if !ok {
		return Output{}, fmt.Errorf("spend %s: %w", op, ErrUnknownOutput)
	}
	if err := c.st.Delete(outputKey(prefixUnspent, op.Address, op.SeqNo)); err != nil {
		return Output{}, fmt.Errorf("spend %s: %w", op, err)
	}
	if err := c.st.Put(outputKey(prefixSpent, op.Address, op.SeqNo), []byte{}); err != nil {
		return Output{}, fmt.Errorf("spend %s: %w", op, err)
	}
	log.UTXO.Debug().Str("address", op.Address).Uint64("seq_no", op.SeqNo).
		Uint64("value", out.Value).Msg("Output spent")
	return out, nil
}

// Create adds out to the unspent set. The (address, seq_no) pair must never
// have been used before, spent or unspent.
func (c *Cache) Create(out Output) error {
	op := out.Outpoint()
	for _, prefix := range [][]byte{prefixUnspent, prefixSpent} {
		used, err := c.st.Has(outputKey(prefix, op.Address, op.SeqNo))
		if err != nil {
			return fmt.Errorf("create %s: %w", op, err)
		}
		if used {
			return fmt.Errorf("create %s: %w", op, ErrDuplicateOutput)
		}
	}
	value := binary.BigEndian.AppendUint64(nil, out.Value)
	if err := c.st.Put(outputKey(prefixUnspent, op.Address, op.SeqNo), value); err != nil {
		return fmt.Errorf("create %s: %w", op, err)
	}
	log.UTXO.Debug().Str("address", op.Address).Uint64("seq_no", op.SeqNo).
		Uint64("value", out.Value).Msg("Output created")
	return nil
}

// Unspent returns the unspent outputs of address in seq_no order.
func (c *Cache) Unspent(address string) ([]Output, error) {
	var outs []Output
	err := c.st.ForEach(addrPrefix(prefixUnspent, address), func(key, value []byte) error {
		seqNo, ok := seqNoFromKey(key)
		if !ok || len(value) != 8 {
			return fmt.Errorf("corrupt utxo record %q", key)
		}
		outs = append(outs, Output{Address: address, SeqNo: seqNo, Value: binary.BigEndian.Uint64(value)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan utxos of %s: %w", address, err)
	}
	return outs, nil
}

// Balance returns the sum of the unspent values of address.
func (c *Cache) Balance(address string) (uint64, error) {
	outs, err := c.Unspent(address)
	if err != nil {
		return 0, err
	}
	total, err := SumValues(outs)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", address, err)
	}
	return total, nil
}

// OutputList returns the spent and unspent seq_nos of address.
func (c *Cache) OutputList(address string) (*OutputList, error) {
	list := &OutputList{Address: address, Spent: []uint64{}, Unspent: []uint64{}}
	collect := func(dst *[]uint64) func(key, _ []byte) error {
		return func(key, _ []byte) error {
			if seqNo, ok := seqNoFromKey(key); ok {
				*dst = append(*dst, seqNo)
			}
			return nil
		}
	}
	if err := c.st.ForEach(addrPrefix(prefixUnspent, address), collect(&list.Unspent)); err != nil {
		return nil, fmt.Errorf("scan utxos of %s: %w", address, err)
	}
	if err := c.st.ForEach(addrPrefix(prefixSpent, address), collect(&list.Spent)); err != nil {
		return nil, fmt.Errorf("scan spent outputs of %s: %w", address, err)
	}
	return list, nil
}

// UnspentOutputs returns the unspent outputs of every address merged in
// seq_no order.
func (c *Cache) UnspentOutputs(addresses ...string) ([]Output, error) {
	lists := make([][]Output, 0, len(addresses))
	for _, addr := range addresses {
		outs, err := c.Unspent(addr)
		if err != nil {
			return nil, err
		}
		lists = append(lists, outs)
	}
	return MergeOutputs(CompareSeqNo, lists...), nil
}

// TotalSupply sums every unspent output.
func (c *Cache) TotalSupply() (uint64, error) {
	var total uint64
	err := c.st.ForEach(prefixUnspent, func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("corrupt utxo record %q", key)
		}
		v := binary.BigEndian.Uint64(value)
		if v > math.MaxUint64-total {
			return ErrValueOverflow
		}
		total += v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("total supply: %w", err)
	}
	return total, nil
}
