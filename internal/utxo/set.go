// Package utxo manages the unspent output set of the token ledger.
//
// An output is identified by its owner address and the ledger seq_no of the
// transaction that created it. Spending an output leaves a spent marker so
// that the same (address, seq_no) can never be created again.
package utxo

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// UTXO errors.
var (
	ErrUnknownOutput   = errors.New("unknown or already spent output")
	ErrDuplicateOutput = errors.New("output already exists")
	ErrValueOverflow   = errors.New("output value overflow")
)

// Outpoint references an output without its value.
type Outpoint struct {
	Address string `json:"address"`
	SeqNo   uint64 `json:"seqNo"`
}

// String returns "address:seq_no".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Address, o.SeqNo)
}

// Output is an output whose amount is known.
type Output struct {
	Address string `json:"address"`
	SeqNo   uint64 `json:"seqNo"`
	Value   uint64 `json:"amount"`
}

// Outpoint returns the reference to o.
func (o Output) Outpoint() Outpoint {
	return Outpoint{Address: o.Address, SeqNo: o.SeqNo}
}

// OutputList is the spent/unspent bookkeeping of one address. Both slices
// are in ascending seq_no order and never share an element.
type OutputList struct {
	Address string   `json:"address"`
	Spent   []uint64 `json:"spent"`
	Unspent []uint64 `json:"unspent"`
}

// IsSpent reports whether seqNo is in the spent set.
func (l *OutputList) IsSpent(seqNo uint64) bool {
	_, ok := slices.BinarySearch(l.Spent, seqNo)
	return ok
}

// IsUnspent reports whether seqNo is in the unspent set.
func (l *OutputList) IsUnspent(seqNo uint64) bool {
	_, ok := slices.BinarySearch(l.Unspent, seqNo)
	return ok
}

// Set is the interface for UTXO bookkeeping.
type Set interface {
	Get(op Outpoint) (Output, bool, error)
	Spend(op Outpoint) (Output, error)
	Create(out Output) error
	Balance(address string) (uint64, error)
}

// SumValues adds output values, failing with ErrValueOverflow on wrap.
func SumValues(outputs []Output) (uint64, error) {
	var total uint64
	for _, o := range outputs {
		if o.Value > math.MaxUint64-total {
			return 0, ErrValueOverflow
		}
		total += o.Value
	}
	return total, nil
}
