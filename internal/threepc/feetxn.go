package threepc

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-fees/internal/fees"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// FeeTxn lists the fees settled by one batch, in request order.
type FeeTxn struct {
	LedgerID int          `json:"ledger_id"`
	PPSeqNo  uint64       `json:"pp_seq_no"`
	Entries  []fees.Entry `json:"entries"`
	Total    uint64       `json:"total"`
}

// EntryLookup returns the fee entry recorded for a request digest.
type EntryLookup func(digest string) (*fees.Entry, bool, error)

// DeriveFeeTxn builds the fee transaction of a batch from the fee entries
// recorded while its requests were applied. Returns nil when no request of
// the batch paid a fee.
func DeriveFeeTxn(ledgerID int, ppSeqNo uint64, reqs []*request.Request, lookup EntryLookup) (*FeeTxn, error) {
	txn := &FeeTxn{LedgerID: ledgerID, PPSeqNo: ppSeqNo}
	for _, req := range reqs {
		entry, ok, err := lookup(req.Digest())
		if err != nil {
			return nil, fmt.Errorf("derive fee txn: %w", err)
		}
		if !ok {
			continue
		}
		if entry.Amount > math.MaxUint64-txn.Total {
			return nil, fmt.Errorf("derive fee txn: total overflows")
		}
		txn.Total += entry.Amount
		txn.Entries = append(txn.Entries, *entry)
	}
	if len(txn.Entries) == 0 {
		return nil, nil
	}
	return txn, nil
}

// Encode returns the canonical encoding of the fee transaction.
func (t *FeeTxn) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("fee txn encode: %w", err)
	}
	return data, nil
}

// DecodeFeeTxn parses an encoded fee transaction.
func DecodeFeeTxn(data []byte) (*FeeTxn, error) {
	var t FeeTxn
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("fee txn decode: %w", err)
	}
	return &t, nil
}

// FeeDigest returns the hex BLAKE3 digest of an encoded fee transaction.
func FeeDigest(encoded []byte) string {
	return crypto.Hash(encoded).String()
}
