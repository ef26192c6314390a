package fees

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
)

var prefixEntry = []byte("e/") // e/<req digest> -> Entry JSON

// Entry records the fee settled by one applied request.
type Entry struct {
	ReqDigest string          `json:"req_digest"`
	TxnType   string          `json:"txn_type"`
	SeqNo     uint64          `json:"seq_no"`
	Inputs    []utxo.Outpoint `json:"inputs"`
	Outputs   []utxo.Output   `json:"outputs,omitempty"`
	Amount    uint64          `json:"amount"`
}

func entryKey(digest string) []byte {
	return append(append([]byte{}, prefixEntry...), digest...)
}

func putEntry(st *state.Store, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("fee entry marshal: %w", err)
	}
	if err := st.Put(entryKey(e.ReqDigest), data); err != nil {
		return fmt.Errorf("fee entry put: %w", err)
	}
	return nil
}

func getEntry(st *state.Store, digest string) (*Entry, bool, error) {
	data, err := st.Get(entryKey(digest))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fee entry get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("fee entry unmarshal: %w", err)
	}
	return &e, true, nil
}
