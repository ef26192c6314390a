// Package threepc attaches the fee transaction of a batch to the
// three-phase commit messages and checks it on receipt.
package threepc

import (
	"encoding/binary"
	"strconv"

	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// PrePrepare is the primary's batch proposal.
type PrePrepare struct {
	ViewNo   uint64             `json:"view_no"`
	PPSeqNo  uint64             `json:"pp_seq_no"`
	LedgerID int                `json:"ledger_id"`
	Requests []*request.Request `json:"requests"`

	// FeeTxn is the canonical encoding of the batch's fee transaction,
	// nil when the batch settles no fees.
	FeeTxn         []byte     `json:"fee_txn,omitempty"`
	FeeDigest      string     `json:"fee_digest,omitempty"`
	TokenStateRoot types.Hash `json:"token_state_root"`
}

// Digest identifies the batch by view, sequence, ledger and request digests.
func (pp *PrePrepare) Digest() string {
	parts := make([][]byte, 0, len(pp.Requests)+3)
	parts = append(parts,
		binary.BigEndian.AppendUint64(nil, pp.ViewNo),
		binary.BigEndian.AppendUint64(nil, pp.PPSeqNo),
		[]byte(strconv.Itoa(pp.LedgerID)),
	)
	for _, r := range pp.Requests {
		parts = append(parts, []byte(r.Digest()))
	}
	return crypto.HashParts(parts...).String()
}

// Prepare is a replica's vote for a PrePrepare.
type Prepare struct {
	ViewNo    uint64 `json:"view_no"`
	PPSeqNo   uint64 `json:"pp_seq_no"`
	Digest    string `json:"digest"`
	FeeDigest string `json:"fee_digest,omitempty"`
}

// Ordered reports a batch ready to commit.
type Ordered struct {
	ViewNo     uint64   `json:"view_no"`
	PPSeqNo    uint64   `json:"pp_seq_no"`
	LedgerID   int      `json:"ledger_id"`
	ReqDigests []string `json:"req_digests"`
	FeeDigest  string   `json:"fee_digest,omitempty"`
}
