package threepc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/internal/fees"
	"github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// ErrFeeTxnMismatch is returned when a received PrePrepare carries a fee
// transaction or token state root that differs from the local derivation.
var ErrFeeTxnMismatch = errors.New("fee txn mismatch")

// EntrySource provides recorded fee entries.
type EntrySource interface {
	Entry(digest string) (*fees.Entry, bool, error)
}

// StateRooter provides the token state commitment.
type StateRooter interface {
	Commitment() (types.Hash, error)
}

// Handler injects and checks fee transactions on three-phase messages.
type Handler struct {
	entries EntrySource
	state   StateRooter
}

// NewHandler creates a fee injector.
func NewHandler(entries EntrySource, state StateRooter) *Handler {
	return &Handler{entries: entries, state: state}
}

type derived struct {
	encoded []byte
	digest  string
	root    types.Hash
}

func (h *Handler) derive(pp *PrePrepare) (*derived, error) {
	txn, err := DeriveFeeTxn(pp.LedgerID, pp.PPSeqNo, pp.Requests, h.entries.Entry)
	if err != nil {
		return nil, err
	}
	root, err := h.state.Commitment()
	if err != nil {
		return nil, fmt.Errorf("token state root: %w", err)
	}
	d := &derived{root: root}
	if txn != nil {
		if d.encoded, err = txn.Encode(); err != nil {
			return nil, err
		}
		d.digest = FeeDigest(d.encoded)
	}
	return d, nil
}

// AddToPrePrepare attaches the fee transaction derived from the applied
// batch and the resulting token state root.
func (h *Handler) AddToPrePrepare(pp *PrePrepare) error {
	d, err := h.derive(pp)
	if err != nil {
		return err
	}
	pp.FeeTxn = d.encoded
	pp.FeeDigest = d.digest
	pp.TokenStateRoot = d.root
	log.ThreePC.Debug().Uint64("pp_seq_no", pp.PPSeqNo).Str("fee_digest", d.digest).Msg("Fee txn attached")
	return nil
}

// CheckRecvdPrePrepare re-derives the fee transaction after the replica
// applied the batch and compares it with the one the primary sent.
func (h *Handler) CheckRecvdPrePrepare(pp *PrePrepare) error {
	d, err := h.derive(pp)
	if err != nil {
		return err
	}
	switch {
	case (pp.FeeTxn == nil) != (d.encoded == nil):
		return fmt.Errorf("%w: batch %d fee txn present=%t, derived present=%t",
			ErrFeeTxnMismatch, pp.PPSeqNo, pp.FeeTxn != nil, d.encoded != nil)
	case !bytes.Equal(pp.FeeTxn, d.encoded):
		return fmt.Errorf("%w: batch %d fee txn bytes differ", ErrFeeTxnMismatch, pp.PPSeqNo)
	case pp.FeeDigest != d.digest:
		return fmt.Errorf("%w: batch %d fee digest %q, derived %q", ErrFeeTxnMismatch, pp.PPSeqNo, pp.FeeDigest, d.digest)
	case pp.TokenStateRoot != d.root:
		return fmt.Errorf("%w: batch %d token state root %s, derived %s", ErrFeeTxnMismatch, pp.PPSeqNo, pp.TokenStateRoot, d.root)
	}
	return nil
}

// AddToPrepare carries the PrePrepare's fee digest into the vote.
func (h *Handler) AddToPrepare(pr *Prepare, pp *PrePrepare) error {
	pr.FeeDigest = pp.FeeDigest
	return nil
}

// AddToOrdered carries the PrePrepare's fee digest into the ordered batch.
func (h *Handler) AddToOrdered(ord *Ordered, pp *PrePrepare) error {
	ord.FeeDigest = pp.FeeDigest
	return nil
}
