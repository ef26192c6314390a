package node

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// genesisIdentifier is the identifier of the requests synthesized from the
// genesis file.
const genesisIdentifier = "genesis"

// bootstrap writes the genesis fee schedule and allocations as batch 0.
// It does nothing once any ledger holds committed txns.
func (n *Node) bootstrap() error {
	for _, l := range n.ledgers {
		if l.Size() > 0 {
			return nil
		}
	}
	g := n.genesis
	if len(g.Fees) == 0 && len(g.Alloc) == 0 {
		return nil
	}

	h := n.engine.Hooks
	if err := h.RunPostBatchCreated(0); err != nil {
		return err
	}
	reject := func(err error) error {
		return errors.Join(err, h.RunPostBatchRejected(0))
	}

	if len(g.Fees) > 0 {
		if _, err := n.engine.Fees.Apply(request.NewSetFees(genesisIdentifier, 0, g.Fees), 0); err != nil {
			return reject(fmt.Errorf("genesis fees: %w", err))
		}
	}

	addrs := make([]string, 0, len(g.Alloc))
	for addr := range g.Alloc {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for i, addr := range addrs {
		req := request.NewMint(genesisIdentifier, uint64(i+1), []request.Output{{Address: addr, Amount: g.Alloc[addr]}})
		if _, err := n.engine.Tokens.Apply(req, 0); err != nil {
			return reject(fmt.Errorf("genesis alloc %s: %w", addr, err))
		}
	}

	if err := h.RunPostBatchCommitted(0); err != nil {
		return err
	}
	n.logger.Info().
		Int("fees", len(g.Fees)).
		Int("allocations", len(addrs)).
		Msg("Genesis state committed")
	return nil
}

// committedPPSeqNo returns the highest pp_seq_no recorded on the last
// committed txn of any ledger.
func (n *Node) committedPPSeqNo() uint64 {
	var last uint64
	for id, l := range n.ledgers {
		if l.Size() == 0 {
			continue
		}
		txn, err := l.Get(l.Size())
		if err != nil {
			n.logger.Warn().Err(err).Int("ledger", id).Msg("Last txn unavailable")
			continue
		}
		last = max(last, txn.PPSeqNo)
	}
	return last
}

// ledgerName returns a printable ledger name.
func ledgerName(id int) string {
	switch id {
	case ledger.DomainLedgerID:
		return "domain"
	case ledger.ConfigLedgerID:
		return "config"
	case ledger.TokenLedgerID:
		return "token"
	default:
		return fmt.Sprintf("ledger-%d", id)
	}
}
