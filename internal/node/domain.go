package node

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// domainTypes are the identity txn types written to the domain ledger.
var domainTypes = map[string]struct{}{
	request.TypeNym:           {},
	request.TypeAttrib:        {},
	request.TypeSchema:        {},
	request.TypeClaimDef:      {},
	request.TypeRevocRegDef:   {},
	request.TypeRevocRegEntry: {},
}

// domainPayload is the ledger payload of an identity txn.
type domainPayload struct {
	Identifier string          `json:"identifier"`
	Dest       string          `json:"dest,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// domainHandler appends identity txns to the domain ledger. Their fees, if
// any, are settled by the fee handler.
type domainHandler struct {
	ledger *ledger.Ledger
}

func (h *domainHandler) staticValidation(req *request.Request) error {
	switch req.Type() {
	case request.TypeNym, request.TypeAttrib:
		if req.Operation.Dest == "" {
			return fmt.Errorf("%w: %s -- dest is required", request.ErrInvalidRequest, req.Type())
		}
	}
	if req.Identifier == "" {
		return fmt.Errorf("%w: identifier is required", request.ErrInvalidRequest)
	}
	return nil
}

func (h *domainHandler) apply(req *request.Request, ppSeqNo uint64) (uint64, error) {
	payload, err := json.Marshal(domainPayload{
		Identifier: req.Identifier,
		Dest:       req.Operation.Dest,
		Data:       req.Operation.Data,
	})
	if err != nil {
		return 0, fmt.Errorf("domain txn marshal: %w", err)
	}
	return h.ledger.Append(&ledger.Txn{
		SeqNo:     h.ledger.NextSeqNo(),
		Type:      req.Type(),
		ReqDigest: req.Digest(),
		PPSeqNo:   ppSeqNo,
		Payload:   payload,
	})
}

// ledgerFor returns the ledger a write request is ordered on.
func ledgerFor(txnType string) (int, bool) {
	switch txnType {
	case request.TypeXferPublic, request.TypeMintPublic:
		return ledger.TokenLedgerID, true
	case request.TypeSetFees:
		return ledger.ConfigLedgerID, true
	}
	if _, ok := domainTypes[txnType]; ok {
		return ledger.DomainLedgerID, true
	}
	return 0, false
}

// isRead reports whether txnType is answered without ordering.
func isRead(txnType string) bool {
	return txnType == request.TypeGetFees || txnType == request.TypeGetUTXO
}
