// Package request defines the client request model handled by the fee
// engine: transfers, mints, fee schedule updates and fee-bearing requests of
// other ledgers.
package request

import (
	"encoding/json"

	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// Transaction type identifiers.
const (
	TypeNym           = "1"
	TypeAttrib        = "100"
	TypeSchema        = "101"
	TypeClaimDef      = "102"
	TypeRevocRegDef   = "113"
	TypeRevocRegEntry = "114"

	TypeMintPublic = "10000"
	TypeXferPublic = "10001"
	TypeGetUTXO    = "10002"
	TypeFeeTxn     = "10101"

	TypeSetFees = "20000"
	TypeGetFees = "20001"
)

// DefaultFeeEligibleTypes is the allow-list of txn types a set_fees request
// may price.
var DefaultFeeEligibleTypes = []string{
	TypeNym,
	TypeAttrib,
	TypeSchema,
	TypeClaimDef,
	TypeRevocRegDef,
	TypeRevocRegEntry,
	TypeXferPublic,
}

// Input references an output being spent. PubKey and Signature prove
// ownership and are not part of the signed payload.
type Input struct {
	Address   string `json:"address"`
	SeqNo     uint64 `json:"seqNo"`
	PubKey    []byte `json:"pubKey,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// Output is a new output paying Amount to Address.
type Output struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Operation is the type-specific body of a request.
type Operation struct {
	Type    string   `json:"type"`
	Inputs  []Input  `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty"`
	// Fees carries the schedule of a set_fees request. It is kept raw so
	// that static validation can report malformed payloads.
	Fees json.RawMessage `json:"fees,omitempty"`
	Dest string          `json:"dest,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FeeSection funds the fee of a non-transfer request.
type FeeSection struct {
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs,omitempty"`
}

// Request is a client request.
type Request struct {
	Identifier string            `json:"identifier"`
	ReqID      uint64            `json:"reqId"`
	Operation  Operation         `json:"operation"`
	Fees       *FeeSection       `json:"fees,omitempty"`
	Signatures map[string][]byte `json:"signatures,omitempty"`
}

// Type returns the operation txn type.
func (r *Request) Type() string {
	return r.Operation.Type
}

// IsXfer reports whether the request is a public transfer.
func (r *Request) IsXfer() bool {
	return r.Operation.Type == TypeXferPublic
}

// HasFeeSection reports whether a fee section with inputs or outputs is attached.
func (r *Request) HasFeeSection() bool {
	return r.Fees != nil && (len(r.Fees.Inputs) > 0 || len(r.Fees.Outputs) > 0)
}

// FundingInputs returns the inputs that pay this request's fee: the
// transfer's own inputs for XFER_PUBLIC, the fee section otherwise.
func (r *Request) FundingInputs() []Input {
	if r.IsXfer() {
		return r.Operation.Inputs
	}
	if r.Fees == nil {
		return nil
	}
	return r.Fees.Inputs
}

// FundingOutputs returns the change outputs matching FundingInputs.
func (r *Request) FundingOutputs() []Output {
	if r.IsXfer() {
		return r.Operation.Outputs
	}
	if r.Fees == nil {
		return nil
	}
	return r.Fees.Outputs
}

type unsignedInput struct {
	Address string `json:"address"`
	SeqNo   uint64 `json:"seqNo"`
}

type signingOperation struct {
	Type    string          `json:"type"`
	Inputs  []unsignedInput `json:"inputs,omitempty"`
	Outputs []Output        `json:"outputs,omitempty"`
	Fees    json.RawMessage `json:"fees,omitempty"`
	Dest    string          `json:"dest,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type signingFees struct {
	Inputs  []unsignedInput `json:"inputs"`
	Outputs []Output        `json:"outputs,omitempty"`
}

type signingPayload struct {
	Identifier string           `json:"identifier"`
	ReqID      uint64           `json:"reqId"`
	Operation  signingOperation `json:"operation"`
	Fees       *signingFees     `json:"fees,omitempty"`
}

func stripInputs(in []Input) []unsignedInput {
	if len(in) == 0 {
		return nil
	}
	out := make([]unsignedInput, len(in))
	for i, x := range in {
		out[i] = unsignedInput{Address: x.Address, SeqNo: x.SeqNo}
	}
	return out
}

// SigningBytes returns the canonical payload every signature commits to.
// Request signatures and input proofs are excluded.
func (r *Request) SigningBytes() []byte {
	p := signingPayload{
		Identifier: r.Identifier,
		ReqID:      r.ReqID,
		Operation: signingOperation{
			Type:    r.Operation.Type,
			Inputs:  stripInputs(r.Operation.Inputs),
			Outputs: r.Operation.Outputs,
			Fees:    r.Operation.Fees,
			Dest:    r.Operation.Dest,
			Data:    r.Operation.Data,
		},
	}
	if r.Fees != nil {
		p.Fees = &signingFees{Inputs: stripInputs(r.Fees.Inputs), Outputs: r.Fees.Outputs}
	}
	// Every field is a plain struct, slice or valid RawMessage.
	data, _ := json.Marshal(p)
	return data
}

// SigningHash returns BLAKE3(SigningBytes).
func (r *Request) SigningHash() types.Hash {
	return crypto.Hash(r.SigningBytes())
}

// Digest identifies the request independently of its signatures.
func (r *Request) Digest() string {
	return r.SigningHash().String()
}
