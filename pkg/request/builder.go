package request

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
)

// NewXfer builds an unsigned XFER_PUBLIC request.
func NewXfer(identifier string, reqID uint64, inputs []Input, outputs []Output) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation: Operation{
			Type:    TypeXferPublic,
			Inputs:  inputs,
			Outputs: outputs,
		},
	}
}

// NewMint builds an unsigned MINT_PUBLIC request.
func NewMint(identifier string, reqID uint64, outputs []Output) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeMintPublic, Outputs: outputs},
	}
}

// NewSetFees builds an unsigned SET_FEES request.
func NewSetFees(identifier string, reqID uint64, fees map[string]uint64) *Request {
	// A map of strings to integers always marshals.
	raw, _ := json.Marshal(fees)
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeSetFees, Fees: raw},
	}
}

// NewGetFees builds a GET_FEES read request.
func NewGetFees(identifier string, reqID uint64) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeGetFees},
	}
}

// NewGetUTXO builds a GET_UTXO read request for address.
func NewGetUTXO(identifier string, reqID uint64, address string) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeGetUTXO, Dest: address},
	}
}

// NewNym builds an unsigned NYM request for dest.
func NewNym(identifier string, reqID uint64, dest string) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeNym, Dest: dest},
	}
}

// NewAttrib builds an unsigned ATTRIB request on dest.
func NewAttrib(identifier string, reqID uint64, dest string) *Request {
	return &Request{
		Identifier: identifier,
		ReqID:      reqID,
		Operation:  Operation{Type: TypeAttrib, Dest: dest},
	}
}

// WithFees attaches a fee section and returns the request.
func (r *Request) WithFees(inputs []Input, outputs []Output) *Request {
	r.Fees = &FeeSection{Inputs: inputs, Outputs: outputs}
	return r
}

// Sign adds the identifier's signature over the signing hash.
func (r *Request) Sign(did string, key *crypto.PrivateKey) error {
	hash := r.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	if r.Signatures == nil {
		r.Signatures = make(map[string][]byte)
	}
	r.Signatures[did] = sig
	return nil
}

// SignInputs attaches an ownership proof to every funding input whose
// address is controlled by one of keys. Call it after the payload is final.
func (r *Request) SignInputs(keys ...*crypto.PrivateKey) error {
	byAddr := make(map[string]*crypto.PrivateKey, len(keys))
	for _, k := range keys {
		byAddr[AddressOf(k)] = k
	}
	hash := r.SigningHash()

	sign := func(inputs []Input) error {
		for i := range inputs {
			key, ok := byAddr[inputs[i].Address]
			if !ok {
				return fmt.Errorf("no key for input address %s", inputs[i].Address)
			}
			sig, err := key.Sign(hash[:])
			if err != nil {
				return fmt.Errorf("sign input %d: %w", i, err)
			}
			inputs[i].PubKey = key.PublicKey()
			inputs[i].Signature = sig
		}
		return nil
	}

	if err := sign(r.Operation.Inputs); err != nil {
		return err
	}
	if r.Fees != nil {
		return sign(r.Fees.Inputs)
	}
	return nil
}

// AddressOf is a convenience for the string form of a key's address.
func AddressOf(key *crypto.PrivateKey) string {
	return key.Address().String()
}
