package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return key
}

func TestSigningBytes_ExcludeSignatures(t *testing.T) {
	key := mustKey(t)
	addr := AddressOf(key)
	req := NewXfer("did:alice", 1,
		[]Input{{Address: addr, SeqNo: 1}},
		[]Output{{Address: addr, Amount: 5}},
	)

	before := req.SigningBytes()
	digest := req.Digest()

	if err := req.SignInputs(key); err != nil {
		t.Fatalf("SignInputs() error: %v", err)
	}
	if err := req.Sign("did:alice", key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	if !bytes.Equal(before, req.SigningBytes()) {
		t.Error("signing bytes changed after signing")
	}
	if req.Digest() != digest {
		t.Error("digest changed after signing")
	}
	if len(req.Operation.Inputs[0].Signature) == 0 || len(req.Operation.Inputs[0].PubKey) == 0 {
		t.Error("input proof not attached")
	}
	if len(req.Signatures["did:alice"]) == 0 {
		t.Error("request signature not attached")
	}
}

func TestDigest_ChangesWithPayload(t *testing.T) {
	a := NewNym("did:trustee", 1, "did:new")
	b := NewNym("did:trustee", 2, "did:new")
	if a.Digest() == b.Digest() {
		t.Error("different reqIds should produce different digests")
	}

	c := NewNym("did:trustee", 1, "did:new").WithFees([]Input{{Address: "x", SeqNo: 1}}, nil)
	if a.Digest() == c.Digest() {
		t.Error("fee section should be covered by the digest")
	}
}

func TestSignInputs_MissingKey(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	req := NewXfer("did:alice", 1,
		[]Input{{Address: AddressOf(other), SeqNo: 1}},
		[]Output{{Address: AddressOf(key), Amount: 1}},
	)
	if err := req.SignInputs(key); err == nil {
		t.Error("SignInputs() should fail without the owner's key")
	}
}

func TestFundingInputs(t *testing.T) {
	xferIn := []Input{{Address: "a", SeqNo: 1}}
	feeIn := []Input{{Address: "b", SeqNo: 2}}

	xfer := NewXfer("did", 1, xferIn, []Output{{Address: "c", Amount: 1}}).WithFees(feeIn, nil)
	if got := xfer.FundingInputs(); len(got) != 1 || got[0].Address != "a" {
		t.Errorf("xfer funding inputs = %v, want own inputs", got)
	}

	nym := NewNym("did", 1, "dest").WithFees(feeIn, []Output{{Address: "b", Amount: 3}})
	if got := nym.FundingInputs(); len(got) != 1 || got[0].Address != "b" {
		t.Errorf("nym funding inputs = %v, want fee section inputs", got)
	}
	if got := nym.FundingOutputs(); len(got) != 1 || got[0].Amount != 3 {
		t.Errorf("nym funding outputs = %v", got)
	}

	bare := NewNym("did", 2, "dest")
	if bare.FundingInputs() != nil || bare.HasFeeSection() {
		t.Error("request without fee section should have no funding inputs")
	}
}

func TestDecodeFees(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]uint64
		errText string
	}{
		{name: "object", raw: `{"1":4,"10001":8}`, want: map[string]uint64{"1": 4, "10001": 8}},
		{name: "empty object", raw: `{}`, want: map[string]uint64{}},
		{name: "string", raw: `"fees"`, errText: "expected types 'dict', got 'str'"},
		{name: "list", raw: `[1,2]`, errText: "expected types 'dict', got 'list'"},
		{name: "null", raw: `null`, errText: "expected types 'dict', got 'NoneType'"},
		{name: "missing", raw: ``, errText: "expected types 'dict', got 'NoneType'"},
		{name: "negative", raw: `{"1":-1}`, errText: "non-negative integer"},
		{name: "fraction", raw: `{"1":1.5}`, errText: "non-negative integer"},
		{name: "string amount", raw: `{"1":"3"}`, errText: "must be an integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFees(json.RawMessage(tt.raw))
			if tt.errText != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.errText)
				}
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("error should wrap ErrInvalidRequest: %v", err)
				}
				if !strings.Contains(err.Error(), tt.errText) {
					t.Errorf("error = %q, want it to contain %q", err, tt.errText)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFees() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("fee[%s] = %d, want %d", k, got[k], v)
				}
			}
		})
	}
}

func testAddr(b byte) string {
	return types.Address{b}.String()
}

func TestValidateInputs(t *testing.T) {
	a := testAddr(1)
	if err := ValidateInputs("inputs", nil); err == nil {
		t.Error("empty inputs should be rejected")
	}
	dup := []Input{{Address: a, SeqNo: 1}, {Address: a, SeqNo: 1, Signature: []byte{1}}}
	if err := ValidateInputs("inputs", dup); err == nil {
		t.Error("duplicate inputs should be rejected")
	}
	if err := ValidateInputs("inputs", []Input{{Address: a, SeqNo: 0}}); err == nil {
		t.Error("zero seqNo should be rejected")
	}
	if err := ValidateInputs("inputs", []Input{{Address: "not-an-address", SeqNo: 1}}); err == nil {
		t.Error("malformed address should be rejected")
	}
	if err := ValidateInputs("inputs", []Input{{Address: a, SeqNo: 1}, {Address: a, SeqNo: 2}}); err != nil {
		t.Errorf("distinct inputs rejected: %v", err)
	}
}

func TestValidateOutputs(t *testing.T) {
	a := testAddr(1)
	if err := ValidateOutputs("outputs", nil, true); err == nil {
		t.Error("required outputs missing should be rejected")
	}
	if err := ValidateOutputs("outputs", nil, false); err != nil {
		t.Errorf("optional outputs missing: %v", err)
	}
	if err := ValidateOutputs("outputs", []Output{{Address: a, Amount: 0}}, false); err == nil {
		t.Error("zero amount should be rejected")
	}
	if err := ValidateOutputs("outputs", []Output{{Address: a, Amount: 1}, {Address: a, Amount: 2}}, false); err == nil {
		t.Error("duplicate output address should be rejected")
	}
	if err := ValidateOutputs("outputs", []Output{{Address: a, Amount: 1}, {Address: testAddr(2), Amount: 2}}, true); err != nil {
		t.Errorf("valid outputs rejected: %v", err)
	}
}
