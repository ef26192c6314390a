package token

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-fees/internal/fees"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

type stubAuth struct{ err error }

func (a *stubAuth) AuthorizeTrustees(*request.Request) error { return a.err }

var (
	addrA = types.Address{0xa}.String()
	addrB = types.Address{0xb}.String()
)

// testHandler returns a handler with an open batch and (A,1,100) unspent.
func testHandler(t *testing.T, opts Options) (*Handler, *ledger.Ledger, *stubAuth) {
	t.Helper()
	db := storage.NewMemory()
	st := state.New(db)
	tl, err := ledger.Open(ledger.TokenLedgerID, storage.NewPrefixDB(db, []byte("l/")))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	auth := &stubAuth{}
	h := NewHandler(st, tl, auth, opts)

	st.Begin()
	tl.Begin()
	mint := request.NewMint("did:t", 1, []request.Output{{Address: addrA, Amount: 100}})
	if _, err := h.Apply(mint, 1); err != nil {
		t.Fatalf("Apply(mint) error: %v", err)
	}
	return h, tl, auth
}

func xfer(amounts ...uint64) *request.Request {
	var outs []request.Output
	for i, a := range amounts {
		outs = append(outs, request.Output{Address: types.Address{byte(0xb0 + i)}.String(), Amount: a})
	}
	return request.NewXfer("", 2, []request.Input{{Address: addrA, SeqNo: 1}}, outs)
}

func TestStaticValidation(t *testing.T) {
	h, _, _ := testHandler(t, Options{})

	tests := []struct {
		name    string
		req     *request.Request
		wantErr error
	}{
		{"xfer", xfer(100), nil},
		{"xfer without outputs", request.NewXfer("", 1, []request.Input{{Address: addrA, SeqNo: 1}}, nil), request.ErrInvalidRequest},
		{"xfer without inputs", request.NewXfer("", 1, nil, []request.Output{{Address: addrB, Amount: 1}}), request.ErrInvalidRequest},
		{"mint", request.NewMint("did", 1, []request.Output{{Address: addrB, Amount: 1}}), nil},
		{"mint with zero amount", request.NewMint("did", 1, []request.Output{{Address: addrB}}), request.ErrInvalidRequest},
		{"get_utxo", request.NewGetUTXO("did", 1, addrA), nil},
		{"get_utxo bad address", request.NewGetUTXO("did", 1, "0OIl"), request.ErrInvalidRequest},
		{"nym", request.NewNym("did", 1, "dest"), ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.StaticValidation(tt.req)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("StaticValidation() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Conservation(t *testing.T) {
	h, _, _ := testHandler(t, Options{})

	if err := h.Validate(xfer(60, 40)); err != nil {
		t.Errorf("balanced xfer rejected: %v", err)
	}
	if err := h.Validate(xfer(98)); !errors.Is(err, ErrConservation) {
		t.Errorf("unbalanced xfer: got %v, want ErrConservation", err)
	}
	unknown := request.NewXfer("", 1, []request.Input{{Address: addrA, SeqNo: 9}}, []request.Output{{Address: addrB, Amount: 1}})
	err := h.Validate(unknown)
	if !errors.Is(err, fees.ErrInvalidFunds) {
		t.Errorf("unknown input: got %v, want ErrInvalidFunds", err)
	}
	if errors.Is(err, utxo.ErrUnknownOutput) {
		t.Errorf("unknown input must not surface as ErrUnknownOutput: %v", err)
	}
}

func TestValidate_SkipBalanceCheck(t *testing.T) {
	h, _, _ := testHandler(t, Options{SkipBalanceCheck: true})
	if !h.SkipsBalanceCheck() {
		t.Fatal("SkipsBalanceCheck() = false")
	}
	if err := h.Validate(xfer(98)); err != nil {
		t.Errorf("unbalanced xfer should pass with the check delegated: %v", err)
	}
	if _, err := h.Apply(xfer(98), 2); err != nil {
		t.Errorf("Apply() error: %v", err)
	}
}

func TestValidate_MintNeedsTrustees(t *testing.T) {
	h, _, auth := testHandler(t, Options{})
	mint := request.NewMint("did", 3, []request.Output{{Address: addrB, Amount: 1}})
	if err := h.Validate(mint); err != nil {
		t.Errorf("authorized mint rejected: %v", err)
	}
	auth.err = errors.New("denied")
	if err := h.Validate(mint); err == nil {
		t.Error("unauthorized mint accepted")
	}
}

func TestApply_Xfer(t *testing.T) {
	h, tl, _ := testHandler(t, Options{})
	req := xfer(60, 40)

	size, err := h.Apply(req, 7)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if size != 2 {
		t.Errorf("ledger size = %d, want 2", size)
	}

	if _, ok, _ := h.UTXOs().Get(utxo.Outpoint{Address: addrA, SeqNo: 1}); ok {
		t.Error("input should be spent")
	}
	for _, o := range req.Operation.Outputs {
		got, ok, _ := h.UTXOs().Get(utxo.Outpoint{Address: o.Address, SeqNo: size})
		if !ok || got.Value != o.Amount {
			t.Errorf("output %s = %+v, %v", o.Address, got, ok)
		}
	}

	txn, err := tl.Get(size)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if txn.Type != request.TypeXferPublic || txn.ReqDigest != req.Digest() || txn.PPSeqNo != 7 {
		t.Errorf("txn = %+v", txn)
	}

	if _, err := h.Apply(req, 8); !errors.Is(err, utxo.ErrUnknownOutput) {
		t.Errorf("double spend: got %v, want ErrUnknownOutput", err)
	}
}

func TestGetUTXO(t *testing.T) {
	h, _, _ := testHandler(t, Options{})
	outs, err := h.GetUTXO(request.NewGetUTXO("did", 1, addrA))
	if err != nil {
		t.Fatalf("GetUTXO() error: %v", err)
	}
	if len(outs) != 1 || outs[0].Value != 100 || outs[0].SeqNo != 1 {
		t.Errorf("GetUTXO() = %+v", outs)
	}
	if _, err := h.GetUTXO(request.NewNym("did", 1, "x")); !errors.Is(err, request.ErrInvalidRequest) {
		t.Errorf("wrong type: got %v, want ErrInvalidRequest", err)
	}
}
