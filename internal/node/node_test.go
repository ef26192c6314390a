package node

import (
	"errors"
	"io"
	"testing"

	"github.com/Klingon-tech/klingnet-fees/config"
	"github.com/Klingon-tech/klingnet-fees/internal/auth"
	"github.com/Klingon-tech/klingnet-fees/internal/fees"
	"github.com/Klingon-tech/klingnet-fees/internal/hooks"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/internal/mempool"
	"github.com/Klingon-tech/klingnet-fees/internal/metrics"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/internal/threepc"
	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

const faucetAmount = 1_000_000

func init() {
	klog.SetOutput(io.Discard, "disabled")
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(storage.NewMemory(), config.TestnetGenesis(), Options{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// xfer builds a signed transfer of one input to one output.
func xfer(t *testing.T, reqID uint64, from *crypto.PrivateKey, seqNo uint64, to string, amount uint64) *request.Request {
	t.Helper()
	req := request.NewXfer("client", reqID,
		[]request.Input{{Address: request.AddressOf(from), SeqNo: seqNo}},
		[]request.Output{{Address: to, Amount: amount}})
	if err := req.SignInputs(from); err != nil {
		t.Fatalf("SignInputs: %v", err)
	}
	return req
}

func trusteeSigned(t *testing.T, req *request.Request, count int) *request.Request {
	t.Helper()
	for i, k := range config.TestnetTrusteeKeys()[:count] {
		if err := req.Sign(config.TestnetTrusteeDID(i), k); err != nil {
			t.Fatalf("Sign: %v", err)
		}
	}
	return req
}

func balance(t *testing.T, n *Node, addr string) uint64 {
	t.Helper()
	b, err := n.Engine().UTXOs.Balance(addr)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				sum += g.GetValue()
			}
		}
	}
	return sum
}

// orderAndCommit runs the order and commit phases on every node.
func orderAndCommit(t *testing.T, ppSeqNo uint64, nodes ...*Node) {
	t.Helper()
	for i, n := range nodes {
		ord, err := n.Order(ppSeqNo)
		if err != nil {
			t.Fatalf("node %d Order(%d): %v", i, ppSeqNo, err)
		}
		if err := n.Commit(ord); err != nil {
			t.Fatalf("node %d Commit(%d): %v", i, ppSeqNo, err)
		}
	}
}

func TestNew_BootstrapsGenesis(t *testing.T) {
	db := storage.NewMemory()
	g := config.TestnetGenesis()
	n, err := New(db, g, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, _ := n.Ledger(ledger.TokenLedgerID)
	cfgLedger, _ := n.Ledger(ledger.ConfigLedgerID)
	if token.Size() != 1 || cfgLedger.Size() != 1 {
		t.Fatalf("ledger sizes token=%d config=%d, want 1 and 1", token.Size(), cfgLedger.Size())
	}
	faucet := config.TestnetFaucetKey()
	if got := balance(t, n, request.AddressOf(faucet)); got != faucetAmount {
		t.Errorf("faucet balance = %d, want %d", got, faucetAmount)
	}

	got, err := n.Read(request.NewGetFees("client", 1))
	if err != nil {
		t.Fatalf("Read(get_fees): %v", err)
	}
	schedule := got.(map[string]uint64)
	if schedule[request.TypeXferPublic] != 1 || schedule[request.TypeNym] != 4 {
		t.Errorf("schedule = %v", schedule)
	}
	if len(n.Registry().Trustees()) != 3 {
		t.Errorf("trustees = %v", n.Registry().Trustees())
	}

	// A second node over the same database does not bootstrap again.
	again, err := New(db, g, Options{})
	if err != nil {
		t.Fatalf("New (again): %v", err)
	}
	token, _ = again.Ledger(ledger.TokenLedgerID)
	if token.Size() != 1 {
		t.Errorf("token ledger size after reopen = %d, want 1", token.Size())
	}
	if again.LastPPSeqNo() != 0 {
		t.Errorf("LastPPSeqNo = %d, want 0", again.LastPPSeqNo())
	}
}

func TestNew_InvalidGenesis(t *testing.T) {
	g := config.TestnetGenesis()
	g.ChainID = ""
	if _, err := New(storage.NewMemory(), g, Options{}); err == nil {
		t.Fatal("expected invalid genesis error")
	}
}

func TestTwoReplicas_Deterministic(t *testing.T) {
	primary := newTestNode(t)
	replica := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	if err := primary.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	pp, err := primary.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if pp.PPSeqNo != 1 || len(pp.Requests) != 1 {
		t.Fatalf("pp = seq %d with %d requests", pp.PPSeqNo, len(pp.Requests))
	}
	if pp.FeeTxn == nil || pp.FeeDigest == "" {
		t.Fatal("fee txn not attached")
	}
	feeTxn, err := threepc.DecodeFeeTxn(pp.FeeTxn)
	if err != nil {
		t.Fatalf("DecodeFeeTxn: %v", err)
	}
	if feeTxn.Total != 1 {
		t.Errorf("fee total = %d, want 1", feeTxn.Total)
	}

	pr, err := replica.Receive(pp)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if pr.FeeDigest != pp.FeeDigest || pr.Digest != pp.Digest() {
		t.Errorf("prepare = %+v", pr)
	}

	orderAndCommit(t, pp.PPSeqNo, primary, replica)

	for i, n := range []*Node{primary, replica} {
		if got := balance(t, n, bob); got != faucetAmount-1 {
			t.Errorf("node %d bob balance = %d", i, got)
		}
		if got := balance(t, n, request.AddressOf(faucet)); got != 0 {
			t.Errorf("node %d faucet balance = %d", i, got)
		}
		if n.PendingBatches() != 0 {
			t.Errorf("node %d pending = %d", i, n.PendingBatches())
		}
	}

	rootP, err := primary.Engine().UTXOs.Commitment()
	if err != nil {
		t.Fatal(err)
	}
	rootR, err := replica.Engine().UTXOs.Commitment()
	if err != nil {
		t.Fatal(err)
	}
	if rootP != rootR {
		t.Errorf("utxo commitments differ: %s != %s", rootP, rootR)
	}

	for i, n := range []*Node{primary, replica} {
		m := n.Metrics()
		if got := metricValue(t, m, "klingfees_fees_collected_total"); got != 1 {
			t.Errorf("node %d fees collected = %v, want 1", i, got)
		}
		if got := metricValue(t, m, "klingfees_batch_committed_total"); got != 1 {
			t.Errorf("node %d batches committed = %v, want 1", i, got)
		}
		if got := metricValue(t, m, "klingfees_utxo_supply"); got != faucetAmount-1 {
			t.Errorf("node %d supply = %v, want %d", i, got, faucetAmount-1)
		}
	}
}

func TestReceive_FeeTxnMismatchRejects(t *testing.T) {
	primary := newTestNode(t)
	replica := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	if err := primary.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}
	pp, err := primary.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}

	tampered := []func(pp *threepc.PrePrepare){
		func(pp *threepc.PrePrepare) { pp.FeeDigest = "00" },
		func(pp *threepc.PrePrepare) { pp.FeeTxn = nil; pp.FeeDigest = "" },
		func(pp *threepc.PrePrepare) { pp.FeeTxn = append([]byte(nil), pp.FeeTxn[:len(pp.FeeTxn)-1]...) },
		func(pp *threepc.PrePrepare) { pp.TokenStateRoot[0] ^= 0xff },
	}
	for i, mutate := range tampered {
		bad := *pp
		mutate(&bad)
		pr, err := replica.Receive(&bad)
		if !errors.Is(err, threepc.ErrFeeTxnMismatch) {
			t.Fatalf("case %d: Receive error = %v, want ErrFeeTxnMismatch", i, err)
		}
		if pr != nil {
			t.Fatalf("case %d: got a Prepare for a mismatched batch", i)
		}
		if replica.PendingBatches() != 0 || replica.LastPPSeqNo() != 0 {
			t.Fatalf("case %d: batch not rejected", i)
		}
		if got := balance(t, replica, request.AddressOf(faucet)); got != faucetAmount {
			t.Fatalf("case %d: faucet balance = %d after reject", i, got)
		}
	}
	if got := metricValue(t, replica.Metrics(), "klingfees_threepc_fee_txn_mismatch_total"); got != float64(len(tampered)) {
		t.Errorf("mismatch metric = %v, want %d", got, len(tampered))
	}

	// The untouched proposal still applies cleanly.
	if _, err := replica.Receive(pp); err != nil {
		t.Fatalf("Receive(original): %v", err)
	}
}

func TestReceive_UnexpectedBatch(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Receive(&threepc.PrePrepare{PPSeqNo: 5, LedgerID: ledger.TokenLedgerID})
	if !errors.Is(err, ErrUnexpectedBatch) {
		t.Fatalf("Receive error = %v, want ErrUnexpectedBatch", err)
	}
	_, err = n.Receive(&threepc.PrePrepare{PPSeqNo: 1, LedgerID: 77})
	if !errors.Is(err, ErrUnexpectedBatch) {
		t.Fatalf("Receive(unknown ledger) error = %v, want ErrUnexpectedBatch", err)
	}
}

func TestReceive_InvalidRequestRejectsBatch(t *testing.T) {
	primary := newTestNode(t)
	replica := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	if err := primary.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}
	pp, err := primary.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}

	// A primary that slips an overpaying transfer into the batch.
	bad := *pp
	bad.Requests = []*request.Request{xfer(t, 2, faucet, 1, bob, faucetAmount-5)}
	if _, err := replica.Receive(&bad); !errors.Is(err, fees.ErrExtraFunds) {
		t.Fatalf("Receive error = %v, want ErrExtraFunds", err)
	}
	if replica.PendingBatches() != 0 {
		t.Fatal("batch should be rejected")
	}
}

func TestSubmitRequest_Rejections(t *testing.T) {
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	unsigned := request.NewXfer("client", 9,
		[]request.Input{{Address: request.AddressOf(faucet), SeqNo: 1}},
		[]request.Output{{Address: bob, Amount: faucetAmount - 1}})

	nymNoFees := trusteeSigned(t, request.NewNym(config.TestnetTrusteeDID(0), 10, "did:example:new"), 1)
	setFeesOneSig := trusteeSigned(t, request.NewSetFees(config.TestnetTrusteeDID(0), 11,
		map[string]uint64{request.TypeXferPublic: 3}), 1)
	setFeesIneligible := trusteeSigned(t, request.NewSetFees(config.TestnetTrusteeDID(0), 12,
		map[string]uint64{request.TypeMintPublic: 3}), 3)

	tests := []struct {
		name  string
		req   *request.Request
		want  error
		stage string
	}{
		{"overpaid fee", xfer(t, 1, faucet, 1, bob, faucetAmount-10), fees.ErrExtraFunds, stageFees},
		{"underpaid fee", xfer(t, 2, faucet, 1, bob, faucetAmount), fees.ErrInsufficientFunds, stageFees},
		{"unknown input", xfer(t, 3, faucet, 9, bob, 10), fees.ErrInvalidFunds, stageDynamic},
		{"unsigned input", unsigned, auth.ErrUnauthorized, stageSignature},
		{"nym without fees", nymNoFees, fees.ErrInvalidFunds, stageFees},
		{"set_fees below threshold", setFeesOneSig, auth.ErrUnauthorized, stageDynamic},
		{"set_fees ineligible type", setFeesIneligible, request.ErrInvalidRequest, stageStatic},
		{"read request", request.NewGetFees("client", 13), request.ErrInvalidRequest, stageStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t)
			err := n.SubmitRequest(tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SubmitRequest error = %v, want %v", err, tt.want)
			}
			if got := metricValue(t, n.Metrics(), "klingfees_requests_rejected_total"); got != 1 {
				t.Errorf("rejected metric = %v, want 1", got)
			}
			pp, err := n.Propose(ledger.TokenLedgerID)
			if err != nil || pp != nil {
				t.Errorf("Propose after rejection = %v, %v; want nothing queued", pp, err)
			}
		})
	}
}

func TestSubmitRequest_UnknownInputIsInvalidFunds(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	// One real input and one that never existed.
	req := request.NewXfer("client", 1,
		[]request.Input{
			{Address: request.AddressOf(faucet), SeqNo: 1},
			{Address: request.AddressOf(faucet), SeqNo: 9},
		},
		[]request.Output{{Address: bob, Amount: faucetAmount - 1}})
	if err := req.SignInputs(faucet, faucet); err != nil {
		t.Fatalf("SignInputs: %v", err)
	}

	err := n.SubmitRequest(req)
	if !errors.Is(err, fees.ErrInvalidFunds) {
		t.Fatalf("got %v, want ErrInvalidFunds", err)
	}
	if errors.Is(err, utxo.ErrUnknownOutput) {
		t.Errorf("client error surfaced as ErrUnknownOutput: %v", err)
	}
	if n.Pool().Count() != 0 {
		t.Error("rejected request should not be pooled")
	}
}

func TestSubmitRequest_PoolConflict(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))
	carol := request.AddressOf(mustKey(t))

	// Both spend the faucet output; each validates on its own.
	first := xfer(t, 1, faucet, 1, bob, faucetAmount-1)
	if err := n.SubmitRequest(first); err != nil {
		t.Fatal(err)
	}
	err := n.SubmitRequest(xfer(t, 2, faucet, 1, carol, faucetAmount-1))
	if !errors.Is(err, mempool.ErrConflict) {
		t.Fatalf("second spend: got %v, want ErrConflict", err)
	}
	if err := n.SubmitRequest(first); !errors.Is(err, mempool.ErrAlreadyExists) {
		t.Fatalf("resubmit: got %v, want ErrAlreadyExists", err)
	}
	if got := metricValue(t, n.Metrics(), "klingfees_requests_rejected_total"); got != 2 {
		t.Errorf("rejected metric = %v, want 2", got)
	}
	if got := n.Pool().GetFee(first.Digest()); got != 1 {
		t.Errorf("pooled fee = %d, want 1", got)
	}

	pp, err := n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(pp.Requests) != 1 {
		t.Fatalf("batch has %d requests, want 1", len(pp.Requests))
	}
	if n.Pool().Count() != 0 {
		t.Errorf("pool should be drained, has %d", n.Pool().Count())
	}
	orderAndCommit(t, pp.PPSeqNo, n)
	if got := balance(t, n, carol); got != 0 {
		t.Errorf("carol balance = %d, want 0", got)
	}
}

func TestSubmitRequest_PolicyRejects(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	outputs := make([]request.Output, mempool.DefaultMaxOutputs+1)
	for i := range outputs {
		outputs[i] = request.Output{Address: request.AddressOf(faucet), Amount: 1}
	}
	req := request.NewXfer("client", 1,
		[]request.Input{{Address: request.AddressOf(faucet), SeqNo: 1}}, outputs)

	if err := n.SubmitRequest(req); !errors.Is(err, mempool.ErrPolicy) {
		t.Fatalf("got %v, want ErrPolicy", err)
	}
	if n.Pool().Count() != 0 {
		t.Error("rejected request should not be pooled")
	}
}

func TestPropose_KeepsPoolWhenBatchNotCreated(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	req := xfer(t, 1, faucet, 1, bob, faucetAmount-1)
	if err := n.SubmitRequest(req); err != nil {
		t.Fatal(err)
	}
	errCreate := errors.New("batch refused")
	n.Engine().Hooks.RegisterRequest(hooks.RequestFuncs{
		PostBatchCreatedFunc: func(uint64) error { return errCreate },
	}, hooks.PostBatchCreated)

	if _, err := n.Propose(ledger.TokenLedgerID); !errors.Is(err, errCreate) {
		t.Fatalf("Propose: got %v, want %v", err, errCreate)
	}
	if !n.Pool().Has(req.Digest()) {
		t.Error("request should stay pooled when its batch cannot be created")
	}
	if n.LastPPSeqNo() != 0 {
		t.Errorf("last pp_seq_no = %d, want 0", n.LastPPSeqNo())
	}
}

func TestPropose_DropsStaleRequest(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	// Pays the current xfer fee of 1.
	if err := n.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}

	setFees := trusteeSigned(t, request.NewSetFees(config.TestnetTrusteeDID(0), 2,
		map[string]uint64{request.TypeXferPublic: 3}), 3)
	if err := n.SubmitRequest(setFees); err != nil {
		t.Fatal(err)
	}
	pp, err := n.Propose(ledger.ConfigLedgerID)
	if err != nil {
		t.Fatalf("Propose config: %v", err)
	}
	orderAndCommit(t, pp.PPSeqNo, n)

	// The pooled transfer no longer settles the fee exactly.
	pp, err = n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatalf("Propose token: %v", err)
	}
	if pp != nil {
		t.Fatalf("expected no batch, got %d requests", len(pp.Requests))
	}
	if n.Pool().Count() != 0 {
		t.Errorf("stale request should leave the pool, %d left", n.Pool().Count())
	}
	if got := metricValue(t, n.Metrics(), "klingfees_requests_rejected_total"); got != 1 {
		t.Errorf("rejected metric = %v, want 1", got)
	}
	if got := balance(t, n, bob); got != 0 {
		t.Errorf("bob balance = %d, want 0", got)
	}
}

func TestNym_PaysFeeFromSection(t *testing.T) {
	primary := newTestNode(t)
	replica := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	faucetAddr := request.AddressOf(faucet)

	nym := request.NewNym(config.TestnetTrusteeDID(0), 1, "did:example:alice").WithFees(
		[]request.Input{{Address: faucetAddr, SeqNo: 1}},
		[]request.Output{{Address: faucetAddr, Amount: faucetAmount - 4}})
	if err := nym.SignInputs(faucet); err != nil {
		t.Fatal(err)
	}
	trusteeSigned(t, nym, 1)

	if err := primary.SubmitRequest(nym); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if pp, _ := primary.Propose(ledger.TokenLedgerID); pp != nil {
		t.Fatal("nym must be ordered on the domain ledger")
	}
	pp, err := primary.Propose(ledger.DomainLedgerID)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if pp.FeeTxn == nil {
		t.Fatal("fee txn not attached")
	}
	if _, err := replica.Receive(pp); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	orderAndCommit(t, pp.PPSeqNo, primary, replica)

	for i, n := range []*Node{primary, replica} {
		domain, _ := n.Ledger(ledger.DomainLedgerID)
		token, _ := n.Ledger(ledger.TokenLedgerID)
		if domain.Size() != 1 {
			t.Errorf("node %d domain size = %d, want 1", i, domain.Size())
		}
		if token.Size() != 2 {
			t.Errorf("node %d token size = %d, want 2", i, token.Size())
		}
		if got := balance(t, n, faucetAddr); got != faucetAmount-4 {
			t.Errorf("node %d faucet balance = %d", i, got)
		}
		txn, err := token.Get(2)
		if err != nil {
			t.Fatal(err)
		}
		if txn.Type != request.TypeFeeTxn || txn.PPSeqNo != pp.PPSeqNo {
			t.Errorf("node %d token txn 2 = %s at pp %d", i, txn.Type, txn.PPSeqNo)
		}
	}
	if got := metricValue(t, primary.Metrics(), "klingfees_fees_collected_total"); got != 4 {
		t.Errorf("fees collected = %v, want 4", got)
	}
}

func TestSetFees_ThroughPipeline(t *testing.T) {
	n := newTestNode(t)
	req := trusteeSigned(t, request.NewSetFees(config.TestnetTrusteeDID(0), 1,
		map[string]uint64{request.TypeXferPublic: 3}), 3)

	if err := n.SubmitRequest(req); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	pp, err := n.Propose(ledger.ConfigLedgerID)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if pp.FeeTxn != nil {
		t.Error("set_fees pays no fee")
	}

	// Reads see the committed schedule only.
	got, err := n.Read(request.NewGetFees("client", 2))
	if err != nil {
		t.Fatal(err)
	}
	if got.(map[string]uint64)[request.TypeXferPublic] != 1 {
		t.Errorf("uncommitted schedule leaked into get_fees: %v", got)
	}

	orderAndCommit(t, pp.PPSeqNo, n)
	got, err = n.Read(request.NewGetFees("client", 3))
	if err != nil {
		t.Fatal(err)
	}
	schedule := got.(map[string]uint64)
	if len(schedule) != 1 || schedule[request.TypeXferPublic] != 3 {
		t.Errorf("schedule = %v, want only xfer=3", schedule)
	}
}

func TestRead_GetUTXO(t *testing.T) {
	n := newTestNode(t)
	faucetAddr := request.AddressOf(config.TestnetFaucetKey())
	got, err := n.Read(request.NewGetUTXO("client", 1, faucetAddr))
	if err != nil {
		t.Fatalf("Read(get_utxo): %v", err)
	}
	outs := got.([]utxo.Output)
	if len(outs) != 1 || outs[0].SeqNo != 1 || outs[0].Value != faucetAmount {
		t.Errorf("outputs = %+v", outs)
	}
	if _, err := n.Read(request.NewGetUTXO("client", 2, "not-an-address")); !errors.Is(err, request.ErrInvalidRequest) {
		t.Errorf("bad address error = %v", err)
	}
}

func TestReject_RestoresState(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))

	if err := n.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}
	pp, err := n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, n, bob); got != faucetAmount-1 {
		t.Fatalf("speculative bob balance = %d", got)
	}

	if err := n.Reject(pp.PPSeqNo); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := balance(t, n, bob); got != 0 {
		t.Errorf("bob balance after reject = %d", got)
	}
	if got := balance(t, n, request.AddressOf(faucet)); got != faucetAmount {
		t.Errorf("faucet balance after reject = %d", got)
	}
	token, _ := n.Ledger(ledger.TokenLedgerID)
	if token.UncommittedSize() != 1 {
		t.Errorf("token uncommitted size = %d, want 1", token.UncommittedSize())
	}
	if n.LastPPSeqNo() != 0 || n.PendingBatches() != 0 {
		t.Errorf("pp_seq_no=%d pending=%d after reject", n.LastPPSeqNo(), n.PendingBatches())
	}
	if got := metricValue(t, n.Metrics(), "klingfees_batch_rejected_total"); got != 1 {
		t.Errorf("rejected batches = %v, want 1", got)
	}
	if err := n.Reject(pp.PPSeqNo); !errors.Is(err, ErrUnexpectedBatch) {
		t.Errorf("second Reject error = %v", err)
	}
}

func TestPipelinedBatches_CommitInOrder(t *testing.T) {
	n := newTestNode(t)
	faucet := config.TestnetFaucetKey()
	bobKey := mustKey(t)
	bob := request.AddressOf(bobKey)
	carol := request.AddressOf(mustKey(t))

	if err := n.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}
	pp1, err := n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}

	// Batch 2 spends the output batch 1 created at token seq_no 2.
	if err := n.SubmitRequest(xfer(t, 2, bobKey, 2, carol, faucetAmount-2)); err != nil {
		t.Fatalf("SubmitRequest(batch 2): %v", err)
	}
	pp2, err := n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}
	if pp2.PPSeqNo != 2 {
		t.Fatalf("pp2 seq = %d", pp2.PPSeqNo)
	}

	ord2, err := n.Order(pp2.PPSeqNo)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Commit(ord2); !errors.Is(err, ErrUnexpectedBatch) {
		t.Fatalf("Commit(2) before 1 error = %v", err)
	}
	if err := n.Reject(pp1.PPSeqNo); !errors.Is(err, ErrUnexpectedBatch) {
		t.Fatalf("Reject(1) under 2 error = %v", err)
	}

	ord1, err := n.Order(pp1.PPSeqNo)
	if err != nil {
		t.Fatal(err)
	}
	bad := *ord1
	bad.FeeDigest = "00"
	if err := n.Commit(&bad); !errors.Is(err, threepc.ErrFeeTxnMismatch) {
		t.Fatalf("Commit with wrong fee digest error = %v", err)
	}
	if err := n.Commit(ord1); err != nil {
		t.Fatalf("Commit(1): %v", err)
	}
	if err := n.Commit(ord2); err != nil {
		t.Fatalf("Commit(2): %v", err)
	}

	if got := balance(t, n, carol); got != faucetAmount-2 {
		t.Errorf("carol balance = %d", got)
	}
	token, _ := n.Ledger(ledger.TokenLedgerID)
	if token.Size() != 3 {
		t.Errorf("token size = %d, want 3", token.Size())
	}
	if _, err := n.Order(9); !errors.Is(err, ErrUnexpectedBatch) {
		t.Errorf("Order(9) error = %v", err)
	}
}

func TestOpen_BadgerPersists(t *testing.T) {
	cfg := config.DefaultTestnet()
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "disabled"
	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatal(err)
	}

	n, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	faucet := config.TestnetFaucetKey()
	bob := request.AddressOf(mustKey(t))
	if err := n.SubmitRequest(xfer(t, 1, faucet, 1, bob, faucetAmount-1)); err != nil {
		t.Fatal(err)
	}
	pp, err := n.Propose(ledger.TokenLedgerID)
	if err != nil {
		t.Fatal(err)
	}
	orderAndCommit(t, pp.PPSeqNo, n)
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer n.Close()
	if got := balance(t, n, bob); got != faucetAmount-1 {
		t.Errorf("bob balance after reopen = %d", got)
	}
	if n.LastPPSeqNo() != 1 {
		t.Errorf("LastPPSeqNo after reopen = %d, want 1", n.LastPPSeqNo())
	}
	token, _ := n.Ledger(ledger.TokenLedgerID)
	if token.Size() != 2 {
		t.Errorf("token size after reopen = %d, want 2", token.Size())
	}
}

func TestOpen_MainnetNeedsGenesisFile(t *testing.T) {
	cfg := config.DefaultMainnet()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Log.Level = "disabled"
	if _, err := Open(cfg); !errors.Is(err, config.ErrNoBuiltinGenesis) {
		t.Fatalf("Open error = %v, want ErrNoBuiltinGenesis", err)
	}
}

func TestIntegrate(t *testing.T) {
	if _, err := Integrate(Components{}); err == nil {
		t.Fatal("expected error for missing components")
	}

	db := storage.NewMemory()
	st := state.New(storage.NewPrefixDB(db, prefixState))
	tokenLedger, err := ledger.Open(ledger.TokenLedgerID, storage.NewPrefixDB(db, prefixTokenLedger))
	if err != nil {
		t.Fatal(err)
	}
	configLedger, err := ledger.Open(ledger.ConfigLedgerID, storage.NewPrefixDB(db, prefixConfigLedger))
	if err != nil {
		t.Fatal(err)
	}
	registry, err := auth.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := Integrate(Components{
		State:        st,
		TokenLedger:  tokenLedger,
		ConfigLedger: configLedger,
		Auth:         auth.NewAuthenticator(registry, crypto.SchnorrVerifier{}, 1),
	})
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if !eng.Tokens.SkipsBalanceCheck() {
		t.Error("token handler must delegate the balance check")
	}
	if got := len(eng.Hooks.RequestHandlers(hooks.PreSigVerification)); got != 2 {
		t.Errorf("pre-sig handlers = %d, want 2", got)
	}
	if got := eng.Hooks.RequestHandlers(hooks.PostBatchCommitted); len(got) != 1 || got[0] != eng.Fees {
		t.Errorf("post-batch-committed handlers = %v", got)
	}
	if got := eng.Hooks.ReplicaHandlers(hooks.ApplyPPR); len(got) != 1 || got[0] != eng.Injector {
		t.Errorf("apply-ppr handlers = %v", got)
	}
}
