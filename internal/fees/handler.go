// Package fees implements fee settlement for the token ledger: the fee
// schedule, validation of set_fees requests, the can-pay check, deduction
// of fees from UTXO inputs and the batch lifecycle of the speculative state.
package fees

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// Authorizer authorizes privileged requests such as set_fees.
type Authorizer interface {
	AuthorizeTrustees(req *request.Request) error
}

// Recorder observes committed fees.
type Recorder interface {
	FeeCollected(txnType string, amount uint64)
}

type nopRecorder struct{}

func (nopRecorder) FeeCollected(string, uint64) {}

// Options configures a Handler.
type Options struct {
	// EligibleTypes lists the txn types set_fees may price. Defaults to
	// request.DefaultFeeEligibleTypes.
	EligibleTypes []string
	Recorder      Recorder
}

// Handler settles fees against the UTXO set. It owns the batch lifecycle
// of the shared state and of the token and config ledgers.
type Handler struct {
	st           *state.Store
	schedule     *Schedule
	utxos        *utxo.Cache
	tokenLedger  *ledger.Ledger
	configLedger *ledger.Ledger
	auth         Authorizer
	eligible     map[string]struct{}
	rec          Recorder
}

// NewHandler creates a fee handler.
func NewHandler(st *state.Store, tokenLedger, configLedger *ledger.Ledger, auth Authorizer, opts Options) *Handler {
	types := opts.EligibleTypes
	if len(types) == 0 {
		types = request.DefaultFeeEligibleTypes
	}
	eligible := make(map[string]struct{}, len(types))
	for _, t := range types {
		eligible[t] = struct{}{}
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Handler{
		st:           st,
		schedule:     NewSchedule(st),
		utxos:        utxo.NewCache(st),
		tokenLedger:  tokenLedger,
		configLedger: configLedger,
		auth:         auth,
		eligible:     eligible,
		rec:          rec,
	}
}

// Schedule returns the fee schedule store.
func (h *Handler) Schedule() *Schedule {
	return h.schedule
}

// StaticValidation checks the shape of set_fees payloads and of attached
// fee sections. It reads no state.
func (h *Handler) StaticValidation(req *request.Request) error {
	switch req.Type() {
	case request.TypeSetFees:
		fees, err := request.DecodeFees(req.Operation.Fees)
		if err != nil {
			return err
		}
		for _, txnType := range sortedTypes(fees) {
			if _, ok := h.eligible[txnType]; !ok {
				return fmt.Errorf("%w: set_fees -- Fees are not allowed for txn type %s",
					request.ErrInvalidRequest, txnType)
			}
		}
		return nil
	case request.TypeGetFees:
		return nil
	}

	if req.Fees != nil && !req.IsXfer() {
		if err := request.ValidateInputs("fees.inputs", req.Fees.Inputs); err != nil {
			return err
		}
		if err := request.ValidateOutputs("fees.outputs", req.Fees.Outputs, false); err != nil {
			return err
		}
	}
	return nil
}

// Validate authorizes set_fees against the trustee threshold. Other types
// need no dynamic validation here.
func (h *Handler) Validate(req *request.Request) error {
	if req.Type() != request.TypeSetFees {
		return nil
	}
	return h.auth.AuthorizeTrustees(req)
}

// settlement is the outcome of a successful can-pay check.
type settlement struct {
	inputs  []utxo.Output
	outputs []request.Output
	fee     uint64
}

func (h *Handler) settle(req *request.Request) (*settlement, error) {
	required, configured, err := h.schedule.Get(req.Type())
	if err != nil {
		return nil, err
	}
	xfer := req.IsXfer()

	if !xfer && !req.HasFeeSection() {
		// A fee configured at zero requires no fee section.
		if configured && required > 0 {
			return nil, fmt.Errorf("%w: fees are required for this txn type", ErrInvalidFunds)
		}
		return &settlement{}, nil
	}

	funding := req.FundingInputs()
	inputs := make([]utxo.Output, 0, len(funding))
	for _, in := range funding {
		out, ok, err := h.utxos.Get(utxo.Outpoint{Address: in.Address, SeqNo: in.SeqNo})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: non-existent input %s:%d", ErrInvalidFunds, in.Address, in.SeqNo)
		}
		inputs = append(inputs, out)
	}

	sumIn, err := utxo.SumValues(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: input sum: %v", ErrInvalidFunds, err)
	}
	outputs := req.FundingOutputs()
	var sumOut uint64
	for _, o := range outputs {
		if o.Amount > math.MaxUint64-sumOut {
			return nil, fmt.Errorf("%w: output sum overflows", ErrInvalidFunds)
		}
		sumOut += o.Amount
	}

	if !configured {
		if !xfer {
			return nil, fmt.Errorf("%w: fees are not allowed for this txn type", ErrExtraFunds)
		}
		required = 0
	}

	switch {
	case sumOut > sumIn || sumIn-sumOut < required:
		return nil, fmt.Errorf("%w: inputs %d, outputs %d, fee %d", ErrInsufficientFunds, sumIn, sumOut, required)
	case sumIn-sumOut > required:
		if !configured {
			return nil, fmt.Errorf("%w: fees are not allowed for this txn type", ErrExtraFunds)
		}
		return nil, fmt.Errorf("%w: inputs %d, outputs %d, fee %d", ErrExtraFunds, sumIn, sumOut, required)
	}
	return &settlement{inputs: inputs, outputs: outputs, fee: required}, nil
}

// CanPayFees checks that the request settles its fee exactly. It does not
// modify state.
func (h *Handler) CanPayFees(req *request.Request) error {
	_, err := h.settle(req)
	return err
}

// bearsFees reports whether req pays through an attached fee section.
func bearsFees(req *request.Request) bool {
	return !req.IsXfer() && req.HasFeeSection()
}

// Apply applies a set_fees request or the fee section of a fee-bearing
// request in the current batch. The target ledger assigns the txn seq_no;
// ppSeqNo identifies the ordering batch. Returns the ledger's uncommitted
// size.
func (h *Handler) Apply(req *request.Request, ppSeqNo uint64) (uint64, error) {
	if req.Type() == request.TypeSetFees {
		return h.applySetFees(req, ppSeqNo)
	}
	if !bearsFees(req) {
		return 0, fmt.Errorf("%w: %s request carries no fees", request.ErrInvalidRequest, req.Type())
	}
	return h.applyFees(req, ppSeqNo)
}

func (h *Handler) applySetFees(req *request.Request, ppSeqNo uint64) (uint64, error) {
	fees, err := request.DecodeFees(req.Operation.Fees)
	if err != nil {
		return 0, err
	}
	if err := h.schedule.Set(fees); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(fees)
	if err != nil {
		return 0, fmt.Errorf("set_fees marshal: %w", err)
	}
	size, err := h.configLedger.Append(&ledger.Txn{
		SeqNo:     h.configLedger.NextSeqNo(),
		Type:      request.TypeSetFees,
		ReqDigest: req.Digest(),
		PPSeqNo:   ppSeqNo,
		Payload:   payload,
	})
	if err != nil {
		return 0, fmt.Errorf("append set_fees: %w", err)
	}
	log.Fees.Info().Int("types", len(fees)).Uint64("seq_no", size).Msg("Fee schedule updated")
	return size, nil
}

func (h *Handler) applyFees(req *request.Request, ppSeqNo uint64) (uint64, error) {
	s, err := h.settle(req)
	if err != nil {
		return 0, err
	}
	seqNo := h.tokenLedger.NextSeqNo()

	entry := &Entry{
		ReqDigest: req.Digest(),
		TxnType:   req.Type(),
		SeqNo:     seqNo,
		Amount:    s.fee,
	}
	for _, in := range s.inputs {
		if _, err := h.utxos.Spend(in.Outpoint()); err != nil {
			return 0, fmt.Errorf("deduct fees: %w", err)
		}
		entry.Inputs = append(entry.Inputs, in.Outpoint())
	}
	for _, o := range s.outputs {
		out := utxo.Output{Address: o.Address, SeqNo: seqNo, Value: o.Amount}
		if err := h.utxos.Create(out); err != nil {
			return 0, fmt.Errorf("deduct fees: %w", err)
		}
		entry.Outputs = append(entry.Outputs, out)
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("fee txn marshal: %w", err)
	}
	size, err := h.tokenLedger.Append(&ledger.Txn{
		SeqNo:     seqNo,
		Type:      request.TypeFeeTxn,
		ReqDigest: entry.ReqDigest,
		PPSeqNo:   ppSeqNo,
		Payload:   payload,
	})
	if err != nil {
		return 0, fmt.Errorf("append fee txn: %w", err)
	}
	if err := putEntry(h.st, entry); err != nil {
		return 0, err
	}
	log.Fees.Debug().Str("req", entry.ReqDigest).Str("type", entry.TxnType).
		Uint64("fee", entry.Amount).Uint64("seq_no", seqNo).Msg("Fees deducted")
	return size, nil
}

// DeductFees settles the fee of an applied request. A transfer has already
// been applied by the token handler, so only its fee entry is recorded;
// fee-bearing requests of other ledgers get their fee section applied.
func (h *Handler) DeductFees(req *request.Request, ppSeqNo uint64) error {
	switch {
	case req.IsXfer():
		return h.recordXferFee(req)
	case bearsFees(req):
		_, err := h.Apply(req, ppSeqNo)
		return err
	default:
		return nil
	}
}

func (h *Handler) recordXferFee(req *request.Request) error {
	required, configured, err := h.schedule.Get(req.Type())
	if err != nil {
		return err
	}
	if !configured || required == 0 {
		return nil
	}
	seqNo := h.tokenLedger.UncommittedSize()
	txn, err := h.tokenLedger.Get(seqNo)
	if err != nil {
		return fmt.Errorf("locate xfer txn: %w", err)
	}
	if txn.ReqDigest != req.Digest() {
		return fmt.Errorf("locate xfer txn: last token txn %d belongs to %s", seqNo, txn.ReqDigest)
	}

	entry := &Entry{
		ReqDigest: txn.ReqDigest,
		TxnType:   req.Type(),
		SeqNo:     seqNo,
		Amount:    required,
	}
	for _, in := range req.Operation.Inputs {
		entry.Inputs = append(entry.Inputs, utxo.Outpoint{Address: in.Address, SeqNo: in.SeqNo})
	}
	for _, o := range req.Operation.Outputs {
		entry.Outputs = append(entry.Outputs, utxo.Output{Address: o.Address, SeqNo: seqNo, Value: o.Amount})
	}
	return putEntry(h.st, entry)
}

// Entry returns the fee entry recorded for the request with the given
// digest, as seen through all open batches.
func (h *Handler) Entry(digest string) (*Entry, bool, error) {
	return getEntry(h.st, digest)
}

// CommitFeeTxns reports the committed fee of req.
func (h *Handler) CommitFeeTxns(req *request.Request) error {
	entry, ok, err := h.Entry(req.Digest())
	if err != nil || !ok {
		return err
	}
	h.rec.FeeCollected(entry.TxnType, entry.Amount)
	log.Fees.Debug().Str("req", entry.ReqDigest).Uint64("fee", entry.Amount).Msg("Fee committed")
	return nil
}

// GetFees answers a get_fees read from the committed schedule.
func (h *Handler) GetFees(req *request.Request) (map[string]uint64, error) {
	if req.Type() != request.TypeGetFees {
		return nil, fmt.Errorf("%w: not a get_fees request", request.ErrInvalidRequest)
	}
	return h.schedule.Committed()
}

// PostBatchCreated opens a speculative layer for a new batch.
func (h *Handler) PostBatchCreated(ppSeqNo uint64) error {
	h.st.Begin()
	h.tokenLedger.Begin()
	h.configLedger.Begin()
	log.Fees.Debug().Uint64("pp_seq_no", ppSeqNo).Int("depth", h.st.Depth()).Msg("Batch created")
	return nil
}

// PostBatchRejected discards the newest batch, restoring the state,
// schedule and ledgers to their pre-batch snapshot.
func (h *Handler) PostBatchRejected(ppSeqNo uint64) error {
	err := errors.Join(
		h.st.Revert(),
		h.tokenLedger.Revert(),
		h.configLedger.Revert(),
	)
	if err != nil {
		return fmt.Errorf("reject batch %d: %w", ppSeqNo, err)
	}
	log.Fees.Info().Uint64("pp_seq_no", ppSeqNo).Msg("Batch rejected")
	return nil
}

// PostBatchCommitted persists the oldest batch of the state and of both
// ledgers in one storage batch. On failure nothing is persisted and the
// batch stays open, to be committed again or rejected.
func (h *Handler) PostBatchCommitted(ppSeqNo uint64) error {
	db := storage.Base(h.st.DB())
	if storage.Base(h.tokenLedger.DB()) != db || storage.Base(h.configLedger.DB()) != db {
		return fmt.Errorf("commit batch %d: %w", ppSeqNo, ErrSplitStorage)
	}
	batch := storage.NewBatch(db)
	stage := func(what string, err error) error {
		if err != nil {
			batch.Cancel()
			return fmt.Errorf("commit batch %d: %s: %w", ppSeqNo, what, err)
		}
		return nil
	}
	if err := stage("state", h.st.Stage(batch)); err != nil {
		return err
	}
	if err := stage("token ledger", h.tokenLedger.Stage(batch)); err != nil {
		return err
	}
	if err := stage("config ledger", h.configLedger.Stage(batch)); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit batch %d: %w", ppSeqNo, err)
	}

	// The storage batch is durable; release the in-memory layers.
	if err := h.st.Advance(); err != nil {
		return fmt.Errorf("commit batch %d: state: %w", ppSeqNo, err)
	}
	tokenTxns, err := h.tokenLedger.Advance()
	if err != nil {
		return fmt.Errorf("commit batch %d: token ledger: %w", ppSeqNo, err)
	}
	configTxns, err := h.configLedger.Advance()
	if err != nil {
		return fmt.Errorf("commit batch %d: config ledger: %w", ppSeqNo, err)
	}
	log.Fees.Info().Uint64("pp_seq_no", ppSeqNo).Int("token_txns", len(tokenTxns)).
		Int("config_txns", len(configTxns)).Msg("Batch committed")
	return nil
}

// Hook adapters.

// PreSigVerification is a no-op for fees.
func (h *Handler) PreSigVerification(*request.Request) error { return nil }

// PreDynamicValidation runs the can-pay check.
func (h *Handler) PreDynamicValidation(req *request.Request) error { return h.CanPayFees(req) }

// PostRequestApplication deducts fees.
func (h *Handler) PostRequestApplication(req *request.Request, ppSeqNo uint64) error {
	return h.DeductFees(req, ppSeqNo)
}

// PostRequestCommit reports committed fees.
func (h *Handler) PostRequestCommit(req *request.Request) error { return h.CommitFeeTxns(req) }

func sortedTypes(fees map[string]uint64) []string {
	keys := make([]string, 0, len(fees))
	for k := range fees {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
