package node

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/internal/threepc"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// ErrUnexpectedBatch is returned when a three-phase message does not refer
// to the batch the node expects next.
var ErrUnexpectedBatch = errors.New("unexpected batch")

// Request rejection stages.
const (
	stagePolicy    = "policy"
	stageSignature = "signature"
	stageStatic    = "static"
	stageDynamic   = "dynamic"
	stageFees      = "fees"
	stagePool      = "pool"
)

// SubmitRequest validates a write request and pools it for the next
// proposal on its ledger. Checks run in pipeline order: pool policy,
// signatures, static validation, dynamic validation, the can-pay check,
// then pool admission.
func (n *Node) SubmitRequest(req *request.Request) error {
	ledgerID, ok := ledgerFor(req.Type())
	if !ok {
		return n.rejectRequest(stageStatic, req,
			fmt.Errorf("%w: %s is not a write request", request.ErrInvalidRequest, req.Type()))
	}
	if err := n.policy.Check(req); err != nil {
		return n.rejectRequest(stagePolicy, req, err)
	}
	if stage, err := n.checkRequest(req); err != nil {
		return n.rejectRequest(stage, req, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if stage, err := n.validate(req); err != nil {
		return n.rejectRequest(stage, req, err)
	}
	fee, err := n.scheduledFee(req)
	if err != nil {
		return n.rejectRequest(stageFees, req, err)
	}
	if err := n.pool.Add(req, ledgerID, fee); err != nil {
		return n.rejectRequest(stagePool, req, err)
	}
	n.logger.Debug().Str("req", req.Digest()).Str("type", req.Type()).
		Str("ledger", ledgerName(ledgerID)).Uint64("fee", fee).Msg("Request pooled")
	return nil
}

// scheduledFee returns the fee the current schedule charges req, zero for
// requests that bear no fee.
func (n *Node) scheduledFee(req *request.Request) (uint64, error) {
	if req.Type() == request.TypeSetFees || req.Type() == request.TypeMintPublic {
		return 0, nil
	}
	fee, _, err := n.engine.Fees.Schedule().Get(req.Type())
	return fee, err
}

// Read answers get_fees and get_utxo from state.
func (n *Node) Read(req *request.Request) (any, error) {
	if !isRead(req.Type()) {
		return nil, fmt.Errorf("%w: %s is not a read request", request.ErrInvalidRequest, req.Type())
	}
	if err := n.staticValidation(req); err != nil {
		return nil, err
	}
	if req.Type() == request.TypeGetFees {
		return n.engine.Fees.GetFees(req)
	}
	return n.engine.Tokens.GetUTXO(req)
}

// Propose builds, applies and returns the next batch from the requests
// pooled for ledgerID, highest fee rate first. Requests that no longer
// validate against the speculative state are dropped from the pool.
// Returns nil when nothing is left to order.
func (n *Node) Propose(ledgerID int) (*threepc.PrePrepare, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer klog.Benchmark("propose")()

	reqs := n.pool.Select(ledgerID, n.batchSize)
	if len(reqs) == 0 {
		return nil, nil
	}

	pp := &threepc.PrePrepare{
		ViewNo:   n.viewNo,
		PPSeqNo:  n.lastPPSeqNo + 1,
		LedgerID: ledgerID,
	}
	h := n.engine.Hooks
	if err := h.RunPostBatchCreated(pp.PPSeqNo); err != nil {
		return nil, err
	}
	// Selected requests leave the pool only once their batch is open.
	n.pool.RemoveAll(reqs)
	for _, req := range reqs {
		if stage, err := n.validate(req); err != nil {
			_ = n.rejectRequest(stage, req, err)
			continue
		}
		if err := n.applyRequest(req, pp.PPSeqNo); err != nil {
			return nil, n.abortBatch(pp.PPSeqNo, err)
		}
		pp.Requests = append(pp.Requests, req)
	}
	if len(pp.Requests) == 0 {
		return nil, n.abortBatch(pp.PPSeqNo, nil)
	}
	if err := h.RunCreatePPR(pp); err != nil {
		return nil, n.abortBatch(pp.PPSeqNo, err)
	}

	n.lastPPSeqNo = pp.PPSeqNo
	n.pending = append(n.pending, pp)
	n.logger.Info().Uint64("pp_seq_no", pp.PPSeqNo).Str("ledger", ledgerName(ledgerID)).
		Int("requests", len(pp.Requests)).Str("fee_digest", pp.FeeDigest).Msg("Batch proposed")
	return pp, nil
}

// Receive applies a batch proposed by the primary and re-derives its fee
// transaction. On any failure the batch is rejected and no Prepare is
// returned.
func (n *Node) Receive(pp *threepc.PrePrepare) (*threepc.Prepare, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer klog.Benchmark("receive")()

	if pp.PPSeqNo != n.lastPPSeqNo+1 {
		return nil, fmt.Errorf("%w: pp_seq_no %d, expected %d", ErrUnexpectedBatch, pp.PPSeqNo, n.lastPPSeqNo+1)
	}
	if _, ok := n.ledgers[pp.LedgerID]; !ok {
		return nil, fmt.Errorf("%w: unknown ledger %d", ErrUnexpectedBatch, pp.LedgerID)
	}

	h := n.engine.Hooks
	if err := h.RunPostBatchCreated(pp.PPSeqNo); err != nil {
		return nil, err
	}
	for _, req := range pp.Requests {
		if id, ok := ledgerFor(req.Type()); !ok || id != pp.LedgerID {
			return nil, n.abortBatch(pp.PPSeqNo,
				fmt.Errorf("%w: %s request in %s batch", request.ErrInvalidRequest, req.Type(), ledgerName(pp.LedgerID)))
		}
		if _, err := n.checkRequest(req); err != nil {
			return nil, n.abortBatch(pp.PPSeqNo, err)
		}
		if _, err := n.validate(req); err != nil {
			return nil, n.abortBatch(pp.PPSeqNo, err)
		}
		if err := n.applyRequest(req, pp.PPSeqNo); err != nil {
			return nil, n.abortBatch(pp.PPSeqNo, err)
		}
	}
	if err := h.RunApplyPPR(pp); err != nil {
		if errors.Is(err, threepc.ErrFeeTxnMismatch) && n.metrics != nil {
			n.metrics.FeeTxnMismatch()
		}
		n.logger.Warn().Err(err).Uint64("pp_seq_no", pp.PPSeqNo).Msg("PrePrepare rejected")
		return nil, n.abortBatch(pp.PPSeqNo, err)
	}

	pr := &threepc.Prepare{ViewNo: pp.ViewNo, PPSeqNo: pp.PPSeqNo, Digest: pp.Digest()}
	if err := h.RunCreatePR(pr, pp); err != nil {
		return nil, n.abortBatch(pp.PPSeqNo, err)
	}

	n.viewNo = pp.ViewNo
	n.lastPPSeqNo = pp.PPSeqNo
	n.pending = append(n.pending, pp)
	return pr, nil
}

// Order returns the Ordered message of an applied batch.
func (n *Node) Order(ppSeqNo uint64) (*threepc.Ordered, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var pp *threepc.PrePrepare
	for _, p := range n.pending {
		if p.PPSeqNo == ppSeqNo {
			pp = p
			break
		}
	}
	if pp == nil {
		return nil, fmt.Errorf("%w: batch %d is not pending", ErrUnexpectedBatch, ppSeqNo)
	}

	ord := &threepc.Ordered{
		ViewNo:     pp.ViewNo,
		PPSeqNo:    pp.PPSeqNo,
		LedgerID:   pp.LedgerID,
		ReqDigests: make([]string, len(pp.Requests)),
	}
	for i, req := range pp.Requests {
		ord.ReqDigests[i] = req.Digest()
	}
	if err := n.engine.Hooks.RunCreateOrd(ord, pp); err != nil {
		return nil, err
	}
	return ord, nil
}

// Commit persists the oldest pending batch, which ord must refer to.
func (n *Node) Commit(ord *threepc.Ordered) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer klog.Benchmark("commit")()

	if len(n.pending) == 0 || n.pending[0].PPSeqNo != ord.PPSeqNo {
		return fmt.Errorf("%w: cannot commit batch %d out of order", ErrUnexpectedBatch, ord.PPSeqNo)
	}
	pp := n.pending[0]
	if ord.FeeDigest != pp.FeeDigest {
		return fmt.Errorf("%w: ordered fee digest %q, applied %q", threepc.ErrFeeTxnMismatch, ord.FeeDigest, pp.FeeDigest)
	}

	h := n.engine.Hooks
	n.pool.RemoveAll(pp.Requests)
	for _, req := range pp.Requests {
		if err := h.RunPostRequestCommit(req); err != nil {
			return err
		}
	}
	if err := h.RunPostBatchCommitted(pp.PPSeqNo); err != nil {
		return err
	}
	n.pending = n.pending[1:]

	if n.metrics != nil {
		n.metrics.BatchCommitted()
	}
	n.updateSupply()
	n.logger.Info().Uint64("pp_seq_no", pp.PPSeqNo).Str("ledger", ledgerName(pp.LedgerID)).
		Int("requests", len(pp.Requests)).Msg("Batch committed")
	return nil
}

// Reject discards the newest pending batch.
func (n *Node) Reject(ppSeqNo uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	last := len(n.pending) - 1
	if last < 0 || n.pending[last].PPSeqNo != ppSeqNo {
		return fmt.Errorf("%w: only the newest batch can be rejected, got %d", ErrUnexpectedBatch, ppSeqNo)
	}
	if err := n.abortBatch(ppSeqNo, nil); err != nil {
		return err
	}
	n.pending = n.pending[:last]
	n.lastPPSeqNo = ppSeqNo - 1
	return nil
}

// checkRequest verifies signatures and request shape. It reads no state.
func (n *Node) checkRequest(req *request.Request) (string, error) {
	if err := n.engine.Hooks.RunPreSigVerification(req); err != nil {
		return stageSignature, err
	}
	if err := n.staticValidation(req); err != nil {
		return stageStatic, err
	}
	return "", nil
}

func (n *Node) staticValidation(req *request.Request) error {
	switch req.Type() {
	case request.TypeXferPublic, request.TypeMintPublic, request.TypeGetUTXO:
		if err := n.engine.Tokens.StaticValidation(req); err != nil {
			return err
		}
	case request.TypeSetFees, request.TypeGetFees:
	default:
		if _, ok := domainTypes[req.Type()]; !ok {
			return fmt.Errorf("%w: unsupported txn type %s", request.ErrInvalidRequest, req.Type())
		}
		if err := n.domain.staticValidation(req); err != nil {
			return err
		}
	}
	return n.engine.Fees.StaticValidation(req)
}

// validate runs dynamic validation and the can-pay check against the
// speculative state. It does not modify state.
func (n *Node) validate(req *request.Request) (string, error) {
	var err error
	switch req.Type() {
	case request.TypeXferPublic, request.TypeMintPublic:
		err = n.engine.Tokens.Validate(req)
	case request.TypeSetFees:
		err = n.engine.Fees.Validate(req)
	}
	if err != nil {
		return stageDynamic, err
	}
	if err := n.engine.Hooks.RunPreDynamicValidation(req); err != nil {
		return stageFees, err
	}
	return "", nil
}

func (n *Node) applyRequest(req *request.Request, ppSeqNo uint64) error {
	id, _ := ledgerFor(req.Type())
	var err error
	switch id {
	case ledger.TokenLedgerID:
		_, err = n.engine.Tokens.Apply(req, ppSeqNo)
	case ledger.ConfigLedgerID:
		_, err = n.engine.Fees.Apply(req, ppSeqNo)
	default:
		_, err = n.domain.apply(req, ppSeqNo)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", req.Digest(), err)
	}
	return n.engine.Hooks.RunPostRequestApplication(req, ppSeqNo)
}

// abortBatch rejects the newest open batch and joins any rejection error
// with cause.
func (n *Node) abortBatch(ppSeqNo uint64, cause error) error {
	err := n.engine.Hooks.RunPostBatchRejected(ppSeqNo)
	if n.metrics != nil {
		n.metrics.BatchRejected()
	}
	return errors.Join(cause, err)
}

func (n *Node) rejectRequest(stage string, req *request.Request, err error) error {
	if n.metrics != nil {
		n.metrics.RequestRejected(stage)
	}
	n.logger.Debug().Err(err).Str("stage", stage).Str("req", req.Digest()).Msg("Request rejected")
	return err
}
