// Package hooks defines the points at which plugins extend request and
// replica processing, and an ordered registry of handlers per point.
package hooks

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/internal/threepc"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// RequestHook is a point in request and batch processing.
type RequestHook int

// Request hook points.
const (
	PreSigVerification RequestHook = iota
	PreDynamicValidation
	PostRequestApplication
	PostRequestCommit
	PostBatchCreated
	PostBatchRejected
	PostBatchCommitted
)

var requestHookNames = [...]string{
	"PRE_SIG_VERIFICATION",
	"PRE_DYNAMIC_VALIDATION",
	"POST_REQUEST_APPLICATION",
	"POST_REQUEST_COMMIT",
	"POST_BATCH_CREATED",
	"POST_BATCH_REJECTED",
	"POST_BATCH_COMMITTED",
}

func (h RequestHook) String() string {
	if int(h) < len(requestHookNames) {
		return requestHookNames[h]
	}
	return fmt.Sprintf("RequestHook(%d)", int(h))
}

// ReplicaHook is a point in three-phase message handling.
type ReplicaHook int

// Replica hook points.
const (
	CreatePPR ReplicaHook = iota
	CreatePR
	CreateOrd
	ApplyPPR
)

var replicaHookNames = [...]string{"CREATE_PPR", "CREATE_PR", "CREATE_ORD", "APPLY_PPR"}

func (h ReplicaHook) String() string {
	if int(h) < len(replicaHookNames) {
		return replicaHookNames[h]
	}
	return fmt.Sprintf("ReplicaHook(%d)", int(h))
}

// RequestHandler handles request hook points.
type RequestHandler interface {
	PreSigVerification(req *request.Request) error
	PreDynamicValidation(req *request.Request) error
	PostRequestApplication(req *request.Request, ppSeqNo uint64) error
	PostRequestCommit(req *request.Request) error
	PostBatchCreated(ppSeqNo uint64) error
	PostBatchRejected(ppSeqNo uint64) error
	PostBatchCommitted(ppSeqNo uint64) error
}

// ReplicaHandler handles replica hook points.
type ReplicaHandler interface {
	AddToPrePrepare(pp *threepc.PrePrepare) error
	AddToPrepare(pr *threepc.Prepare, pp *threepc.PrePrepare) error
	AddToOrdered(ord *threepc.Ordered, pp *threepc.PrePrepare) error
	CheckRecvdPrePrepare(pp *threepc.PrePrepare) error
}

// RequestFuncs adapts plain functions to RequestHandler. Nil fields are no-ops.
type RequestFuncs struct {
	PreSigVerificationFunc     func(*request.Request) error
	PreDynamicValidationFunc   func(*request.Request) error
	PostRequestApplicationFunc func(*request.Request, uint64) error
	PostRequestCommitFunc      func(*request.Request) error
	PostBatchCreatedFunc       func(uint64) error
	PostBatchRejectedFunc      func(uint64) error
	PostBatchCommittedFunc     func(uint64) error
}

func (f RequestFuncs) PreSigVerification(req *request.Request) error {
	if f.PreSigVerificationFunc == nil {
		return nil
	}
	return f.PreSigVerificationFunc(req)
}

func (f RequestFuncs) PreDynamicValidation(req *request.Request) error {
	if f.PreDynamicValidationFunc == nil {
		return nil
	}
	return f.PreDynamicValidationFunc(req)
}

func (f RequestFuncs) PostRequestApplication(req *request.Request, ppSeqNo uint64) error {
	if f.PostRequestApplicationFunc == nil {
		return nil
	}
	return f.PostRequestApplicationFunc(req, ppSeqNo)
}

func (f RequestFuncs) PostRequestCommit(req *request.Request) error {
	if f.PostRequestCommitFunc == nil {
		return nil
	}
	return f.PostRequestCommitFunc(req)
}

func (f RequestFuncs) PostBatchCreated(ppSeqNo uint64) error {
	if f.PostBatchCreatedFunc == nil {
		return nil
	}
	return f.PostBatchCreatedFunc(ppSeqNo)
}

func (f RequestFuncs) PostBatchRejected(ppSeqNo uint64) error {
	if f.PostBatchRejectedFunc == nil {
		return nil
	}
	return f.PostBatchRejectedFunc(ppSeqNo)
}

func (f RequestFuncs) PostBatchCommitted(ppSeqNo uint64) error {
	if f.PostBatchCommittedFunc == nil {
		return nil
	}
	return f.PostBatchCommittedFunc(ppSeqNo)
}

// Registry holds handlers per hook point in registration order. It is
// populated during node setup and read-only afterwards.
type Registry struct {
	request map[RequestHook][]RequestHandler
	replica map[ReplicaHook][]ReplicaHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		request: make(map[RequestHook][]RequestHandler),
		replica: make(map[ReplicaHook][]ReplicaHandler),
	}
}

// RegisterRequest adds h at the given points, or at every request point
// when none are given.
func (r *Registry) RegisterRequest(h RequestHandler, points ...RequestHook) {
	if len(points) == 0 {
		for p := range requestHookNames {
			points = append(points, RequestHook(p))
		}
	}
	for _, p := range points {
		r.request[p] = append(r.request[p], h)
	}
}

// RegisterReplica adds h at the given points, or at every replica point
// when none are given.
func (r *Registry) RegisterReplica(h ReplicaHandler, points ...ReplicaHook) {
	if len(points) == 0 {
		for p := range replicaHookNames {
			points = append(points, ReplicaHook(p))
		}
	}
	for _, p := range points {
		r.replica[p] = append(r.replica[p], h)
	}
}

// RequestHandlers returns the handlers registered at p.
func (r *Registry) RequestHandlers(p RequestHook) []RequestHandler {
	return r.request[p]
}

// ReplicaHandlers returns the handlers registered at p.
func (r *Registry) ReplicaHandlers(p ReplicaHook) []ReplicaHandler {
	return r.replica[p]
}

func (r *Registry) runRequest(p RequestHook, fn func(RequestHandler) error) error {
	for _, h := range r.request[p] {
		if err := fn(h); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (r *Registry) runReplica(p ReplicaHook, fn func(ReplicaHandler) error) error {
	for _, h := range r.replica[p] {
		if err := fn(h); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// RunPreSigVerification stops at the first failing handler.
func (r *Registry) RunPreSigVerification(req *request.Request) error {
	return r.runRequest(PreSigVerification, func(h RequestHandler) error { return h.PreSigVerification(req) })
}

// RunPreDynamicValidation stops at the first failing handler.
func (r *Registry) RunPreDynamicValidation(req *request.Request) error {
	return r.runRequest(PreDynamicValidation, func(h RequestHandler) error { return h.PreDynamicValidation(req) })
}

// RunPostRequestApplication stops at the first failing handler.
func (r *Registry) RunPostRequestApplication(req *request.Request, ppSeqNo uint64) error {
	return r.runRequest(PostRequestApplication, func(h RequestHandler) error { return h.PostRequestApplication(req, ppSeqNo) })
}

// RunPostRequestCommit stops at the first failing handler.
func (r *Registry) RunPostRequestCommit(req *request.Request) error {
	return r.runRequest(PostRequestCommit, func(h RequestHandler) error { return h.PostRequestCommit(req) })
}

// RunPostBatchCreated stops at the first failing handler.
func (r *Registry) RunPostBatchCreated(ppSeqNo uint64) error {
	return r.runRequest(PostBatchCreated, func(h RequestHandler) error { return h.PostBatchCreated(ppSeqNo) })
}

// RunPostBatchRejected runs every handler, so each one discards its own
// state, and joins their errors.
func (r *Registry) RunPostBatchRejected(ppSeqNo uint64) error {
	var errs []error
	for _, h := range r.request[PostBatchRejected] {
		if err := h.PostBatchRejected(ppSeqNo); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", PostBatchRejected, err)
	}
	return nil
}

// RunPostBatchCommitted stops at the first failing handler.
func (r *Registry) RunPostBatchCommitted(ppSeqNo uint64) error {
	return r.runRequest(PostBatchCommitted, func(h RequestHandler) error { return h.PostBatchCommitted(ppSeqNo) })
}

// RunCreatePPR lets handlers add to an outgoing PrePrepare.
func (r *Registry) RunCreatePPR(pp *threepc.PrePrepare) error {
	return r.runReplica(CreatePPR, func(h ReplicaHandler) error { return h.AddToPrePrepare(pp) })
}

// RunCreatePR lets handlers add to an outgoing Prepare.
func (r *Registry) RunCreatePR(pr *threepc.Prepare, pp *threepc.PrePrepare) error {
	return r.runReplica(CreatePR, func(h ReplicaHandler) error { return h.AddToPrepare(pr, pp) })
}

// RunCreateOrd lets handlers add to an Ordered message.
func (r *Registry) RunCreateOrd(ord *threepc.Ordered, pp *threepc.PrePrepare) error {
	return r.runReplica(CreateOrd, func(h ReplicaHandler) error { return h.AddToOrdered(ord, pp) })
}

// RunApplyPPR lets handlers check a received PrePrepare.
func (r *Registry) RunApplyPPR(pp *threepc.PrePrepare) error {
	return r.runReplica(ApplyPPR, func(h ReplicaHandler) error { return h.CheckRecvdPrePrepare(pp) })
}
