package mempool

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// ErrPolicy is returned when a request violates the pool policy.
var ErrPolicy = errors.New("request violates pool policy")

// Policy defaults.
const (
	DefaultMaxRequestSize = 100_000 // bytes of SigningBytes
	DefaultMaxInputs      = 2500
	DefaultMaxOutputs     = 2500
)

// Policy defines request acceptance rules.
type Policy struct {
	MaxRequestSize int // Maximum request size in signing bytes.
	MaxInputs      int // Maximum inputs, fee inputs included.
	MaxOutputs     int // Maximum outputs, fee change included.
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRequestSize: DefaultMaxRequestSize,
		MaxInputs:      DefaultMaxInputs,
		MaxOutputs:     DefaultMaxOutputs,
	}
}

// Check validates a request against policy rules.
// Policy rules can vary per node and are checked before signatures.
func (p *Policy) Check(req *request.Request) error {
	size := len(req.SigningBytes())
	if p.MaxRequestSize > 0 && size > p.MaxRequestSize {
		return fmt.Errorf("%w: request too large: %d bytes, max %d", ErrPolicy, size, p.MaxRequestSize)
	}
	inputs, outputs := len(req.Operation.Inputs), len(req.Operation.Outputs)
	if req.Fees != nil {
		inputs += len(req.Fees.Inputs)
		outputs += len(req.Fees.Outputs)
	}
	if p.MaxInputs > 0 && inputs > p.MaxInputs {
		return fmt.Errorf("%w: too many inputs: %d, max %d", ErrPolicy, inputs, p.MaxInputs)
	}
	if p.MaxOutputs > 0 && outputs > p.MaxOutputs {
		return fmt.Errorf("%w: too many outputs: %d, max %d", ErrPolicy, outputs, p.MaxOutputs)
	}
	return nil
}
