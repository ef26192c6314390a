package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// ErrInvalidRequest marks structurally malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// DecodeFees parses the fees payload of a set_fees request. The payload
// must be a JSON object mapping txn types to non-negative integers.
func DecodeFees(raw json.RawMessage) (map[string]uint64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: fees -- expected types 'dict', got 'NoneType'", ErrInvalidRequest)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: fees -- malformed JSON: %v", ErrInvalidRequest, err)
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: fees -- expected types 'dict', got '%s'", ErrInvalidRequest, jsonKind(generic))
	}

	fees := make(map[string]uint64, len(obj))
	for txnType, v := range obj {
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: fees -- amount for txn type %s must be an integer, got '%s'",
				ErrInvalidRequest, txnType, jsonKind(v))
		}
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt64 {
			return nil, fmt.Errorf("%w: fees -- amount for txn type %s must be a non-negative integer, got %s",
				ErrInvalidRequest, txnType, strconv.FormatFloat(n, 'f', -1, 64))
		}
		fees[txnType] = uint64(n)
	}
	return fees, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case float64:
		return "int"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ValidateInputs checks that inputs are present and reference distinct outputs.
func ValidateInputs(field string, inputs []Input) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: %s -- at least one input is required", ErrInvalidRequest, field)
	}
	type outpoint struct {
		address string
		seqNo   uint64
	}
	seen := make(map[outpoint]struct{}, len(inputs))
	for i, in := range inputs {
		if !types.IsValidAddress(in.Address) {
			return fmt.Errorf("%w: %s[%d] -- invalid address %q", ErrInvalidRequest, field, i, in.Address)
		}
		if in.SeqNo == 0 {
			return fmt.Errorf("%w: %s[%d] -- seqNo must be positive", ErrInvalidRequest, field, i)
		}
		key := outpoint{address: in.Address, seqNo: in.SeqNo}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s[%d] -- duplicate input %s:%d", ErrInvalidRequest, field, i, in.Address, in.SeqNo)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateOutputs checks amounts and that no address is paid twice: outputs
// of one txn share its seq_no, so one address can receive only one.
func ValidateOutputs(field string, outputs []Output, required bool) error {
	if required && len(outputs) == 0 {
		return fmt.Errorf("%w: %s -- at least one output is required", ErrInvalidRequest, field)
	}
	seen := make(map[string]struct{}, len(outputs))
	for i, out := range outputs {
		if !types.IsValidAddress(out.Address) {
			return fmt.Errorf("%w: %s[%d] -- invalid address %q", ErrInvalidRequest, field, i, out.Address)
		}
		if out.Amount == 0 {
			return fmt.Errorf("%w: %s[%d] -- amount must be positive", ErrInvalidRequest, field, i)
		}
		if _, dup := seen[out.Address]; dup {
			return fmt.Errorf("%w: %s[%d] -- duplicate output address %s", ErrInvalidRequest, field, i, out.Address)
		}
		seen[out.Address] = struct{}{}
	}
	return nil
}
