package fees

import "errors"

// Client-facing settlement errors.
var (
	// ErrInvalidFunds covers missing or non-existent fee inputs and
	// arithmetic overflow.
	ErrInvalidFunds = errors.New("invalid funds")
	// ErrInsufficientFunds means inputs minus outputs is below the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrExtraFunds means inputs minus outputs exceeds the fee, or a fee
	// was paid where none is configured.
	ErrExtraFunds = errors.New("extra funds")
)

// ErrSplitStorage is returned when the state and the ledgers do not share
// one database and so cannot commit a batch atomically.
var ErrSplitStorage = errors.New("state and ledgers use different databases")
