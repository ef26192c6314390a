package node

import (
	"errors"

	"github.com/Klingon-tech/klingnet-fees/internal/auth"
	"github.com/Klingon-tech/klingnet-fees/internal/fees"
	"github.com/Klingon-tech/klingnet-fees/internal/hooks"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/threepc"
	"github.com/Klingon-tech/klingnet-fees/internal/token"
	"github.com/Klingon-tech/klingnet-fees/internal/utxo"
)

// Components are the host pieces the fee engine plugs into.
type Components struct {
	State        *state.Store
	TokenLedger  *ledger.Ledger
	ConfigLedger *ledger.Ledger
	Auth         *auth.Authenticator

	// Optional.
	EligibleTypes []string
	Recorder      fees.Recorder
}

// Integration is the wired fee engine.
type Integration struct {
	Hooks    *hooks.Registry
	Tokens   *token.Handler
	Fees     *fees.Handler
	Injector *threepc.Handler
	UTXOs    *utxo.Cache
}

// Integrate builds the token handler with the balance check delegated to
// the fee handler and registers, in order, signature verification, the fee
// handler on every request hook and the fee injector on every replica hook.
func Integrate(c Components) (*Integration, error) {
	switch {
	case c.State == nil:
		return nil, errors.New("integrate: state is required")
	case c.TokenLedger == nil:
		return nil, errors.New("integrate: token ledger is required")
	case c.ConfigLedger == nil:
		return nil, errors.New("integrate: config ledger is required")
	case c.Auth == nil:
		return nil, errors.New("integrate: authenticator is required")
	}

	tokens := token.NewHandler(c.State, c.TokenLedger, c.Auth, token.Options{SkipBalanceCheck: true})
	feeHandler := fees.NewHandler(c.State, c.TokenLedger, c.ConfigLedger, c.Auth, fees.Options{
		EligibleTypes: c.EligibleTypes,
		Recorder:      c.Recorder,
	})
	injector := threepc.NewHandler(feeHandler, tokens.UTXOs())

	reg := hooks.NewRegistry()
	reg.RegisterRequest(hooks.RequestFuncs{PreSigVerificationFunc: c.Auth.VerifySignatures},
		hooks.PreSigVerification)
	reg.RegisterRequest(feeHandler)
	reg.RegisterReplica(injector)

	return &Integration{
		Hooks:    reg,
		Tokens:   tokens,
		Fees:     feeHandler,
		Injector: injector,
		UTXOs:    tokens.UTXOs(),
	}, nil
}
