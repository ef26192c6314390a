// Package auth verifies request signatures and authorizes privileged
// operations against the identity registry.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// ErrUnauthorized is returned when a request is not properly signed or its
// signers lack the required role.
var ErrUnauthorized = errors.New("unauthorized")

// Role is the privilege level of an identity.
type Role string

// Roles.
const (
	RoleUser    Role = ""
	RoleTrustee Role = "TRUSTEE"
)

// Identity is a registered DID and its verification key.
type Identity struct {
	DID    string `json:"did"`
	PubKey []byte `json:"pubkey"`
	Role   Role   `json:"role,omitempty"`
}

// Registry holds the known identities.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewRegistry creates a registry seeded with ids.
func NewRegistry(ids ...Identity) (*Registry, error) {
	r := &Registry{identities: make(map[string]Identity)}
	for _, id := range ids {
		if err := r.Add(id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers or replaces an identity.
func (r *Registry) Add(id Identity) error {
	if id.DID == "" {
		return fmt.Errorf("identity: empty did")
	}
	if err := crypto.ValidatePublicKey(id.PubKey); err != nil {
		return fmt.Errorf("identity %s: %w", id.DID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[id.DID] = id
	return nil
}

// Get returns the identity registered under did.
func (r *Registry) Get(did string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[did]
	return id, ok
}

// Trustees returns the DIDs holding the trustee role, sorted.
func (r *Registry) Trustees() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dids []string
	for did, id := range r.identities {
		if id.Role == RoleTrustee {
			dids = append(dids, did)
		}
	}
	sort.Strings(dids)
	return dids
}

// Authenticator checks signatures and roles.
type Authenticator struct {
	registry    *Registry
	verifier    crypto.Verifier
	minTrustees int
}

// NewAuthenticator creates an authenticator requiring minTrustees trustee
// signatures for privileged requests.
func NewAuthenticator(registry *Registry, verifier crypto.Verifier, minTrustees int) *Authenticator {
	return &Authenticator{registry: registry, verifier: verifier, minTrustees: minTrustees}
}

// Registry returns the identity registry.
func (a *Authenticator) Registry() *Registry {
	return a.registry
}

// MinTrustees returns the trustee threshold.
func (a *Authenticator) MinTrustees() int {
	return a.minTrustees
}

// VerifySignatures checks every request signature against the registered
// key of its signer and every funding input against the key that controls
// its address. Transfers are authorized by their inputs alone; every other
// request must carry its identifier's signature.
func (a *Authenticator) VerifySignatures(req *request.Request) error {
	hash := req.SigningHash()

	if !req.IsXfer() {
		if _, ok := req.Signatures[req.Identifier]; !ok {
			return fmt.Errorf("%w: missing signature of identifier %s", ErrUnauthorized, req.Identifier)
		}
	}
	for _, did := range sortedSigners(req.Signatures) {
		id, ok := a.registry.Get(did)
		if !ok {
			return fmt.Errorf("%w: unknown signer %s", ErrUnauthorized, did)
		}
		if !a.verifier.Verify(hash[:], req.Signatures[did], id.PubKey) {
			return fmt.Errorf("%w: bad signature from %s", ErrUnauthorized, did)
		}
	}

	check := func(field string, inputs []request.Input) error {
		for i, in := range inputs {
			if err := crypto.ValidatePublicKey(in.PubKey); err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", ErrUnauthorized, field, i, err)
			}
			if crypto.AddressFromPubKey(in.PubKey).String() != in.Address {
				return fmt.Errorf("%w: %s[%d]: key does not control %s", ErrUnauthorized, field, i, in.Address)
			}
			if !a.verifier.Verify(hash[:], in.Signature, in.PubKey) {
				return fmt.Errorf("%w: %s[%d]: bad signature", ErrUnauthorized, field, i)
			}
		}
		return nil
	}
	if err := check("inputs", req.Operation.Inputs); err != nil {
		return err
	}
	if req.Fees != nil {
		if err := check("fees.inputs", req.Fees.Inputs); err != nil {
			return err
		}
	}
	log.Auth.Debug().Str("req", req.Digest()).Int("signers", len(req.Signatures)).Msg("Signatures verified")
	return nil
}

// AuthorizeTrustees requires every signer to be a registered identity and
// at least MinTrustees of them to be trustees. Signature bytes are verified
// separately by VerifySignatures.
func (a *Authenticator) AuthorizeTrustees(req *request.Request) error {
	trustees := 0
	for _, did := range sortedSigners(req.Signatures) {
		id, ok := a.registry.Get(did)
		if !ok {
			return fmt.Errorf("%w: unknown signee %s", ErrUnauthorized, did)
		}
		if id.Role == RoleTrustee {
			trustees++
		}
	}
	if trustees < a.minTrustees {
		return fmt.Errorf("%w: %s requires %d trustee signatures, got %d",
			ErrUnauthorized, req.Type(), a.minTrustees, trustees)
	}
	return nil
}

func sortedSigners(sigs map[string][]byte) []string {
	dids := make([]string, 0, len(sigs))
	for did := range sigs {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}
