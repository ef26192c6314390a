package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"slices"

	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all replicas or consensus breaks.
// =============================================================================

// DefaultMinTrusteeSignatures is the number of distinct trustee signatures
// required to mint tokens or change the fee schedule.
const DefaultMinTrusteeSignatures = 3

// ErrNoBuiltinGenesis is returned for networks that ship without a built-in
// genesis and must be started from a genesis file.
var ErrNoBuiltinGenesis = errors.New("no built-in genesis for network")

// Genesis holds the initial ledger state and protocol rules.
// This is immutable after launch - changes require a coordinated upgrade.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Timestamp uint64 `json:"timestamp"`

	// Trustees allowed to mint and set fees.
	Trustees []Trustee `json:"trustees"`

	// Initial fee schedule (txn type -> fee).
	Fees map[string]uint64 `json:"fees,omitempty"`

	// Initial allocations (address -> amount), minted before the first batch.
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// Trustee is a genesis trustee identity.
type Trustee struct {
	DID    string `json:"did"`
	PubKey string `json:"pubkey"` // compressed secp256k1, hex
}

// PubKeyBytes decodes the trustee public key.
func (t Trustee) PubKeyBytes() ([]byte, error) {
	return hex.DecodeString(t.PubKey)
}

// ProtocolConfig holds consensus-critical rules.
// All replicas MUST agree on these values.
type ProtocolConfig struct {
	// Trustee signatures required for mint and set_fees.
	MinTrusteeSignatures int `json:"min_trustee_signatures"`

	// Txn types set_fees may price. Empty means request.DefaultFeeEligibleTypes.
	FeeEligibleTypes []string `json:"fee_eligible_types,omitempty"`
}

// EligibleTypes returns the fee-eligible txn types in effect.
func (p ProtocolConfig) EligibleTypes() []string {
	if len(p.FeeEligibleTypes) == 0 {
		return slices.Clone(request.DefaultFeeEligibleTypes)
	}
	return slices.Clone(p.FeeEligibleTypes)
}

// =============================================================================
// Testnet Identity
//
// Well-known keys for testnet only (DO NOT use on mainnet). Public keys and
// addresses are derived from these secrets when the genesis is built.
// =============================================================================

var (
	// TestnetTrusteePrivKeys are the private keys (hex) of the testnet trustees.
	TestnetTrusteePrivKeys = []string{
		"1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091",
		"6c1a8e3f2f4d9b0a5e7c31d2b84f60a9e15d27c3b8f4a0e6d9c2b17a3e5f8d04",
		"a3d95b27e04c6f18b2e7d5a9c4f3061e8b7d2a5c9e0f4b3a6d8c1e27f5b9a046",
	}

	// TestnetFaucetPrivKey is the private key (hex) owning the testnet allocation.
	TestnetFaucetPrivKey = "4b8e2d7a1c9f3e06b5d4a2c8f7e1b3d9a6c0e5f2b8d4a7c1e9f3b6d0a2c5e8f1"
)

// TestnetTrusteeDID returns the DID of the i-th testnet trustee.
func TestnetTrusteeDID(i int) string {
	return fmt.Sprintf("did:klingfees:testnet:trustee%d", i+1)
}

// TestnetTrusteeKeys returns the testnet trustee signing keys.
func TestnetTrusteeKeys() []*crypto.PrivateKey {
	keys := make([]*crypto.PrivateKey, len(TestnetTrusteePrivKeys))
	for i, s := range TestnetTrusteePrivKeys {
		keys[i] = mustKey(s)
	}
	return keys
}

// TestnetFaucetKey returns the key owning the testnet allocation.
func TestnetFaucetKey() *crypto.PrivateKey {
	return mustKey(TestnetFaucetPrivKey)
}

func mustKey(s string) *crypto.PrivateKey {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("config: bad built-in key: %v", err))
	}
	k, err := crypto.PrivateKeyFromBytes(b)
	if err != nil {
		panic(fmt.Sprintf("config: bad built-in key: %v", err))
	}
	return k
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	keys := TestnetTrusteeKeys()
	trustees := make([]Trustee, len(keys))
	for i, k := range keys {
		trustees[i] = Trustee{
			DID:    TestnetTrusteeDID(i),
			PubKey: hex.EncodeToString(k.PublicKey()),
		}
	}

	return &Genesis{
		ChainID:   "klingfees-testnet-1",
		ChainName: "Klingfees Testnet",
		Timestamp: 1770734103, // 2026-02-10
		Trustees:  trustees,
		Fees: map[string]uint64{
			request.TypeNym:        4,
			request.TypeAttrib:     2,
			request.TypeXferPublic: 1,
		},
		Alloc: map[string]uint64{
			TestnetFaucetKey().Address().String(): 1_000_000,
		},
		Protocol: ProtocolConfig{
			MinTrusteeSignatures: DefaultMinTrusteeSignatures,
		},
	}
}

// GenesisFor returns the built-in genesis config for the given network.
// Mainnet has no built-in genesis; operators supply it with --genesis.
func GenesisFor(network NetworkType) (*Genesis, error) {
	switch network {
	case Testnet:
		return TestnetGenesis(), nil
	default:
		return nil, fmt.Errorf("%w %s", ErrNoBuiltinGenesis, network)
	}
}

// ResolveGenesis loads the genesis named by cfg.GenesisFile, falling back
// to the network's built-in genesis.
func ResolveGenesis(cfg *Config) (*Genesis, error) {
	if cfg.GenesisFile != "" {
		return LoadGenesis(cfg.GenesisFile)
	}
	return GenesisFor(cfg.Network)
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	// Trustees
	seen := make(map[string]struct{}, len(g.Trustees))
	for i, t := range g.Trustees {
		if t.DID == "" {
			return fmt.Errorf("trustees[%d]: did is required", i)
		}
		if _, ok := seen[t.DID]; ok {
			return fmt.Errorf("trustees[%d]: duplicate did %q", i, t.DID)
		}
		seen[t.DID] = struct{}{}
		pub, err := t.PubKeyBytes()
		if err != nil {
			return fmt.Errorf("trustees[%d]: pubkey is not hex: %w", i, err)
		}
		if err := crypto.ValidatePublicKey(pub); err != nil {
			return fmt.Errorf("trustees[%d]: %w", i, err)
		}
	}

	minSigs := g.Protocol.MinTrusteeSignatures
	if minSigs < 1 {
		return fmt.Errorf("min_trustee_signatures must be at least 1")
	}
	if minSigs > len(g.Trustees) {
		return fmt.Errorf("min_trustee_signatures (%d) exceeds trustee count (%d)", minSigs, len(g.Trustees))
	}

	// Fees may only price eligible types.
	eligible := g.Protocol.EligibleTypes()
	for typ := range g.Fees {
		if !slices.Contains(eligible, typ) {
			return fmt.Errorf("fees: txn type %s is not fee-eligible", typ)
		}
	}

	// Validate alloc addresses and check the total supply fits in uint64.
	var total uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		if v == 0 {
			return fmt.Errorf("alloc for %s must be positive", addrStr)
		}
		var carry uint64
		total, carry = bits.Add64(total, v, 0)
		if carry != 0 {
			return fmt.Errorf("genesis allocations overflow")
		}
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
