// Package node is a reference host for the fee engine. It opens storage,
// bootstraps genesis and drives the hook registry in the order a BFT host
// does: submit, propose or receive, prepare, order, commit or reject.
package node

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-fees/config"
	"github.com/Klingon-tech/klingnet-fees/internal/auth"
	"github.com/Klingon-tech/klingnet-fees/internal/hooks"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-fees/internal/log"
	"github.com/Klingon-tech/klingnet-fees/internal/mempool"
	"github.com/Klingon-tech/klingnet-fees/internal/metrics"
	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/internal/threepc"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/rs/zerolog"
)

// Storage namespaces inside the node database.
var (
	prefixState        = []byte("s/")
	prefixTokenLedger  = []byte("l/token/")
	prefixConfigLedger = []byte("l/config/")
	prefixDomainLedger = []byte("l/domain/")
)

// Options configures a Node.
type Options struct {
	// Metrics receives fee and batch metrics. Nil disables metrics.
	Metrics *metrics.Metrics
	// PoolSize caps the request pool. Zero uses mempool.DefaultMaxSize.
	PoolSize int
	// BatchSize caps the requests taken into one proposal. Zero takes all.
	BatchSize int
}

// Node is a single replica of the fee engine.
type Node struct {
	genesis *config.Genesis
	logger  zerolog.Logger
	metrics *metrics.Metrics

	db      storage.DB
	st      *state.Store
	ledgers map[int]*ledger.Ledger
	auth    *auth.Authenticator
	engine  *Integration
	domain  *domainHandler

	mu          sync.Mutex
	viewNo      uint64
	lastPPSeqNo uint64
	pool        *mempool.Pool
	policy      *mempool.Policy
	batchSize   int
	pending     []*threepc.PrePrepare // applied batches, oldest first
}

// New wires a node over db and bootstraps genesis on first use.
func New(db storage.DB, genesis *config.Genesis, opts Options) (*Node, error) {
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	logger := klog.WithComponent("node")

	st := state.New(storage.NewPrefixDB(db, prefixState))
	ledgers := make(map[int]*ledger.Ledger, 3)
	for id, prefix := range map[int][]byte{
		ledger.TokenLedgerID:  prefixTokenLedger,
		ledger.ConfigLedgerID: prefixConfigLedger,
		ledger.DomainLedgerID: prefixDomainLedger,
	} {
		l, err := ledger.Open(id, storage.NewPrefixDB(db, prefix))
		if err != nil {
			return nil, fmt.Errorf("open ledger %d: %w", id, err)
		}
		ledgers[id] = l
	}

	registry, err := trusteeRegistry(genesis)
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(registry, crypto.SchnorrVerifier{}, genesis.Protocol.MinTrusteeSignatures)

	comps := Components{
		State:         st,
		TokenLedger:   ledgers[ledger.TokenLedgerID],
		ConfigLedger:  ledgers[ledger.ConfigLedgerID],
		Auth:          authn,
		EligibleTypes: genesis.Protocol.EligibleTypes(),
	}
	if opts.Metrics != nil {
		comps.Recorder = opts.Metrics
	}
	engine, err := Integrate(comps)
	if err != nil {
		return nil, err
	}

	domain := &domainHandler{ledger: ledgers[ledger.DomainLedgerID]}
	engine.Hooks.RegisterRequest(hooks.RequestFuncs{
		PostBatchCreatedFunc: func(uint64) error {
			domain.ledger.Begin()
			return nil
		},
		PostBatchRejectedFunc: func(uint64) error {
			return domain.ledger.Revert()
		},
		PostBatchCommittedFunc: func(uint64) error {
			_, err := domain.ledger.Commit()
			return err
		},
	}, hooks.PostBatchCreated, hooks.PostBatchRejected, hooks.PostBatchCommitted)

	n := &Node{
		genesis:   genesis,
		logger:    logger,
		metrics:   opts.Metrics,
		db:        db,
		st:        st,
		ledgers:   ledgers,
		auth:      authn,
		engine:    engine,
		domain:    domain,
		pool:      mempool.New(opts.PoolSize),
		policy:    mempool.DefaultPolicy(),
		batchSize: opts.BatchSize,
	}

	if err := n.bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap genesis: %w", err)
	}
	n.lastPPSeqNo = n.committedPPSeqNo()
	n.updateSupply()

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Int("trustees", len(genesis.Trustees)).
		Uint64("token_txns", ledgers[ledger.TokenLedgerID].Size()).
		Uint64("pp_seq_no", n.lastPPSeqNo).
		Msg("Node ready")
	return n, nil
}

// Open initializes logging, opens the configured storage backend and
// creates a node from the genesis named by cfg.
func Open(cfg *config.Config) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	genesis, err := config.ResolveGenesis(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	opts := Options{PoolSize: cfg.Pool.Size, BatchSize: cfg.Pool.BatchSize}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New()
	}
	n, err := New(db, genesis, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func openDB(cfg *config.Config) (storage.DB, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	default:
		db, err := storage.NewBadger(cfg.StateDir())
		if err != nil {
			return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
		}
		klog.Storage.Info().Str("path", cfg.StateDir()).Msg("Database opened")
		return db, nil
	}
}

func trusteeRegistry(g *config.Genesis) (*auth.Registry, error) {
	ids := make([]auth.Identity, 0, len(g.Trustees))
	for _, t := range g.Trustees {
		pub, err := t.PubKeyBytes()
		if err != nil {
			return nil, fmt.Errorf("trustee %s pubkey: %w", t.DID, err)
		}
		ids = append(ids, auth.Identity{DID: t.DID, PubKey: pub, Role: auth.RoleTrustee})
	}
	return auth.NewRegistry(ids...)
}

// Close closes the underlying database.
func (n *Node) Close() error {
	return n.db.Close()
}

// Genesis returns the genesis the node was created from.
func (n *Node) Genesis() *config.Genesis { return n.genesis }

// Engine returns the wired fee engine.
func (n *Node) Engine() *Integration { return n.engine }

// Registry returns the identity registry.
func (n *Node) Registry() *auth.Registry { return n.auth.Registry() }

// Ledger returns the ledger with the given id.
func (n *Node) Ledger(id int) (*ledger.Ledger, bool) {
	l, ok := n.ledgers[id]
	return l, ok
}

// Metrics returns the node metrics, or nil when disabled.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// PendingBatches returns the number of applied, uncommitted batches.
func (n *Node) PendingBatches() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Pool returns the pool of requests awaiting proposal.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// LastPPSeqNo returns the pp_seq_no of the newest applied batch.
func (n *Node) LastPPSeqNo() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastPPSeqNo
}

func (n *Node) updateSupply() {
	if n.metrics == nil {
		return
	}
	supply, err := n.engine.UTXOs.TotalSupply()
	if err != nil {
		n.logger.Warn().Err(err).Msg("Token supply unavailable")
		return
	}
	n.metrics.SetTokenSupply(supply)
}
