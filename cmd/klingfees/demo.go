package main

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/config"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/internal/metrics"
	"github.com/Klingon-tech/klingnet-fees/internal/node"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/request"
)

// cmdDemo runs a primary and a replica over in-memory testnet state and
// orders a fee-paying transfer through both.
func cmdDemo(cfg *config.Config) {
	g := config.TestnetGenesis()
	var replicas [2]*node.Node
	for i := range replicas {
		var opts node.Options
		if cfg.Metrics.Enabled {
			opts.Metrics = metrics.New()
		}
		n, err := node.New(storage.NewMemory(), g, opts)
		if err != nil {
			fatal("node %d: %v", i, err)
		}
		defer n.Close()
		replicas[i] = n
	}
	primary, replica := replicas[0], replicas[1]

	faucet := config.TestnetFaucetKey()
	faucetAddr := request.AddressOf(faucet)
	recipient, err := crypto.GenerateKey()
	if err != nil {
		fatal("generate key: %v", err)
	}
	fee := g.Fees[request.TypeXferPublic]
	amount := g.Alloc[faucetAddr] - fee

	req := request.NewXfer("demo", 1,
		[]request.Input{{Address: faucetAddr, SeqNo: 1}},
		[]request.Output{{Address: request.AddressOf(recipient), Amount: amount}})
	if err := req.SignInputs(faucet); err != nil {
		fatal("sign: %v", err)
	}
	if err := primary.SubmitRequest(req); err != nil {
		fatal("submit: %v", err)
	}

	pp, err := primary.Propose(ledger.TokenLedgerID)
	if err != nil {
		fatal("propose: %v", err)
	}
	pr, err := replica.Receive(pp)
	if err != nil {
		fatal("receive: %v", err)
	}
	for i, n := range replicas {
		ord, err := n.Order(pp.PPSeqNo)
		if err != nil {
			fatal("node %d order: %v", i, err)
		}
		if err := n.Commit(ord); err != nil {
			fatal("node %d commit: %v", i, err)
		}
	}

	fmt.Printf("Batch %d ordered\n", pp.PPSeqNo)
	fmt.Printf("  Fee digest:  %s\n", pp.FeeDigest)
	fmt.Printf("  Prepare:     %s\n", pr.Digest)
	for i, n := range replicas {
		root, err := n.Engine().UTXOs.Commitment()
		if err != nil {
			fatal("commitment: %v", err)
		}
		bal, err := n.Engine().UTXOs.Balance(request.AddressOf(recipient))
		if err != nil {
			fatal("balance: %v", err)
		}
		fmt.Printf("  Node %d: recipient %d, utxo root %s\n", i, bal, root)
	}
	printMetrics(primary)
}
