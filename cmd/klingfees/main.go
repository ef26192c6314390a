// klingfees is an offline admin tool over a fee engine data directory.
//
// Usage:
//
//	klingfees [global flags] <command> [arguments]
//	klingfees --help
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/Klingon-tech/klingnet-fees/config"
	"github.com/Klingon-tech/klingnet-fees/internal/ledger"
	"github.com/Klingon-tech/klingnet-fees/internal/node"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
	"github.com/prometheus/common/expfmt"
)

const version = "0.1.0"

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		fatal("%v", err)
	}
	if flags.Help {
		config.PrintUsage(os.Stdout)
		return
	}
	if flags.Version {
		fmt.Printf("klingfees version %s\n", version)
		return
	}
	if len(flags.Args) == 0 {
		config.PrintUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := flags.Args[0]
	cmdArgs := flags.Args[1:]

	switch cmd {
	case "init":
		cmdInit(cfg)
	case "genesis":
		cmdGenesis(cfg, cmdArgs)
	case "fees":
		cmdFees(cfg)
	case "balance":
		cmdBalance(cfg, cmdArgs)
	case "utxos":
		cmdUTXOs(cfg, cmdArgs)
	case "ledger":
		cmdLedger(cfg, cmdArgs)
	case "supply":
		cmdSupply(cfg)
	case "demo":
		cmdDemo(cfg)
	case "help":
		config.PrintUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		config.PrintUsage(os.Stderr)
		os.Exit(1)
	}
}

func openNode(cfg *config.Config) *node.Node {
	n, err := node.Open(cfg)
	if err != nil {
		fatal("open node: %v", err)
	}
	return n
}

func cmdInit(cfg *config.Config) {
	n := openNode(cfg)
	defer n.Close()

	g := n.Genesis()
	hash, err := g.Hash()
	if err != nil {
		fatal("genesis hash: %v", err)
	}
	fmt.Printf("Network:      %s\n", cfg.Network)
	fmt.Printf("Data dir:     %s\n", cfg.ChainDataDir())
	fmt.Printf("Chain ID:     %s\n", g.ChainID)
	fmt.Printf("Genesis hash: %s\n", hash)
	fmt.Printf("Trustees:     %d (min signatures %d)\n", len(g.Trustees), g.Protocol.MinTrusteeSignatures)
	for _, id := range []int{ledger.DomainLedgerID, ledger.ConfigLedgerID, ledger.TokenLedgerID} {
		l, _ := n.Ledger(id)
		fmt.Printf("Ledger %-5d  %d txns\n", id, l.Size())
	}
}

func cmdGenesis(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingfees genesis <output.json>")
	}
	g, err := config.GenesisFor(config.Testnet)
	if cfg.GenesisFile != "" {
		g, err = config.LoadGenesis(cfg.GenesisFile)
	}
	if err != nil {
		fatal("%v", err)
	}
	if err := g.Save(args[0]); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Genesis written to %s\n", args[0])
}

func cmdFees(cfg *config.Config) {
	n := openNode(cfg)
	defer n.Close()

	schedule, err := n.Engine().Fees.Schedule().Committed()
	if err != nil {
		fatal("read fees: %v", err)
	}
	if len(schedule) == 0 {
		fmt.Println("No fees configured")
		return
	}
	txnTypes := make([]string, 0, len(schedule))
	for t := range schedule {
		txnTypes = append(txnTypes, t)
	}
	slices.Sort(txnTypes)
	fmt.Printf("%-8s %s\n", "TYPE", "FEE")
	for _, t := range txnTypes {
		fmt.Printf("%-8s %d\n", t, schedule[t])
	}
}

func requireAddress(args []string, usage string) string {
	if len(args) < 1 {
		fatal("Usage: %s", usage)
	}
	if _, err := types.ParseAddress(args[0]); err != nil {
		fatal("%v", err)
	}
	return args[0]
}

func cmdBalance(cfg *config.Config, args []string) {
	addr := requireAddress(args, "klingfees balance <address>")
	n := openNode(cfg)
	defer n.Close()

	bal, err := n.Engine().UTXOs.Balance(addr)
	if err != nil {
		fatal("balance: %v", err)
	}
	fmt.Printf("Address: %s\n", addr)
	fmt.Printf("Balance: %d\n", bal)
}

func cmdUTXOs(cfg *config.Config, args []string) {
	addr := requireAddress(args, "klingfees utxos <address>")
	n := openNode(cfg)
	defer n.Close()

	list, err := n.Engine().UTXOs.OutputList(addr)
	if err != nil {
		fatal("utxos: %v", err)
	}
	unspent, err := n.Engine().UTXOs.Unspent(addr)
	if err != nil {
		fatal("utxos: %v", err)
	}
	fmt.Printf("Address: %s\n", addr)
	fmt.Printf("Unspent (%d):\n", len(unspent))
	for _, out := range unspent {
		fmt.Printf("  seq %-8d %d\n", out.SeqNo, out.Value)
	}
	fmt.Printf("Spent (%d):", len(list.Spent))
	for _, seq := range list.Spent {
		fmt.Printf(" %d", seq)
	}
	fmt.Println()
}

func cmdLedger(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingfees ledger <domain|config|token|id> [limit]")
	}
	id, err := parseLedgerID(args[0])
	if err != nil {
		fatal("%v", err)
	}
	limit := 0
	if len(args) > 1 {
		if limit, err = strconv.Atoi(args[1]); err != nil || limit < 0 {
			fatal("invalid limit %q", args[1])
		}
	}

	n := openNode(cfg)
	defer n.Close()
	l, ok := n.Ledger(id)
	if !ok {
		fatal("unknown ledger %d", id)
	}

	enc := json.NewEncoder(os.Stdout)
	count := 0
	err = l.ForEachCommitted(func(txn *ledger.Txn) error {
		if limit > 0 && count >= limit {
			return errStop
		}
		count++
		return enc.Encode(txn)
	})
	if err != nil && !errors.Is(err, errStop) {
		fatal("ledger: %v", err)
	}
}

func parseLedgerID(s string) (int, error) {
	switch s {
	case "domain":
		return ledger.DomainLedgerID, nil
	case "config":
		return ledger.ConfigLedgerID, nil
	case "token":
		return ledger.TokenLedgerID, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown ledger %q", s)
	}
	return id, nil
}

var errStop = errors.New("stop")

func cmdSupply(cfg *config.Config) {
	n := openNode(cfg)
	defer n.Close()

	supply, err := n.Engine().UTXOs.TotalSupply()
	if err != nil {
		fatal("supply: %v", err)
	}
	root, err := n.Engine().UTXOs.Commitment()
	if err != nil {
		fatal("commitment: %v", err)
	}
	fmt.Printf("Supply:     %d\n", supply)
	fmt.Printf("Commitment: %s\n", root)
}

func printMetrics(n *node.Node) {
	m := n.Metrics()
	if m == nil {
		return
	}
	families, err := m.Registry().Gather()
	if err != nil {
		fatal("gather metrics: %v", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			fatal("write metrics: %v", err)
		}
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
