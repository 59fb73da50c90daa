// Command mixnode is the node's entry point: parse flags, load the TOML
// configuration, bring up internal/glue's composition root, and block
// until a termination signal arrives.
//
// Grounded on the Katzenpost server family's own binary entry points: a
// single -f config flag, followed by Server.New plus a signal-driven
// Shutdown — the out-of-scope chain client and RPC transport (spec §1)
// are supplied here as placeholder collaborators so the node can run
// standalone; a real deployment replaces stubChainView/stubSubmitter
// with its actual indexer and chain-write client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashcloak/mixnode/internal/action"
	"github.com/hashcloak/mixnode/internal/chainview"
	"github.com/hashcloak/mixnode/internal/config"
	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/glue"
	"github.com/hashcloak/mixnode/internal/types"
)

// stubSubmitter implements action.Submitter by refusing every submission.
// The chain client is deliberately out of scope (spec §1); a real
// deployment supplies its own Submitter to internal/glue.New.
type stubSubmitter struct{}

func (stubSubmitter) Submit(_ context.Context, _ types.ChainAddress, _ action.Kind, _ []byte) (types.TxHash, error) {
	return types.TxHash{}, fmt.Errorf("mixnode: no chain submitter configured")
}

func main() {
	cfgPath := flag.String("f", "mixnode.toml", "path to the node's TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnode: %v\n", err)
		os.Exit(1)
	}

	minPrice := currency.Zero[currency.HOPRToken]()
	view := chainview.NewMemView(minPrice, types.WinProb(0))

	node, err := glue.New(cfg, view, stubSubmitter{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnode: %v\n", err)
		os.Exit(1)
	}
	defer node.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
