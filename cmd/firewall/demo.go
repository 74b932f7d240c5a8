package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/config"
	"github.com/Mindburn-Labs/helm-firewall/pkg/node"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
	"github.com/Mindburn-Labs/helm-firewall/pkg/sample/vault"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

type demoStep struct {
	Name    string         `json:"name"`
	Receipt *chain.Receipt `json:"receipt"`
	Error   string         `json:"error,omitempty"`
}

// runDemoCmd deploys the built-in deployment in memory and has the relayer
// submit an approved batch followed by an unapproved call.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output receipts as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	d, err := config.ParseDeployment(defaultDeployment)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	receipts := store.NewMemoryReceiptStore()
	n, err := node.Bootstrap(ctx, d, node.Options{Receipts: receipts})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	relayer, _ := n.Account("relayer")
	v := n.Consumers["vault"]
	deposit := chain.Message{To: v.Address(), Value: uint256.NewInt(1000), Data: vault.EncodeDeposit()}
	withdraw := chain.Message{To: v.Address(), Data: vault.EncodeWithdraw(uint256.NewInt(400))}

	approve, err := demoApproval(n, relayer, deposit, withdraw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var steps []demoStep
	run := func(name string, msgs ...chain.Message) {
		r, err := n.Chain.TransactBatch(ctx, relayer, msgs)
		step := demoStep{Name: name, Receipt: r}
		if err != nil {
			step.Error = err.Error()
		}
		steps = append(steps, step)
	}
	run("approved batch: approve, deposit 1000, withdraw 400", approve, deposit, withdraw)
	run("unapproved deposit", deposit)

	all, err := receipts.List(ctx, 0, 0)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := chain.VerifyChain(all); err != nil {
		fmt.Fprintf(stderr, "Receipt chain broken: %v\n", err)
		return 1
	}

	if *jsonOutput {
		writeJSON(stdout, map[string]any{"steps": steps, "vault_balance": v.BalanceOf(relayer).Dec()})
		return 0
	}
	fmt.Fprintf(stdout, "Firewall: %s\n", n.Firewall.Address().Hex())
	fmt.Fprintf(stdout, "Vault:    %s\n", v.Address().Hex())
	fmt.Fprintf(stdout, "Relayer:  %s\n\n", relayer.Hex())
	for _, s := range steps {
		fmt.Fprintf(stdout, "%s%s%s\n", colorBold, s.Name, colorReset)
		fmt.Fprintf(stdout, "  block %d  %s  %d logs\n", s.Receipt.BlockNumber, s.Receipt.Status, len(s.Receipt.Logs))
		if s.Error != "" {
			fmt.Fprintf(stdout, "  reason: %s\n", s.Error)
		}
	}
	fmt.Fprintf(stdout, "\nVault balance of relayer: %s\n", v.BalanceOf(relayer).Dec())
	fmt.Fprintf(stdout, "Receipt chain verified: %d receipts, head %s\n", len(all), n.Chain.Head())
	return 0
}

func demoApproval(n *node.Node, origin common.Address, calls ...chain.Message) (chain.Message, error) {
	addr := n.Policies["approvals"]
	ct, _ := n.Chain.Contract(addr)
	p, ok := ct.(*approvedcalls.Policy)
	if !ok {
		return chain.Message{}, fmt.Errorf("no approved calls policy at %s", addr.Hex())
	}
	signer := n.Accounts["signer"]

	hashes := make([]common.Hash, len(calls))
	for i, c := range calls {
		hashes[i] = callhash.Hash(callhash.Call{Consumer: c.To, Sender: origin, Origin: origin, Data: c.Data, Value: c.Value})
	}
	var nonce uint64
	n.Chain.View(func() { nonce = p.Nonce(signer.Address()) })
	a := approvedcalls.Approval{
		CallHashes: approvedcalls.ExecutionOrder(hashes),
		Expiration: uint64(now().Unix()) + 60,
		TxOrigin:   origin,
		Nonce:      nonce,
	}
	sig, err := approvedcalls.SignApproval(signer, a, addr, n.Chain.ChainID())
	if err != nil {
		return chain.Message{}, err
	}
	data, err := approvedcalls.EncodeApproveCallsViaSignature(a, sig)
	if err != nil {
		return chain.Message{}, err
	}
	return chain.Message{To: addr, Data: data}, nil
}
