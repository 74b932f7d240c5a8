// Package node assembles a running firewall deployment: it derives the
// configured accounts, deploys the firewall, fee proxy, governance deployer,
// policies and consumers onto a fresh chain, and wires persistence and
// telemetry into it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/config"
	"github.com/Mindburn-Labs/helm-firewall/pkg/crypto"
	"github.com/Mindburn-Labs/helm-firewall/pkg/feeproxy"
	"github.com/Mindburn-Labs/helm-firewall/pkg/firewall"
	"github.com/Mindburn-Labs/helm-firewall/pkg/governance"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
	"github.com/Mindburn-Labs/helm-firewall/pkg/sample/vault"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

const defaultConstraint = "^1.0.0"

var ErrNoSeed = errors.New("node: deployment has no key seed")

// Options wires infrastructure into the chain. All fields are optional.
type Options struct {
	// Seed overrides the deployment seed.
	Seed string
	// ChainID is used when the deployment does not name one.
	ChainID   uint64
	Receipts  store.ReceiptStore
	Telemetry chain.Telemetry
	Observer  firewall.Observer
	Clock     chain.Clock
	Logger    *slog.Logger
}

// Node is a bootstrapped deployment.
type Node struct {
	Chain     *chain.Chain
	Firewall  *firewall.Firewall
	FeeProxy  *feeproxy.Proxy
	Deployer  *governance.Deployer
	Accounts  map[string]*crypto.KeySigner
	Policies  map[string]common.Address
	Consumers map[string]*vault.Vault
	// Setup is the receipt of the configuration transaction.
	Setup *chain.Receipt
}

// Account returns the address of label.
func (n *Node) Account(label string) (common.Address, bool) {
	s, ok := n.Accounts[config.Label(label)]
	if !ok {
		return common.Address{}, false
	}
	return s.Address(), true
}

// Bootstrap deploys d. When opts.Receipts already holds receipts the chain
// continues from the last stored block so the hash chain stays linked.
func Bootstrap(ctx context.Context, d *config.Deployment, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "node")
	}
	seed := opts.Seed
	if seed == "" {
		seed = d.Seed
	}
	if seed == "" {
		return nil, ErrNoSeed
	}
	chainID := d.ChainID
	if chainID == 0 {
		chainID = opts.ChainID
	}

	chainOpts := []chain.Option{chain.WithLogger(logger.With("component", "chain"))}
	if opts.Clock != nil {
		chainOpts = append(chainOpts, chain.WithClock(opts.Clock))
	}
	if opts.Telemetry != nil {
		chainOpts = append(chainOpts, chain.WithTelemetry(opts.Telemetry))
	}
	if opts.Receipts != nil {
		chainOpts = append(chainOpts, chain.WithReceiptSink(opts.Receipts))
		last, err := opts.Receipts.Last(ctx)
		switch {
		case err == nil:
			if last.ChainID != chainID {
				return nil, fmt.Errorf("node: receipt store belongs to chain %d, deployment is chain %d", last.ChainID, chainID)
			}
			chainOpts = append(chainOpts, chain.WithHead(last.BlockNumber, last.Hash))
			logger.InfoContext(ctx, "resuming receipt chain", "block", last.BlockNumber, "head", last.Hash)
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("node: read receipt head: %w", err)
		}
	}

	n := &Node{
		Chain:     chain.New(chainID, chainOpts...),
		Accounts:  make(map[string]*crypto.KeySigner, len(d.Accounts)),
		Policies:  make(map[string]common.Address, len(d.Policies)),
		Consumers: make(map[string]*vault.Vault, len(d.Consumers)),
	}
	for _, a := range d.Accounts {
		s, err := crypto.DeriveSigner([]byte(seed), a.Label)
		if err != nil {
			return nil, fmt.Errorf("node: account %q: %w", a.Label, err)
		}
		n.Accounts[a.Label] = s
		balance, err := chain.ParseAmount(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("node: account %q balance: %w", a.Label, err)
		}
		if !balance.IsZero() {
			n.Chain.Fund(s.Address(), balance)
		}
	}

	if err := n.deployContracts(d, opts.Observer); err != nil {
		return nil, err
	}
	owner := n.must(d.Firewall.Owner)
	receipt, err := n.Chain.Run(ctx, owner, func(tx *chain.Tx) error { return n.configure(tx, d) })
	if err != nil {
		return nil, fmt.Errorf("node: configure deployment: %w", err)
	}
	n.Setup = receipt
	logger.InfoContext(ctx, "deployment ready",
		"chain_id", chainID,
		"firewall", n.Firewall.Address().Hex(),
		"policies", len(n.Policies),
		"consumers", len(n.Consumers),
		"block", receipt.BlockNumber,
	)
	return n, nil
}

// must resolves a label the deployment has already validated.
func (n *Node) must(label string) common.Address {
	addr, _ := n.Account(label)
	return addr
}

func (n *Node) deployContracts(d *config.Deployment, observer firewall.Observer) error {
	owner := n.must(d.Firewall.Owner)
	fw, err := chain.Deploy(n.Chain, owner, func(a common.Address) (*firewall.Firewall, error) {
		return firewall.New(a, owner), nil
	})
	if err != nil {
		return fmt.Errorf("node: deploy firewall: %w", err)
	}
	if observer != nil {
		fw.SetObserver(observer)
	}
	n.Firewall = fw

	if d.FeeProxy != nil {
		proxyOwner := n.must(d.FeeProxy.Owner)
		minFee, err := chain.ParseAmount(d.FeeProxy.MinFee)
		if err != nil {
			return fmt.Errorf("node: fee proxy min fee: %w", err)
		}
		n.FeeProxy, err = chain.Deploy(n.Chain, proxyOwner, func(a common.Address) (*feeproxy.Proxy, error) {
			return feeproxy.New(a, proxyOwner, minFee), nil
		})
		if err != nil {
			return fmt.Errorf("node: deploy fee proxy: %w", err)
		}
	}

	constraint := d.Factories.Constraint
	if constraint == "" {
		constraint = defaultConstraint
	}
	n.Deployer, err = chain.Deploy(n.Chain, owner, func(a common.Address) (*governance.Deployer, error) {
		dep, err := governance.NewDeployer(a, owner, constraint)
		if err != nil {
			return nil, err
		}
		for _, f := range governance.BuiltinFactories() {
			if err := dep.Register(f); err != nil {
				return nil, err
			}
		}
		return dep, nil
	})
	if err != nil {
		return fmt.Errorf("node: deploy governance: %w", err)
	}

	for _, c := range d.Consumers {
		admin := n.must(c.Admin)
		v, err := chain.Deploy(n.Chain, admin, func(a common.Address) (*vault.Vault, error) { return vault.New(a, admin), nil })
		if err != nil {
			return fmt.Errorf("node: deploy consumer %q: %w", c.Name, err)
		}
		n.Consumers[c.Name] = v
	}
	return nil
}

// configure runs every administrative step in one transaction so a bad
// deployment leaves nothing behind.
func (n *Node) configure(tx *chain.Tx, d *config.Deployment) error {
	owner := chain.Msg{Sender: n.must(d.Firewall.Owner)}
	if err := n.Deployer.SetFirewall(tx, owner, n.Firewall.Address()); err != nil {
		return err
	}
	if err := n.Firewall.TransferOwnership(tx, owner, n.Deployer.Address()); err != nil {
		return err
	}

	users := policyUsers(d)
	for _, p := range d.Policies {
		if !n.Deployer.Approved(p.Kind) {
			if err := n.Deployer.SetFactoryStatus(tx, owner, p.Kind, true); err != nil {
				return err
			}
		}
		admin := chain.Msg{Sender: n.must(p.Admin)}
		addr, err := n.Deployer.DeployPolicy(tx, admin, p.Kind)
		if err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
		n.Policies[p.Name] = addr
		if err := n.configurePolicy(tx, admin, addr, p, users[p.Name]); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
	}

	for _, c := range d.Consumers {
		if err := n.configureConsumer(tx, c); err != nil {
			return fmt.Errorf("consumer %q: %w", c.Name, err)
		}
	}
	return nil
}

// policyUsers maps each policy name to the consumers that attach it.
func policyUsers(d *config.Deployment) map[string][]string {
	users := make(map[string][]string)
	add := func(policyName, consumer string) {
		if !slices.Contains(users[policyName], consumer) {
			users[policyName] = append(users[policyName], consumer)
		}
	}
	for _, c := range d.Consumers {
		for _, p := range c.GlobalPolicies {
			add(p, c.Name)
		}
		for _, sp := range c.SelectorPolicies {
			for _, p := range sp.Policies {
				add(p, c.Name)
			}
		}
	}
	return users
}

func (n *Node) configurePolicy(tx *chain.Tx, admin chain.Msg, addr common.Address, p config.PolicySpec, consumers []string) error {
	ct, _ := tx.Contract(addr)
	base := ct.(interface{ PolicyBase() *policy.Base }).PolicyBase()

	if len(consumers) > 0 {
		addrs := make([]common.Address, len(consumers))
		statuses := make([]bool, len(consumers))
		for i, name := range consumers {
			addrs[i], statuses[i] = n.Consumers[name].Address(), true
		}
		if err := base.SetConsumersStatuses(tx, admin, addrs, statuses); err != nil {
			return err
		}
	}

	switch impl := ct.(type) {
	case *approvedcalls.Policy:
		for _, label := range p.Signers {
			if err := impl.Roles.GrantRole(tx, admin, approvedcalls.SignerRole, n.must(label)); err != nil {
				return err
			}
		}
	case *policy.AllowlistPolicy:
		for _, name := range slices.Sorted(maps.Keys(p.Allow)) {
			accounts := make([]common.Address, len(p.Allow[name]))
			for i, label := range p.Allow[name] {
				accounts[i] = n.must(label)
			}
			if err := impl.SetAllowed(tx, admin, n.Consumers[name].Address(), accounts, true); err != nil {
				return err
			}
		}
	case *policy.ForbiddenMethodsPolicy:
		for _, name := range slices.Sorted(maps.Keys(p.Forbid)) {
			for _, method := range p.Forbid[name] {
				sel, err := config.SelectorPolicies{Method: method}.Selector()
				if err != nil {
					return err
				}
				if err := impl.SetMethodStatus(tx, admin, n.Consumers[name].Address(), sel, true); err != nil {
					return err
				}
			}
		}
	case *policy.ExpressionPolicy:
		for _, name := range slices.Sorted(maps.Keys(p.Expressions)) {
			if err := impl.SetExpression(tx, admin, n.Consumers[name].Address(), p.Expressions[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) configureConsumer(tx *chain.Tx, c config.ConsumerSpec) error {
	v := n.Consumers[c.Name]
	admin := chain.Msg{Sender: n.must(c.Admin)}
	if err := v.SetFirewall(tx, admin, n.Firewall.Address()); err != nil {
		return err
	}
	if n.FeeProxy != nil {
		if err := v.SetFeeProxy(tx, admin, n.FeeProxy.Address()); err != nil {
			return err
		}
	}
	for _, name := range c.GlobalPolicies {
		if err := n.Firewall.AddGlobalPolicy(tx, admin, v.Address(), n.Policies[name]); err != nil {
			return err
		}
	}
	for _, sp := range c.SelectorPolicies {
		sel, err := sp.Selector()
		if err != nil {
			return err
		}
		for _, name := range sp.Policies {
			if err := n.Firewall.AddPolicy(tx, admin, v.Address(), sel, n.Policies[name]); err != nil {
				return err
			}
		}
	}
	if c.RequirePolicies {
		return n.Firewall.SetRequirePolicies(tx, admin, v.Address(), true)
	}
	return nil
}
