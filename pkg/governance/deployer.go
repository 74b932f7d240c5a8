// Package governance controls who may deploy policy instances and attach
// them to a firewall. The Deployer only builds policies from factories the
// owner approved, and hands every new policy to its deployer.
package governance

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
)

var (
	ErrNotOwner               = errors.New("governance: caller is not the owner")
	ErrUnknownFactory         = errors.New("governance: unknown factory")
	ErrFactoryNotApproved     = errors.New("governance: factory not approved")
	ErrIncompatibleFactory    = errors.New("governance: factory version not accepted")
	ErrDuplicateFactory       = errors.New("governance: factory already registered")
	ErrFirewallNotGovernable  = errors.New("governance: firewall cannot approve policies")
	ErrPolicyNotAdministrable = errors.New("governance: policy does not expose administration")
)

// PolicyApprover is the firewall surface the deployer drives.
type PolicyApprover interface {
	SetPolicyStatus(tx *chain.Tx, msg chain.Msg, policy common.Address, status bool) error
}

type administered interface {
	policy.Policy
	PolicyBase() *policy.Base
}

// Deployer deploys policies through approved factories.
type Deployer struct {
	addr       common.Address
	owner      common.Address
	firewall   common.Address
	constraint *semver.Constraints
	factories  map[string]Factory
	approved   *access.Set[string]
	deployed   []common.Address
	router     *chain.Router
	logger     *slog.Logger
}

// NewDeployer creates a deployer accepting factory versions matching constraint.
func NewDeployer(addr, owner common.Address, constraint string) (*Deployer, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("governance: invalid version constraint %q: %w", constraint, err)
	}
	d := &Deployer{
		addr:       addr,
		owner:      owner,
		constraint: c,
		factories:  make(map[string]Factory),
		approved:   access.NewSet[string](),
		router:     chain.NewRouter(),
		logger:     slog.Default().With("component", "governance", "deployer", addr.Hex()),
	}
	d.routes()
	return d, nil
}

func (d *Deployer) Address() common.Address { return d.addr }

func (d *Deployer) Invoke(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return d.router.Dispatch(tx, msg)
}

func (d *Deployer) Owner() common.Address { return d.owner }

// Register makes f known to the deployer. Construction only; approval is a
// separate owner transaction.
func (d *Deployer) Register(f Factory) error {
	if _, dup := d.factories[f.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, f.Name())
	}
	if !d.constraint.Check(f.Version()) {
		return fmt.Errorf("%w: %s %s", ErrIncompatibleFactory, f.Name(), f.Version())
	}
	d.factories[f.Name()] = f
	return nil
}

// Factories lists registered factory names.
func (d *Deployer) Factories() []string {
	names := make([]string, 0, len(d.factories))
	for n := range d.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Approved reports whether factory name may be used.
func (d *Deployer) Approved(name string) bool { return d.approved.Contains(name) }

// Deployed lists policies deployed so far.
func (d *Deployer) Deployed() []common.Address {
	return append([]common.Address(nil), d.deployed...)
}

// SetFactoryStatus approves or revokes a registered factory.
func (d *Deployer) SetFactoryStatus(tx *chain.Tx, msg chain.Msg, name string, status bool) error {
	if msg.Sender != d.owner {
		return ErrNotOwner
	}
	if _, ok := d.factories[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFactory, name)
	}
	d.approved.Put(tx, name, status)
	tx.Emit(d.addr, "FactoryStatusSet", "factory", name, "status", status)
	return nil
}

// SetFirewall sets the firewall new policies are approved on and
// authorized as executor for. The deployer must own that firewall.
func (d *Deployer) SetFirewall(tx *chain.Tx, msg chain.Msg, firewall common.Address) error {
	if msg.Sender != d.owner {
		return ErrNotOwner
	}
	old := d.firewall
	d.firewall = firewall
	tx.Record(func() { d.firewall = old })
	tx.Emit(d.addr, "FirewallSet", "firewall", firewall)
	return nil
}

// DeployPolicy builds a policy from factory name. When a firewall is set the
// policy authorizes it as executor and is approved on it. The caller ends up
// holding the policy's admin roles; the deployer keeps none.
func (d *Deployer) DeployPolicy(tx *chain.Tx, msg chain.Msg, name string) (common.Address, error) {
	f, ok := d.factories[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownFactory, name)
	}
	if !d.approved.Contains(name) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrFactoryNotApproved, name)
	}

	ct, err := tx.Deploy(d.addr, func(addr common.Address) (chain.Contract, error) {
		return f.Build(addr, d.addr)
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("governance: deploy %s: %w", name, err)
	}
	p, ok := ct.(administered)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrPolicyNotAdministrable, name)
	}
	addr := p.Address()
	base := p.PolicyBase()

	err = tx.Enter(d.addr, addr, func(m chain.Msg) error {
		if d.firewall != (common.Address{}) {
			if err := base.SetExecutorStatus(tx, m, d.firewall, true); err != nil {
				return err
			}
		}
		for _, role := range []access.Role{access.DefaultAdminRole, policy.PolicyAdminRole} {
			if err := base.Roles.GrantRole(tx, m, role, msg.Sender); err != nil {
				return err
			}
		}
		base.Roles.RenounceRole(tx, m, policy.PolicyAdminRole)
		base.Roles.RenounceRole(tx, m, access.DefaultAdminRole)
		return nil
	})
	if err != nil {
		return common.Address{}, err
	}

	if d.firewall != (common.Address{}) {
		fwc, _ := tx.Contract(d.firewall)
		fw, ok := fwc.(PolicyApprover)
		if !ok {
			return common.Address{}, fmt.Errorf("%w: %s", ErrFirewallNotGovernable, d.firewall.Hex())
		}
		if err := tx.Enter(d.addr, d.firewall, func(m chain.Msg) error {
			return fw.SetPolicyStatus(tx, m, addr, true)
		}); err != nil {
			return common.Address{}, err
		}
	}

	n := len(d.deployed)
	d.deployed = append(d.deployed, addr)
	tx.Record(func() { d.deployed = d.deployed[:n] })
	tx.Emit(d.addr, "PolicyDeployed", "factory", name, "version", f.Version().String(), "policy", addr, "admin", msg.Sender)
	d.logger.Info("policy deployed", "factory", name, "policy", addr.Hex(), "admin", msg.Sender.Hex())
	return addr, nil
}

func (d *Deployer) routes() {
	d.router.Handle("deployPolicy(string)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		addr, err := d.DeployPolicy(tx, msg, args[0].(string))
		if err != nil {
			return nil, err
		}
		return chain.EncodeValues([]string{"address"}, addr)
	})
	d.router.Handle("setFactoryStatus(string,bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, d.SetFactoryStatus(tx, msg, args[0].(string), args[1].(bool))
	})
	d.router.Handle("setFirewall(address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, d.SetFirewall(tx, msg, args[0].(common.Address))
	})
}
