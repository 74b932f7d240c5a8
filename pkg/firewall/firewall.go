// Package firewall implements the dispatcher that sits between protected
// consumers and their policies.
//
// For every protected call the consumer invokes PreExecution and
// PostExecution on the firewall, which resolves the consumer's global and
// per-selector policies and runs their hooks in registration order. Any
// policy error aborts the call; nothing is partially applied.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
)

var (
	ErrNotOwner              = errors.New("firewall: caller is not the owner")
	ErrNotConsumerAdmin      = errors.New("firewall: caller is not the consumer's firewall admin")
	ErrPolicyNotApproved     = errors.New("firewall: policy not approved")
	ErrPolicyAlreadyAttached = errors.New("firewall: policy already attached")
	ErrPolicyNotAttached     = errors.New("firewall: policy not attached")
	ErrNoPolicies            = errors.New("firewall: no policies attached")
	ErrNotAPolicy            = errors.New("firewall: address does not implement policy hooks")
	ErrZeroAddress           = errors.New("firewall: zero address")
)

const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Consumer is the view of a protected contract the firewall needs for
// authorization of registry changes.
type Consumer interface {
	FirewallAdmin() common.Address
}

// Observer records the outcome of every policy hook.
type Observer interface {
	RecordPolicyDecision(ctx context.Context, phase, policy, consumer string, err error)
}

type registration struct {
	global    []common.Address
	selectors map[callhash.Selector][]common.Address
	require   bool
}

// Firewall is the policy dispatcher contract.
type Firewall struct {
	addr     common.Address
	owner    common.Address
	approved *access.Set[common.Address]
	regs     map[common.Address]*registration
	router   *chain.Router
	observer Observer
	logger   *slog.Logger
}

// New creates a firewall at addr owned by owner.
func New(addr, owner common.Address) *Firewall {
	f := &Firewall{
		addr:     addr,
		owner:    owner,
		approved: access.NewSet[common.Address](),
		regs:     make(map[common.Address]*registration),
		router:   chain.NewRouter(),
		logger:   slog.Default().With("component", "firewall", "address", addr.Hex()),
	}
	f.routes()
	return f
}

// SetObserver installs the decision observer.
func (f *Firewall) SetObserver(o Observer) { f.observer = o }

func (f *Firewall) Address() common.Address { return f.addr }

func (f *Firewall) Owner() common.Address { return f.owner }

func (f *Firewall) Invoke(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return f.router.Dispatch(tx, msg)
}

// TransferOwnership hands the firewall to newOwner.
func (f *Firewall) TransferOwnership(tx *chain.Tx, msg chain.Msg, newOwner common.Address) error {
	if msg.Sender != f.owner {
		return ErrNotOwner
	}
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	old := f.owner
	f.owner = newOwner
	tx.Record(func() { f.owner = old })
	tx.Emit(f.addr, "OwnershipTransferred", "previousOwner", old, "newOwner", newOwner)
	return nil
}

// SetPolicyStatus approves or revokes a policy for attachment.
func (f *Firewall) SetPolicyStatus(tx *chain.Tx, msg chain.Msg, p common.Address, status bool) error {
	if msg.Sender != f.owner {
		return ErrNotOwner
	}
	f.approved.Put(tx, p, status)
	tx.Emit(f.addr, "PolicyStatusSet", "policy", p, "status", status)
	return nil
}

// ApprovedPolicy reports whether p may be attached.
func (f *Firewall) ApprovedPolicy(p common.Address) bool { return f.approved.Contains(p) }

func (f *Firewall) onlyConsumerAdmin(tx *chain.Tx, sender, consumer common.Address) error {
	ct, ok := tx.Contract(consumer)
	if !ok {
		return fmt.Errorf("%w: %s has no code", ErrNotConsumerAdmin, consumer.Hex())
	}
	c, ok := ct.(Consumer)
	if !ok || c.FirewallAdmin() != sender {
		return fmt.Errorf("%w: %s for %s", ErrNotConsumerAdmin, sender.Hex(), consumer.Hex())
	}
	return nil
}

func (f *Firewall) reg(tx *chain.Tx, consumer common.Address) *registration {
	r, ok := f.regs[consumer]
	if !ok {
		r = &registration{selectors: make(map[callhash.Selector][]common.Address)}
		f.regs[consumer] = r
		tx.Record(func() { delete(f.regs, consumer) })
	}
	return r
}

// AddGlobalPolicy attaches p to every protected function of consumer.
func (f *Firewall) AddGlobalPolicy(tx *chain.Tx, msg chain.Msg, consumer, p common.Address) error {
	if err := f.onlyConsumerAdmin(tx, msg.Sender, consumer); err != nil {
		return err
	}
	if !f.approved.Contains(p) {
		return fmt.Errorf("%w: %s", ErrPolicyNotApproved, p.Hex())
	}
	r := f.reg(tx, consumer)
	if slices.Contains(r.global, p) {
		return fmt.Errorf("%w: %s", ErrPolicyAlreadyAttached, p.Hex())
	}
	old := r.global
	r.global = append(slices.Clone(old), p)
	tx.Record(func() { r.global = old })
	tx.Emit(f.addr, "GlobalPolicyAdded", "consumer", consumer, "policy", p)
	return nil
}

// RemoveGlobalPolicy detaches a global policy, keeping the order of the rest.
func (f *Firewall) RemoveGlobalPolicy(tx *chain.Tx, msg chain.Msg, consumer, p common.Address) error {
	if err := f.onlyConsumerAdmin(tx, msg.Sender, consumer); err != nil {
		return err
	}
	r := f.reg(tx, consumer)
	i := slices.Index(r.global, p)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPolicyNotAttached, p.Hex())
	}
	old := r.global
	r.global = slices.Delete(slices.Clone(old), i, i+1)
	tx.Record(func() { r.global = old })
	tx.Emit(f.addr, "GlobalPolicyRemoved", "consumer", consumer, "policy", p)
	return nil
}

// AddPolicy attaches p to one selector of consumer.
func (f *Firewall) AddPolicy(tx *chain.Tx, msg chain.Msg, consumer common.Address, sel callhash.Selector, p common.Address) error {
	if err := f.onlyConsumerAdmin(tx, msg.Sender, consumer); err != nil {
		return err
	}
	if !f.approved.Contains(p) {
		return fmt.Errorf("%w: %s", ErrPolicyNotApproved, p.Hex())
	}
	r := f.reg(tx, consumer)
	old, had := r.selectors[sel]
	if slices.Contains(old, p) {
		return fmt.Errorf("%w: %s on %s", ErrPolicyAlreadyAttached, p.Hex(), sel)
	}
	r.selectors[sel] = append(slices.Clone(old), p)
	tx.Record(func() { restore(r.selectors, sel, old, had) })
	tx.Emit(f.addr, "PolicyAdded", "consumer", consumer, "selector", sel, "policy", p)
	return nil
}

// RemovePolicy detaches p from a selector of consumer.
func (f *Firewall) RemovePolicy(tx *chain.Tx, msg chain.Msg, consumer common.Address, sel callhash.Selector, p common.Address) error {
	if err := f.onlyConsumerAdmin(tx, msg.Sender, consumer); err != nil {
		return err
	}
	r := f.reg(tx, consumer)
	old, had := r.selectors[sel]
	i := slices.Index(old, p)
	if i < 0 {
		return fmt.Errorf("%w: %s on %s", ErrPolicyNotAttached, p.Hex(), sel)
	}
	next := slices.Delete(slices.Clone(old), i, i+1)
	if len(next) == 0 {
		delete(r.selectors, sel)
	} else {
		r.selectors[sel] = next
	}
	tx.Record(func() { restore(r.selectors, sel, old, had) })
	tx.Emit(f.addr, "PolicyRemoved", "consumer", consumer, "selector", sel, "policy", p)
	return nil
}

func restore(m map[callhash.Selector][]common.Address, sel callhash.Selector, old []common.Address, had bool) {
	if had {
		m[sel] = old
	} else {
		delete(m, sel)
	}
}

// SetRequirePolicies makes calls on consumer fail when no policy applies.
func (f *Firewall) SetRequirePolicies(tx *chain.Tx, msg chain.Msg, consumer common.Address, required bool) error {
	if err := f.onlyConsumerAdmin(tx, msg.Sender, consumer); err != nil {
		return err
	}
	r := f.reg(tx, consumer)
	old := r.require
	r.require = required
	tx.Record(func() { r.require = old })
	tx.Emit(f.addr, "RequirePoliciesSet", "consumer", consumer, "required", required)
	return nil
}

// GlobalPolicies lists the global policies of consumer in registration order.
func (f *Firewall) GlobalPolicies(consumer common.Address) []common.Address {
	if r, ok := f.regs[consumer]; ok {
		return slices.Clone(r.global)
	}
	return nil
}

// Policies lists the selector policies of consumer in registration order.
func (f *Firewall) Policies(consumer common.Address, sel callhash.Selector) []common.Address {
	if r, ok := f.regs[consumer]; ok {
		return slices.Clone(r.selectors[sel])
	}
	return nil
}

// RequiresPolicies reports whether consumer fails closed without policies.
func (f *Firewall) RequiresPolicies(consumer common.Address) bool {
	r, ok := f.regs[consumer]
	return ok && r.require
}

// Resolve returns global then selector policies for a call, without duplicates.
func (f *Firewall) Resolve(consumer common.Address, sel callhash.Selector) []common.Address {
	r, ok := f.regs[consumer]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(r.global)+len(r.selectors[sel]))
	out = append(out, r.global...)
	for _, p := range r.selectors[sel] {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// PreExecution runs every applicable policy's pre hook. The calling
// contract is the consumer.
func (f *Firewall) PreExecution(tx *chain.Tx, msg chain.Msg, sender common.Address, data []byte, value *uint256.Int) error {
	return f.dispatch(tx, msg.Sender, PhasePre, sender, data, value)
}

// PostExecution runs every applicable policy's post hook in the same order.
func (f *Firewall) PostExecution(tx *chain.Tx, msg chain.Msg, sender common.Address, data []byte, value *uint256.Int) error {
	return f.dispatch(tx, msg.Sender, PhasePost, sender, data, value)
}

func (f *Firewall) dispatch(tx *chain.Tx, consumer common.Address, phase string, sender common.Address, data []byte, value *uint256.Int) error {
	sel := callhash.SelectorOf(data)
	policies := f.Resolve(consumer, sel)
	if len(policies) == 0 {
		if f.RequiresPolicies(consumer) {
			return fmt.Errorf("%w: %s %s", ErrNoPolicies, consumer.Hex(), sel)
		}
		return nil
	}
	event := "PreExecution"
	if phase == PhasePost {
		event = "PostExecution"
	}
	for _, addr := range policies {
		ct, _ := tx.Contract(addr)
		p, ok := ct.(policy.Policy)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrNotAPolicy, addr.Hex())
			f.record(tx, phase, addr, consumer, err)
			return err
		}
		err := tx.Enter(f.addr, addr, func(m chain.Msg) error {
			if phase == PhasePost {
				return p.PostExecution(tx, m, consumer, sender, data, value)
			}
			return p.PreExecution(tx, m, consumer, sender, data, value)
		})
		f.record(tx, phase, addr, consumer, err)
		if err != nil {
			f.logger.Debug("policy rejected call", "phase", phase, "policy", addr.Hex(), "consumer", consumer.Hex(), "error", err)
			return fmt.Errorf("policy %s %s-execution: %w", addr.Hex(), phase, err)
		}
		tx.Emit(f.addr, event, "consumer", consumer, "policy", addr, "sender", sender, "selector", sel, "value", value)
	}
	return nil
}

func (f *Firewall) record(tx *chain.Tx, phase string, p, consumer common.Address, err error) {
	if f.observer != nil {
		f.observer.RecordPolicyDecision(tx.Context(), phase, p.Hex(), consumer.Hex(), err)
	}
}
