package policy

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	ErrSenderNotAllowed = errors.New("policy: sender not allowed")
	ErrMethodForbidden  = errors.New("policy: method forbidden")
	ErrOnlyEOA          = errors.New("policy: caller must be an externally owned account")
)

// AllowlistPolicy admits only senders explicitly allowed per consumer.
type AllowlistPolicy struct {
	*Base
	allowed map[common.Address]*access.Set[common.Address]
}

func NewAllowlistPolicy(addr, admin common.Address) *AllowlistPolicy {
	p := &AllowlistPolicy{Base: NewBase(addr, admin), allowed: make(map[common.Address]*access.Set[common.Address])}
	p.Router.Handle("setAllowed(address,address[],bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, p.SetAllowed(tx, msg, args[0].(common.Address), args[1].([]common.Address), args[2].(bool))
	})
	p.Router.Handle("isAllowed(address,address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"bool"}, p.IsAllowed(args[0].(common.Address), args[1].(common.Address)))
	})
	return p
}

// SetAllowed updates the allowlist of consumer.
func (p *AllowlistPolicy) SetAllowed(tx *chain.Tx, msg chain.Msg, consumer common.Address, accounts []common.Address, status bool) error {
	if err := p.OnlyAdmin(msg.Sender); err != nil {
		return err
	}
	set, ok := p.allowed[consumer]
	if !ok {
		set = access.NewSet[common.Address]()
		p.allowed[consumer] = set
		tx.Record(func() { delete(p.allowed, consumer) })
	}
	for _, a := range accounts {
		set.Put(tx, a, status)
		tx.Emit(p.addr, "AllowedSet", "consumer", consumer, "account", a, "status", status)
	}
	return nil
}

func (p *AllowlistPolicy) IsAllowed(consumer, account common.Address) bool {
	set, ok := p.allowed[consumer]
	return ok && set.Contains(account)
}

func (p *AllowlistPolicy) PreExecution(_ *chain.Tx, msg chain.Msg, consumer, sender common.Address, _ []byte, _ *uint256.Int) error {
	if err := p.CheckCaller(msg, consumer); err != nil {
		return err
	}
	if !p.IsAllowed(consumer, sender) {
		return fmt.Errorf("%w: %s on %s", ErrSenderNotAllowed, sender.Hex(), consumer.Hex())
	}
	return nil
}

func (p *AllowlistPolicy) PostExecution(*chain.Tx, chain.Msg, common.Address, common.Address, []byte, *uint256.Int) error {
	return nil
}

// ForbiddenMethodsPolicy rejects calls to selectors blocked per consumer.
type ForbiddenMethodsPolicy struct {
	*Base
	forbidden map[common.Address]*access.Set[callhash.Selector]
}

func NewForbiddenMethodsPolicy(addr, admin common.Address) *ForbiddenMethodsPolicy {
	p := &ForbiddenMethodsPolicy{Base: NewBase(addr, admin), forbidden: make(map[common.Address]*access.Set[callhash.Selector])}
	p.Router.Handle("setMethodStatus(address,bytes4,bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, p.SetMethodStatus(tx, msg, args[0].(common.Address), args[1].([4]byte), args[2].(bool))
	})
	return p
}

// SetMethodStatus forbids (status true) or re-allows a selector on consumer.
func (p *ForbiddenMethodsPolicy) SetMethodStatus(tx *chain.Tx, msg chain.Msg, consumer common.Address, selector callhash.Selector, forbidden bool) error {
	if err := p.OnlyAdmin(msg.Sender); err != nil {
		return err
	}
	set, ok := p.forbidden[consumer]
	if !ok {
		set = access.NewSet[callhash.Selector]()
		p.forbidden[consumer] = set
		tx.Record(func() { delete(p.forbidden, consumer) })
	}
	set.Put(tx, selector, forbidden)
	tx.Emit(p.addr, "MethodStatusSet", "consumer", consumer, "selector", selector, "forbidden", forbidden)
	return nil
}

func (p *ForbiddenMethodsPolicy) IsForbidden(consumer common.Address, selector callhash.Selector) bool {
	set, ok := p.forbidden[consumer]
	return ok && set.Contains(selector)
}

func (p *ForbiddenMethodsPolicy) PreExecution(_ *chain.Tx, msg chain.Msg, consumer, _ common.Address, data []byte, _ *uint256.Int) error {
	if err := p.CheckCaller(msg, consumer); err != nil {
		return err
	}
	if sel := callhash.SelectorOf(data); p.IsForbidden(consumer, sel) {
		return fmt.Errorf("%w: %s on %s", ErrMethodForbidden, sel, consumer.Hex())
	}
	return nil
}

func (p *ForbiddenMethodsPolicy) PostExecution(*chain.Tx, chain.Msg, common.Address, common.Address, []byte, *uint256.Int) error {
	return nil
}

// OnlyEOAPolicy requires the immediate caller to be the transaction origin,
// so contracts cannot call protected functions.
type OnlyEOAPolicy struct {
	*Base
}

func NewOnlyEOAPolicy(addr, admin common.Address) *OnlyEOAPolicy {
	return &OnlyEOAPolicy{Base: NewBase(addr, admin)}
}

func (p *OnlyEOAPolicy) PreExecution(tx *chain.Tx, msg chain.Msg, consumer, sender common.Address, _ []byte, _ *uint256.Int) error {
	if err := p.CheckCaller(msg, consumer); err != nil {
		return err
	}
	if sender != tx.Origin() || tx.IsContract(sender) {
		return fmt.Errorf("%w: %s", ErrOnlyEOA, sender.Hex())
	}
	return nil
}

func (p *OnlyEOAPolicy) PostExecution(*chain.Tx, chain.Msg, common.Address, common.Address, []byte, *uint256.Int) error {
	return nil
}
