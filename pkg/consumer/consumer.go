// Package consumer is the interception wrapper embedded by protected
// contracts. It routes protected functions through the firewall and offers
// safeFunctionCall, which settles a fee with the fee proxy and then
// delegate-invokes the real business function.
package consumer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	ErrNotEnoughFee        = errors.New("consumer: not enough fee")
	ErrFeeProxyNotSet      = errors.New("consumer: fee proxy not set")
	ErrNotFirewallAdmin    = errors.New("consumer: caller is not the firewall admin")
	ErrNotNewFirewallAdmin = errors.New("consumer: caller is not the pending firewall admin")
	ErrZeroAddress         = errors.New("consumer: zero address")
	ErrFirewallNotContract = errors.New("consumer: firewall does not implement hooks")
	ErrSafeCallReentered   = errors.New("consumer: safe function call already active")
)

// ProxyCallFailedError wraps the failure of the fee proxy call.
type ProxyCallFailedError struct {
	Reason error
}

func (e *ProxyCallFailedError) Error() string {
	return fmt.Sprintf("consumer: proxy call failed: %v", e.Reason)
}

func (e *ProxyCallFailedError) Unwrap() error { return e.Reason }

// Firewall is the hook surface a consumer calls around protected functions.
type Firewall interface {
	PreExecution(tx *chain.Tx, msg chain.Msg, sender common.Address, data []byte, value *uint256.Int) error
	PostExecution(tx *chain.Tx, msg chain.Msg, sender common.Address, data []byte, value *uint256.Int) error
}

const safeCallKey = "safeFunctionCall"

// marker identifies a protected call that entered through safeFunctionCall.
type marker struct {
	caller common.Address
	active bool
	fee    *uint256.Int
}

// Base holds the firewall configuration of a consumer.
type Base struct {
	addr             common.Address
	firewall         common.Address
	firewallAdmin    common.Address
	newFirewallAdmin common.Address
	feeProxy         common.Address
	Router           *chain.Router
	logger           *slog.Logger
}

// NewBase creates the wrapper for the contract at addr.
func NewBase(addr, admin common.Address) *Base {
	b := &Base{
		addr:          addr,
		firewallAdmin: admin,
		Router:        chain.NewRouter(),
		logger:        slog.Default().With("component", "consumer", "address", addr.Hex()),
	}
	b.routes()
	return b
}

func (b *Base) Address() common.Address { return b.addr }

func (b *Base) Invoke(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return b.Router.Dispatch(tx, msg)
}

func (b *Base) Firewall() common.Address { return b.firewall }

func (b *Base) FirewallAdmin() common.Address { return b.firewallAdmin }

func (b *Base) NewFirewallAdmin() common.Address { return b.newFirewallAdmin }

func (b *Base) FeeProxy() common.Address { return b.feeProxy }

// Configure sets firewall and fee proxy during construction.
func (b *Base) Configure(firewall, feeProxy common.Address) {
	b.firewall = firewall
	b.feeProxy = feeProxy
}

// MsgValue returns the value available to business logic. For the caller
// recorded by an active safeFunctionCall marker it is msg.Value minus the
// fee, once; the marker is deactivated on use.
func (b *Base) MsgValue(tx *chain.Tx, msg chain.Msg) *uint256.Int {
	value := msg.Value
	if value == nil {
		value = new(uint256.Int)
	}
	m, ok := tx.TLoad(b.addr, safeCallKey).(marker)
	if !ok || !m.active || m.caller != msg.Sender {
		return value.Clone()
	}
	tx.TStore(b.addr, safeCallKey, marker{})
	if value.Lt(m.fee) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(value, m.fee)
}

// Protected runs body between the firewall's pre and post hooks. body
// receives the value available to it. Without a firewall body runs directly.
func (b *Base) Protected(tx *chain.Tx, msg chain.Msg, body func(value *uint256.Int) ([]byte, error)) ([]byte, error) {
	value := b.MsgValue(tx, msg)
	if b.firewall == (common.Address{}) {
		return body(value)
	}
	ct, _ := tx.Contract(b.firewall)
	fw, ok := ct.(Firewall)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFirewallNotContract, b.firewall.Hex())
	}
	if err := tx.Enter(b.addr, b.firewall, func(m chain.Msg) error {
		return fw.PreExecution(tx, m, msg.Sender, msg.Data, value)
	}); err != nil {
		return nil, err
	}
	out, err := body(value)
	if err != nil {
		return nil, err
	}
	if err := tx.Enter(b.addr, b.firewall, func(m chain.Msg) error {
		return fw.PostExecution(tx, m, msg.Sender, msg.Data, value)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// SafeFunctionCall pays fee to the fee proxy along with attestation and then
// delegate-invokes inner with the caller and value of msg. Only one safe call
// may be active per consumer; its fee is the one MsgValue deducts.
func (b *Base) SafeFunctionCall(tx *chain.Tx, msg chain.Msg, fee *uint256.Int, attestation, inner []byte) ([]byte, error) {
	if fee == nil {
		fee = new(uint256.Int)
	}
	if msg.Value == nil || msg.Value.Lt(fee) {
		return nil, fmt.Errorf("%w: fee %s exceeds value %s", ErrNotEnoughFee, fee.Dec(), valueString(msg.Value))
	}
	if b.feeProxy == (common.Address{}) {
		return nil, ErrFeeProxyNotSet
	}
	if m, ok := tx.TLoad(b.addr, safeCallKey).(marker); ok && m.active {
		return nil, ErrSafeCallReentered
	}
	tx.TStore(b.addr, safeCallKey, marker{caller: msg.Sender, active: true, fee: fee.Clone()})

	if _, err := tx.Call(b.addr, b.feeProxy, fee, attestation); err != nil {
		return nil, &ProxyCallFailedError{Reason: err}
	}
	out, err := tx.Delegate(msg, inner)
	if err != nil {
		return nil, err
	}
	tx.TStore(b.addr, safeCallKey, marker{})
	return out, nil
}

func valueString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func (b *Base) onlyAdmin(sender common.Address) error {
	if sender != b.firewallAdmin {
		return fmt.Errorf("%w: %s", ErrNotFirewallAdmin, sender.Hex())
	}
	return nil
}

// SetFirewallAdmin proposes candidate as the next admin.
func (b *Base) SetFirewallAdmin(tx *chain.Tx, msg chain.Msg, candidate common.Address) error {
	if err := b.onlyAdmin(msg.Sender); err != nil {
		return err
	}
	if candidate == (common.Address{}) {
		return ErrZeroAddress
	}
	old := b.newFirewallAdmin
	b.newFirewallAdmin = candidate
	tx.Record(func() { b.newFirewallAdmin = old })
	tx.Emit(b.addr, "FirewallAdminProposed", "admin", b.firewallAdmin, "candidate", candidate)
	return nil
}

// AcceptFirewallAdmin completes the handover; only the candidate may call it.
func (b *Base) AcceptFirewallAdmin(tx *chain.Tx, msg chain.Msg) error {
	if b.newFirewallAdmin == (common.Address{}) || msg.Sender != b.newFirewallAdmin {
		return fmt.Errorf("%w: %s", ErrNotNewFirewallAdmin, msg.Sender.Hex())
	}
	oldAdmin, oldPending := b.firewallAdmin, b.newFirewallAdmin
	b.firewallAdmin = msg.Sender
	b.newFirewallAdmin = common.Address{}
	tx.Record(func() {
		b.firewallAdmin = oldAdmin
		b.newFirewallAdmin = oldPending
	})
	tx.Emit(b.addr, "FirewallAdminUpdated", "previousAdmin", oldAdmin, "admin", msg.Sender)
	return nil
}

// SetFirewall points the consumer at a firewall. The zero address disables
// interception.
func (b *Base) SetFirewall(tx *chain.Tx, msg chain.Msg, firewall common.Address) error {
	if err := b.onlyAdmin(msg.Sender); err != nil {
		return err
	}
	old := b.firewall
	b.firewall = firewall
	tx.Record(func() { b.firewall = old })
	tx.Emit(b.addr, "FirewallUpdated", "firewall", firewall)
	return nil
}

// SetFeeProxy sets the proxy that receives safeFunctionCall fees.
func (b *Base) SetFeeProxy(tx *chain.Tx, msg chain.Msg, proxy common.Address) error {
	if err := b.onlyAdmin(msg.Sender); err != nil {
		return err
	}
	old := b.feeProxy
	b.feeProxy = proxy
	tx.Record(func() { b.feeProxy = old })
	tx.Emit(b.addr, "FeeProxyUpdated", "feeProxy", proxy)
	return nil
}
