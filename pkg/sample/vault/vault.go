// Package vault is a sample protected consumer: a native-currency vault
// whose deposit and withdraw functions run behind the firewall.
package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/consumer"
)

var ErrInsufficientFunds = errors.New("vault: insufficient funds")

const (
	SigDeposit   = "deposit()"
	SigWithdraw  = "withdraw(uint256)"
	SigBalanceOf = "balanceOf(address)"
)

// Vault holds per-account deposits.
type Vault struct {
	*consumer.Base
	balances map[common.Address]*uint256.Int
}

func New(addr, admin common.Address) *Vault {
	v := &Vault{Base: consumer.NewBase(addr, admin), balances: make(map[common.Address]*uint256.Int)}
	v.Router.HandlePayable(SigDeposit, func(tx *chain.Tx, msg chain.Msg, _ []any) ([]byte, error) {
		return v.Deposit(tx, msg)
	})
	v.Router.Handle(SigWithdraw, func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		amount, err := chain.Uint256Arg(args[0])
		if err != nil {
			return nil, err
		}
		return v.Withdraw(tx, msg, amount)
	})
	v.Router.Handle(SigBalanceOf, func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"uint256"}, chain.Big(v.BalanceOf(args[0].(common.Address))))
	})
	return v
}

// BalanceOf returns the deposit of account.
func (v *Vault) BalanceOf(account common.Address) *uint256.Int {
	if b, ok := v.balances[account]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (v *Vault) credit(tx *chain.Tx, account common.Address, next *uint256.Int) {
	old, had := v.balances[account]
	v.balances[account] = next
	tx.Record(func() {
		if had {
			v.balances[account] = old
		} else {
			delete(v.balances, account)
		}
	})
}

// Deposit credits the caller with the value available to the call.
func (v *Vault) Deposit(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return v.Protected(tx, msg, func(value *uint256.Int) ([]byte, error) {
		v.credit(tx, msg.Sender, new(uint256.Int).Add(v.BalanceOf(msg.Sender), value))
		tx.Emit(v.Address(), "Deposited", "account", msg.Sender, "amount", value)
		return nil, nil
	})
}

// Withdraw debits the caller and sends amount back.
func (v *Vault) Withdraw(tx *chain.Tx, msg chain.Msg, amount *uint256.Int) ([]byte, error) {
	return v.Protected(tx, msg, func(*uint256.Int) ([]byte, error) {
		bal := v.BalanceOf(msg.Sender)
		if bal.Lt(amount) {
			return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, bal.Dec(), amount.Dec())
		}
		v.credit(tx, msg.Sender, new(uint256.Int).Sub(bal, amount))
		if _, err := tx.Call(v.Address(), msg.Sender, amount, nil); err != nil {
			return nil, err
		}
		tx.Emit(v.Address(), "Withdrawn", "account", msg.Sender, "amount", amount)
		return nil, nil
	})
}

// EncodeDeposit builds deposit calldata.
func EncodeDeposit() []byte { return chain.MustEncode(SigDeposit) }

// EncodeWithdraw builds withdraw calldata.
func EncodeWithdraw(amount *uint256.Int) []byte {
	return chain.MustEncode(SigWithdraw, chain.Big(amount))
}
