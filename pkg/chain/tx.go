package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type transientKey struct {
	contract common.Address
	key      string
}

type snapshot struct {
	journal int
	logs    int
}

// Tx is the execution context of one transaction. It is only valid for the
// duration of the Transact or Run call that created it.
type Tx struct {
	ctx       context.Context
	chain     *Chain
	origin    common.Address
	time      time.Time
	block     uint64
	depth     int
	journal   []func()
	transient map[transientKey]any
	logs      []Log
}

func newTx(ctx context.Context, c *Chain, origin common.Address) *Tx {
	return &Tx{
		ctx:       ctx,
		chain:     c,
		origin:    origin,
		time:      c.clock.Now(),
		block:     c.block,
		transient: make(map[transientKey]any),
	}
}

func (tx *Tx) Context() context.Context { return tx.ctx }

// Origin is the account that signed the transaction.
func (tx *Tx) Origin() common.Address { return tx.origin }

// Time is the block timestamp.
func (tx *Tx) Time() time.Time { return tx.time }

// Unix is the block timestamp in seconds.
func (tx *Tx) Unix() uint64 { return uint64(tx.time.Unix()) }

func (tx *Tx) BlockNumber() uint64 { return tx.block }

func (tx *Tx) ChainID() uint64 { return tx.chain.chainID }

// Record appends an undo closure to the journal. It runs if the enclosing
// frame or the transaction reverts.
func (tx *Tx) Record(undo func()) {
	tx.journal = append(tx.journal, undo)
}

func (tx *Tx) snapshot() snapshot {
	return snapshot{journal: len(tx.journal), logs: len(tx.logs)}
}

func (tx *Tx) revertTo(s snapshot) {
	for i := len(tx.journal) - 1; i >= s.journal; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:s.journal]
	tx.logs = tx.logs[:s.logs]
}

// TLoad reads a transient slot of contract. Transient slots are cleared when
// the transaction ends.
func (tx *Tx) TLoad(contract common.Address, key string) any {
	return tx.transient[transientKey{contract, key}]
}

// TStore writes a transient slot of contract.
func (tx *Tx) TStore(contract common.Address, key string, v any) {
	k := transientKey{contract, key}
	old, had := tx.transient[k]
	tx.transient[k] = v
	tx.Record(func() {
		if had {
			tx.transient[k] = old
		} else {
			delete(tx.transient, k)
		}
	})
}

// Contract returns the contract at addr.
func (tx *Tx) Contract(addr common.Address) (Contract, bool) {
	ct, ok := tx.chain.contracts[addr]
	return ct, ok
}

// IsContract reports whether code lives at addr.
func (tx *Tx) IsContract(addr common.Address) bool {
	_, ok := tx.chain.contracts[addr]
	return ok
}

// BalanceOf returns the native balance of addr.
func (tx *Tx) BalanceOf(addr common.Address) *uint256.Int {
	return tx.chain.balanceOf(addr).Clone()
}

// Transfer moves amount from one account to another.
func (tx *Tx) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	bal := tx.chain.balanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, bal.Dec(), amount.Dec())
	}
	tx.setBalance(from, new(uint256.Int).Sub(bal, amount))
	tx.setBalance(to, new(uint256.Int).Add(tx.chain.balanceOf(to), amount))
	return nil
}

func (tx *Tx) setBalance(addr common.Address, v *uint256.Int) {
	old, had := tx.chain.balances[addr]
	tx.chain.balances[addr] = v
	tx.Record(func() {
		if had {
			tx.chain.balances[addr] = old
		} else {
			delete(tx.chain.balances, addr)
		}
	})
}

// Deploy builds a contract at the next address of deployer and registers it.
// The deployment is undone if the transaction reverts.
func (tx *Tx) Deploy(deployer common.Address, build func(addr common.Address) (Contract, error)) (Contract, error) {
	c := tx.chain
	n := c.nonces[deployer]
	addr := c.nextAddress(deployer)
	tx.Record(func() { c.nonces[deployer] = n })
	if _, taken := c.contracts[addr]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddressTaken, addr)
	}
	ct, err := build(addr)
	if err != nil {
		return nil, err
	}
	if ct.Address() != addr {
		return nil, fmt.Errorf("chain: contract built at %s, expected %s", ct.Address(), addr)
	}
	c.contracts[addr] = ct
	tx.Record(func() { delete(c.contracts, addr) })
	return ct, nil
}

// Call performs a message call from caller to to, moving value first. A call
// to an address without code only transfers value. The frame's effects are
// reverted if the callee fails.
func (tx *Tx) Call(caller, to common.Address, value *uint256.Int, input []byte) ([]byte, error) {
	if value == nil {
		value = new(uint256.Int)
	}
	var out []byte
	err := tx.frame(func() error {
		if err := tx.Transfer(caller, to, value); err != nil {
			return err
		}
		ct, ok := tx.chain.contracts[to]
		if !ok {
			return nil
		}
		var err error
		out, err = ct.Invoke(tx, Msg{Sender: caller, Self: to, Value: value.Clone(), Data: input})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delegate executes input against the code at msg.Self while keeping the
// caller and value of msg, as a delegatecall would.
func (tx *Tx) Delegate(msg Msg, input []byte) ([]byte, error) {
	ct, ok := tx.chain.contracts[msg.Self]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, msg.Self)
	}
	var out []byte
	err := tx.frame(func() error {
		var err error
		out, err = ct.Invoke(tx, Msg{Sender: msg.Sender, Self: msg.Self, Value: msg.Value, Data: input})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Enter runs fn as a nested frame in which caller calls callee without value.
// It is used for typed hook calls between contracts.
func (tx *Tx) Enter(caller, callee common.Address, fn func(msg Msg) error) error {
	return tx.frame(func() error {
		return fn(Msg{Sender: caller, Self: callee, Value: new(uint256.Int)})
	})
}

func (tx *Tx) frame(fn func() error) error {
	if tx.depth >= MaxCallDepth {
		return ErrCallDepth
	}
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	snap := tx.snapshot()
	tx.depth++
	err := fn()
	tx.depth--
	if err != nil {
		tx.revertTo(snap)
	}
	return err
}

// Emit appends an event log for contract. Fields are key/value pairs.
func (tx *Tx) Emit(contract common.Address, event string, kv ...any) {
	tx.logs = append(tx.logs, newLog(contract, event, kv))
}
