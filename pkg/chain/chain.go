// Package chain implements the deterministic ledger the firewall contracts run on.
//
// A Chain executes one transaction at a time. Each transaction carries an
// origin, a block timestamp and a journal of undo closures so that any failing
// frame (or the whole transaction) is rolled back atomically. Contracts keep
// their own state as Go values and record an undo entry for every mutation.
//
// Contract state may only be read or written from inside Transact, Run or View.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
)

// MaxCallDepth bounds nested frames within one transaction.
const MaxCallDepth = 64

var (
	ErrInsufficientBalance = errors.New("chain: insufficient balance")
	ErrCallDepth           = errors.New("chain: max call depth exceeded")
	ErrNoCode              = errors.New("chain: no contract at address")
	ErrAddressTaken        = errors.New("chain: address already in use")
	ErrEmptyTransaction    = errors.New("chain: transaction has no messages")
	ErrUnknownSelector     = errors.New("chain: unknown method selector")
	ErrNotPayable          = errors.New("chain: method is not payable")
	ErrBadCalldata         = errors.New("chain: malformed calldata")
	ErrContractPanic       = errors.New("chain: contract panicked")
)

// Contract is code living at an address.
type Contract interface {
	Address() common.Address
	Invoke(tx *Tx, msg Msg) ([]byte, error)
}

// Msg describes the frame a contract method executes in.
type Msg struct {
	Sender common.Address // immediate caller
	Self   common.Address // executing contract
	Value  *uint256.Int   // value attached to this frame
	Data   []byte         // full calldata, selector included
}

// Message is one top-level call in a transaction.
type Message struct {
	To    common.Address
	Value *uint256.Int
	Data  []byte
}

// ReceiptSink persists sealed receipts.
type ReceiptSink interface {
	Store(ctx context.Context, r *Receipt) error
}

// Telemetry wraps a transaction in a span and records RED metrics.
type Telemetry interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Chain is the single ordering domain for all contract state.
type Chain struct {
	mu        sync.Mutex
	chainID   uint64
	clock     Clock
	logger    *slog.Logger
	sink      ReceiptSink
	telemetry Telemetry

	block     uint64
	head      string
	balances  map[common.Address]*uint256.Int
	contracts map[common.Address]Contract
	nonces    map[common.Address]uint64
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock sets the block time source.
func WithClock(c Clock) Option { return func(ch *Chain) { ch.clock = c } }

// WithLogger sets the chain logger.
func WithLogger(l *slog.Logger) Option { return func(ch *Chain) { ch.logger = l } }

// WithReceiptSink persists every sealed receipt.
func WithReceiptSink(s ReceiptSink) Option { return func(ch *Chain) { ch.sink = s } }

// WithTelemetry traces transactions.
func WithTelemetry(t Telemetry) Option { return func(ch *Chain) { ch.telemetry = t } }

// WithHead resumes the receipt hash chain from a previously persisted receipt.
func WithHead(block uint64, hash string) Option {
	return func(ch *Chain) {
		ch.block = block
		ch.head = hash
	}
}

// New creates an empty chain.
func New(chainID uint64, opts ...Option) *Chain {
	c := &Chain{
		chainID:   chainID,
		clock:     wallClock{},
		logger:    slog.Default().With("component", "chain"),
		balances:  make(map[common.Address]*uint256.Int),
		contracts: make(map[common.Address]Contract),
		nonces:    make(map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChainID returns the chain identifier bound into signatures.
func (c *Chain) ChainID() uint64 { return c.chainID }

// BlockNumber returns the number of the last executed transaction.
func (c *Chain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Head returns the hash of the last sealed receipt.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Fund credits amount to addr outside of any transaction.
func (c *Chain) Fund(addr common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(uint256.Int).Add(c.balanceOf(addr), amount)
}

// BalanceOf returns the native balance of addr.
func (c *Chain) BalanceOf(addr common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(addr).Clone()
}

func (c *Chain) balanceOf(addr common.Address) *uint256.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

// NewAddress reserves the next contract address for deployer.
func (c *Chain) NewAddress(deployer common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextAddress(deployer)
}

func (c *Chain) nextAddress(deployer common.Address) common.Address {
	n := c.nonces[deployer]
	c.nonces[deployer] = n + 1
	return crypto.CreateAddress(deployer, n)
}

// Register installs a contract at its address outside of any transaction.
func (c *Chain) Register(ct Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contracts[ct.Address()]; ok {
		return fmt.Errorf("%w: %s", ErrAddressTaken, ct.Address())
	}
	c.contracts[ct.Address()] = ct
	return nil
}

// Contract returns the contract at addr, if any.
func (c *Chain) Contract(addr common.Address) (Contract, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[addr]
	return ct, ok
}

// Deploy reserves an address for deployer, builds the contract and registers it.
func Deploy[T Contract](c *Chain, deployer common.Address, build func(addr common.Address) (T, error)) (T, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.nextAddress(deployer)
	ct, err := build(addr)
	if err != nil {
		return zero, err
	}
	if ct.Address() != addr {
		return zero, fmt.Errorf("chain: contract built at %s, expected %s", ct.Address(), addr)
	}
	c.contracts[addr] = ct
	return ct, nil
}

// View runs fn with exclusive access to contract state and no transaction.
func (c *Chain) View(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Transact executes a single call from origin as one transaction.
func (c *Chain) Transact(ctx context.Context, origin common.Address, msg Message) (*Receipt, error) {
	return c.TransactBatch(ctx, origin, []Message{msg})
}

// TransactBatch executes msgs in order within one transaction. Transient
// storage is shared across the messages, so a relayer can approve calls and
// then perform them atomically. If any message fails, every effect of the
// transaction is reverted and the failure is returned with the receipt.
func (c *Chain) TransactBatch(ctx context.Context, origin common.Address, msgs []Message) (*Receipt, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyTransaction
	}
	return c.execute(ctx, origin, len(msgs), func(tx *Tx) ([][]byte, error) {
		outputs := make([][]byte, 0, len(msgs))
		for i, m := range msgs {
			out, err := tx.Call(origin, m.To, m.Value, m.Data)
			if err != nil {
				return outputs, fmt.Errorf("message %d to %s: %w", i, m.To, err)
			}
			outputs = append(outputs, out)
		}
		return outputs, nil
	})
}

// Run executes fn as one transaction from origin. It is the typed
// counterpart of TransactBatch for in-process callers.
func (c *Chain) Run(ctx context.Context, origin common.Address, fn func(tx *Tx) error) (*Receipt, error) {
	return c.execute(ctx, origin, 1, func(tx *Tx) ([][]byte, error) {
		return nil, fn(tx)
	})
}

func (c *Chain) execute(ctx context.Context, origin common.Address, n int, body func(tx *Tx) ([][]byte, error)) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := func(error) {}
	if c.telemetry != nil {
		ctx, done = c.telemetry.TrackOperation(ctx, "chain.transact",
			attribute.String("origin", origin.Hex()),
			attribute.Int("messages", n),
		)
	}

	var (
		receipt          *Receipt
		execErr, sealErr error
	)
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.block++
		tx := newTx(ctx, c, origin)
		var outputs [][]byte
		outputs, execErr = runBody(tx, body)
		if execErr != nil {
			tx.revertTo(snapshot{})
		}
		tx.transient = nil
		receipt, sealErr = c.seal(tx, outputs, execErr)
	}()

	if sealErr != nil {
		done(sealErr)
		return nil, sealErr
	}
	if execErr != nil {
		c.logger.Info("transaction reverted", "block", receipt.BlockNumber, "origin", origin.Hex(), "reason", execErr.Error())
	} else {
		c.logger.Debug("transaction executed", "block", receipt.BlockNumber, "origin", origin.Hex(), "logs", len(receipt.Logs))
	}
	if c.sink != nil {
		if err := c.sink.Store(ctx, receipt); err != nil {
			c.logger.Error("receipt persistence failed", "id", receipt.ID, "error", err)
		}
	}
	done(execErr)
	return receipt, execErr
}

// runBody turns a contract panic into a reverted transaction.
func runBody(tx *Tx, body func(tx *Tx) ([][]byte, error)) (outputs [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs, err = nil, fmt.Errorf("%w: %v", ErrContractPanic, r)
		}
	}()
	return body(tx)
}
