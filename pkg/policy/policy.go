// Package policy defines the hook interface the firewall calls around every
// protected function and the shared administration every policy carries.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// PolicyAdminRole manages executors, approved consumers and policy parameters.
var PolicyAdminRole = access.RoleID("POLICY_ADMIN_ROLE")

var (
	ErrUnauthorizedExecutor = errors.New("policy: caller is not an authorized executor")
	ErrUnapprovedConsumer   = errors.New("policy: consumer is not approved")
	ErrLengthMismatch       = errors.New("policy: array length mismatch")
)

// Policy is the hook pair invoked by the firewall. msg.Sender is the
// executor (the firewall); consumer is the protected contract and sender the
// account that called it. A returned error reverts the protected call.
type Policy interface {
	chain.Contract
	PreExecution(tx *chain.Tx, msg chain.Msg, consumer, sender common.Address, data []byte, value *uint256.Int) error
	PostExecution(tx *chain.Tx, msg chain.Msg, consumer, sender common.Address, data []byte, value *uint256.Int) error
}

// Base carries the role table, executor set and consumer set of a policy.
// Concrete policies embed it and register their own routes on Router.
type Base struct {
	addr      common.Address
	Roles     *access.Roles
	Router    *chain.Router
	executors *access.Set[common.Address]
	consumers *access.Set[common.Address]
}

// NewBase grants admin both the default admin and policy admin roles.
func NewBase(addr, admin common.Address) *Base {
	b := &Base{
		addr:      addr,
		Roles:     access.NewRoles(addr, admin),
		Router:    chain.NewRouter(),
		executors: access.NewSet[common.Address](),
		consumers: access.NewSet[common.Address](),
	}
	if admin != (common.Address{}) {
		b.Roles.Setup(PolicyAdminRole, admin)
	}
	b.Roles.Route(b.Router)
	b.Router.Handle("setExecutorStatus(address,bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, b.SetExecutorStatus(tx, msg, args[0].(common.Address), args[1].(bool))
	})
	b.Router.Handle("setConsumersStatuses(address[],bool[])", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, b.SetConsumersStatuses(tx, msg, args[0].([]common.Address), args[1].([]bool))
	})
	b.Router.Handle("authorizedExecutors(address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"bool"}, b.AuthorizedExecutor(args[0].(common.Address)))
	})
	b.Router.Handle("approvedConsumer(address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"bool"}, b.ApprovedConsumer(args[0].(common.Address)))
	})
	return b
}

func (b *Base) Address() common.Address { return b.addr }

// PolicyBase exposes the shared administration of an embedding policy.
func (b *Base) PolicyBase() *Base { return b }

func (b *Base) Invoke(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return b.Router.Dispatch(tx, msg)
}

// OnlyAdmin fails unless sender holds the policy admin role.
func (b *Base) OnlyAdmin(sender common.Address) error {
	return b.Roles.Check(PolicyAdminRole, sender)
}

// SetExecutorStatus authorizes or deauthorizes an executor.
func (b *Base) SetExecutorStatus(tx *chain.Tx, msg chain.Msg, executor common.Address, status bool) error {
	if err := b.OnlyAdmin(msg.Sender); err != nil {
		return err
	}
	b.executors.Put(tx, executor, status)
	tx.Emit(b.addr, "ExecutorStatusSet", "executor", executor, "status", status)
	return nil
}

// SetConsumersStatuses approves or unapproves consumers pairwise.
func (b *Base) SetConsumersStatuses(tx *chain.Tx, msg chain.Msg, consumers []common.Address, statuses []bool) error {
	if err := b.OnlyAdmin(msg.Sender); err != nil {
		return err
	}
	if len(consumers) != len(statuses) {
		return fmt.Errorf("%w: %d consumers, %d statuses", ErrLengthMismatch, len(consumers), len(statuses))
	}
	for i, c := range consumers {
		b.consumers.Put(tx, c, statuses[i])
		tx.Emit(b.addr, "ConsumerStatusSet", "consumer", c, "status", statuses[i])
	}
	return nil
}

func (b *Base) AuthorizedExecutor(a common.Address) bool { return b.executors.Contains(a) }

func (b *Base) ApprovedConsumer(a common.Address) bool { return b.consumers.Contains(a) }

// Executors lists authorized executors sorted by address.
func (b *Base) Executors() []common.Address { return sorted(b.executors.Values()) }

// Consumers lists approved consumers sorted by address.
func (b *Base) Consumers() []common.Address { return sorted(b.consumers.Values()) }

// CheckCaller enforces that a hook is invoked by an authorized executor on
// behalf of an approved consumer.
func (b *Base) CheckCaller(msg chain.Msg, consumer common.Address) error {
	if !b.executors.Contains(msg.Sender) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedExecutor, msg.Sender.Hex())
	}
	if !b.consumers.Contains(consumer) {
		return fmt.Errorf("%w: %s", ErrUnapprovedConsumer, consumer.Hex())
	}
	return nil
}

func sorted(addrs []common.Address) []common.Address {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}
