// Package access provides role based access control and journaled
// membership sets shared by the firewall contracts.
package access

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// Role identifies a permission. Named roles are the keccak256 of their name.
type Role = common.Hash

// DefaultAdminRole administers every role that has no explicit admin.
var DefaultAdminRole = Role{}

// ErrUnauthorized is matched by every access failure.
var ErrUnauthorized = errors.New("access: unauthorized")

// RoleID derives the identifier of a named role.
func RoleID(name string) Role {
	return crypto.Keccak256Hash([]byte(name))
}

// MissingRoleError reports an account lacking a role.
type MissingRoleError struct {
	Account common.Address
	Role    Role
}

func (e *MissingRoleError) Error() string {
	return fmt.Sprintf("access: account %s is missing role %s", e.Account.Hex(), e.Role.Hex())
}

func (e *MissingRoleError) Is(target error) bool { return target == ErrUnauthorized }

// Roles holds role membership for one contract.
type Roles struct {
	contract common.Address
	members  map[Role]*Set[common.Address]
	admins   map[Role]Role
}

// NewRoles creates the role table of contract and grants admin the default admin role.
func NewRoles(contract, admin common.Address) *Roles {
	r := &Roles{
		contract: contract,
		members:  make(map[Role]*Set[common.Address]),
		admins:   make(map[Role]Role),
	}
	if admin != (common.Address{}) {
		r.set(DefaultAdminRole).Init(admin)
	}
	return r
}

func (r *Roles) set(role Role) *Set[common.Address] {
	s, ok := r.members[role]
	if !ok {
		s = NewSet[common.Address]()
		r.members[role] = s
	}
	return s
}

// Setup grants role to account during construction.
func (r *Roles) Setup(role Role, account common.Address) {
	r.set(role).Init(account)
}

// SetRoleAdmin makes adminRole the administrator of role. Construction only.
func (r *Roles) SetRoleAdmin(role, adminRole Role) {
	r.admins[role] = adminRole
}

// RoleAdmin returns the role that administers role.
func (r *Roles) RoleAdmin(role Role) Role {
	return r.admins[role]
}

func (r *Roles) HasRole(role Role, account common.Address) bool {
	s, ok := r.members[role]
	return ok && s.Contains(account)
}

// Check returns a *MissingRoleError unless account holds role.
func (r *Roles) Check(role Role, account common.Address) error {
	if !r.HasRole(role, account) {
		return &MissingRoleError{Account: account, Role: role}
	}
	return nil
}

// Members lists the holders of role.
func (r *Roles) Members(role Role) []common.Address {
	s, ok := r.members[role]
	if !ok {
		return nil
	}
	return s.Values()
}

// Grant gives role to account without an authorization check. Callers are
// responsible for gating it.
func (r *Roles) Grant(tx *chain.Tx, role Role, account common.Address) {
	if r.set(role).Put(tx, account, true) {
		tx.Emit(r.contract, "RoleGranted", "role", role, "account", account, "sender", tx.Origin())
	}
}

// GrantRole gives role to account if msg.Sender administers role.
func (r *Roles) GrantRole(tx *chain.Tx, msg chain.Msg, role Role, account common.Address) error {
	if err := r.Check(r.RoleAdmin(role), msg.Sender); err != nil {
		return err
	}
	if r.set(role).Put(tx, account, true) {
		tx.Emit(r.contract, "RoleGranted", "role", role, "account", account, "sender", msg.Sender)
	}
	return nil
}

// RevokeRole removes role from account if msg.Sender administers role.
func (r *Roles) RevokeRole(tx *chain.Tx, msg chain.Msg, role Role, account common.Address) error {
	if err := r.Check(r.RoleAdmin(role), msg.Sender); err != nil {
		return err
	}
	r.revoke(tx, msg.Sender, role, account)
	return nil
}

// RenounceRole drops role from the caller.
func (r *Roles) RenounceRole(tx *chain.Tx, msg chain.Msg, role Role) {
	r.revoke(tx, msg.Sender, role, msg.Sender)
}

func (r *Roles) revoke(tx *chain.Tx, sender common.Address, role Role, account common.Address) {
	if r.set(role).Put(tx, account, false) {
		tx.Emit(r.contract, "RoleRevoked", "role", role, "account", account, "sender", sender)
	}
}

// Route registers the grantRole, revokeRole, renounceRole and hasRole methods on router.
func (r *Roles) Route(router *chain.Router) {
	router.Handle("grantRole(bytes32,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, r.GrantRole(tx, msg, args[0].([32]byte), args[1].(common.Address))
	})
	router.Handle("revokeRole(bytes32,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, r.RevokeRole(tx, msg, args[0].([32]byte), args[1].(common.Address))
	})
	router.Handle("renounceRole(bytes32)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		r.RenounceRole(tx, msg, args[0].([32]byte))
		return nil, nil
	})
	router.Handle("hasRole(bytes32,address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"bool"}, r.HasRole(args[0].([32]byte), args[1].(common.Address)))
	})
}
