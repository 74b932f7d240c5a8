package access

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	self   = common.HexToAddress("0xc0ffee")
	admin  = common.HexToAddress("0xad")
	signer = common.HexToAddress("0x51")
	other  = common.HexToAddress("0x07")
)

var signerRole = RoleID("SIGNER_ROLE")

func run(t *testing.T, c *chain.Chain, fn func(tx *chain.Tx) error) error {
	t.Helper()
	_, err := c.Run(context.Background(), admin, fn)
	return err
}

func TestRoleID(t *testing.T) {
	assert.Equal(t, "0xe2f4eaae4a9751e85a3e4a7b9587827a877f29914755229b07a7b2da98285f70", RoleID("SIGNER_ROLE").Hex())
	assert.Equal(t, common.Hash{}, DefaultAdminRole)
}

func TestGrantRevoke(t *testing.T) {
	c := chain.New(1)
	r := NewRoles(self, admin)
	assert.True(t, r.HasRole(DefaultAdminRole, admin))

	err := run(t, c, func(tx *chain.Tx) error {
		return r.GrantRole(tx, chain.Msg{Sender: admin}, signerRole, signer)
	})
	require.NoError(t, err)
	assert.True(t, r.HasRole(signerRole, signer))
	assert.NoError(t, r.Check(signerRole, signer))

	err = run(t, c, func(tx *chain.Tx) error {
		return r.GrantRole(tx, chain.Msg{Sender: other}, signerRole, other)
	})
	var missing *MissingRoleError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, other, missing.Account)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, r.HasRole(signerRole, other))

	err = run(t, c, func(tx *chain.Tx) error {
		return r.RevokeRole(tx, chain.Msg{Sender: admin}, signerRole, signer)
	})
	require.NoError(t, err)
	assert.False(t, r.HasRole(signerRole, signer))
}

func TestRoleChangesRevertWithTx(t *testing.T) {
	c := chain.New(1)
	r := NewRoles(self, admin)
	boom := errors.New("boom")

	err := run(t, c, func(tx *chain.Tx) error {
		require.NoError(t, r.GrantRole(tx, chain.Msg{Sender: admin}, signerRole, signer))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, r.HasRole(signerRole, signer))
}

func TestCustomRoleAdmin(t *testing.T) {
	c := chain.New(1)
	r := NewRoles(self, admin)
	managers := RoleID("MANAGER_ROLE")
	r.SetRoleAdmin(signerRole, managers)
	r.Setup(managers, other)

	err := run(t, c, func(tx *chain.Tx) error {
		return r.GrantRole(tx, chain.Msg{Sender: admin}, signerRole, signer)
	})
	assert.ErrorIs(t, err, ErrUnauthorized, "default admin no longer administers the role")

	err = run(t, c, func(tx *chain.Tx) error {
		return r.GrantRole(tx, chain.Msg{Sender: other}, signerRole, signer)
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.Address{signer}, r.Members(signerRole))
}

func TestRenounce(t *testing.T) {
	c := chain.New(1)
	r := NewRoles(self, admin)
	err := run(t, c, func(tx *chain.Tx) error {
		r.RenounceRole(tx, chain.Msg{Sender: admin}, DefaultAdminRole)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, r.HasRole(DefaultAdminRole, admin))
}

func TestSetPut(t *testing.T) {
	c := chain.New(1)
	s := NewSet[string]()
	err := run(t, c, func(tx *chain.Tx) error {
		assert.True(t, s.Put(tx, "a", true))
		assert.False(t, s.Put(tx, "a", true))
		assert.True(t, s.Put(tx, "b", true))
		assert.True(t, s.Put(tx, "a", false))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, s.Values())
	assert.Equal(t, 1, s.Len())
}
