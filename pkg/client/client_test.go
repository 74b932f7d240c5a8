package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/api"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
	"github.com/Mindburn-Labs/helm-firewall/pkg/sample/vault"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

var (
	admin  = common.HexToAddress("0xad")
	alice  = common.HexToAddress("0xa1")
	secret = []byte("client-secret")
)

type env struct {
	vault  *vault.Vault
	policy *approvedcalls.Policy
	client *Client
}

func setup(t *testing.T) *env {
	t.Helper()
	receipts := store.NewMemoryReceiptStore()
	c := chain.New(31337, chain.WithReceiptSink(receipts))
	v, err := chain.Deploy(c, admin, func(a common.Address) (*vault.Vault, error) { return vault.New(a, admin), nil })
	require.NoError(t, err)
	p, err := chain.Deploy(c, admin, func(a common.Address) (*approvedcalls.Policy, error) { return approvedcalls.New(a, admin), nil })
	require.NoError(t, err)
	c.Fund(alice, uint256.NewInt(1000))

	srv := httptest.NewServer(api.NewServer(c, receipts, api.WithJWTSecret(secret)).Handler())
	t.Cleanup(srv.Close)

	tok, err := api.IssueToken(secret, alice, time.Hour, time.Now())
	require.NoError(t, err)
	return &env{vault: v, policy: p, client: New(srv.URL, WithToken(tok), WithTimeout(5*time.Second))}
}

func TestClient_SubmitAndReadBack(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	r, err := e.client.Submit(ctx, chain.Message{To: e.vault.Address(), Value: uint256.NewInt(100), Data: vault.EncodeDeposit()})
	require.NoError(t, err)
	assert.Equal(t, chain.StatusSuccess, r.Status)
	assert.Equal(t, uint64(100), e.vault.BalanceOf(alice).Uint64())

	got, err := e.client.Receipt(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Hash, got.Hash)
	require.NoError(t, got.Verify())

	list, err := e.client.Receipts(ctx, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, r.ID, list[len(list)-1].ID)

	h, err := e.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, uint64(31337), h.ChainID)
	assert.Equal(t, r.Hash, h.Head)
}

func TestClient_RevertCarriesReceipt(t *testing.T) {
	e := setup(t)
	_, err := e.client.Submit(context.Background(), chain.Message{To: e.vault.Address(), Data: vault.EncodeWithdraw(uint256.NewInt(5))})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.NotEmpty(t, apiErr.Problem.ReceiptID)
	assert.Contains(t, apiErr.Error(), "insufficient funds")
}

func TestClient_NoToken(t *testing.T) {
	e := setup(t)
	e.client.Token = ""
	_, err := e.client.Submit(context.Background(), chain.Message{To: e.vault.Address(), Data: vault.EncodeDeposit()})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClient_CallHashAndNonce(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	call := callhash.Call{Consumer: e.vault.Address(), Sender: alice, Origin: alice, Data: vault.EncodeDeposit(), Value: uint256.NewInt(7)}

	h, err := e.client.CallHash(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, callhash.Hash(call), h)

	n, err := e.client.Nonce(ctx, e.policy.Address(), admin)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.client.Nonce(ctx, e.vault.Address(), admin)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_MissingReceipt(t *testing.T) {
	e := setup(t)
	_, err := e.client.Receipt(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
