package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
	"github.com/Mindburn-Labs/helm-firewall/pkg/sample/vault"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

var (
	admin  = common.HexToAddress("0xad")
	alice  = common.HexToAddress("0xa1")
	secret = []byte("test-secret")
)

type fixture struct {
	chain    *chain.Chain
	receipts *store.MemoryReceiptStore
	vault    *vault.Vault
	policy   *approvedcalls.Policy
	handler  http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	receipts := store.NewMemoryReceiptStore()
	c := chain.New(31337, chain.WithReceiptSink(receipts))
	v, err := chain.Deploy(c, admin, func(a common.Address) (*vault.Vault, error) { return vault.New(a, admin), nil })
	require.NoError(t, err)
	p, err := chain.Deploy(c, admin, func(a common.Address) (*approvedcalls.Policy, error) { return approvedcalls.New(a, admin), nil })
	require.NoError(t, err)
	c.Fund(alice, uint256.NewInt(1000))

	opts = append([]Option{WithJWTSecret(secret)}, opts...)
	srv := NewServer(c, receipts, opts...)
	return &fixture{chain: c, receipts: receipts, vault: v, policy: p, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, origin common.Address) string {
	t.Helper()
	tok, err := IssueToken(secret, origin, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 31337, body["chain_id"])
	assert.EqualValues(t, 0, body["block"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "3f2b8c1e-8d6a-4e0b-9a57-0c3d1e2f4a5b")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "3f2b8c1e-8d6a-4e0b-9a57-0c3d1e2f4a5b", rec.Header().Get(requestIDHeader))
}

func TestTransaction_RequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/transactions", "", TransactionRequest{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "/v1/transactions", p.Instance)
	assert.Equal(t, rec.Header().Get(requestIDHeader), p.RequestID)

	rec = f.do(t, http.MethodPost, "/v1/transactions", "not-a-jwt", TransactionRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransaction_Deposit(t *testing.T) {
	f := newFixture(t)
	req := TransactionRequest{Messages: []MessageRequest{{
		To:    f.vault.Address(),
		Value: "0x64",
		Data:  vault.EncodeDeposit(),
	}}}
	rec := f.do(t, http.MethodPost, "/v1/transactions", token(t, alice), req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var receipt chain.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, chain.StatusSuccess, receipt.Status)
	assert.Equal(t, alice, receipt.Origin)
	assert.Equal(t, uint64(100), f.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(900), f.chain.BalanceOf(alice).Uint64())

	stored, err := f.receipts.Get(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.Hash, stored.Hash)
}

func TestTransaction_RevertIsProblem(t *testing.T) {
	f := newFixture(t)
	req := TransactionRequest{Messages: []MessageRequest{{
		To:   f.vault.Address(),
		Data: vault.EncodeWithdraw(uint256.NewInt(5)),
	}}}
	rec := f.do(t, http.MethodPost, "/v1/transactions", token(t, alice), req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Transaction Reverted", p.Title)
	assert.Contains(t, p.Detail, "insufficient funds")
	require.NotEmpty(t, p.ReceiptID)

	stored, err := f.receipts.Get(context.Background(), p.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusReverted, stored.Status)
}

func TestTransaction_BadCalls(t *testing.T) {
	f := newFixture(t)
	tok := token(t, alice)

	rec := f.do(t, http.MethodPost, "/v1/transactions", tok, TransactionRequest{Messages: []MessageRequest{{
		To:   f.vault.Address(),
		Data: hexutil.MustDecode("0xdeadbeef"),
	}}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Call", decodeProblem(t, rec).Title)

	rec = f.do(t, http.MethodPost, "/v1/transactions", tok, TransactionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions", tok, TransactionRequest{Messages: []MessageRequest{{
		To: f.vault.Address(), Value: "ten",
	}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions", tok, map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallHash(t *testing.T) {
	f := newFixture(t)
	data := vault.EncodeDeposit()
	rec := f.do(t, http.MethodPost, "/v1/callhash", "", map[string]any{
		"consumer": f.vault.Address(),
		"sender":   alice,
		"origin":   alice,
		"data":     hexutil.Bytes(data),
		"value":    "10",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	want := callhash.Hash(callhash.Call{Consumer: f.vault.Address(), Sender: alice, Origin: alice, Data: data, Value: uint256.NewInt(10)})
	assert.Equal(t, want.Hex(), body["hash"])
	assert.Equal(t, callhash.MethodSelector(vault.SigDeposit).Hex(), body["selector"])
}

func TestNonce(t *testing.T) {
	f := newFixture(t)
	signer := common.HexToAddress("0x5167")

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/policies/%s/nonces/%s", f.policy.Address().Hex(), signer.Hex()), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["nonce"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/policies/%s/nonces/%s", f.vault.Address().Hex(), signer.Hex()), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/policies/nope/nonces/"+signer.Hex(), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceipts(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.chain.Transact(context.Background(), alice, chain.Message{To: f.vault.Address(), Value: uint256.NewInt(1), Data: vault.EncodeDeposit()})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/v1/receipts?after=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Receipts []*chain.Receipt `json:"receipts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Receipts, 1)
	assert.Equal(t, uint64(2), page.Receipts[0].BlockNumber)

	rec = f.do(t, http.MethodGet, "/v1/receipts/"+page.Receipts[0].ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/receipts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/receipts?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/receipts?after=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithLimiter(NewMemoryLimiter(0.001, 2)))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestVerifyToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := IssueToken(secret, alice, time.Minute, now)
	require.NoError(t, err)

	origin, err := verifyToken(secret, tok, now)
	require.NoError(t, err)
	assert.Equal(t, alice, origin)

	_, err = verifyToken(secret, tok, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = verifyToken([]byte("other"), tok, now)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   alice.Hex(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = verifyToken(secret, unsigned, now)
	assert.Error(t, err)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = verifyToken(secret, bad, now)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestRevertStatus(t *testing.T) {
	status, _ := revertStatus(fmt.Errorf("message 0 to x: %w", approvedcalls.ErrInvalidCallHash))
	assert.Equal(t, http.StatusConflict, status)
	status, _ = revertStatus(fmt.Errorf("wrapped: %w", approvedcalls.ErrInvalidSigner))
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMemoryLimiterForgetsIdleVisitors(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	clock := time.Unix(0, 0)
	l.now = func() time.Time { return clock }

	ok, _ := l.Allow(context.Background(), "a")
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "a")
	assert.False(t, ok)

	clock = clock.Add(4 * time.Minute)
	ok, _ = l.Allow(context.Background(), "b")
	assert.True(t, ok)
	assert.NotContains(t, l.visitors, "a")
}
