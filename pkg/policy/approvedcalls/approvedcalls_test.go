package approvedcalls

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/crypto"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
)

const chainID = 31337

var (
	admin    = common.HexToAddress("0xad")
	firewall = common.HexToAddress("0xf1")
	consumer = common.HexToAddress("0xc1")
	relayer  = common.HexToAddress("0xe1")
	user     = common.HexToAddress("0xa1")
	now      = time.Unix(1_700_000_000, 0)
)

type fixture struct {
	chain  *chain.Chain
	clock  *chain.ManualClock
	policy *Policy
	signer *crypto.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := chain.NewManualClock(now)
	c := chain.New(chainID, chain.WithClock(clock))
	signer, err := crypto.DeriveSigner([]byte("test-seed"), "signer")
	require.NoError(t, err)

	p, err := chain.Deploy(c, admin, func(addr common.Address) (*Policy, error) { return New(addr, admin), nil })
	require.NoError(t, err)
	p.Roles.Setup(SignerRole, signer.Address())

	f := &fixture{chain: c, clock: clock, policy: p, signer: signer}
	require.NoError(t, f.run(admin, func(tx *chain.Tx) error {
		if err := p.SetExecutorStatus(tx, chain.Msg{Sender: admin}, firewall, true); err != nil {
			return err
		}
		return p.SetConsumersStatuses(tx, chain.Msg{Sender: admin}, []common.Address{consumer}, []bool{true})
	}))
	return f
}

func (f *fixture) run(origin common.Address, fn func(tx *chain.Tx) error) error {
	_, err := f.chain.Run(context.Background(), origin, fn)
	return err
}

func (f *fixture) approval(hashes ...common.Hash) Approval {
	return Approval{
		CallHashes: hashes,
		Expiration: uint64(now.Unix()) + 2,
		TxOrigin:   relayer,
		Nonce:      f.policy.Nonce(f.signer.Address()),
	}
}

func (f *fixture) pre(tx *chain.Tx, call callhash.Call) error {
	return f.policy.PreExecution(tx, chain.Msg{Sender: firewall}, call.Consumer, call.Sender, call.Data, call.Value)
}

func call(data string, value uint64) callhash.Call {
	return callhash.Call{Consumer: consumer, Sender: user, Origin: relayer, Data: []byte(data), Value: uint256.NewInt(value)}
}

func TestApproveCalls_ConsumesFromEnd(t *testing.T) {
	f := newFixture(t)
	callA, callB := call("A", 0), call("B", 5)
	hashA, hashB := callhash.Hash(callA), callhash.Hash(callB)

	err := f.run(relayer, func(tx *chain.Tx) error {
		require.NoError(t, f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, f.approval(hashA, hashB)))
		assert.Equal(t, []common.Hash{hashA, hashB}, f.policy.CurrentApprovedCalls(tx))

		require.NoError(t, f.pre(tx, callB))
		assert.Equal(t, []common.Hash{hashA}, f.policy.CurrentApprovedCalls(tx))

		require.NoError(t, f.pre(tx, callA))
		assert.Empty(t, f.policy.CurrentApprovedCalls(tx))

		assert.ErrorIs(t, f.pre(tx, callA), ErrCallHashesEmpty)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.policy.Nonce(f.signer.Address()))
}

func TestPreExecution_WrongOrderFails(t *testing.T) {
	f := newFixture(t)
	callA, callB := call("A", 0), call("B", 0)

	err := f.run(relayer, func(tx *chain.Tx) error {
		require.NoError(t, f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()},
			f.approval(callhash.Hash(callA), callhash.Hash(callB))))
		return f.pre(tx, callA)
	})
	require.ErrorIs(t, err, ErrInvalidCallHash)
	assert.Equal(t, uint64(0), f.policy.Nonce(f.signer.Address()), "nonce increment reverts with the transaction")
}

func TestPreExecution_ValueAndOriginBound(t *testing.T) {
	f := newFixture(t)
	c := call("A", 100)

	err := f.run(relayer, func(tx *chain.Tx) error {
		require.NoError(t, f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, f.approval(callhash.Hash(c))))
		altered := c
		altered.Value = uint256.NewInt(99)
		return f.pre(tx, altered)
	})
	assert.ErrorIs(t, err, ErrInvalidCallHash)
}

func TestPendingClearedAtTransactionBoundary(t *testing.T) {
	f := newFixture(t)
	c := call("A", 0)
	require.NoError(t, f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, f.approval(callhash.Hash(c), callhash.Hash(c)))
	}))

	err := f.run(relayer, func(tx *chain.Tx) error {
		assert.Empty(t, f.policy.CurrentApprovedCalls(tx))
		return f.pre(tx, c)
	})
	assert.ErrorIs(t, err, ErrCallHashesEmpty)
}

func TestApproveCalls_Guards(t *testing.T) {
	h := callhash.Hash(call("A", 0))
	signerMsg := func(f *fixture) chain.Msg { return chain.Msg{Sender: f.signer.Address()} }

	tests := []struct {
		name   string
		origin common.Address
		mutate func(f *fixture, a *Approval)
		want   error
	}{
		{"empty hashes", relayer, func(_ *fixture, a *Approval) { a.CallHashes = nil }, ErrEmptyCallHashes},
		{"future nonce", relayer, func(_ *fixture, a *Approval) { a.Nonce = 1 }, ErrInvalidNonce},
		{"expired", relayer, func(_ *fixture, a *Approval) { a.Expiration = uint64(now.Unix()) - 1 }, ErrExpired},
		{"wrong origin", user, func(_ *fixture, a *Approval) {}, ErrInvalidTxOrigin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.approval(h)
			tt.mutate(f, &a)
			err := f.run(tt.origin, func(tx *chain.Tx) error {
				return f.policy.ApproveCalls(tx, signerMsg(f), a)
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(0), f.policy.Nonce(f.signer.Address()))
		})
	}
}

func TestApproveCalls_ExpirationAtBlockTimeAccepted(t *testing.T) {
	f := newFixture(t)
	a := f.approval(callhash.Hash(call("A", 0)))
	a.Expiration = uint64(now.Unix())
	require.NoError(t, f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, a)
	}))
}

func TestApproveCalls_NonceReplay(t *testing.T) {
	f := newFixture(t)
	a := f.approval(callhash.Hash(call("A", 0)))
	approve := func() error {
		return f.run(relayer, func(tx *chain.Tx) error {
			return f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, a)
		})
	}
	require.NoError(t, approve())
	assert.Equal(t, uint64(1), f.policy.Nonce(f.signer.Address()))
	assert.ErrorIs(t, approve(), ErrInvalidNonce)
	assert.Equal(t, uint64(1), f.policy.Nonce(f.signer.Address()))
}

func TestApproveCalls_RequiresSignerRole(t *testing.T) {
	f := newFixture(t)
	err := f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.ApproveCalls(tx, chain.Msg{Sender: relayer}, f.approval(callhash.Hash(call("A", 0))))
	})
	assert.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestApproveCallsViaSignature(t *testing.T) {
	f := newFixture(t)
	c := call("A", 0)
	a := f.approval(callhash.Hash(c))
	sig, err := SignApproval(f.signer, a, f.policy.Address(), chainID)
	require.NoError(t, err)

	err = f.run(relayer, func(tx *chain.Tx) error {
		require.NoError(t, f.policy.ApproveCallsViaSignature(tx, chain.Msg{Sender: relayer}, a, sig))
		return f.pre(tx, c)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.policy.Nonce(f.signer.Address()))

	err = f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.ApproveCallsViaSignature(tx, chain.Msg{Sender: relayer}, a, sig)
	})
	assert.ErrorIs(t, err, ErrInvalidNonce, "a signed approval cannot be replayed")
}

func TestApproveCallsViaSignature_Rejects(t *testing.T) {
	f := newFixture(t)
	a := f.approval(callhash.Hash(call("A", 0)))
	good, err := SignApproval(f.signer, a, f.policy.Address(), chainID)
	require.NoError(t, err)

	outsider, err := crypto.DeriveSigner([]byte("test-seed"), "outsider")
	require.NoError(t, err)
	byOutsider, err := SignApproval(outsider, a, f.policy.Address(), chainID)
	require.NoError(t, err)
	otherPolicy, err := SignApproval(f.signer, a, common.HexToAddress("0xbad"), chainID)
	require.NoError(t, err)
	otherChain, err := SignApproval(f.signer, a, f.policy.Address(), chainID+1)
	require.NoError(t, err)

	tampered := a
	tampered.Expiration++

	expired := a
	expired.Expiration = uint64(now.Unix()) - 1
	expiredSig, err := SignApproval(f.signer, expired, f.policy.Address(), chainID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		origin   common.Address
		approval Approval
		sig      []byte
		want     error
	}{
		{"truncated", relayer, a, good[:64], ErrInvalidSignature},
		{"empty", relayer, a, nil, ErrInvalidSignature},
		{"garbage v", relayer, a, append(append([]byte{}, good[:64]...), 9), ErrInvalidSignature},
		{"not a signer", relayer, a, byOutsider, ErrInvalidSigner},
		{"other policy", relayer, a, otherPolicy, ErrInvalidSigner},
		{"other chain", relayer, a, otherChain, ErrInvalidSigner},
		{"tampered payload", relayer, tampered, good, ErrInvalidSigner},
		{"wrong origin", user, a, good, ErrInvalidTxOrigin},
		{"expired", relayer, expired, expiredSig, ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.run(tt.origin, func(tx *chain.Tx) error {
				return f.policy.ApproveCallsViaSignature(tx, chain.Msg{Sender: tt.origin}, tt.approval, tt.sig)
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(0), f.policy.Nonce(f.signer.Address()))
		})
	}
}

func TestPreExecution_CallerChecks(t *testing.T) {
	f := newFixture(t)
	c := call("A", 0)
	err := f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.PreExecution(tx, chain.Msg{Sender: user}, consumer, user, c.Data, c.Value)
	})
	assert.ErrorIs(t, err, policy.ErrUnauthorizedExecutor)

	err = f.run(relayer, func(tx *chain.Tx) error {
		return f.policy.PreExecution(tx, chain.Msg{Sender: firewall}, user, user, c.Data, c.Value)
	})
	assert.ErrorIs(t, err, policy.ErrUnapprovedConsumer)
}

func TestPostExecution_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	h := callhash.Hash(call("A", 0))
	err := f.run(relayer, func(tx *chain.Tx) error {
		require.NoError(t, f.policy.ApproveCalls(tx, chain.Msg{Sender: f.signer.Address()}, f.approval(h)))
		for i := 0; i < 3; i++ {
			require.NoError(t, f.policy.PostExecution(tx, chain.Msg{Sender: firewall}, consumer, user, nil, nil))
		}
		assert.Equal(t, []common.Hash{h}, f.policy.CurrentApprovedCalls(tx))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.policy.Nonce(f.signer.Address()))
}

func TestMessageHash_MatchesManualEncoding(t *testing.T) {
	policyAddr := common.HexToAddress("0x5050")
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")
	a := Approval{CallHashes: []common.Hash{h1, h2}, Expiration: 77, TxOrigin: relayer, Nonce: 3}

	word := func(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }
	var enc []byte
	enc = append(enc, word(big.NewInt(6*32))...)
	enc = append(enc, word(big.NewInt(77))...)
	enc = append(enc, common.LeftPadBytes(relayer.Bytes(), 32)...)
	enc = append(enc, word(big.NewInt(3))...)
	enc = append(enc, common.LeftPadBytes(policyAddr.Bytes(), 32)...)
	enc = append(enc, word(big.NewInt(chainID))...)
	enc = append(enc, word(big.NewInt(2))...)
	enc = append(enc, h1.Bytes()...)
	enc = append(enc, h2.Bytes()...)

	assert.Equal(t, ethcrypto.Keccak256Hash(enc), MessageHash(a, policyAddr, chainID))
	assert.Equal(t, crypto.PersonalDigest(ethcrypto.Keccak256(enc)), ApprovalDigest(a, policyAddr, chainID))
}

func TestExecutionOrder(t *testing.T) {
	a, b, c := common.HexToHash("0x0a"), common.HexToHash("0x0b"), common.HexToHash("0x0c")
	in := []common.Hash{a, b, c}
	assert.Equal(t, []common.Hash{c, b, a}, ExecutionOrder(in))
	assert.Equal(t, []common.Hash{a, b, c}, in, "input is not modified")
}

func TestRoutes_ApproveAndQueryOverABI(t *testing.T) {
	f := newFixture(t)
	c := call("A", 0)
	a := f.approval(callhash.Hash(c))
	sig, err := SignApproval(f.signer, a, f.policy.Address(), chainID)
	require.NoError(t, err)
	data, err := EncodeApproveCallsViaSignature(a, sig)
	require.NoError(t, err)

	r, err := f.chain.TransactBatch(context.Background(), relayer, []chain.Message{
		{To: f.policy.Address(), Data: data},
		{To: f.policy.Address(), Data: chain.MustEncode("getCurrentApprovedCalls()")},
	})
	require.NoError(t, err)
	vals, err := chain.DecodeValues([]string{"bytes32[]"}, r.Outputs[1])
	require.NoError(t, err)
	hashes, err := chain.HashesArg(vals[0])
	require.NoError(t, err)
	assert.Equal(t, a.CallHashes, hashes)
	require.Len(t, r.Logs, 1)
	assert.Equal(t, "CallsApprovedViaSignature", r.Logs[0].Event)

	r, err = f.chain.Transact(context.Background(), relayer, chain.Message{
		To: f.policy.Address(), Data: chain.MustEncode("nonces(address)", f.signer.Address()),
	})
	require.NoError(t, err)
	vals, err = chain.DecodeValues([]string{"uint256"}, r.Outputs[0])
	require.NoError(t, err)
	n, err := chain.Uint64Arg(vals[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	r, err = f.chain.Transact(context.Background(), relayer, chain.Message{
		To: f.policy.Address(),
		Data: chain.MustEncode("getCallHash(address,address,address,bytes,uint256)",
			c.Consumer, c.Sender, c.Origin, []byte(c.Data), chain.Big(c.Value)),
	})
	require.NoError(t, err)
	assert.Equal(t, callhash.Hash(c).Bytes(), []byte(r.Outputs[0]))

	direct, err := EncodeApproveCalls(f.approval(callhash.Hash(c)))
	require.NoError(t, err)
	_, err = f.chain.Transact(context.Background(), relayer, chain.Message{To: f.policy.Address(), Data: direct})
	var missing *access.MissingRoleError
	assert.True(t, errors.As(err, &missing), "relayer holds no signer role")
}
