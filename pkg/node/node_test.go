package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/config"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
	"github.com/Mindburn-Labs/helm-firewall/pkg/sample/vault"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

const deploymentYAML = `
chain_id: 1337
seed: node-test
accounts:
  - label: admin
  - label: signer
  - label: relayer
    balance: "1000000"
  - label: alice
    balance: "1000"
firewall:
  owner: admin
fee_proxy:
  owner: admin
policies:
  - name: approvals
    kind: approved_calls
    admin: admin
    signers: [signer]
  - name: members
    kind: allowlist
    admin: admin
    allow:
      vault: [relayer]
  - name: limits
    kind: expression
    admin: admin
    expressions:
      vault: "data_len == 36"
  - name: frozen
    kind: forbidden_methods
    admin: admin
    forbid:
      locked: ["withdraw(uint256)"]
consumers:
  - name: vault
    kind: vault
    admin: admin
    require_policies: true
    global_policies: [approvals]
    selector_policies:
      - method: withdraw(uint256)
        policies: [members, limits]
  - name: locked
    kind: vault
    admin: admin
    global_policies: [frozen]
`

var now = time.Unix(1_700_000_000, 0)

type decisions struct {
	mu   sync.Mutex
	seen []string
}

func (d *decisions) RecordPolicyDecision(_ context.Context, phase, _, _ string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outcome := "allow"
	if err != nil {
		outcome = "deny"
	}
	d.seen = append(d.seen, phase+":"+outcome)
}

func parse(t *testing.T, doc string) *config.Deployment {
	t.Helper()
	d, err := config.ParseDeployment([]byte(doc))
	require.NoError(t, err)
	return d
}

func bootstrap(t *testing.T, opts Options) *Node {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = chain.NewManualClock(now)
	}
	n, err := Bootstrap(context.Background(), parse(t, deploymentYAML), opts)
	require.NoError(t, err)
	return n
}

func (n *Node) approvals(t *testing.T) *approvedcalls.Policy {
	t.Helper()
	ct, ok := n.Chain.Contract(n.Policies["approvals"])
	require.True(t, ok)
	return ct.(*approvedcalls.Policy)
}

// approved prefixes calls with a signed approval covering them in execution order.
func (n *Node) approved(t *testing.T, origin common.Address, calls ...chain.Message) []chain.Message {
	t.Helper()
	p := n.approvals(t)
	signer := n.Accounts["signer"]
	hashes := make([]common.Hash, len(calls))
	for i, c := range calls {
		hashes[len(calls)-1-i] = callhash.Hash(callhash.Call{Consumer: c.To, Sender: origin, Origin: origin, Data: c.Data, Value: c.Value})
	}
	a := approvedcalls.Approval{
		CallHashes: hashes,
		Expiration: uint64(now.Unix()) + 60,
		TxOrigin:   origin,
		Nonce:      p.Nonce(signer.Address()),
	}
	sig, err := approvedcalls.SignApproval(signer, a, p.Address(), n.Chain.ChainID())
	require.NoError(t, err)
	data, err := approvedcalls.EncodeApproveCallsViaSignature(a, sig)
	require.NoError(t, err)
	return append([]chain.Message{{To: p.Address(), Data: data}}, calls...)
}

func TestBootstrap_Wiring(t *testing.T) {
	n := bootstrap(t, Options{})
	v, locked := n.Consumers["vault"], n.Consumers["locked"]
	withdraw := callhash.MethodSelector(vault.SigWithdraw)

	assert.Equal(t, n.Deployer.Address(), n.Firewall.Owner())
	assert.Len(t, n.Deployer.Deployed(), 4)
	for _, name := range []string{"approvals", "members", "limits", "frozen"} {
		assert.True(t, n.Firewall.ApprovedPolicy(n.Policies[name]), name)
	}
	assert.Equal(t, []common.Address{n.Policies["approvals"]}, n.Firewall.GlobalPolicies(v.Address()))
	assert.Equal(t, []common.Address{n.Policies["members"], n.Policies["limits"]}, n.Firewall.Policies(v.Address(), withdraw))
	assert.True(t, n.Firewall.RequiresPolicies(v.Address()))
	assert.False(t, n.Firewall.RequiresPolicies(locked.Address()))
	assert.Equal(t, n.FeeProxy.Address(), v.FeeProxy())
	assert.Equal(t, n.Firewall.Address(), locked.Firewall())

	signer, _ := n.Account("signer")
	assert.True(t, n.approvals(t).Roles.HasRole(approvedcalls.SignerRole, signer))
	admin, _ := n.Account("admin")
	assert.True(t, n.approvals(t).Roles.HasRole(policy.PolicyAdminRole, admin))
	assert.False(t, n.approvals(t).Roles.HasRole(policy.PolicyAdminRole, n.Deployer.Address()))

	relayer, _ := n.Account("relayer")
	assert.Equal(t, uint64(1_000_000), n.Chain.BalanceOf(relayer).Uint64())
	assert.Equal(t, chain.StatusSuccess, n.Setup.Status)
}

func TestBootstrap_ProtectsConsumers(t *testing.T) {
	obs := &decisions{}
	n := bootstrap(t, Options{Observer: obs})
	ctx := context.Background()
	v, locked := n.Consumers["vault"], n.Consumers["locked"]
	relayer, _ := n.Account("relayer")
	alice, _ := n.Account("alice")

	deposit := chain.Message{To: v.Address(), Value: uint256.NewInt(100), Data: vault.EncodeDeposit()}
	_, err := n.Chain.Transact(ctx, relayer, deposit)
	require.ErrorIs(t, err, approvedcalls.ErrCallHashesEmpty)

	_, err = n.Chain.TransactBatch(ctx, relayer, n.approved(t, relayer, deposit))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.BalanceOf(relayer).Uint64())
	assert.Contains(t, obs.seen, "pre:allow")

	withdraw := chain.Message{To: v.Address(), Data: vault.EncodeWithdraw(uint256.NewInt(40))}
	_, err = n.Chain.TransactBatch(ctx, relayer, n.approved(t, relayer, withdraw))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), v.BalanceOf(relayer).Uint64())

	_, err = n.Chain.TransactBatch(ctx, alice, n.approved(t, alice, withdraw))
	require.ErrorIs(t, err, policy.ErrSenderNotAllowed)
	assert.Contains(t, obs.seen, "pre:deny")

	_, err = n.Chain.Transact(ctx, alice, chain.Message{To: locked.Address(), Value: uint256.NewInt(10), Data: vault.EncodeDeposit()})
	require.NoError(t, err)
	_, err = n.Chain.Transact(ctx, alice, chain.Message{To: locked.Address(), Data: vault.EncodeWithdraw(uint256.NewInt(5))})
	require.ErrorIs(t, err, policy.ErrMethodForbidden)
	assert.Equal(t, uint64(10), locked.BalanceOf(alice).Uint64())
}

func TestBootstrap_ResumesReceiptChain(t *testing.T) {
	receipts := store.NewMemoryReceiptStore()
	first := bootstrap(t, Options{Receipts: receipts})
	second := bootstrap(t, Options{Receipts: receipts})

	assert.Equal(t, first.Setup.BlockNumber+1, second.Setup.BlockNumber)
	assert.Equal(t, first.Setup.Hash, second.Setup.PrevHash)

	all, err := receipts.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NoError(t, chain.VerifyChain(all))
}

func TestBootstrap_RejectsForeignReceiptStore(t *testing.T) {
	receipts := store.NewMemoryReceiptStore()
	bootstrap(t, Options{Receipts: receipts})

	d := parse(t, deploymentYAML)
	d.ChainID = 99
	_, err := Bootstrap(context.Background(), d, Options{Receipts: receipts})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain 1337")
}

func TestBootstrap_SeedOverride(t *testing.T) {
	a := bootstrap(t, Options{})
	b := bootstrap(t, Options{Seed: "other"})
	addrA, _ := a.Account("admin")
	addrB, _ := b.Account("admin")
	assert.NotEqual(t, addrA, addrB)

	d := parse(t, deploymentYAML)
	d.Seed = ""
	_, err := Bootstrap(context.Background(), d, Options{})
	assert.ErrorIs(t, err, ErrNoSeed)
}

func TestBootstrap_BadExpressionFails(t *testing.T) {
	d := parse(t, deploymentYAML)
	for i := range d.Policies {
		if d.Policies[i].Name == "limits" {
			d.Policies[i].Expressions["vault"] = "value <="
		}
	}
	_, err := Bootstrap(context.Background(), d, Options{Clock: chain.NewManualClock(now)})
	require.ErrorIs(t, err, policy.ErrBadExpression)
	assert.Contains(t, err.Error(), `policy "limits"`)
}
