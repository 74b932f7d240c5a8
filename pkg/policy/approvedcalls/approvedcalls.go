// Package approvedcalls implements the ordered approval policy.
//
// A signer pre-authorizes a batch of call hashes for a single transaction.
// Each protected call then pops the last pending hash and must match it
// exactly, so the batch is consumed from its end backward. Pending hashes
// live in transient storage and vanish when the transaction ends; a batch
// that is not fully spent can never be finished later.
package approvedcalls

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/crypto"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
)

// SignerRole may approve call batches.
var SignerRole = access.RoleID("SIGNER_ROLE")

var (
	ErrEmptyCallHashes  = errors.New("approvedcalls: call hashes must not be empty")
	ErrInvalidNonce     = errors.New("approvedcalls: invalid nonce")
	ErrExpired          = errors.New("approvedcalls: approval expired")
	ErrInvalidTxOrigin  = errors.New("approvedcalls: invalid tx origin")
	ErrInvalidSignature = errors.New("approvedcalls: invalid signature")
	ErrInvalidSigner    = errors.New("approvedcalls: signer lacks signer role")
	ErrCallHashesEmpty  = errors.New("approvedcalls: call hashes empty")
	ErrInvalidCallHash  = errors.New("approvedcalls: invalid call hash")
)

const pendingKey = "approvedCalls"

// Approval is a batch of call hashes with its replay and scope guards.
// CallHashes are consumed from the last element to the first.
type Approval struct {
	CallHashes []common.Hash  `json:"call_hashes"`
	Expiration uint64         `json:"expiration"`
	TxOrigin   common.Address `json:"tx_origin"`
	Nonce      uint64         `json:"nonce"`
}

// Policy is the transient approved calls policy.
type Policy struct {
	*policy.Base
	nonces map[common.Address]uint64
	logger *slog.Logger
}

var _ policy.Policy = (*Policy)(nil)

// New creates the policy at addr with admin holding the admin roles.
func New(addr, admin common.Address) *Policy {
	p := &Policy{
		Base:   policy.NewBase(addr, admin),
		nonces: make(map[common.Address]uint64),
		logger: slog.Default().With("component", "approvedcalls", "policy", addr.Hex()),
	}
	p.routes()
	return p
}

// Nonce returns the next nonce expected from signer.
func (p *Policy) Nonce(signer common.Address) uint64 { return p.nonces[signer] }

// ApproveCalls records a batch authorized by the caller's own signer role.
func (p *Policy) ApproveCalls(tx *chain.Tx, msg chain.Msg, a Approval) error {
	if err := p.Roles.Check(SignerRole, msg.Sender); err != nil {
		return err
	}
	if err := p.approve(tx, msg.Sender, a); err != nil {
		return err
	}
	tx.Emit(p.Address(), "CallsApproved",
		"callHashes", a.CallHashes, "expiration", a.Expiration, "txOrigin", a.TxOrigin, "nonce", a.Nonce)
	return nil
}

// ApproveCallsViaSignature records a batch signed off-chain by a holder of
// the signer role. Anyone may submit it.
func (p *Policy) ApproveCallsViaSignature(tx *chain.Tx, msg chain.Msg, a Approval, signature []byte) error {
	digest := ApprovalDigest(a, p.Address(), tx.ChainID())
	signer, err := crypto.RecoverSigner(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !p.Roles.HasRole(SignerRole, signer) {
		return fmt.Errorf("%w: %s", ErrInvalidSigner, signer.Hex())
	}
	if err := p.approve(tx, signer, a); err != nil {
		return err
	}
	tx.Emit(p.Address(), "CallsApprovedViaSignature",
		"callHashes", a.CallHashes, "expiration", a.Expiration, "txOrigin", a.TxOrigin, "nonce", a.Nonce,
		"signature", signature)
	return nil
}

func (p *Policy) approve(tx *chain.Tx, signer common.Address, a Approval) error {
	if len(a.CallHashes) == 0 {
		return ErrEmptyCallHashes
	}
	expected := p.nonces[signer]
	if a.Nonce != expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, expected, a.Nonce)
	}
	if a.Expiration < tx.Unix() {
		return fmt.Errorf("%w: expiration %d before block time %d", ErrExpired, a.Expiration, tx.Unix())
	}
	if a.TxOrigin != tx.Origin() {
		return fmt.Errorf("%w: approved for %s, sent by %s", ErrInvalidTxOrigin, a.TxOrigin.Hex(), tx.Origin().Hex())
	}

	p.nonces[signer] = expected + 1
	tx.Record(func() { p.nonces[signer] = expected })

	pending := slices.Concat(p.pending(tx), a.CallHashes)
	tx.TStore(p.Address(), pendingKey, pending)
	p.logger.Debug("calls approved", "signer", signer.Hex(), "count", len(a.CallHashes), "pending", len(pending))
	return nil
}

func (p *Policy) pending(tx *chain.Tx) []common.Hash {
	h, _ := tx.TLoad(p.Address(), pendingKey).([]common.Hash)
	return h
}

// CurrentApprovedCalls returns the hashes still pending in tx.
func (p *Policy) CurrentApprovedCalls(tx *chain.Tx) []common.Hash {
	return slices.Clone(p.pending(tx))
}

// PreExecution pops the last pending hash and requires it to match the
// call being executed.
func (p *Policy) PreExecution(tx *chain.Tx, msg chain.Msg, consumer, sender common.Address, data []byte, value *uint256.Int) error {
	if err := p.CheckCaller(msg, consumer); err != nil {
		return err
	}
	pending := p.pending(tx)
	if len(pending) == 0 {
		return ErrCallHashesEmpty
	}
	last := len(pending) - 1
	want := pending[last]
	got := callhash.Hash(callhash.Call{Consumer: consumer, Sender: sender, Origin: tx.Origin(), Data: data, Value: value})
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidCallHash, want.Hex(), got.Hex())
	}
	tx.TStore(p.Address(), pendingKey, slices.Clone(pending[:last]))
	return nil
}

// PostExecution does nothing.
func (p *Policy) PostExecution(*chain.Tx, chain.Msg, common.Address, common.Address, []byte, *uint256.Int) error {
	return nil
}

var approvalArguments = chain.MustArguments("bytes32[]", "uint256", "address", "uint256", "address", "uint256")

// MessageHash is keccak256(abi.encode(hashes, expiration, txOrigin, nonce, policy, chainId)).
func MessageHash(a Approval, policyAddr common.Address, chainID uint64) common.Hash {
	hashes := a.CallHashes
	if hashes == nil {
		hashes = []common.Hash{}
	}
	packed, err := approvalArguments.Pack(
		hashes,
		new(big.Int).SetUint64(a.Expiration),
		a.TxOrigin,
		new(big.Int).SetUint64(a.Nonce),
		policyAddr,
		new(big.Int).SetUint64(chainID),
	)
	if err != nil {
		panic(fmt.Sprintf("approvedcalls: pack approval: %v", err))
	}
	return ethcrypto.Keccak256Hash(packed)
}

// ApprovalDigest is the EIP-191 personal-sign digest of MessageHash.
func ApprovalDigest(a Approval, policyAddr common.Address, chainID uint64) []byte {
	return crypto.PersonalDigest(MessageHash(a, policyAddr, chainID).Bytes())
}

// SignApproval signs a for the policy at policyAddr on chainID.
func SignApproval(s crypto.Signer, a Approval, policyAddr common.Address, chainID uint64) ([]byte, error) {
	return s.SignHash(ApprovalDigest(a, policyAddr, chainID))
}

// ExecutionOrder converts hashes listed in the order the calls will run into
// the order the policy consumes them, last element first.
func ExecutionOrder(hashes []common.Hash) []common.Hash {
	out := slices.Clone(hashes)
	slices.Reverse(out)
	return out
}
