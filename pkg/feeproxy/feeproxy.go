// Package feeproxy is the fee settlement endpoint safeFunctionCall pays into.
// It records each attestation submission together with the fee that came
// with it. Fee distribution to operators happens elsewhere.
package feeproxy

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	ErrFeeTooLow        = errors.New("feeproxy: fee below minimum")
	ErrEmptyAttestation = errors.New("feeproxy: empty attestation")
	ErrNotOwner         = errors.New("feeproxy: caller is not the owner")
)

const sigSubmitAttestation = "submitAttestation(bytes32,bytes)"

// Submission is one recorded attestation.
type Submission struct {
	Consumer        common.Address `json:"consumer"`
	TaskID          common.Hash    `json:"task_id"`
	AttestationHash common.Hash    `json:"attestation_hash"`
	Fee             *uint256.Int   `json:"fee"`
	Block           uint64         `json:"block"`
}

// Proxy collects fees for attestation submissions.
type Proxy struct {
	addr        common.Address
	owner       common.Address
	minFee      *uint256.Int
	submissions []Submission
	router      *chain.Router
}

func New(addr, owner common.Address, minFee *uint256.Int) *Proxy {
	if minFee == nil {
		minFee = new(uint256.Int)
	}
	p := &Proxy{addr: addr, owner: owner, minFee: minFee.Clone(), router: chain.NewRouter()}
	p.router.HandlePayable(sigSubmitAttestation, func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, p.SubmitAttestation(tx, msg, common.Hash(args[0].([32]byte)), args[1].([]byte))
	})
	p.router.Handle("setMinFee(uint256)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		fee, err := chain.Uint256Arg(args[0])
		if err != nil {
			return nil, err
		}
		return nil, p.SetMinFee(tx, msg, fee)
	})
	p.router.Handle("withdraw(address,uint256)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		amount, err := chain.Uint256Arg(args[1])
		if err != nil {
			return nil, err
		}
		return nil, p.Withdraw(tx, msg, args[0].(common.Address), amount)
	})
	return p
}

func (p *Proxy) Address() common.Address { return p.addr }

func (p *Proxy) Invoke(tx *chain.Tx, msg chain.Msg) ([]byte, error) {
	return p.router.Dispatch(tx, msg)
}

func (p *Proxy) MinFee() *uint256.Int { return p.minFee.Clone() }

// Submissions returns recorded submissions oldest first.
func (p *Proxy) Submissions() []Submission {
	return append([]Submission(nil), p.submissions...)
}

// SubmitAttestation records an attestation paid for with msg.Value.
func (p *Proxy) SubmitAttestation(tx *chain.Tx, msg chain.Msg, taskID common.Hash, attestation []byte) error {
	if msg.Value == nil || msg.Value.Lt(p.minFee) {
		return fmt.Errorf("%w: minimum %s", ErrFeeTooLow, p.minFee.Dec())
	}
	if len(attestation) == 0 {
		return ErrEmptyAttestation
	}
	s := Submission{
		Consumer:        msg.Sender,
		TaskID:          taskID,
		AttestationHash: ethcrypto.Keccak256Hash(attestation),
		Fee:             msg.Value.Clone(),
		Block:           tx.BlockNumber(),
	}
	n := len(p.submissions)
	p.submissions = append(p.submissions, s)
	tx.Record(func() { p.submissions = p.submissions[:n] })
	tx.Emit(p.addr, "AttestationSubmitted", "consumer", s.Consumer, "taskId", taskID, "attestationHash", s.AttestationHash, "fee", s.Fee)
	return nil
}

// SetMinFee changes the minimum fee.
func (p *Proxy) SetMinFee(tx *chain.Tx, msg chain.Msg, fee *uint256.Int) error {
	if msg.Sender != p.owner {
		return ErrNotOwner
	}
	old := p.minFee
	p.minFee = fee.Clone()
	tx.Record(func() { p.minFee = old })
	tx.Emit(p.addr, "MinFeeUpdated", "fee", fee)
	return nil
}

// Withdraw sends collected fees to to.
func (p *Proxy) Withdraw(tx *chain.Tx, msg chain.Msg, to common.Address, amount *uint256.Int) error {
	if msg.Sender != p.owner {
		return ErrNotOwner
	}
	if _, err := tx.Call(p.addr, to, amount, nil); err != nil {
		return err
	}
	tx.Emit(p.addr, "Withdrawn", "to", to, "amount", amount)
	return nil
}

// EncodeSubmitAttestation builds the attestation payload safeFunctionCall forwards.
func EncodeSubmitAttestation(taskID common.Hash, attestation []byte) ([]byte, error) {
	if attestation == nil {
		attestation = []byte{}
	}
	return chain.Encode(sigSubmitAttestation, taskID, attestation)
}
