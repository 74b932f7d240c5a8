package approvedcalls

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

const (
	sigApproveCalls             = "approveCalls(bytes32[],uint256,address,uint256)"
	sigApproveCallsViaSignature = "approveCallsViaSignature(bytes32[],uint256,address,uint256,bytes)"
)

func (p *Policy) routes() {
	r := p.Router
	r.Handle(sigApproveCalls, func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		a, err := approvalArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, p.ApproveCalls(tx, msg, a)
	})
	r.Handle(sigApproveCallsViaSignature, func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		a, err := approvalArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, p.ApproveCallsViaSignature(tx, msg, a, args[4].([]byte))
	})
	r.Handle("nonces(address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"uint256"}, new(big.Int).SetUint64(p.Nonce(args[0].(common.Address))))
	})
	r.Handle("getCurrentApprovedCalls()", func(tx *chain.Tx, _ chain.Msg, _ []any) ([]byte, error) {
		return chain.EncodeValues([]string{"bytes32[]"}, p.CurrentApprovedCalls(tx))
	})
	r.Handle("getCallHash(address,address,address,bytes,uint256)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		value, err := chain.Uint256Arg(args[4])
		if err != nil {
			return nil, err
		}
		h := callhash.Hash(callhash.Call{
			Consumer: args[0].(common.Address),
			Sender:   args[1].(common.Address),
			Origin:   args[2].(common.Address),
			Data:     args[3].([]byte),
			Value:    value,
		})
		return h.Bytes(), nil
	})
}

func approvalArgs(args []any) (Approval, error) {
	hashes, err := chain.HashesArg(args[0])
	if err != nil {
		return Approval{}, err
	}
	expiration, err := chain.Uint64Arg(args[1])
	if err != nil {
		return Approval{}, err
	}
	nonce, err := chain.Uint64Arg(args[3])
	if err != nil {
		return Approval{}, err
	}
	return Approval{CallHashes: hashes, Expiration: expiration, TxOrigin: args[2].(common.Address), Nonce: nonce}, nil
}

func packArgs(a Approval) []any {
	hashes := a.CallHashes
	if hashes == nil {
		hashes = []common.Hash{}
	}
	return []any{hashes, new(big.Int).SetUint64(a.Expiration), a.TxOrigin, new(big.Int).SetUint64(a.Nonce)}
}

// EncodeApproveCalls builds calldata for approveCalls.
func EncodeApproveCalls(a Approval) ([]byte, error) {
	return chain.Encode(sigApproveCalls, packArgs(a)...)
}

// EncodeApproveCallsViaSignature builds calldata for approveCallsViaSignature.
func EncodeApproveCallsViaSignature(a Approval, signature []byte) ([]byte, error) {
	return chain.Encode(sigApproveCallsViaSignature, append(packArgs(a), signature)...)
}
