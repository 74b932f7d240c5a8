package consumer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

const sigSafeFunctionCall = "safeFunctionCall(uint256,bytes,bytes)"

func (b *Base) routes() {
	r := b.Router
	r.HandlePayable(sigSafeFunctionCall, func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		fee, err := chain.Uint256Arg(args[0])
		if err != nil {
			return nil, err
		}
		return b.SafeFunctionCall(tx, msg, fee, args[1].([]byte), args[2].([]byte))
	})
	r.Handle("setFirewall(address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, b.SetFirewall(tx, msg, args[0].(common.Address))
	})
	r.Handle("setFeeProxy(address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, b.SetFeeProxy(tx, msg, args[0].(common.Address))
	})
	r.Handle("setFirewallAdmin(address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, b.SetFirewallAdmin(tx, msg, args[0].(common.Address))
	})
	r.Handle("acceptFirewallAdmin()", func(tx *chain.Tx, msg chain.Msg, _ []any) ([]byte, error) {
		return nil, b.AcceptFirewallAdmin(tx, msg)
	})
	r.Handle("firewallAdmin()", func(*chain.Tx, chain.Msg, []any) ([]byte, error) {
		return chain.EncodeValues([]string{"address"}, b.firewallAdmin)
	})
}

// EncodeSafeFunctionCall builds calldata for safeFunctionCall.
func EncodeSafeFunctionCall(fee *uint256.Int, attestation, inner []byte) ([]byte, error) {
	if attestation == nil {
		attestation = []byte{}
	}
	if inner == nil {
		inner = []byte{}
	}
	return chain.Encode(sigSafeFunctionCall, chain.Big(fee), attestation, inner)
}
