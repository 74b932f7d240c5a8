package firewall

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

func (f *Firewall) routes() {
	r := f.router
	r.Handle("setPolicyStatus(address,bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.SetPolicyStatus(tx, msg, args[0].(common.Address), args[1].(bool))
	})
	r.Handle("addGlobalPolicy(address,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.AddGlobalPolicy(tx, msg, args[0].(common.Address), args[1].(common.Address))
	})
	r.Handle("removeGlobalPolicy(address,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.RemoveGlobalPolicy(tx, msg, args[0].(common.Address), args[1].(common.Address))
	})
	r.Handle("addPolicy(address,bytes4,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.AddPolicy(tx, msg, args[0].(common.Address), args[1].([4]byte), args[2].(common.Address))
	})
	r.Handle("removePolicy(address,bytes4,address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.RemovePolicy(tx, msg, args[0].(common.Address), args[1].([4]byte), args[2].(common.Address))
	})
	r.Handle("setRequirePolicies(address,bool)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.SetRequirePolicies(tx, msg, args[0].(common.Address), args[1].(bool))
	})
	r.Handle("transferOwnership(address)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, f.TransferOwnership(tx, msg, args[0].(common.Address))
	})
	r.Handle("getGlobalPolicies(address)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"address[]"}, nonNil(f.GlobalPolicies(args[0].(common.Address))))
	})
	r.Handle("getPolicies(address,bytes4)", func(_ *chain.Tx, _ chain.Msg, args []any) ([]byte, error) {
		return chain.EncodeValues([]string{"address[]"}, nonNil(f.Policies(args[0].(common.Address), args[1].([4]byte))))
	})
}

func nonNil(a []common.Address) []common.Address {
	if a == nil {
		return []common.Address{}
	}
	return a
}
