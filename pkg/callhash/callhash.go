// Package callhash computes the deterministic identifier of a guarded call.
//
// A call hash is keccak256(abi.encode(consumer, sender, origin, data, value)),
// which lets an off-chain signer pre-compute the exact calls a transaction
// is allowed to make before it is submitted.
package callhash

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// Call is the tuple a call hash commits to.
type Call struct {
	Consumer common.Address `json:"consumer"`
	Sender   common.Address `json:"sender"`
	Origin   common.Address `json:"origin"`
	Data     hexutil.Bytes  `json:"data"`
	Value    *uint256.Int   `json:"value"`
}

var callArguments = chain.MustArguments("address", "address", "address", "bytes", "uint256")

// Hash returns the call hash of c. A nil value hashes as zero.
func Hash(c Call) common.Hash {
	value := c.Value
	if value == nil {
		value = new(uint256.Int)
	}
	data := []byte(c.Data)
	if data == nil {
		data = []byte{}
	}
	packed, err := callArguments.Pack(c.Consumer, c.Sender, c.Origin, data, value.ToBig())
	if err != nil {
		// Argument types are fixed above; a failure here is a programming error.
		panic(fmt.Sprintf("callhash: pack: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

// Selector is the four byte method identifier at the head of calldata.
type Selector [4]byte

// SelectorOf returns the first four bytes of data, zero-padded when data is shorter.
func SelectorOf(data []byte) Selector {
	var s Selector
	copy(s[:], data)
	return s
}

// MethodSelector returns the selector for a canonical signature such as
// "withdraw(uint256)".
func MethodSelector(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// Hex returns the 0x-prefixed selector.
func (s Selector) Hex() string { return hexutil.Encode(s[:]) }

func (s Selector) String() string { return s.Hex() }

// ParseSelector decodes a 0x-prefixed four byte selector.
func ParseSelector(v string) (Selector, error) {
	var s Selector
	b, err := hexutil.Decode(strings.TrimSpace(v))
	if err != nil {
		return s, fmt.Errorf("callhash: invalid selector %q: %w", v, err)
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("callhash: selector %q must be 4 bytes, got %d", v, len(b))
	}
	copy(s[:], b)
	return s, nil
}
