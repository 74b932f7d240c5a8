package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Handler serves one ABI method. args holds the decoded inputs in the Go
// types produced by the abi package.
type Handler func(tx *Tx, msg Msg, args []any) ([]byte, error)

type route struct {
	method  abi.Method
	payable bool
	handler Handler
}

// Router dispatches calldata to handlers by method selector.
type Router struct {
	routes  map[[4]byte]route
	receive Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[[4]byte]route)}
}

// Handle registers a non-payable method, e.g. "withdraw(uint256)".
func (r *Router) Handle(signature string, h Handler) {
	r.register(signature, false, h)
}

// HandlePayable registers a method that accepts value.
func (r *Router) HandlePayable(signature string, h Handler) {
	r.register(signature, true, h)
}

// Receive registers the handler for plain value transfers with empty calldata.
func (r *Router) Receive(h Handler) { r.receive = h }

func (r *Router) register(signature string, payable bool, h Handler) {
	m, err := ParseMethod(signature)
	if err != nil {
		panic(err)
	}
	var id [4]byte
	copy(id[:], m.ID)
	if _, dup := r.routes[id]; dup {
		panic(fmt.Sprintf("chain: duplicate route %s", signature))
	}
	r.routes[id] = route{method: m, payable: payable, handler: h}
}

// Signatures lists the registered method signatures.
func (r *Router) Signatures() []string {
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.method.Sig)
	}
	return out
}

// Dispatch decodes msg.Data and invokes the matching handler.
func (r *Router) Dispatch(tx *Tx, msg Msg) ([]byte, error) {
	if len(msg.Data) == 0 && r.receive != nil {
		return r.receive(tx, msg, nil)
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes of calldata", ErrUnknownSelector, len(msg.Data))
	}
	var id [4]byte
	copy(id[:], msg.Data[:4])
	rt, ok := r.routes[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownSelector, id)
	}
	if !rt.payable && msg.Value != nil && !msg.Value.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNotPayable, rt.method.Sig)
	}
	args, err := rt.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadCalldata, rt.method.Sig, err)
	}
	return rt.handler(tx, msg, args)
}

// ParseMethod builds an ABI method from a canonical signature without tuples.
func ParseMethod(signature string) (abi.Method, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return abi.Method{}, fmt.Errorf("chain: invalid method signature %q", signature)
	}
	name := signature[:open]
	params := signature[open+1 : len(signature)-1]
	var inputs abi.Arguments
	if params != "" {
		for i, t := range strings.Split(params, ",") {
			typ, err := abi.NewType(strings.TrimSpace(t), "", nil)
			if err != nil {
				return abi.Method{}, fmt.Errorf("chain: %s: %w", signature, err)
			}
			inputs = append(inputs, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
		}
	}
	return abi.NewMethod(name, name, abi.Function, "nonpayable", false, false, inputs, nil), nil
}

// Encode packs a call to signature with args.
func Encode(signature string, args ...any) ([]byte, error) {
	m, err := ParseMethod(signature)
	if err != nil {
		return nil, err
	}
	packed, err := m.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("chain: encode %s: %w", signature, err)
	}
	return append(append([]byte{}, m.ID...), packed...), nil
}

// MustEncode is Encode for statically known arguments.
func MustEncode(signature string, args ...any) []byte {
	b, err := Encode(signature, args...)
	if err != nil {
		panic(err)
	}
	return b
}

// Arguments builds unnamed ABI arguments of the given types.
func Arguments(types ...string) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("chain: abi type %q: %w", t, err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args, nil
}

// MustArguments is Arguments for statically known types.
func MustArguments(types ...string) abi.Arguments {
	args, err := Arguments(types...)
	if err != nil {
		panic(err)
	}
	return args
}

// EncodeValues ABI-encodes return values of the given types.
func EncodeValues(types []string, values ...any) ([]byte, error) {
	args, err := Arguments(types...)
	if err != nil {
		return nil, err
	}
	return args.Pack(values...)
}

// DecodeValues unpacks return data of the given types.
func DecodeValues(types []string, data []byte) ([]any, error) {
	args, err := Arguments(types...)
	if err != nil {
		return nil, err
	}
	return args.Unpack(data)
}

// Uint256Arg converts a decoded uint256 argument.
func Uint256Arg(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: expected uint256, got %T", ErrBadCalldata, v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: uint256 overflow", ErrBadCalldata)
	}
	return u, nil
}

// Uint64Arg converts a decoded uint256 argument, saturating at the uint64 maximum.
func Uint64Arg(v any) (uint64, error) {
	u, err := Uint256Arg(v)
	if err != nil {
		return 0, err
	}
	if !u.IsUint64() {
		return ^uint64(0), nil
	}
	return u.Uint64(), nil
}

// HashesArg converts a decoded bytes32[] argument.
func HashesArg(v any) ([]common.Hash, error) {
	raw, ok := v.([][32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: expected bytes32[], got %T", ErrBadCalldata, v)
	}
	out := make([]common.Hash, len(raw))
	for i, h := range raw {
		out[i] = common.Hash(h)
	}
	return out, nil
}

// ParseAmount parses a decimal or 0x-prefixed hex amount. The empty string is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return new(uint256.Int), nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		return uint256.FromHex(s)
	default:
		return uint256.FromDecimal(s)
	}
}

// Big converts v for ABI packing.
func Big(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
