package policy

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

var (
	ErrExpressionDenied = errors.New("policy: expression denied call")
	ErrNoExpression     = errors.New("policy: no expression configured for consumer")
	ErrBadExpression    = errors.New("policy: invalid expression")
)

const programCacheSize = 128

// ExpressionPolicy evaluates a per-consumer CEL rule over the call. The rule
// sees consumer, sender and origin as lowercase hex strings, selector as
// 0x-prefixed hex, value as uint (saturated at 2^64-1), data_len and
// block_time as int. A consumer without a rule is denied.
type ExpressionPolicy struct {
	*Base
	env      *cel.Env
	programs *lru.Cache
	rules    map[common.Address]string
}

func NewExpressionPolicy(addr, admin common.Address) (*ExpressionPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("consumer", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("selector", cel.StringType),
		cel.Variable("value", cel.UintType),
		cel.Variable("data_len", cel.IntType),
		cel.Variable("block_time", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	cache, err := lru.New(programCacheSize)
	if err != nil {
		return nil, err
	}
	p := &ExpressionPolicy{Base: NewBase(addr, admin), env: env, programs: cache, rules: make(map[common.Address]string)}
	p.Router.Handle("setExpression(address,string)", func(tx *chain.Tx, msg chain.Msg, args []any) ([]byte, error) {
		return nil, p.SetExpression(tx, msg, args[0].(common.Address), args[1].(string))
	})
	return p, nil
}

// SetExpression installs rule for consumer. An empty rule removes it.
func (p *ExpressionPolicy) SetExpression(tx *chain.Tx, msg chain.Msg, consumer common.Address, rule string) error {
	if err := p.OnlyAdmin(msg.Sender); err != nil {
		return err
	}
	rule = strings.TrimSpace(rule)
	if rule != "" {
		if _, err := p.program(rule); err != nil {
			return err
		}
	}
	old, had := p.rules[consumer]
	if rule == "" {
		delete(p.rules, consumer)
	} else {
		p.rules[consumer] = rule
	}
	tx.Record(func() {
		if had {
			p.rules[consumer] = old
		} else {
			delete(p.rules, consumer)
		}
	})
	tx.Emit(p.addr, "ExpressionSet", "consumer", consumer, "expression", rule)
	return nil
}

// Expression returns the rule of consumer.
func (p *ExpressionPolicy) Expression(consumer common.Address) string { return p.rules[consumer] }

func (p *ExpressionPolicy) program(rule string) (cel.Program, error) {
	if cached, ok := p.programs.Get(rule); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := p.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrBadExpression, issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("%w: must evaluate to bool, got %v", ErrBadExpression, ast.OutputType())
	}
	prg, err := p.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrBadExpression, err)
	}
	p.programs.Add(rule, prg)
	return prg, nil
}

func (p *ExpressionPolicy) PreExecution(tx *chain.Tx, msg chain.Msg, consumer, sender common.Address, data []byte, value *uint256.Int) error {
	if err := p.CheckCaller(msg, consumer); err != nil {
		return err
	}
	rule, ok := p.rules[consumer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoExpression, consumer.Hex())
	}
	prg, err := p.program(rule)
	if err != nil {
		return err
	}
	v := uint64(math.MaxUint64)
	if value == nil {
		v = 0
	} else if value.IsUint64() {
		v = value.Uint64()
	}
	out, _, err := prg.Eval(map[string]any{
		"consumer":   strings.ToLower(consumer.Hex()),
		"sender":     strings.ToLower(sender.Hex()),
		"origin":     strings.ToLower(tx.Origin().Hex()),
		"selector":   callhash.SelectorOf(data).Hex(),
		"value":      v,
		"data_len":   int64(len(data)),
		"block_time": tx.Time().Unix(),
	})
	if err != nil {
		return fmt.Errorf("%w: eval: %v", ErrExpressionDenied, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return fmt.Errorf("%w: %q", ErrExpressionDenied, rule)
	}
	return nil
}

func (p *ExpressionPolicy) PostExecution(*chain.Tx, chain.Msg, common.Address, common.Address, []byte, *uint256.Int) error {
	return nil
}
