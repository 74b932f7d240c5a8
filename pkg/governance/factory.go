package governance

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
)

// Factory builds policy instances of one kind.
type Factory interface {
	Name() string
	Version() *semver.Version
	Build(addr, admin common.Address) (policy.Policy, error)
}

// BuildFunc constructs a policy at addr administered by admin.
type BuildFunc func(addr, admin common.Address) (policy.Policy, error)

type staticFactory struct {
	name    string
	version *semver.Version
	build   BuildFunc
}

// NewFactory wraps build as a named, versioned factory.
func NewFactory(name, version string, build BuildFunc) (Factory, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("governance: factory %s: invalid version %q: %w", name, version, err)
	}
	return &staticFactory{name: name, version: v, build: build}, nil
}

func (f *staticFactory) Name() string { return f.name }

func (f *staticFactory) Version() *semver.Version { return f.version }

func (f *staticFactory) Build(addr, admin common.Address) (policy.Policy, error) {
	return f.build(addr, admin)
}

// Policy kinds shipped with the firewall.
const (
	KindApprovedCalls    = "approved_calls"
	KindAllowlist        = "allowlist"
	KindForbiddenMethods = "forbidden_methods"
	KindOnlyEOA          = "only_eoa"
	KindExpression       = "expression"
)

// BuiltinFactories returns factories for every shipped policy kind.
func BuiltinFactories() []Factory {
	builds := []struct {
		name  string
		build BuildFunc
	}{
		{KindApprovedCalls, func(a, admin common.Address) (policy.Policy, error) { return approvedcalls.New(a, admin), nil }},
		{KindAllowlist, func(a, admin common.Address) (policy.Policy, error) { return policy.NewAllowlistPolicy(a, admin), nil }},
		{KindForbiddenMethods, func(a, admin common.Address) (policy.Policy, error) {
			return policy.NewForbiddenMethodsPolicy(a, admin), nil
		}},
		{KindOnlyEOA, func(a, admin common.Address) (policy.Policy, error) { return policy.NewOnlyEOAPolicy(a, admin), nil }},
		{KindExpression, func(a, admin common.Address) (policy.Policy, error) {
			p, err := policy.NewExpressionPolicy(a, admin)
			if err != nil {
				return nil, err
			}
			return p, nil
		}},
	}
	out := make([]Factory, 0, len(builds))
	for _, b := range builds {
		f, err := NewFactory(b.name, "1.0.0", b.build)
		if err != nil {
			panic(err)
		}
		out = append(out, f)
	}
	return out
}
