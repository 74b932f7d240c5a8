package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
)

//go:embed deployment.schema.json
var deploymentSchema string

const deploymentSchemaURL = "https://helm.schemas.local/firewall/deployment.schema.json"

// Deployment describes the contracts a node sets up at startup. Accounts are
// referred to by label; their keys are derived from Seed.
type Deployment struct {
	ChainID   uint64         `yaml:"chain_id" json:"chain_id"`
	Seed      string         `yaml:"seed" json:"seed"`
	Accounts  []Account      `yaml:"accounts" json:"accounts"`
	Firewall  FirewallSpec   `yaml:"firewall" json:"firewall"`
	FeeProxy  *FeeProxySpec  `yaml:"fee_proxy,omitempty" json:"fee_proxy,omitempty"`
	Factories FactoriesSpec  `yaml:"factories" json:"factories"`
	Policies  []PolicySpec   `yaml:"policies" json:"policies"`
	Consumers []ConsumerSpec `yaml:"consumers" json:"consumers"`
}

type Account struct {
	Label   string `yaml:"label" json:"label"`
	Balance string `yaml:"balance,omitempty" json:"balance,omitempty"`
}

type FirewallSpec struct {
	Owner string `yaml:"owner" json:"owner"`
}

type FeeProxySpec struct {
	Owner  string `yaml:"owner" json:"owner"`
	MinFee string `yaml:"min_fee,omitempty" json:"min_fee,omitempty"`
}

type FactoriesSpec struct {
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// PolicySpec declares one policy instance. Allow, Forbid and Expressions are
// keyed by consumer name.
type PolicySpec struct {
	Name        string              `yaml:"name" json:"name"`
	Kind        string              `yaml:"kind" json:"kind"`
	Admin       string              `yaml:"admin" json:"admin"`
	Signers     []string            `yaml:"signers,omitempty" json:"signers,omitempty"`
	Allow       map[string][]string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Forbid      map[string][]string `yaml:"forbid,omitempty" json:"forbid,omitempty"`
	Expressions map[string]string   `yaml:"expressions,omitempty" json:"expressions,omitempty"`
}

type ConsumerSpec struct {
	Name             string             `yaml:"name" json:"name"`
	Kind             string             `yaml:"kind" json:"kind"`
	Admin            string             `yaml:"admin" json:"admin"`
	RequirePolicies  bool               `yaml:"require_policies,omitempty" json:"require_policies,omitempty"`
	GlobalPolicies   []string           `yaml:"global_policies,omitempty" json:"global_policies,omitempty"`
	SelectorPolicies []SelectorPolicies `yaml:"selector_policies,omitempty" json:"selector_policies,omitempty"`
}

// SelectorPolicies attaches policies to one method, given either as a
// signature ("withdraw(uint256)") or a 4-byte hex selector.
type SelectorPolicies struct {
	Method   string   `yaml:"method" json:"method"`
	Policies []string `yaml:"policies" json:"policies"`
}

// Selector resolves Method.
func (s SelectorPolicies) Selector() (callhash.Selector, error) {
	if strings.Contains(s.Method, "(") {
		return callhash.MethodSelector(s.Method), nil
	}
	return callhash.ParseSelector(s.Method)
}

// Label normalizes an account, policy or consumer name.
func Label(s string) string { return norm.NFC.String(strings.TrimSpace(s)) }

var schema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(deploymentSchemaURL, strings.NewReader(deploymentSchema)); err != nil {
		panic(fmt.Sprintf("deployment schema load failed: %v", err))
	}
	return c.MustCompile(deploymentSchemaURL)
}()

// LoadDeployment reads and validates the deployment at path.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	return ParseDeployment(data)
}

// ParseDeployment validates data against the deployment schema, decodes it and
// checks that every reference resolves.
func ParseDeployment(data []byte) (*Deployment, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("deployment schema validation failed: %w", err)
	}

	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Deployment) normalize() {
	labels := func(in []string) {
		for i := range in {
			in[i] = Label(in[i])
		}
	}
	keyed := func(in map[string][]string) map[string][]string {
		if in == nil {
			return nil
		}
		out := make(map[string][]string, len(in))
		for k, v := range in {
			labels(v)
			out[Label(k)] = v
		}
		return out
	}
	for i := range d.Accounts {
		d.Accounts[i].Label = Label(d.Accounts[i].Label)
	}
	d.Firewall.Owner = Label(d.Firewall.Owner)
	if d.FeeProxy != nil {
		d.FeeProxy.Owner = Label(d.FeeProxy.Owner)
	}
	for i := range d.Policies {
		p := &d.Policies[i]
		p.Name, p.Admin = Label(p.Name), Label(p.Admin)
		labels(p.Signers)
		p.Allow = keyed(p.Allow)
		p.Forbid = keyed(p.Forbid)
		if p.Expressions != nil {
			exprs := make(map[string]string, len(p.Expressions))
			for k, v := range p.Expressions {
				exprs[Label(k)] = v
			}
			p.Expressions = exprs
		}
	}
	for i := range d.Consumers {
		c := &d.Consumers[i]
		c.Name, c.Admin = Label(c.Name), Label(c.Admin)
		labels(c.GlobalPolicies)
		for j := range c.SelectorPolicies {
			labels(c.SelectorPolicies[j].Policies)
		}
	}
}

// Validate checks cross references. All problems are reported together.
func (d *Deployment) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	accounts := map[string]bool{}
	for _, a := range d.Accounts {
		if accounts[a.Label] {
			fail("account %q declared twice", a.Label)
		}
		accounts[a.Label] = true
	}
	account := func(where, label string) {
		if !accounts[label] {
			fail("%s: unknown account %q", where, label)
		}
	}
	account("firewall.owner", d.Firewall.Owner)
	if d.FeeProxy != nil {
		account("fee_proxy.owner", d.FeeProxy.Owner)
	}

	consumers := map[string]bool{}
	for _, c := range d.Consumers {
		if consumers[c.Name] {
			fail("consumer %q declared twice", c.Name)
		}
		consumers[c.Name] = true
	}

	policies := map[string]bool{}
	for _, p := range d.Policies {
		where := "policy " + p.Name
		if policies[p.Name] {
			fail("policy %q declared twice", p.Name)
		}
		policies[p.Name] = true
		account(where+" admin", p.Admin)
		for _, s := range p.Signers {
			account(where+" signer", s)
		}
		if len(p.Signers) > 0 && p.Kind != "approved_calls" {
			fail("%s: signers only apply to approved_calls policies", where)
		}
		for c, members := range p.Allow {
			if !consumers[c] {
				fail("%s: unknown consumer %q", where, c)
			}
			for _, m := range members {
				account(where+" allow", m)
			}
		}
		for c, methods := range p.Forbid {
			if !consumers[c] {
				fail("%s: unknown consumer %q", where, c)
			}
			for _, m := range methods {
				if _, err := (SelectorPolicies{Method: m}).Selector(); err != nil {
					fail("%s: %v", where, err)
				}
			}
		}
		for c := range p.Expressions {
			if !consumers[c] {
				fail("%s: unknown consumer %q", where, c)
			}
		}
	}

	for _, c := range d.Consumers {
		where := "consumer " + c.Name
		account(where+" admin", c.Admin)
		for _, p := range c.GlobalPolicies {
			if !policies[p] {
				fail("%s: unknown policy %q", where, p)
			}
		}
		for _, sp := range c.SelectorPolicies {
			if _, err := sp.Selector(); err != nil {
				fail("%s: %v", where, err)
			}
			for _, p := range sp.Policies {
				if !policies[p] {
					fail("%s: unknown policy %q", where, p)
				}
			}
		}
	}
	return result.ErrorOrNil()
}
