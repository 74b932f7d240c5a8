package config

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "CHAIN_ID", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "EXPORT_STORAGE_TYPE"} {
		t.Setenv(k, "")
	}
	c := Load()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "INFO", c.LogLevel)
	assert.Equal(t, uint64(31337), c.ChainID)
	assert.Equal(t, 50.0, c.RateLimitRPS)
	assert.Equal(t, 100, c.RateLimitBurst)
	assert.Equal(t, "fs", c.Export.StorageType)
	require.NoError(t, c.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHAIN_ID", "5")
	t.Setenv("OTEL_ENABLED", "true")
	c := Load()
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, "DEBUG", c.LogLevel)
	assert.Equal(t, uint64(5), c.ChainID)
	assert.True(t, c.OTelEnabled)
	require.NoError(t, c.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Setenv("CHAIN_ID", "abc")
	t.Setenv("RATE_LIMIT_RPS", "-1")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("EXPORT_STORAGE_TYPE", "s3")
	t.Setenv("EXPORT_BUCKET", "")
	err := Load().Validate()
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 4)
}

func TestLoadDeployment(t *testing.T) {
	d, err := LoadDeployment(filepath.Join("testdata", "deployment.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint64(31337), d.ChainID)
	require.Len(t, d.Accounts, 4)
	assert.Equal(t, "café", d.Accounts[3].Label, "labels are trimmed and NFC-normalized")
	require.Len(t, d.Policies, 3)
	assert.Equal(t, []string{"signer"}, d.Policies[0].Signers)
	assert.Equal(t, "value <= 1000000000000000000u", d.Policies[2].Expressions["vault"])

	sel, err := d.Consumers[0].SelectorPolicies[0].Selector()
	require.NoError(t, err)
	assert.Equal(t, callhash.MethodSelector("withdraw(uint256)"), sel)
}

func TestParseDeployment_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        ``,
		"missing keys": `accounts: [{label: a}]`,
		"bad kind": `
accounts: [{label: a}]
firewall: {owner: a}
policies: [{name: p, kind: magic, admin: a}]
consumers: [{name: c, kind: vault, admin: a}]`,
		"unknown field": `
accounts: [{label: a, nickname: b}]
firewall: {owner: a}
policies: []
consumers: [{name: c, kind: vault, admin: a}]`,
		"bad balance": `
accounts: [{label: a, balance: "-5"}]
firewall: {owner: a}
policies: []
consumers: [{name: c, kind: vault, admin: a}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDeployment([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseDeployment_ReferenceErrors(t *testing.T) {
	doc := `
accounts: [{label: a}, {label: a}]
firewall: {owner: ghost}
policies:
  - {name: p, kind: only_eoa, admin: a, signers: [a]}
  - {name: p, kind: allowlist, admin: a, allow: {nobody: [a]}}
consumers:
  - name: c
    kind: vault
    admin: a
    global_policies: [missing]
    selector_policies:
      - {method: "0x1234", policies: [p]}
`
	_, err := ParseDeployment([]byte(doc))
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// duplicate account, unknown owner, signers on non approval policy,
	// duplicate policy, unknown consumer, unknown policy, short selector
	assert.Len(t, merr.Errors, 7)
}
