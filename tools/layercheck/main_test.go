package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for _, pkg := range contractPackages {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", pkg), 0o755))
	}
	for name, src := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return root
}

func TestCheck_RepositoryIsClean(t *testing.T) {
	violations, err := check(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheck_FlagsOuterImports(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/firewall/bad.go":      "package firewall\n\nimport (\n\t\"net/http\"\n\t\"github.com/Mindburn-Labs/helm-firewall/pkg/store\"\n)\n",
		"pkg/firewall/bad_test.go": "package firewall\n\nimport _ \"net/http\"\n",
		"pkg/chain/ok.go":          "package chain\n\nimport \"fmt\"\n",
	})

	violations, err := check(root)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, filepath.Join("pkg", "firewall", "bad.go"), violations[0].File)
	assert.Equal(t, 4, violations[0].Line)
	assert.Equal(t, "net/http", violations[0].Rule)
	assert.Equal(t, "helm-firewall/pkg/store", violations[1].Rule)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(root, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "2 layer violation(s)")
}

func TestRun_Clean(t *testing.T) {
	root := writeTree(t, nil)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(root, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "passed")
}

func TestRun_MissingPackage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(t.TempDir(), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "ERROR")
}
