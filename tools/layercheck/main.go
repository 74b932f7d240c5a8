// Package main implements a layering linter for the contract packages.
//
// Contract packages model on-chain code. They must not reach into the node's
// outer layers (HTTP, SQL, process wiring), so every non-test Go file under
// them is checked for forbidden imports.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// contractPackages are relative to pkg/.
var contractPackages = []string{
	"access",
	"callhash",
	"canonicalize",
	"chain",
	"consumer",
	"crypto",
	"feeproxy",
	"firewall",
	"governance",
	"policy",
	"sample",
}

// Forbidden import path fragments for contract packages.
var forbiddenFragments = []string{
	"helm-firewall/pkg/api",
	"helm-firewall/pkg/artifacts",
	"helm-firewall/pkg/client",
	"helm-firewall/pkg/config",
	"helm-firewall/pkg/node",
	"helm-firewall/pkg/observability",
	"helm-firewall/pkg/store",
	"helm-firewall/cmd/",
	"database/sql",
	"net/http",
	"go-redis",
}

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintf(stdout, "LAYER VIOLATION: %s:%d imports %q (forbidden: %q)\n", v.File, v.Line, v.Import, v.Rule)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "\n%d layer violation(s) found\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "layer check passed: contract packages import no outer layers")
	return 0
}

func check(root string) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()
	for _, pkg := range contractPackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range forbiddenFragments {
					if !strings.Contains(importPath, frag) {
						continue
					}
					rel, _ := filepath.Rel(root, path)
					out = append(out, violation{File: rel, Line: fset.Position(imp.Pos()).Line, Import: importPath, Rule: frag})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
