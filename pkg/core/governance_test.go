//go:build governance

package core_test

import (
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/leapstack-labs/leapgraph"

// =============================================================================
// COHESION TEST - Core types must be shared by multiple packages
// =============================================================================

// TestGovernance_CoreCohesion verifies that types in pkg/core are genuinely
// shared across multiple packages. Single-use types should be moved to their
// sole consumer to maintain cohesion.
func TestGovernance_CoreCohesion(t *testing.T) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}

	coreDefs := make(map[types.Object]string)
	var corePkg *packages.Package
	for _, p := range pkgs {
		if p.PkgPath != modulePath+"/pkg/core" {
			continue
		}
		corePkg = p
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			if obj := scope.Lookup(name); obj.Exported() {
				coreDefs[obj] = name
			}
		}
		break
	}
	if corePkg == nil {
		t.Fatal("Could not find pkg/core")
	}

	usageMap := make(map[string]map[string]bool)
	for _, name := range coreDefs {
		usageMap[name] = make(map[string]bool)
	}

	base := modulePath + "/"
	for _, p := range pkgs {
		if p.PkgPath == corePkg.PkgPath || strings.HasSuffix(p.PkgPath, "_test") || p.TypesInfo == nil {
			continue
		}
		for _, obj := range p.TypesInfo.Uses {
			if name, exists := coreDefs[obj]; exists {
				usageMap[name][strings.TrimPrefix(p.PkgPath, base)] = true
			}
		}
	}

	for typeName, importers := range usageMap {
		if isCohesionAllowlisted(typeName) {
			continue
		}
		if len(importers) == 0 {
			t.Logf("WARNING: Unused Core Type: %s (consider deleting)", typeName)
		}
	}
}

func isCohesionAllowlisted(name string) bool {
	allowlist := map[string]bool{
		"Store":           true, // Interface - one implementation
		"ErrStoreNotOpen": true,
	}
	return allowlist[name]
}

// =============================================================================
// LAYERING TEST - Pure graph packages never reach the store
// =============================================================================

// TestGovernance_PureLayers ensures the algorithmic packages stay free of
// persistence so they can be tested without a database.
func TestGovernance_PureLayers(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, modulePath+"/internal/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}

	pure := map[string]bool{
		modulePath + "/internal/dag":     true,
		modulePath + "/internal/impact":  true,
		modulePath + "/internal/lineage": true,
	}
	forbidden := []string{
		modulePath + "/internal/state",
		modulePath + "/internal/engine",
		modulePath + "/internal/orchestrator",
		"database/sql",
	}

	for _, p := range pkgs {
		if !pure[p.PkgPath] {
			continue
		}
		for imp := range p.Imports {
			for _, f := range forbidden {
				if imp == f {
					t.Errorf("LAYERING VIOLATION: '%s' imports '%s'",
						strings.TrimPrefix(p.PkgPath, modulePath+"/"), imp)
				}
			}
		}
	}
}
