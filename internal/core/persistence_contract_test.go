package core

import (
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestPersistenceStoreImplementationsHardening ensures only sanctioned
// packages provide concrete implementations of domain.PersistenceStore. New
// backends require an explicit update here, which keeps persistence behavior
// reviewable in one place.
func TestPersistenceStoreImplementationsHardening(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "stagecore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var persistenceStore *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "stagecore/pkg/domain" {
			continue
		}
		obj := p.Types.Scope().Lookup("PersistenceStore")
		if obj == nil {
			t.Fatalf("domain.PersistenceStore not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("domain.PersistenceStore is not an interface")
		}
		persistenceStore = iface
	}
	if persistenceStore == nil {
		t.Fatalf("failed to resolve PersistenceStore interface")
	}

	allowed := map[string]struct{}{
		"stagecore/internal/infra/persistence/memory":   {},
		"stagecore/internal/infra/persistence/sqlite":   {},
		"stagecore/internal/infra/persistence/postgres": {},
		// The no-op default used by purely in-memory services.
		"stagecore/internal/core": {},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		// Test doubles in _test packages are fair game.
		if strings.HasSuffix(p.PkgPath, "_test") || strings.HasSuffix(p.PkgPath, ".test") {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			obj := p.Types.Scope().Lookup(name)
			named, ok := obj.Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if types.Implements(types.NewPointer(named), persistenceStore) ||
				types.Implements(named, persistenceStore) {
				if _, ok := allowed[p.PkgPath]; !ok {
					unexpected = append(unexpected, p.PkgPath+"."+name)
				}
			}
		}
	}
	if len(unexpected) > 0 {
		t.Fatalf("unexpected PersistenceStore implementations (update the allowed list deliberately when adding a backend): %v", unexpected)
	}
}
