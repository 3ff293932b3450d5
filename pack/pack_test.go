package pack

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/packdepot/depot/layout"
)

func TestValidate(t *testing.T) {
	good := samplePack()
	if err := good.Validate(); err != nil {
		t.Errorf("valid pack rejected: %s", err)
	}

	dup := samplePack()
	dup.Dependencies = append(dup.Dependencies, dup.Dependencies[0])
	if err := dup.Validate(); err != ErrDuplicateDependency {
		t.Errorf("duplicate id gave %v", err)
	}

	badpol := samplePack()
	badpol.Dependencies[0].Policy = "sometimes"
	if err := badpol.Validate(); err != ErrBadPolicy {
		t.Errorf("bad policy gave %v", err)
	}

	noexpose := samplePack()
	noexpose.Dependencies[0].Expose.Filename = ""
	if err := noexpose.Validate(); err == nil {
		t.Errorf("missing expose filename accepted")
	}
}

func TestSelectorValidate(t *testing.T) {
	var table = []struct {
		sel Selector
		ok  bool
	}{
		{Selector{Strategy: StrategyVersion, Provider: "civitai", ModelID: "1", VersionID: "2"}, true},
		{Selector{Strategy: StrategyVersion, Provider: "civitai"}, false},
		{Selector{Strategy: StrategyLatest, Provider: "civitai", ModelID: "1"}, true},
		{Selector{Strategy: StrategySearch, Provider: "civitai", Query: "anime"}, true},
		{Selector{Strategy: StrategySearch, Provider: "civitai"}, false},
		{Selector{Strategy: StrategyPack, Pack: "base"}, true},
		{Selector{Strategy: "guess"}, false},
		{Selector{}, false},
	}
	for i, tab := range table {
		err := tab.sel.Validate()
		if (err == nil) != tab.ok {
			t.Errorf("%d: Validate(%#v) = %v", i, tab.sel, err)
		}
	}
}

func TestRepoRoundTrip(t *testing.T) {
	root, err := ioutil.TempDir("", "pack-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)
	repo := NewRepo(layout.New(root))

	p := samplePack()
	if err := repo.Save(p); err != nil {
		t.Fatalf("Save: %s", err)
	}
	back, err := repo.Load(p.Name)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if back.Name != p.Name || len(back.Dependencies) != len(p.Dependencies) {
		t.Errorf("round trip gave %#v", back)
	}

	names, err := repo.List()
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(names) != 1 || names[0] != "sd15" {
		t.Errorf("List = %v", names)
	}

	if _, err := repo.Load("nothere"); err != ErrPackNotFound {
		t.Errorf("Load missing pack gave %v", err)
	}
	if _, err := repo.LoadLock("sd15"); err != ErrNoLock {
		t.Errorf("LoadLock before resolve gave %v", err)
	}

	lk := NewLock("sd15")
	lk.SetResolved("main", Resolved{
		Kind:   "checkpoint",
		SHA256: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Size:   5,
	})
	if err := repo.SaveLock(lk); err != nil {
		t.Fatalf("SaveLock: %s", err)
	}
	lk2, err := repo.LoadLock("sd15")
	if err != nil {
		t.Fatalf("LoadLock: %s", err)
	}
	if len(lk2.Resolved) != 1 || lk2.Resolved["main"].Size != 5 {
		t.Errorf("lock round trip gave %#v", lk2)
	}

	if err := repo.Delete("sd15"); err != nil {
		t.Fatalf("Delete: %s", err)
	}
	if _, err := repo.Load("sd15"); err != ErrPackNotFound {
		t.Errorf("Load after Delete gave %v", err)
	}
}

func TestLockTransitions(t *testing.T) {
	lk := NewLock("p")
	lk.SetUnresolved("a", Unresolved{Reason: "offline"})
	lk.SetResolved("a", Resolved{SHA256: "ff"})
	if _, ok := lk.Unresolved["a"]; ok {
		t.Errorf("resolving did not clear unresolved entry")
	}
	lk.SetUnresolved("a", Unresolved{Reason: "gone"})
	if _, ok := lk.Resolved["a"]; ok {
		t.Errorf("unresolving did not clear resolved entry")
	}
}

func samplePack() *Pack {
	return &Pack{
		Name:   "sd15",
		Type:   "checkpoint",
		Source: "civitai:4201",
		Dependencies: []Dependency{
			{
				ID:   "main",
				Kind: "checkpoint",
				Selector: Selector{
					Strategy:  StrategyVersion,
					Provider:  "civitai",
					ModelID:   "4201",
					VersionID: "130072",
				},
				Policy: PolicyPinned,
				Expose: Expose{Filename: "sd15.safetensors"},
			},
			{
				ID:   "vae",
				Kind: "vae",
				Selector: Selector{
					Strategy: StrategyLatest,
					Provider: "civitai",
					ModelID:  "276082",
				},
				Policy: PolicyLatest,
				Expose: Expose{Filename: "sd15-vae.safetensors"},
			},
		},
	}
}
