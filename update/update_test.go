package update

import (
	"errors"
	"io/ioutil"
	"os"
	"testing"

	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
)

// fakeResolver returns canned candidates per dependency id.
type fakeResolver struct {
	candidates map[string][]pack.Resolved
	err        error
}

func (f *fakeResolver) Latest(dep pack.Dependency, current pack.Resolved) ([]pack.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates[dep.ID], nil
}

func TestPlan(t *testing.T) {
	root, packs := newTestRepo(t)
	defer os.RemoveAll(root)

	newver := pack.Resolved{
		Kind: "checkpoint", SHA256: sha("b"),
		Provider: "civitai", ModelID: "1", VersionID: "20", Filename: "m.safetensors",
	}
	r := &fakeResolver{candidates: map[string][]pack.Resolved{
		"follow": {newver},
		// pinned dep gets candidates too but must never appear
		"pinned": {newver},
	}}
	svc := NewService(packs, r)

	plan, err := svc.Plan("p")
	if err != nil {
		t.Fatalf("Plan: %s", err)
	}
	if len(plan.Changes) != 1 || len(plan.Ambiguous) != 0 {
		t.Fatalf("plan = %#v", plan)
	}
	c := plan.Changes[0]
	if c.DepID != "follow" || c.To.VersionID != "20" {
		t.Errorf("change = %#v", c)
	}
}

func TestPlanUnchangedAndErrors(t *testing.T) {
	root, packs := newTestRepo(t)
	defer os.RemoveAll(root)

	// resolver returns exactly the locked artifact
	same := pack.Resolved{
		Kind: "checkpoint", SHA256: sha("a"),
		Provider: "civitai", ModelID: "1", VersionID: "10", Filename: "m.safetensors",
	}
	svc := NewService(packs, &fakeResolver{candidates: map[string][]pack.Resolved{
		"follow": {same},
	}})
	plan, err := svc.Plan("p")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Empty() {
		t.Errorf("unchanged artifact produced plan %#v", plan)
	}

	svc = NewService(packs, &fakeResolver{err: errors.New("provider down")})
	plan, err = svc.Plan("p")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Errors) != 1 || plan.Errors[0].DepID != "follow" {
		t.Errorf("plan errors = %#v", plan.Errors)
	}
}

func TestApplyKeepsExposeFilename(t *testing.T) {
	root, packs := newTestRepo(t)
	defer os.RemoveAll(root)

	before, _ := packs.Load("p")
	newver := pack.Resolved{
		Kind: "checkpoint", SHA256: sha("b"),
		Provider: "civitai", ModelID: "1", VersionID: "20",
		// provider renamed the file upstream
		Filename: "m-v2-rename.safetensors",
	}
	svc := NewService(packs, &fakeResolver{candidates: map[string][]pack.Resolved{
		"follow": {newver},
	}})
	plan, err := svc.Plan("p")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Apply("p", plan, nil, false); err != nil {
		t.Fatalf("Apply: %s", err)
	}

	lk, err := packs.LoadLock("p")
	if err != nil {
		t.Fatal(err)
	}
	if lk.Resolved["follow"].VersionID != "20" {
		t.Errorf("lock not updated: %#v", lk.Resolved["follow"])
	}
	after, err := packs.Load("p")
	if err != nil {
		t.Fatal(err)
	}
	for i := range after.Dependencies {
		if after.Dependencies[i].Expose.Filename != before.Dependencies[i].Expose.Filename {
			t.Errorf("expose filename changed on %s", after.Dependencies[i].ID)
		}
	}
}

func TestApplyAmbiguous(t *testing.T) {
	root, packs := newTestRepo(t)
	defer os.RemoveAll(root)

	v1 := pack.Resolved{Provider: "civitai", ModelID: "1", VersionID: "20", Filename: "fp16.safetensors", SHA256: sha("b")}
	v2 := pack.Resolved{Provider: "civitai", ModelID: "1", VersionID: "20", Filename: "fp32.safetensors", SHA256: sha("c")}
	svc := NewService(packs, &fakeResolver{candidates: map[string][]pack.Resolved{
		"follow": {v1, v2},
	}})
	plan, err := svc.Plan("p")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Ambiguous) != 1 || len(plan.Ambiguous[0].Candidates) != 2 {
		t.Fatalf("plan = %#v", plan)
	}

	// no choice: skipped, lock untouched
	applied, err := svc.Apply("p", plan, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied.Skipped) != 1 || len(applied.Applied) != 0 {
		t.Errorf("applied = %#v", applied)
	}
	lk, _ := packs.LoadLock("p")
	if lk.Resolved["follow"].VersionID != "10" {
		t.Errorf("skipping still rewrote the lock: %#v", lk.Resolved["follow"])
	}

	// out of range choice
	if _, err := svc.Apply("p", plan, map[string]int{"follow": 5}, false); err != ErrBadChoice {
		t.Errorf("bad choice gave %v", err)
	}

	// proper choice
	if _, err := svc.Apply("p", plan, map[string]int{"follow": 1}, false); err != nil {
		t.Fatal(err)
	}
	lk, _ = packs.LoadLock("p")
	if lk.Resolved["follow"].SHA256 != sha("c") {
		t.Errorf("choice 1 not applied: %#v", lk.Resolved["follow"])
	}
}

func TestApplyDryRun(t *testing.T) {
	root, packs := newTestRepo(t)
	defer os.RemoveAll(root)

	newver := pack.Resolved{Provider: "civitai", ModelID: "1", VersionID: "20", Filename: "m.safetensors", SHA256: sha("b")}
	svc := NewService(packs, &fakeResolver{candidates: map[string][]pack.Resolved{
		"follow": {newver},
	}})
	plan, _ := svc.Plan("p")
	applied, err := svc.Apply("p", plan, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !applied.DryRun || len(applied.Applied) != 1 {
		t.Errorf("applied = %#v", applied)
	}
	lk, _ := packs.LoadLock("p")
	if lk.Resolved["follow"].VersionID != "10" {
		t.Errorf("dry run persisted lock changes: %#v", lk.Resolved["follow"])
	}
}

func sha(seed string) string {
	out := ""
	for len(out) < 64 {
		out += seed + "0"
	}
	return out[:64]
}

// newTestRepo builds a repo with pack "p" having one follow-latest and one
// pinned dependency, both locked at version 10.
func newTestRepo(t *testing.T) (string, *pack.Repo) {
	root, err := ioutil.TempDir("", "update-test-")
	if err != nil {
		t.Fatal(err)
	}
	packs := pack.NewRepo(layout.New(root))
	p := &pack.Pack{
		Name: "p",
		Type: "checkpoint",
		Dependencies: []pack.Dependency{
			{
				ID:   "follow",
				Kind: "checkpoint",
				Selector: pack.Selector{
					Strategy: pack.StrategyLatest,
					Provider: "civitai",
					ModelID:  "1",
				},
				Policy: pack.PolicyLatest,
				Expose: pack.Expose{Filename: "main.safetensors"},
			},
			{
				ID:   "pinned",
				Kind: "vae",
				Selector: pack.Selector{
					Strategy:  pack.StrategyVersion,
					Provider:  "civitai",
					ModelID:   "2",
					VersionID: "11",
				},
				Policy: pack.PolicyPinned,
				Expose: pack.Expose{Filename: "vae.safetensors"},
			},
		},
	}
	if err := packs.Save(p); err != nil {
		t.Fatal(err)
	}
	lk := pack.NewLock("p")
	lk.SetResolved("follow", pack.Resolved{
		Kind: "checkpoint", SHA256: sha("a"),
		Provider: "civitai", ModelID: "1", VersionID: "10", Filename: "m.safetensors",
	})
	lk.SetResolved("pinned", pack.Resolved{
		Kind: "vae", SHA256: sha("d"),
		Provider: "civitai", ModelID: "2", VersionID: "11", Filename: "vae.safetensors",
	})
	if err := packs.SaveLock(lk); err != nil {
		t.Fatal(err)
	}
	return root, packs
}
