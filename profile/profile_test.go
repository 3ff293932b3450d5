package profile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
)

func TestMovePackLast(t *testing.T) {
	p := &Profile{Name: "global", Packs: []string{"a", "b", "c"}}
	if !p.MovePackLast("a") {
		t.Errorf("moving a to the end reported no change")
	}
	if !equal(p.Packs, []string{"b", "c", "a"}) {
		t.Errorf("packs = %v", p.Packs)
	}
	if p.MovePackLast("a") {
		t.Errorf("moving the last pack reported a change")
	}
	if !p.MovePackLast("new") {
		t.Errorf("appending a new pack reported no change")
	}
	if !equal(p.Packs, []string{"b", "c", "a", "new"}) {
		t.Errorf("packs = %v", p.Packs)
	}
}

func TestRuntimeStack(t *testing.T) {
	rt := &Runtime{Targets: make(map[string][]string)}
	if top := rt.Top("comfy"); top != Global {
		t.Errorf("fresh target top = %s", top)
	}
	rt.Push("comfy", "work__a")
	rt.Push("comfy", "work__a") // idempotent
	if s := rt.Stack("comfy"); len(s) != 2 {
		t.Errorf("stack after double push = %v", s)
	}
	popped, top, ok := rt.Pop("comfy")
	if !ok || popped != "work__a" || top != Global {
		t.Errorf("Pop = %s, %s, %v", popped, top, ok)
	}
	// the base is never popped
	popped, top, ok = rt.Pop("comfy")
	if ok || top != Global {
		t.Errorf("Pop at base = %s, %s, %v", popped, top, ok)
	}
}

func TestUseBack(t *testing.T) {
	root, svc := newTestService(t)
	defer os.RemoveAll(root)

	targets := []string{"comfy"}
	res, err := svc.Use("packa", targets)
	if err != nil {
		t.Fatalf("Use packa: %s", err)
	}
	if res.Profile != "work__packa" {
		t.Errorf("Use activated %s", res.Profile)
	}
	// both packs expose distinct filenames, so the view has two links
	if res.Reports["comfy"].Created != 2 {
		t.Errorf("view report = %#v", res.Reports["comfy"])
	}

	if _, err := svc.Use("packb", targets); err != nil {
		t.Fatalf("Use packb: %s", err)
	}
	rt, _ := LoadRuntime(svc.ly)
	if !equal(rt.Stack("comfy"), []string{Global, "work__packa", "work__packb"}) {
		t.Errorf("stack = %v", rt.Stack("comfy"))
	}
	// packb's work profile contains both packs, packb last
	wb, err := svc.repo.Load("work__packb")
	if err != nil {
		t.Fatal(err)
	}
	if !equal(wb.Packs, []string{"packa", "packb"}) {
		t.Errorf("work__packb packs = %v", wb.Packs)
	}

	results, err := svc.Back(targets)
	if err != nil {
		t.Fatalf("first Back: %s", err)
	}
	if results[0].From != "work__packb" || results[0].To != "work__packa" {
		t.Errorf("first Back = %#v", results[0])
	}
	results, err = svc.Back(targets)
	if err != nil {
		t.Fatalf("second Back: %s", err)
	}
	if results[0].From != "work__packa" || results[0].To != Global {
		t.Errorf("second Back = %#v", results[0])
	}
	rt, _ = LoadRuntime(svc.ly)
	if !equal(rt.Stack("comfy"), []string{Global}) {
		t.Errorf("stack after backs = %v", rt.Stack("comfy"))
	}
	// popped work profiles are garbage collected
	if svc.repo.Exists("work__packa") || svc.repo.Exists("work__packb") {
		t.Errorf("work profiles survived Back")
	}
}

func TestBackAtBase(t *testing.T) {
	root, svc := newTestService(t)
	defer os.RemoveAll(root)

	results, err := svc.Back([]string{"comfy"})
	if err != nil {
		t.Fatalf("Back: %s", err)
	}
	r := results[0]
	if !r.AlreadyAtBase || r.From != Global || r.To != Global {
		t.Errorf("Back at base = %#v", r)
	}
}

func TestUseIdempotent(t *testing.T) {
	root, svc := newTestService(t)
	defer os.RemoveAll(root)

	targets := []string{"comfy"}
	if _, err := svc.Use("packa", targets); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Use("packa", targets); err != nil {
		t.Fatal(err)
	}
	rt, _ := LoadRuntime(svc.ly)
	if !equal(rt.Stack("comfy"), []string{Global, "work__packa"}) {
		t.Errorf("stack after double Use = %v", rt.Stack("comfy"))
	}
}

func TestUseUnknownPack(t *testing.T) {
	root, svc := newTestService(t)
	defer os.RemoveAll(root)

	if _, err := svc.Use("ghost", []string{"comfy"}); err != pack.ErrPackNotFound {
		t.Errorf("Use of unknown pack gave %v", err)
	}
}

// newTestService builds a depot with packs packa and packb, both resolved
// to adopted blobs, and global containing both.
func newTestService(t *testing.T) (string, *Service) {
	root, err := ioutil.TempDir("", "profile-test-")
	if err != nil {
		t.Fatal(err)
	}
	ly := layout.New(root)
	if err := ly.Init(); err != nil {
		t.Fatal(err)
	}
	blobs := blob.New(ly.BlobRoot())
	packs := pack.NewRepo(ly)

	for i, name := range []string{"packa", "packb"} {
		src := filepath.Join(root, "in"+name)
		if err := ioutil.WriteFile(src, []byte("content of "+name), 0666); err != nil {
			t.Fatal(err)
		}
		sha, err := blobs.Adopt(src)
		if err != nil {
			t.Fatal(err)
		}
		p := &pack.Pack{
			Name: name,
			Type: "checkpoint",
			Dependencies: []pack.Dependency{{
				ID:   "main",
				Kind: "checkpoint",
				Selector: pack.Selector{
					Strategy:  pack.StrategyVersion,
					Provider:  "civitai",
					ModelID:   "1",
					VersionID: "10",
				},
				Policy: pack.PolicyPinned,
				Expose: pack.Expose{Filename: name + ".safetensors"},
			}},
		}
		if err := packs.Save(p); err != nil {
			t.Fatal(err)
		}
		lk := pack.NewLock(name)
		lk.SetResolved("main", pack.Resolved{Kind: "checkpoint", SHA256: sha, Size: int64(11 + i)})
		if err := packs.SaveLock(lk); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewService(ly, packs, blobs, nil)
	g := &Profile{Name: Global, Packs: []string{"packa", "packb"}}
	if err := svc.repo.Save(g); err != nil {
		t.Fatal(err)
	}
	return root, svc
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
