package view

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
)

func TestLastWins(t *testing.T) {
	a := packWithDep("A", "main", "checkpoint", "shared.safetensors", "aa11")
	b := packWithDep("B", "main", "checkpoint", "shared.safetensors", "bb22")

	plan := ComputePlan("comfy", "work__B", map[string]string{"checkpoint": "checkpoints"},
		[]PackLock{a, b})

	if len(plan.Entries) != 1 {
		t.Fatalf("plan has %d entries, expected 1", len(plan.Entries))
	}
	e := plan.Entries[0]
	if e.Pack != "B" || e.Destination != "checkpoints/shared.safetensors" {
		t.Errorf("winning entry = %#v", e)
	}
	if len(plan.Shadowed) != 1 {
		t.Fatalf("plan has %d shadowed, expected 1", len(plan.Shadowed))
	}
	s := plan.Shadowed[0]
	if s.Winner != "B" || s.Loser != "A" {
		t.Errorf("shadowed = %#v", s)
	}

	// order sensitivity: reversing the list flips the winner
	plan = ComputePlan("comfy", "p", map[string]string{"checkpoint": "checkpoints"},
		[]PackLock{b, a})
	if plan.Entries[0].Pack != "A" || plan.Shadowed[0].Winner != "A" {
		t.Errorf("reversed order: winner = %s", plan.Entries[0].Pack)
	}
}

func TestPlanGaps(t *testing.T) {
	pl := packWithDep("A", "main", "checkpoint", "a.safetensors", "aa11")
	pl.Pack.Dependencies = append(pl.Pack.Dependencies, pack.Dependency{
		ID:     "extra",
		Kind:   "lora",
		Expose: pack.Expose{Filename: "extra.safetensors"},
	})
	pl.Lock.SetUnresolved("extra", pack.Unresolved{Reason: "provider offline"})

	plan := ComputePlan("comfy", "p", nil, []PackLock{pl})
	if len(plan.Entries) != 1 {
		t.Errorf("plan has %d entries, expected 1", len(plan.Entries))
	}
	if len(plan.Gaps) != 1 || plan.Gaps[0].Reason != "provider offline" {
		t.Errorf("gaps = %#v", plan.Gaps)
	}
	// unmapped kind falls back to the kind name
	if plan.Entries[0].Destination != "checkpoint/a.safetensors" {
		t.Errorf("fallback destination = %s", plan.Entries[0].Destination)
	}
}

func TestBuildActivate(t *testing.T) {
	root, ly, blobs := newTestDepot(t)
	defer os.RemoveAll(root)

	sha := adopt(t, root, blobs, "hello")
	pl := packWithDep("A", "main", "checkpoint", "a.safetensors", sha)
	plan := ComputePlan("comfy", "global", map[string]string{"checkpoint": "checkpoints"},
		[]PackLock{pl})

	builder := NewBuilder(ly, blobs)
	report, err := builder.Build(plan)
	if err != nil {
		t.Fatalf("Build: %s", err)
	}
	if report.Created != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %#v", report)
	}
	link := filepath.Join(ly.ViewDir("comfy", "global"), "checkpoints", "a.safetensors")
	dest, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %s", err)
	}
	want, _ := blobs.Path(sha)
	if dest != want {
		t.Errorf("symlink points at %s, expected %s", dest, want)
	}

	if err := builder.Activate("comfy", "global"); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	name, err := builder.ActiveProfile("comfy")
	if err != nil || name != "global" {
		t.Errorf("ActiveProfile = %q, %v", name, err)
	}
	// repointing is safe while active exists
	if err := builder.Activate("comfy", "work__A"); err != nil {
		t.Fatalf("second Activate: %s", err)
	}
	name, _ = builder.ActiveProfile("comfy")
	if name != "work__A" {
		t.Errorf("ActiveProfile after repoint = %q", name)
	}
}

func TestBuildObstruction(t *testing.T) {
	root, ly, blobs := newTestDepot(t)
	defer os.RemoveAll(root)

	sha := adopt(t, root, blobs, "hello")
	pl := packWithDep("A", "main", "checkpoint", "a.safetensors", sha)
	plan := ComputePlan("comfy", "global", nil, []PackLock{pl})

	// occupy the destination with a real file
	dest := filepath.Join(ly.ViewDir("comfy", "global"), "checkpoint", "a.safetensors")
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(dest, []byte("user data"), 0666); err != nil {
		t.Fatal(err)
	}

	builder := NewBuilder(ly, blobs)
	report, err := builder.Build(plan)
	if err != nil {
		t.Fatalf("Build: %s", err)
	}
	if report.Created != 0 || len(report.Errors) != 1 {
		t.Errorf("report = %#v", report)
	}
	// the user's file survived
	data, err := ioutil.ReadFile(dest)
	if err != nil || string(data) != "user data" {
		t.Errorf("obstructing file was modified: %q, %v", data, err)
	}
}

func TestBuildPrunesStale(t *testing.T) {
	root, ly, blobs := newTestDepot(t)
	defer os.RemoveAll(root)

	sha := adopt(t, root, blobs, "hello")
	sha2 := adopt(t, root, blobs, "world")
	two := packWithDep("A", "main", "checkpoint", "a.safetensors", sha)
	two.Pack.Dependencies = append(two.Pack.Dependencies, pack.Dependency{
		ID:     "b",
		Kind:   "lora",
		Expose: pack.Expose{Filename: "b.safetensors"},
	})
	two.Lock.SetResolved("b", pack.Resolved{Kind: "lora", SHA256: sha2})

	builder := NewBuilder(ly, blobs)
	if _, err := builder.Build(ComputePlan("comfy", "global", nil, []PackLock{two})); err != nil {
		t.Fatal(err)
	}

	// rebuild with the lora dropped
	one := packWithDep("A", "main", "checkpoint", "a.safetensors", sha)
	report, err := builder.Build(ComputePlan("comfy", "global", nil, []PackLock{one}))
	if err != nil {
		t.Fatalf("rebuild: %s", err)
	}
	if report.Pruned != 1 {
		t.Errorf("rebuild pruned %d, expected 1", report.Pruned)
	}
	stale := filepath.Join(ly.ViewDir("comfy", "global"), "lora", "b.safetensors")
	if _, err := os.Lstat(stale); !os.IsNotExist(err) {
		t.Errorf("stale symlink still present")
	}
}

func TestActiveProfileMissing(t *testing.T) {
	root, ly, blobs := newTestDepot(t)
	defer os.RemoveAll(root)
	builder := NewBuilder(ly, blobs)
	if _, err := builder.ActiveProfile("comfy"); err != ErrNoActive {
		t.Errorf("ActiveProfile on fresh target gave %v", err)
	}
}

// digests used in plan-only tests do not need to name real blobs, but they
// must look like sha256 hex
func fakeSHA(seed string) string {
	out := ""
	for len(out) < 64 {
		out += seed
	}
	return out[:64]
}

func packWithDep(name, depid, kind, filename, shaseed string) PackLock {
	p := &pack.Pack{
		Name: name,
		Dependencies: []pack.Dependency{
			{
				ID:     depid,
				Kind:   kind,
				Expose: pack.Expose{Filename: filename},
			},
		},
	}
	lk := pack.NewLock(name)
	sha := shaseed
	if len(sha) != 64 {
		sha = fakeSHA(shaseed)
	}
	lk.SetResolved(depid, pack.Resolved{Kind: kind, SHA256: sha})
	return PackLock{Pack: p, Lock: lk}
}

func newTestDepot(t *testing.T) (string, *layout.Layout, *blob.Store) {
	root, err := ioutil.TempDir("", "view-test-")
	if err != nil {
		t.Fatal(err)
	}
	ly := layout.New(root)
	if err := ly.Init(); err != nil {
		t.Fatal(err)
	}
	return root, ly, blob.New(ly.BlobRoot())
}

func adopt(t *testing.T, root string, blobs *blob.Store, contents string) string {
	src := filepath.Join(root, "incoming")
	if err := ioutil.WriteFile(src, []byte(contents), 0666); err != nil {
		t.Fatal(err)
	}
	sha, err := blobs.Adopt(src)
	if err != nil {
		t.Fatal(err)
	}
	return sha
}
