package depot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/packdepot/depot/backup"
	"github.com/packdepot/depot/inventory"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/profile"
	"github.com/packdepot/depot/update"
)

// fakeRegistry serves canned artifacts keyed by model id.
type fakeRegistry struct {
	artifacts map[string][]pack.Resolved
	err       error
}

func (f *fakeRegistry) Latest(dep pack.Dependency, current pack.Resolved) ([]pack.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.artifacts[dep.Selector.ModelID], nil
}

func hashOf(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func newTestDepot(t *testing.T, resolver update.Resolver) (*Depot, string) {
	root, err := ioutil.TempDir("", "depot-")
	if err != nil {
		t.Fatal(err)
	}
	d, err := Init(root, resolver)
	if err != nil {
		os.RemoveAll(root)
		t.Fatal(err)
	}
	err = d.ConfigureTarget("comfy", map[string]string{
		"checkpoint": "models/checkpoints",
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, root
}

func simplePack(name, modelID string) *pack.Pack {
	return &pack.Pack{
		Name: name,
		Type: "model",
		Dependencies: []pack.Dependency{{
			ID:   "main",
			Kind: "checkpoint",
			Selector: pack.Selector{
				Strategy: pack.StrategyLatest,
				Provider: "civitai",
				ModelID:  modelID,
			},
			Policy: pack.PolicyLatest,
			Expose: pack.Expose{Filename: name + ".safetensors"},
		}},
	}
}

func TestOpenUninitialized(t *testing.T) {
	root, err := ioutil.TempDir("", "depot-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)
	_, err = Open(root, nil)
	if err != layout.ErrNotInitialized {
		t.Errorf("Open on empty dir: got %v, want ErrNotInitialized", err)
	}
}

func TestResolveInstallUse(t *testing.T) {
	content := "checkpoint bytes"
	sha := hashOf(content)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, content)
	}))
	defer srv.Close()

	registry := &fakeRegistry{artifacts: map[string][]pack.Resolved{
		"101": {{
			Kind:      "checkpoint",
			SHA256:    sha,
			Size:      int64(len(content)),
			Provider:  "civitai",
			ModelID:   "101",
			VersionID: "7",
			Filename:  "upstream.safetensors",
			URLs:      []string{srv.URL + "/file"},
		}},
	}}
	d, root := newTestDepot(t, registry)
	defer os.RemoveAll(root)
	defer d.Close()

	if err := d.SavePack(simplePack("sd15", "101")); err != nil {
		t.Fatal(err)
	}
	rr, err := d.Resolve("sd15")
	if err != nil {
		t.Fatal(err)
	}
	if rr.Resolved != 1 || rr.Unresolved != 0 {
		t.Errorf("resolve: got %d/%d, want 1 resolved", rr.Resolved, rr.Unresolved)
	}

	ir, err := d.Install(context.Background(), "sd15")
	if err != nil {
		t.Fatal(err)
	}
	if ir.Failed() {
		t.Fatalf("install failed: %+v", ir.Items)
	}
	if hits != 1 {
		t.Errorf("download hits = %d, want 1", hits)
	}
	if !d.Blobs().Has(sha) {
		t.Error("blob missing after install")
	}
	_, lk, err := d.GetPack("sd15")
	if err != nil {
		t.Fatal(err)
	}
	if !lk.Resolved["main"].Verified {
		t.Error("lock entry not marked verified")
	}

	// a second install skips the download
	ir, err = d.Install(context.Background(), "sd15")
	if err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("reinstall hit the network, hits = %d", hits)
	}
	if len(ir.Items) != 1 || !ir.Items[0].Skipped {
		t.Errorf("reinstall items = %+v, want one skipped", ir.Items)
	}

	// activate and check the exposed file
	if err := d.AddPackToProfile("sd15", profile.Global); err != nil {
		t.Fatal(err)
	}
	ur, err := d.Use("sd15", []string{"comfy"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Gaps) != 0 {
		t.Errorf("use gaps = %+v", ur.Gaps)
	}
	link := filepath.Join(root, "views", "comfy", "active",
		"models", "checkpoints", "sd15.safetensors")
	data, err := ioutil.ReadFile(link)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("exposed file reads %q", data)
	}

	st, err := d.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].Active != profile.WorkName("sd15") {
		t.Errorf("status = %+v", st)
	}

	if _, err := d.Back([]string{"comfy"}); err != nil {
		t.Fatal(err)
	}
}

// Install on a pack with many dependencies downloads them concurrently.
// Run with -race: the download goroutines update the lock while the
// classification of remaining dependencies could otherwise still be
// reading it.
func TestInstallManyDependencies(t *testing.T) {
	const n = 100
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "blob "+r.URL.Path)
	}))
	defer srv.Close()

	p := &pack.Pack{Name: "big", Type: "model"}
	artifacts := make(map[string][]pack.Resolved)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%03d", i)
		p.Dependencies = append(p.Dependencies, pack.Dependency{
			ID:   id,
			Kind: "checkpoint",
			Selector: pack.Selector{
				Strategy: pack.StrategyLatest,
				Provider: "civitai",
				ModelID:  id,
			},
			Policy: pack.PolicyLatest,
			Expose: pack.Expose{Filename: id + ".safetensors"},
		})
		content := "blob /" + id
		artifacts[id] = []pack.Resolved{{
			Kind:     "checkpoint",
			SHA256:   hashOf(content),
			Size:     int64(len(content)),
			Provider: "civitai",
			ModelID:  id,
			Filename: id + ".bin",
			URLs:     []string{srv.URL + "/" + id},
		}}
	}
	d, root := newTestDepot(t, &fakeRegistry{artifacts: artifacts})
	defer os.RemoveAll(root)
	defer d.Close()

	if err := d.SavePack(p); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Resolve("big"); err != nil {
		t.Fatal(err)
	}
	ir, err := d.Install(context.Background(), "big")
	if err != nil {
		t.Fatal(err)
	}
	if len(ir.Items) != n {
		t.Fatalf("items = %d, want %d", len(ir.Items), n)
	}
	if ir.Failed() {
		t.Fatalf("install failed: %+v", ir.Items)
	}
	_, lk, err := d.GetPack("big")
	if err != nil {
		t.Fatal(err)
	}
	for _, dep := range p.Dependencies {
		r := lk.Resolved[dep.ID]
		if !r.Verified {
			t.Errorf("%s: lock entry not verified", dep.ID)
		}
		if !d.Blobs().Has(r.SHA256) {
			t.Errorf("%s: blob missing after install", dep.ID)
		}
	}
}

func TestResolveCycleAndDepth(t *testing.T) {
	registry := &fakeRegistry{artifacts: map[string][]pack.Resolved{}}
	d, root := newTestDepot(t, registry)
	defer os.RemoveAll(root)
	defer d.Close()

	ref := func(name, target string) *pack.Pack {
		return &pack.Pack{
			Name: name,
			Type: "bundle",
			Dependencies: []pack.Dependency{{
				ID:       "ref",
				Kind:     "checkpoint",
				Selector: pack.Selector{Strategy: pack.StrategyPack, Pack: target},
				Policy:   pack.PolicyPinned,
				Expose:   pack.Expose{Filename: "unused.bin"},
			}},
		}
	}
	// a ↔ b cycle resolves without error
	if err := d.SavePack(ref("a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := d.SavePack(ref("b", "a")); err != nil {
		t.Fatal(err)
	}
	rr, err := d.Resolve("a")
	if err != nil {
		t.Fatalf("cycle: %s", err)
	}
	if len(rr.Referenced) != 1 || rr.Referenced[0] != "b" {
		t.Errorf("referenced = %v", rr.Referenced)
	}

	// a chain past the depth limit fails
	for i := 0; i <= maxResolveDepth+1; i++ {
		name := fmt.Sprintf("c%d", i)
		next := fmt.Sprintf("c%d", i+1)
		if err := d.SavePack(ref(name, next)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.Resolve("c0"); err != ErrDepthExceeded {
		t.Errorf("deep chain: got %v, want ErrDepthExceeded", err)
	}
}

func TestResolveNoResolver(t *testing.T) {
	d, root := newTestDepot(t, nil)
	defer os.RemoveAll(root)
	defer d.Close()
	if _, err := d.Resolve("x"); err != ErrNoResolver {
		t.Errorf("got %v, want ErrNoResolver", err)
	}
	if _, err := d.CheckUpdates("x"); err != ErrNoResolver {
		t.Errorf("got %v, want ErrNoResolver", err)
	}
}

func TestDeleteBlobGuards(t *testing.T) {
	d, root := newTestDepot(t, nil)
	defer os.RemoveAll(root)
	defer d.Close()

	content := "lonely blob"
	sha := hashOf(content)
	src := filepath.Join(root, "incoming.bin")
	if err := ioutil.WriteFile(src, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AdoptBlob(src); err != nil {
		t.Fatal(err)
	}

	if _, err := d.DeleteBlob(sha, "tape", false); err != ErrBadSide {
		t.Errorf("bad side: got %v", err)
	}
	_, err := d.DeleteBlob(sha, backup.SideLocal, false)
	if err != backup.ErrConfirmRequired {
		t.Errorf("last copy without force: got %v", err)
	}
	if _, err := d.DeleteBlob(sha, backup.SideLocal, true); err != nil {
		t.Fatal(err)
	}
	if d.Blobs().Has(sha) {
		t.Error("blob survived forced delete")
	}
}

func TestDeletePackCascades(t *testing.T) {
	d, root := newTestDepot(t, nil)
	defer os.RemoveAll(root)
	defer d.Close()

	if err := d.SavePack(simplePack("sd15", "101")); err != nil {
		t.Fatal(err)
	}
	if err := d.AddPackToProfile("sd15", profile.Global); err != nil {
		t.Fatal(err)
	}
	if err := d.DeletePack("sd15"); err != nil {
		t.Fatal(err)
	}
	prof, err := d.Profiles().Load(profile.Global)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range prof.Packs {
		if name == "sd15" {
			t.Error("deleted pack still in global profile")
		}
	}
	if _, _, err := d.GetPack("sd15"); err != pack.ErrPackNotFound {
		t.Errorf("got %v, want ErrPackNotFound", err)
	}
}

func TestDoctorSweepsScratch(t *testing.T) {
	d, root := newTestDepot(t, nil)
	defer os.RemoveAll(root)
	defer d.Close()

	scratch := filepath.Join(root, "data", "blobs", "sha256", "scratch")
	if err := os.MkdirAll(scratch, 0777); err != nil {
		t.Fatal(err)
	}
	err := ioutil.WriteFile(filepath.Join(scratch, "abandoned-0"), []byte("partial"), 0666)
	if err != nil {
		t.Fatal(err)
	}
	// a work profile left behind by a crash between profile save and push
	orphan := &profile.Profile{Name: profile.WorkName("ghost")}
	if err := d.Profiles().Save(orphan); err != nil {
		t.Fatal(err)
	}
	report, err := d.Doctor()
	if err != nil {
		t.Fatal(err)
	}
	if report.PartialRemoved != 1 {
		t.Errorf("PartialRemoved = %d, want 1", report.PartialRemoved)
	}
	if report.ProfilesDropped != 1 {
		t.Errorf("ProfilesDropped = %d, want 1", report.ProfilesDropped)
	}
	if d.Profiles().Exists(orphan.Name) {
		t.Errorf("work profile %s still on disk", orphan.Name)
	}
	if len(report.Errors) != 0 {
		t.Errorf("doctor errors: %v", report.Errors)
	}
}

func TestInventoryThroughFacade(t *testing.T) {
	d, root := newTestDepot(t, nil)
	defer os.RemoveAll(root)
	defer d.Close()

	src := filepath.Join(root, "orphan.bin")
	if err := ioutil.WriteFile(src, []byte("orphan"), 0666); err != nil {
		t.Fatal(err)
	}
	sha, err := d.AdoptBlob(src)
	if err != nil {
		t.Fatal(err)
	}
	items, err := d.GetInventory()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != inventory.StatusOrphan {
		t.Errorf("inventory = %+v", items)
	}
	cr, err := d.CleanupOrphans(false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cr.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", cr.Deleted)
	}
	if d.Blobs().Has(sha) {
		t.Error("orphan survived cleanup")
	}
}
