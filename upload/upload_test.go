package upload

import (
	"io/ioutil"
	"strings"
	"testing"

	"github.com/packdepot/depot/store"
)

func TestFileWriting(t *testing.T) {
	var table = []struct {
		name string
		data string // split appends on "|", writes on "^"
	}{
		{"a", "single write"},
		{"b", "two ^writes"},
		{"c", "a write|and ^append"},
		{"d", "quite a number| of appends| in a row^maybe some^extra|writes for good measure"},
	}
	memory := store.NewMemory()
	registry := New(memory)
	for _, test := range table {
		var expected string
		f := registry.Create(test.name)
		segments := strings.Split(test.data, "|")
		for _, segment := range segments {
			w, err := f.Append()
			if err != nil {
				t.Fatalf("got %s, expected nil", err.Error())
			}
			for _, word := range strings.Split(segment, "^") {
				expected += word
				w.Write([]byte(word))
			}
			w.Close()
		}
		r := f.Open()
		result, _ := ioutil.ReadAll(r)
		r.Close()
		if string(result) != expected {
			t.Fatalf("Read %s, expected %s", string(result), expected)
		}
		if int64(len(result)) != f.Stat().Size {
			t.Fatalf("Got Size = %d, expected %d", f.Stat().Size, len(result))
		}
	}
	// Now test reloading
	registry = New(memory)
	if err := registry.Load(); err != nil {
		t.Fatalf("Load: %s", err.Error())
	}
	for _, test := range table {
		expected := strings.Map(func(in rune) rune {
			if in == '|' || in == '^' {
				return rune(-1)
			}
			return in
		}, test.data)
		f := registry.Lookup(test.name)
		if f == nil {
			t.Fatalf("Lookup of key %s failed", test.name)
		}
		r := f.Open()
		result, _ := ioutil.ReadAll(r)
		r.Close()
		if string(result) != expected {
			t.Fatalf("Read %s, expected %s", string(result), expected)
		}
	}
	// now delete things
	for _, test := range table {
		registry.Delete(test.name)
	}
	// should have no keys in memory
	keys, _ := memory.ListPrefix("")
	if len(keys) > 0 {
		t.Fatalf("Got %v, expected empty list", keys)
	}
}

func TestRollback(t *testing.T) {
	registry := New(store.NewMemory())
	f := registry.Create("rb")
	for _, chunk := range []string{"keep this.", "remove this"} {
		w, err := f.Append()
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(chunk))
		w.Close()
	}
	if err := f.Rollback(); err != nil {
		t.Fatal(err)
	}
	r := f.Open()
	result, _ := ioutil.ReadAll(r)
	r.Close()
	if string(result) != "keep this." {
		t.Errorf("Read %q after rollback", result)
	}
	if f.Stat().NChunks != 1 {
		t.Errorf("NChunks = %d", f.Stat().NChunks)
	}
}

func TestExpectedMetadata(t *testing.T) {
	memory := store.NewMemory()
	registry := New(memory)
	f := registry.Create("meta")
	w, _ := f.Append()
	w.Write([]byte("payload"))
	w.Close()
	f.SetExpected("00aa", "model.safetensors", "checkpoint")
	f.SetCreator("tester")

	// metadata survives a reload
	registry = New(memory)
	if err := registry.Load(); err != nil {
		t.Fatal(err)
	}
	f = registry.Lookup("meta")
	if f == nil {
		t.Fatal("Lookup failed after reload")
	}
	info := f.Stat()
	if info.SHA256 != "00aa" || info.Filename != "model.safetensors" {
		t.Errorf("Stat = %+v", info)
	}
	if info.Creator != "tester" {
		t.Errorf("Creator = %q", info.Creator)
	}
}

func TestDuplicateCreate(t *testing.T) {
	registry := New(store.NewMemory())
	if f := registry.Create("dup"); f == nil {
		t.Fatal("first Create returned nil")
	}
	if f := registry.Create("dup"); f != nil {
		t.Error("second Create did not return nil")
	}
}
