package fixity

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/packdepot/depot/blob"
)

func TestQlFixity(t *testing.T) {
	qc := NewQlDB("memory")
	if qc == nil {
		t.Fatal("could not open in-memory ql database")
	}
	now := time.Now()
	nowPlusHour := now.Add(time.Hour)
	sha := fakeSHA("ab")
	other := fakeSHA("cd")
	var table = []struct {
		command string
		sha256  string
		when    time.Time
	}{
		{"NextFixity", "", time.Time{}},
		{"SetCheck", sha, now},
		{"SetCheck", sha, nowPlusHour},
		{"LookupCheck", sha, now},
		{"LookupCheck", other, time.Time{}},
		{"UpdateFixity", sha, now},
		{"LookupCheck", sha, nowPlusHour},
		{"UpdateFixity", other, now},
		{"NextFixity", "", now},
		{"NextFixity", sha, nowPlusHour},
		{"LookupCheck", sha, nowPlusHour},
		{"LookupCheck", other, time.Time{}},
	}

	for _, tab := range table {
		t.Logf("%v", tab)
		switch tab.command {
		case "NextFixity":
			sha256 := qc.NextFixity(tab.when)
			if sha256 != tab.sha256 {
				t.Errorf("Received %s, expected %s", sha256, tab.sha256)
			}
		case "SetCheck":
			err := qc.SetCheck(tab.sha256, tab.when)
			if err != nil {
				t.Errorf("error %s", err.Error())
			}
		case "UpdateFixity":
			err := qc.UpdateFixity(tab.sha256, "ok", "")
			if err != nil {
				t.Errorf("error %s", err.Error())
			}
		case "LookupCheck":
			when, err := qc.LookupCheck(tab.sha256)
			if err != nil {
				t.Errorf("error %s", err.Error())
			} else if !when.Equal(tab.when) {
				t.Errorf("Received %v, expected %v", when, tab.when)
			}
		}
	}
}

// Two in-memory opens are separate databases. QL keys in-memory
// databases by name across the whole process, so a shared name would
// leak records between them.
func TestQlMemoryIsolation(t *testing.T) {
	a := NewQlDB("memory")
	b := NewQlDB("memory")
	if a == nil || b == nil {
		t.Fatal("could not open in-memory ql database")
	}
	if err := a.SetCheck(fakeSHA("ef"), time.Now()); err != nil {
		t.Fatal(err)
	}
	recs, err := b.GetFixity("", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("fresh database sees %d records from another open", len(recs))
	}
}

func TestQlGetFixity(t *testing.T) {
	qc := NewQlDB("memory")
	if qc == nil {
		t.Fatal("could not open in-memory ql database")
	}
	sha := fakeSHA("ab")
	if err := qc.SetCheck(sha, time.Now()); err != nil {
		t.Fatal(err)
	}
	records, err := qc.GetFixity(sha, StatusScheduled)
	if err != nil {
		t.Fatalf("GetFixity: %s", err)
	}
	if len(records) != 1 || records[0].SHA256 != sha {
		t.Errorf("records = %#v", records)
	}
	records, err = qc.GetFixity("", "")
	if err != nil || len(records) != 1 {
		t.Errorf("wildcard GetFixity = %#v, %v", records, err)
	}
	records, err = qc.GetFixity(sha, StatusError)
	if err != nil || len(records) != 0 {
		t.Errorf("mismatched status returned %#v", records)
	}
}

func TestCheckOne(t *testing.T) {
	root, blobs := newTestBlobs(t)
	defer os.RemoveAll(root)
	qc := NewQlDB("memory")
	if qc == nil {
		t.Fatal("could not open in-memory ql database")
	}

	sha := adopt(t, root, blobs, "hello")
	if err := qc.SetCheck(sha, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	c := NewChecker(qc, blobs, 1000000)
	defer c.rate.Stop()

	c.checkOne(sha)
	records, err := qc.GetFixity(sha, StatusOK)
	if err != nil || len(records) != 1 {
		t.Fatalf("after check: records = %#v, %v", records, err)
	}
	// and the next check is scheduled
	when, err := qc.LookupCheck(sha)
	if err != nil || when.IsZero() {
		t.Errorf("no follow-up check scheduled: %v, %v", when, err)
	}

	// corrupt the blob and check again
	p, _ := blobs.Path(sha)
	if err := ioutil.WriteFile(p, []byte("bitrot"), 0666); err != nil {
		t.Fatal(err)
	}
	c.checkOne(sha)
	records, err = qc.GetFixity(sha, StatusError)
	if err != nil || len(records) != 1 {
		t.Errorf("corruption not recorded: %#v, %v", records, err)
	}

	// a vanished blob is marked missing
	gone := fakeSHA("cd")
	if err := qc.SetCheck(gone, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	c.checkOne(gone)
	records, err = qc.GetFixity(gone, StatusMissing)
	if err != nil || len(records) != 1 {
		t.Errorf("missing blob not recorded: %#v, %v", records, err)
	}
}

func TestScheduleAll(t *testing.T) {
	root, blobs := newTestBlobs(t)
	defer os.RemoveAll(root)
	qc := NewQlDB("memory")
	if qc == nil {
		t.Fatal("could not open in-memory ql database")
	}

	adopt(t, root, blobs, "one")
	sha2 := adopt(t, root, blobs, "two")
	if err := qc.SetCheck(sha2, time.Now()); err != nil {
		t.Fatal(err)
	}
	added, err := ScheduleAll(qc, blobs)
	if err != nil {
		t.Fatalf("ScheduleAll: %s", err)
	}
	if added != 1 {
		t.Errorf("ScheduleAll added %d, expected 1", added)
	}
	// a second pass adds nothing
	added, err = ScheduleAll(qc, blobs)
	if err != nil || added != 0 {
		t.Errorf("second ScheduleAll added %d, %v", added, err)
	}
}

func fakeSHA(seed string) string {
	out := ""
	for len(out) < 64 {
		out += seed
	}
	return out[:64]
}

func newTestBlobs(t *testing.T) (string, *blob.Store) {
	root, err := ioutil.TempDir("", "fixity-test-")
	if err != nil {
		t.Fatal(err)
	}
	return root, blob.New(filepath.Join(root, "blobs"))
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
