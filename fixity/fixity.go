// Package fixity re-verifies stored blobs in the background at a bounded
// rate. Every blob gets a scheduled check; a checker goroutine works
// through due checks oldest first, streaming each blob through the hash at
// a limited byte rate so verification never competes with real traffic.
// Results and the forward schedule live in a small database, embedded ql
// for a single machine or MySQL when one is available.
package fixity

import (
	"log"
	"time"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/store"
	"github.com/packdepot/depot/util"
)

// Check statuses recorded in the database.
const (
	StatusScheduled = "scheduled"
	StatusOK        = "ok"
	StatusError     = "error"   // content does not hash to its name
	StatusMissing   = "missing" // blob vanished before its check
)

// A DB persists the check schedule and past results, keyed by blob digest.
type DB interface {
	// NextFixity returns the digest with the earliest scheduled check at
	// or before cutoff, or "" if none is due.
	NextFixity(cutoff time.Time) string

	// UpdateFixity resolves the earliest scheduled check for the digest
	// with the given status, creating a record if none is scheduled.
	UpdateFixity(sha256, status, notes string) error

	// SetCheck schedules a check for the digest at the given time.
	SetCheck(sha256 string, when time.Time) error

	// LookupCheck returns the earliest scheduled check time for the
	// digest, or the zero time if none is scheduled.
	LookupCheck(sha256 string) (time.Time, error)

	// GetFixity returns the records matching the digest and status.
	// An empty string matches anything.
	GetFixity(sha256, status string) ([]Record, error)
}

// A Record is one row of the check schedule or history.
type Record struct {
	SHA256        string
	ScheduledTime time.Time
	Status        string
	Notes         string
}

// do not verify a blob more often than this
const minCheckInterval = 90 * 24 * time.Hour

// A Checker runs the background verification loop.
type Checker struct {
	db    DB
	blobs *blob.Store
	rate  *util.RateCounter
	stop  chan struct{}
	done  chan struct{}
}

// NewChecker creates a checker verifying at most rate megabytes per hour.
// A rate of 0 disables checking; Start then does nothing.
func NewChecker(db DB, blobs *blob.Store, rate int64) *Checker {
	c := &Checker{
		db:    db,
		blobs: blobs,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if rate > 0 {
		c.rate = util.NewRateCounter(float64(rate) * 1000000 / 3600)
	}
	return c
}

// Start launches the background loop. It returns immediately.
func (c *Checker) Start() {
	if c.rate == nil {
		close(c.done)
		return
	}
	go c.run()
}

// Stop halts the loop. The checker is not resumable once stopped.
func (c *Checker) Stop() {
	close(c.stop)
	if c.rate != nil {
		c.rate.Stop()
	}
	<-c.done
}

func (c *Checker) run() {
	defer close(c.done)
	for {
		sha256 := c.db.NextFixity(time.Now())
		if sha256 == "" {
			select {
			case <-time.After(time.Hour):
				continue
			case <-c.stop:
				return
			}
		}
		select {
		case <-c.stop:
			return
		default:
		}
		c.checkOne(sha256)
	}
}

// checkOne verifies one blob and records the outcome plus the next check.
func (c *Checker) checkOne(sha256 string) {
	status := StatusOK
	notes := ""
	src, _, err := c.blobs.Open(sha256)
	if err == blob.ErrBlobNotFound {
		status = StatusMissing
	} else if err != nil {
		log.Printf("fixity %s: %s", sha256, err)
		status = StatusError
		notes = err.Error()
	} else {
		r := c.rate.Wrap(store.NewReader(src))
		ok, err := util.VerifyStreamHash(r, sha256)
		src.Close()
		if err == util.ErrStopped {
			// shutting down; leave the check scheduled
			return
		}
		if err != nil {
			status = StatusError
			notes = err.Error()
		} else if !ok {
			status = StatusError
			notes = "content hash mismatch"
		}
	}
	if err := c.db.UpdateFixity(sha256, status, notes); err != nil {
		log.Printf("fixity %s: recording result: %s", sha256, err)
	}
	if err := c.db.SetCheck(sha256, time.Now().Add(minCheckInterval)); err != nil {
		log.Printf("fixity %s: scheduling next check: %s", sha256, err)
	}
}

// ScheduleAll makes sure every blob in the store has a pending check.
// New blobs get their first check spread over the check interval so the
// schedule does not bunch up. It returns the number of checks added.
func ScheduleAll(db DB, blobs *blob.Store) (int, error) {
	var added int
	var i int64
	for sha256 := range blobs.List() {
		when, err := db.LookupCheck(sha256)
		if err != nil {
			return added, err
		}
		if !when.IsZero() {
			continue
		}
		offset := time.Duration(i%24) * time.Hour
		i++
		if err := db.SetCheck(sha256, time.Now().Add(offset)); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
