package fixity

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/cznic/ql/driver"
)

// This file implements the fixity DB on the QL embedded database. It keeps
// everything in one file (or in memory), which suits a single-machine
// depot; use the MySQL version when several tools share one schedule.

type qlDB struct {
	db *sql.DB
}

var _ DB = &qlDB{}

const qlFixityInit = `
	CREATE TABLE IF NOT EXISTS fixity (
		sha256 string,
		scheduled_time time,
		status string,
		notes string
	);
	CREATE INDEX IF NOT EXISTS fixitysha ON fixity (sha256);
	CREATE INDEX IF NOT EXISTS fixitytime ON fixity (scheduled_time);
	CREATE INDEX IF NOT EXISTS fixitystatus ON fixity (status);
`

// memcount makes each in-memory open distinct. QL names in-memory
// databases process-wide, so a fixed name would share state between
// otherwise independent opens.
var memcount int64

// NewQlDB opens (creating if needed) a QL fixity database in the given
// file. The filename "memory" keeps everything in memory.
func NewQlDB(filename string) *qlDB {
	var db *sql.DB
	var err error
	if filename == "memory" {
		name := fmt.Sprintf("mem%d.db", atomic.AddInt64(&memcount, 1))
		db, err = sql.Open("ql-mem", name)
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlFixityInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil
	}
	return &qlDB{db: db}
}

func (qc *qlDB) NextFixity(cutoff time.Time) string {
	const query = `
		SELECT sha256, scheduled_time
		FROM fixity
		WHERE status == "scheduled" AND scheduled_time <= ?1
		ORDER BY scheduled_time
		LIMIT 1;`

	var sha256 string
	var when time.Time
	err := qc.db.QueryRow(query, cutoff).Scan(&sha256, &when)
	if err == sql.ErrNoRows {
		// no next record
		return ""
	} else if err != nil {
		log.Println("nextfixity QL", err.Error())
		return ""
	}
	return sha256
}

func (qc *qlDB) UpdateFixity(sha256 string, status string, notes string) error {
	const query = `
		UPDATE fixity
		SET status = ?2, notes = ?3
		WHERE id() in
			(SELECT id from
				(SELECT id() as id, scheduled_time
				FROM fixity
				WHERE sha256 == ?1 and status == "scheduled"
				ORDER BY scheduled_time
				LIMIT 1))`

	result, err := performExec(qc.db, query, sha256, status, notes)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		const newquery = `INSERT INTO fixity VALUES (?1,?2,?3,?4)`

		_, err = performExec(qc.db, newquery, sha256, time.Now(), status, notes)
	}
	return err
}

func (qc *qlDB) SetCheck(sha256 string, when time.Time) error {
	const query = `INSERT INTO fixity VALUES (?1,?2,?3,?4)`

	_, err := performExec(qc.db, query, sha256, when, "scheduled", "")
	return err
}

func (qc *qlDB) LookupCheck(sha256 string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM fixity
		WHERE sha256 == ?1 AND status == "scheduled"
		ORDER BY scheduled_time ASC
		LIMIT 1`

	var when time.Time
	err := qc.db.QueryRow(query, sha256).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	return when, err
}

func (qc *qlDB) GetFixity(sha256, status string) ([]Record, error) {
	const query = `
		SELECT sha256, scheduled_time, status, notes
		FROM fixity
		WHERE (sha256 == ?1 OR ?1 == "") AND (status == ?2 OR ?2 == "")
		ORDER BY scheduled_time`

	rows, err := qc.db.Query(query, sha256, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SHA256, &r.ScheduledTime, &r.Status, &r.Notes); err != nil {
			return result, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}
