package fixity

import (
	"database/sql"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// implements the fixity DB using MySQL as the backing store.
type msqlDB struct {
	db *sql.DB
}

var _ DB = &msqlDB{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlDB connects to a MySQL database, running any pending schema
// migrations first.
func NewMysqlDB(dial string) (*msqlDB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlDB{db: db}, nil
}

func (ms *msqlDB) NextFixity(cutoff time.Time) string {
	const query = `
		SELECT sha256
		FROM fixity
		WHERE status = "scheduled" AND scheduled_time <= ?
		ORDER BY scheduled_time
		LIMIT 1`

	var sha256 string
	err := ms.db.QueryRow(query, cutoff).Scan(&sha256)
	if err == sql.ErrNoRows {
		// no next record
		return ""
	} else if err != nil {
		log.Println("nextfixity", err.Error())
		return ""
	}
	return sha256
}

func (ms *msqlDB) UpdateFixity(sha256 string, status string, notes string) error {
	const query = `
		UPDATE fixity
		SET status = ?, notes = ?
		WHERE sha256 = ? and status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`
	result, err := ms.db.Exec(query, status, notes, sha256)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		const newquery = `INSERT INTO fixity (sha256, scheduled_time, status, notes) VALUES (?,?,?,?)`

		_, err = ms.db.Exec(newquery, sha256, time.Now(), status, notes)
	}
	return err
}

func (ms *msqlDB) SetCheck(sha256 string, when time.Time) error {
	const query = `INSERT INTO fixity (sha256, scheduled_time, status, notes) VALUES (?,?,?,?)`

	_, err := ms.db.Exec(query, sha256, when, "scheduled", "")
	return err
}

func (ms *msqlDB) LookupCheck(sha256 string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM fixity
		WHERE sha256 = ? AND status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`

	var when mysql.NullTime
	err := ms.db.QueryRow(query, sha256).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	if when.Valid {
		return when.Time, err
	}
	return time.Time{}, err
}

func (ms *msqlDB) GetFixity(sha256, status string) ([]Record, error) {
	const query = `
		SELECT sha256, scheduled_time, status, notes
		FROM fixity
		WHERE (sha256 = ? OR ? = "") AND (status = ? OR ? = "")
		ORDER BY scheduled_time`

	rows, err := ms.db.Query(query, sha256, sha256, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		var r Record
		var when mysql.NullTime
		if err := rows.Scan(&r.SHA256, &when, &r.Status, &r.Notes); err != nil {
			return result, err
		}
		if when.Valid {
			r.ScheduledTime = when.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS fixity (
		id int PRIMARY KEY AUTO_INCREMENT,
		sha256 varchar(64),
		scheduled_time datetime,
		status varchar(32),
		notes text,
		INDEX fixity_sha (sha256),
		INDEX fixity_time (scheduled_time))`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
