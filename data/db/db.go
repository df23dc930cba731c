package db

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	// catalog drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const timeLayout = "2006-01-02 15:04:05"

// Operations recorded in the catalog
const (
	OpSplit  = "split"
	OpClean  = "clean"
	OpUpload = "upload"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn catalog connection
type DBconn struct {
	DriverName string
	ConnInfo   string

	TableName string

	db *sql.DB
}

// Item one image handled by a dataset operation
type Item struct {
	RunID      string    `json:"runId"`
	Operation  string    `json:"operation"`
	Label      string    `json:"label"`
	Split      string    `json:"split"`
	Filename   string    `json:"filename"`
	FileFormat string    `json:"format"`
	FilePath   string    `json:"path"`
	Detail     string    `json:"detail"`
	CreateAt   time.Time `json:"createAt"`
}

func (conn *DBconn) createTable() error {
	if _, err := conn.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		runid CHAR(36) NOT NULL,
		operation CHAR(10) NOT NULL,
		label CHAR(20) NOT NULL,
		split CHAR(20) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		format CHAR(10) NOT NULL,
		path VARCHAR(1024) NOT NULL,
		detail VARCHAR(255) NOT NULL,
		createAt CHAR(19) NOT NULL);`, conn.TableName)); err != nil {
		return err
	}

	return nil
}

func (conn *DBconn) existsTable() bool {
	rows, err := conn.db.Query(fmt.Sprintf("SELECT * FROM %s LIMIT 1;", conn.TableName))
	if err != nil {
		return false
	}
	rows.Close()

	return true
}

func (conn *DBconn) initTable() error {
	if !conn.existsTable() {
		log.Printf("Create DB table: %s", conn.TableName)
		return conn.createTable()
	}

	return nil
}

// where builds the filter clause from the non-empty fields of item
func where(item Item) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value != "" {
			conds = append(conds, column+" = ?")
			args = append(args, value)
		}
	}
	add("runid", item.RunID)
	add("operation", item.Operation)
	add("label", item.Label)
	add("split", item.Split)
	add("filename", item.Filename)

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Insert entry
func (conn *DBconn) Insert(item Item) error {
	createAt := item.CreateAt.UTC().Format(timeLayout)

	_, err := conn.db.Exec(fmt.Sprintf(`INSERT INTO %s (
		runid,
		operation,
		label,
		split,
		filename,
		format,
		path,
		detail,
		createAt) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`, conn.TableName),
		item.RunID, item.Operation, item.Label, item.Split, item.Filename,
		item.FileFormat, item.FilePath, item.Detail, createAt,
	)

	return errors.Wrapf(err, "insert %s", item.Filename)
}

// Get entries matching the non-empty fields of param; infos holds total, successful and failed row counts
func (conn *DBconn) Get(param Item) (map[string]int64, []Item, error) {
	clause, args := where(param)
	rows, err := conn.db.Query(fmt.Sprintf(`SELECT
		runid, operation, label, split, filename, format, path, detail, createAt
		FROM %s%s;`, conn.TableName, clause), args...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query catalog")
	}
	defer rows.Close()

	var (
		total      int64
		successful int64
		failed     int64
		items      []Item
	)
	for rows.Next() {
		var (
			item     Item
			createAt string
		)
		total++
		if err := rows.Scan(&item.RunID, &item.Operation, &item.Label, &item.Split, &item.Filename,
			&item.FileFormat, &item.FilePath, &item.Detail, &createAt); err != nil {
			log.Print(err)
			failed++
			continue
		}
		if item.CreateAt, err = time.Parse(timeLayout, createAt); err != nil {
			log.Print(err)
			failed++
			continue
		}
		items = append(items, item)
		successful++
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "read catalog")
	}

	infos := map[string]int64{
		"total":      total,
		"successful": successful,
		"failed":     failed,
	}
	return infos, items, nil
}

// Delete entries matching the non-empty fields of param
func (conn *DBconn) Delete(param Item) (int64, error) {
	clause, args := where(param)
	res, err := conn.db.Exec(fmt.Sprintf("DELETE FROM %s%s;", conn.TableName, clause), args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete from catalog")
	}

	return res.RowsAffected()
}

// Destroy closes the db connection
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New opens the catalog and creates its table when missing
func New(cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s catalog", cfg.DriverName)
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		ConnInfo:   cfg.ConnInfo,
		TableName:  cfg.TableName,
		db:         db,
	}

	if err := conn.initTable(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "init table %s", cfg.TableName)
	}

	return conn, nil
}
