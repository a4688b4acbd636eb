// Package catalog indexes closed output partitions in SQLite so recordings
// can be located without walking the output tree.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/greendrake/gazecap/recorder"
	_ "github.com/mattn/go-sqlite3"
)

type Partition struct {
	ID      int64     `json:"id"`
	Run     string    `json:"run"`
	Index   int       `json:"index"`
	Path    string    `json:"path"`
	Opened  time.Time `json:"opened"`
	Closed  time.Time `json:"closed"`
	Records uint64    `json:"records"`
	Bytes   uint64    `json:"bytes"`
}

type Catalog struct {
	db *sql.DB
	mu sync.RWMutex
}

func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		idx INTEGER NOT NULL,
		path TEXT NOT NULL,
		opened DATETIME NOT NULL,
		closed DATETIME NOT NULL,
		records INTEGER DEFAULT 0,
		bytes INTEGER DEFAULT 0,
		UNIQUE (run, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_partitions_opened ON partitions(opened);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Add records a closed partition of the given run.
func (c *Catalog) Add(run string, info recorder.PartitionInfo) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`
		INSERT INTO partitions (run, idx, path, opened, closed, records, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run, info.Index, info.Path, info.Opened.UTC(), info.Closed.UTC(), int64(info.Records), int64(info.Bytes))
	if err != nil {
		return 0, fmt.Errorf("failed to insert partition: %w", err)
	}
	return res.LastInsertId()
}

// List returns partitions newest first. A zero limit means all.
func (c *Catalog) List(run string, limit int) ([]Partition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	query := `SELECT id, run, idx, path, opened, closed, records, bytes FROM partitions`
	var args []any
	if run != "" {
		query += ` WHERE run = ?`
		args = append(args, run)
	}
	query += ` ORDER BY opened DESC, idx DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", err)
	}
	defer rows.Close()
	var out []Partition
	for rows.Next() {
		var p Partition
		var records, bytes int64
		if err := rows.Scan(&p.ID, &p.Run, &p.Index, &p.Path, &p.Opened, &p.Closed, &records, &bytes); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		p.Records, p.Bytes = uint64(records), uint64(bytes)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
