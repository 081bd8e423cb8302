// Package catalog is an optional, always-rebuildable read cache over the
// maildir tree: a DuckDB table of per-message headers, persisted as a
// zstd-compressed Parquet file so a large archive doesn't have to be
// re-scanned from disk on every startup. It never participates in pull or
// push reconciliation — the index is the only source of truth for that —
// so a missing or corrupt catalog file is never a sync-correctness problem,
// only a slower first query.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS messages (
	path      VARCHAR NOT NULL,
	mailbox   VARCHAR NOT NULL DEFAULT '',
	subject   VARCHAR NOT NULL DEFAULT '',
	from_addr VARCHAR NOT NULL DEFAULT '',
	to_addr   VARCHAR NOT NULL DEFAULT '',
	date      TIMESTAMP,
	size      BIGINT NOT NULL DEFAULT 0
)`

// Catalog is a DuckDB-backed, in-memory message catalog optionally persisted
// to a Parquet file between runs.
type Catalog struct {
	db      *sql.DB
	path    string
	builtAt time.Time
	total   int
}

// Open creates an in-memory DuckDB database and loads path into it if the
// file already exists. Pass "" for path to skip persistence entirely.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("catalog: opening duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, path: path}
	if path != "" {
		if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
			if n, loadErr := c.loadParquet(); loadErr == nil {
				c.total = n
				c.builtAt = info.ModTime()
				return c, nil
			}
		}
	}
	if _, err := c.db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: creating table: %w", err)
	}
	return c, nil
}

// Close releases the underlying DuckDB connection.
func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) loadParquet() (int, error) {
	escaped := strings.ReplaceAll(c.path, "'", "''")
	if _, err := c.db.Exec(fmt.Sprintf("CREATE TABLE messages AS SELECT * FROM read_parquet('%s')", escaped)); err != nil {
		return 0, fmt.Errorf("catalog: loading %q: %w", c.path, err)
	}
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Catalog) saveParquet() error {
	if c.path == "" {
		return nil
	}
	if dir := filepath.Dir(c.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	os.Remove(c.path)
	escaped := strings.ReplaceAll(c.path, "'", "''")
	_, err := c.db.Exec(fmt.Sprintf("COPY messages TO '%s' (FORMAT PARQUET, CODEC 'ZSTD')", escaped))
	return err
}

// Entry is one message's cached header summary.
type Entry struct {
	Path    string
	Mailbox string
	Subject string
	From    string
	To      string
	Date    time.Time
	Size    int64
}

// Rebuild replaces the catalog's contents with entries and persists it to
// the configured Parquet path, if any.
func (c *Catalog) Rebuild(entries []Entry) error {
	if _, err := c.db.Exec("DROP TABLE IF EXISTS messages"); err != nil {
		return err
	}
	if _, err := c.db.Exec(createTableSQL); err != nil {
		return err
	}

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO messages (path, mailbox, subject, from_addr, to_addr, date, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, e := range entries {
		if _, err := stmt.Exec(e.Path, e.Mailbox, e.Subject, e.From, e.To, e.Date, e.Size); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	c.total = len(entries)
	c.builtAt = time.Now()
	return c.saveParquet()
}

// Search returns every entry whose subject contains query, case-insensitive,
// optionally restricted to one mailbox.
func (c *Catalog) Search(mailbox, query string) ([]Entry, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	var rows *sql.Rows
	var err error
	switch {
	case mailbox != "" && q != "":
		rows, err = c.db.Query(`SELECT path, mailbox, subject, from_addr, to_addr, date, size FROM messages
			WHERE mailbox = ? AND contains(LOWER(subject), ?) ORDER BY date DESC`, mailbox, q)
	case mailbox != "":
		rows, err = c.db.Query(`SELECT path, mailbox, subject, from_addr, to_addr, date, size FROM messages
			WHERE mailbox = ? ORDER BY date DESC`, mailbox)
	case q != "":
		rows, err = c.db.Query(`SELECT path, mailbox, subject, from_addr, to_addr, date, size FROM messages
			WHERE contains(LOWER(subject), ?) ORDER BY date DESC`, q)
	default:
		rows, err = c.db.Query(`SELECT path, mailbox, subject, from_addr, to_addr, date, size FROM messages ORDER BY date DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Mailbox, &e.Subject, &e.From, &e.To, &e.Date, &e.Size); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats reports the catalog's current size and build time.
type Stats struct {
	Total   int
	BuiltAt time.Time
	Path    string
}

// Stats returns the catalog's current statistics.
func (c *Catalog) Stats() Stats {
	return Stats{Total: c.total, BuiltAt: c.builtAt, Path: c.path}
}
