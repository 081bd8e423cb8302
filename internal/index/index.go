// Package index is the message index adapter: a per-message, multi-valued
// typed-property store plus a tag set, modeled on notmuch's property and
// tag system but backed directly by SQLite rather than a Xapian-backed mail
// database, since messages already live in a maildir++ tree and the index's
// only job here is bookkeeping (UIDs, mod-sequences, cached tags) rather
// than full-text search.
//
// Every property key is namespaced (typically "<namespace>.<mailbox>.uid"),
// mirroring the original design's use of a single shared store for both
// per-mailbox root records and per-message mailbox associations. A
// synthetic root message — one per namespace — carries the per-mailbox
// {uidvalidity, highestmodseq, separator} triples and the namespace-wide
// lastmod counter that let an interrupted run resume.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	lastmod INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS paths (
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	path TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS tags (
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	UNIQUE(message_id, tag)
);
CREATE TABLE IF NOT EXISTS properties (
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS properties_key_value ON properties(key, value);
CREATE INDEX IF NOT EXISTS properties_message_key ON properties(message_id, key);
CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// RootMarker and MessageMarker distinguish the synthetic per-namespace root
// row from real messages in property queries ("<namespace>.marker").
const (
	RootMarker    = "root"
	MessageMarker = "message"
)

// DB is an opened index. A DB must not be used from more than one Atomic
// section at a time; nested sections are a programming error.
type DB struct {
	sql      *sql.DB
	path     string
	inAtomic bool
}

// currentLastmod reads the counter row within the given query-capable
// handle (either d.sql for a plain read or a transaction for one about to
// advance it).
func currentLastmod(q interface {
	QueryRow(query string, args ...any) *sql.Row
}) (uint64, error) {
	var v sql.NullInt64
	err := q.QueryRow(`SELECT value FROM counters WHERE name = 'lastmod'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v.Int64), nil
}

// Open opens an existing index at path, creating the schema if the file is
// new (SQLite creates the file lazily on first write either way, so Open
// and Create differ only in caller intent, not in mechanics).
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("index: applying schema: %w", err)
	}
	return &DB{sql: sqldb, path: path}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error { return d.sql.Close() }

// Path returns the filesystem path the index was opened from.
func (d *DB) Path() string { return d.path }

// Lastmod returns the index's global, monotonically increasing write
// counter: the high-water mark the most recent mutating Atomic section left
// behind.
func (d *DB) Lastmod() (uint64, error) {
	return currentLastmod(d.sql)
}

// Tx is an atomic section: every write through it is stamped with the same
// lastmod value and becomes visible all at once, or not at all.
type Tx struct {
	tx      *sql.Tx
	lastmod uint64
	dirty   bool
}

// Atomic runs body inside a single SQL transaction. The section is handed
// the counter's next value (current high-water mark plus one) to stamp any
// message it touches; that value only gets persisted as the new high-water
// mark if body actually touched something (via stamp, or another mutation
// that marks the section dirty), so a purely read-only section leaves the
// counter untouched. Nesting (calling Atomic again from within body) panics,
// the same constraint the original index library enforces, since there is
// no meaningful way to commit an inner section without also committing the
// outer one.
func (d *DB) Atomic(body func(tx *Tx) error) (err error) {
	if d.inAtomic {
		panic("index: nested atomic sections aren't supported")
	}
	d.inAtomic = true
	defer func() { d.inAtomic = false }()

	sqlTx, err := d.sql.Begin()
	if err != nil {
		return err
	}

	current, err := currentLastmod(sqlTx)
	if err != nil {
		sqlTx.Rollback()
		return err
	}

	tx := &Tx{tx: sqlTx, lastmod: current + 1}
	if err := body(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if tx.dirty {
		if _, err := sqlTx.Exec(`
			INSERT INTO counters(name, value) VALUES ('lastmod', ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value
		`, tx.lastmod); err != nil {
			sqlTx.Rollback()
			return err
		}
	}
	return sqlTx.Commit()
}

// stamp updates a message's lastmod to the current transaction's value and
// marks the section dirty, so Atomic persists the advance.
func (tx *Tx) stamp(messageDBID int64) error {
	if _, err := tx.tx.Exec(`UPDATE messages SET lastmod = ? WHERE id = ?`, tx.lastmod, messageDBID); err != nil {
		return err
	}
	tx.dirty = true
	return nil
}

// AddMessage indexes path under messageID, creating the message row if this
// is the first path seen for that message ID, or just adding path if the
// message ID is already known (the same message delivered to more than one
// mailbox has one index row and many paths).
func (tx *Tx) AddMessage(path, messageID string) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(`SELECT id FROM messages WHERE message_id = ?`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := tx.tx.Exec(`INSERT INTO messages(message_id, lastmod) VALUES (?, ?)`, messageID, tx.lastmod)
		if err != nil {
			return 0, err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
		tx.dirty = true
	} else if err != nil {
		return 0, err
	} else {
		if err := tx.stamp(id); err != nil {
			return 0, err
		}
	}
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO paths(message_id, path) VALUES (?, ?)`, id, path); err != nil {
		return 0, err
	}
	return id, nil
}

// FindByPath looks up the message indexed at path, if any.
func (tx *Tx) FindByPath(path string) (id int64, messageID string, found bool, err error) {
	err = tx.tx.QueryRow(`
		SELECT messages.id, messages.message_id FROM messages
		JOIN paths ON paths.message_id = messages.id
		WHERE paths.path = ?
	`, path).Scan(&id, &messageID)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return id, messageID, true, nil
}

// RemoveByPath drops path's association with its message. Once a message
// has no remaining path, its row (and every tag/property hanging off it) is
// deleted along with it, mirroring a delivery-agent removing the last copy
// of a message from disk.
func (tx *Tx) RemoveByPath(path string) error {
	var id int64
	err := tx.tx.QueryRow(`SELECT message_id FROM paths WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.tx.Exec(`DELETE FROM paths WHERE path = ?`, path); err != nil {
		return err
	}
	tx.dirty = true
	var remaining int
	if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM paths WHERE message_id = ?`, id).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// Paths returns every path a message is indexed under.
func (tx *Tx) Paths(messageDBID int64) ([]string, error) {
	rows, err := tx.tx.Query(`SELECT path FROM paths WHERE message_id = ?`, messageDBID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Property returns the property's value. When a key has been replaced more
// than once without the old value being named (shouldn't normally happen,
// but mirrors the original's "last write wins" behavior for single-valued
// properties), the most recently written value is returned.
func (tx *Tx) Property(messageDBID int64, key string) (string, bool, error) {
	var v string
	err := tx.tx.QueryRow(`
		SELECT value FROM properties WHERE message_id = ? AND key = ? ORDER BY rowid DESC LIMIT 1
	`, messageDBID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Properties returns every value stored for key (a multi-valued property).
func (tx *Tx) Properties(messageDBID int64, key string) ([]string, error) {
	rows, err := tx.tx.Query(`SELECT value FROM properties WHERE message_id = ? AND key = ?`, messageDBID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ReplaceProperty removes an existing (key, oldValue) pair — or every value
// under key, if oldValue is nil — then adds (key, newValue), if newValue is
// non-nil. Both removal and addition happen atomically within the
// surrounding Atomic section; every per-key property update in this package
// is built from it.
func (tx *Tx) ReplaceProperty(messageDBID int64, key string, oldValue, newValue *string) error {
	if oldValue != nil {
		if _, err := tx.tx.Exec(`DELETE FROM properties WHERE message_id = ? AND key = ? AND value = ?`,
			messageDBID, key, *oldValue); err != nil {
			return err
		}
	} else {
		if _, err := tx.tx.Exec(`DELETE FROM properties WHERE message_id = ? AND key = ?`,
			messageDBID, key); err != nil {
			return err
		}
	}
	if newValue != nil {
		if _, err := tx.tx.Exec(`INSERT INTO properties(message_id, key, value) VALUES (?, ?, ?)`,
			messageDBID, key, *newValue); err != nil {
			return err
		}
	}
	return tx.stamp(messageDBID)
}

// RemoveAllPropertiesWithPrefix deletes every property whose key starts
// with prefix, used to clean up an orphaned namespace slot's leftovers.
func (tx *Tx) RemoveAllPropertiesWithPrefix(messageDBID int64, prefix string) error {
	if _, err := tx.tx.Exec(`DELETE FROM properties WHERE message_id = ? AND key LIKE ? ESCAPE '\'`,
		messageDBID, escapeLike(prefix)+"%"); err != nil {
		return err
	}
	tx.dirty = true
	return nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Tags returns a message's current tag set.
func (tx *Tx) Tags(messageDBID int64) ([]string, error) {
	rows, err := tx.tx.Query(`SELECT tag FROM tags WHERE message_id = ?`, messageDBID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// AddTag adds tag to a message's tag set (a no-op if already present).
func (tx *Tx) AddTag(messageDBID int64, tag string) error {
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO tags(message_id, tag) VALUES (?, ?)`, messageDBID, tag); err != nil {
		return err
	}
	return tx.stamp(messageDBID)
}

// RemoveTag removes tag from a message's tag set (a no-op if absent).
func (tx *Tx) RemoveTag(messageDBID int64, tag string) error {
	if _, err := tx.tx.Exec(`DELETE FROM tags WHERE message_id = ? AND tag = ?`, messageDBID, tag); err != nil {
		return err
	}
	return tx.stamp(messageDBID)
}

// CountByProperty reports how many messages carry key=value and have a
// lastmod exactly equal to lastmod.
func (tx *Tx) CountByProperty(key, value string, lastmod uint64) (int, error) {
	var n int
	err := tx.tx.QueryRow(`
		SELECT COUNT(DISTINCT properties.message_id)
		FROM properties
		JOIN messages ON messages.id = properties.message_id
		WHERE properties.key = ? AND properties.value = ? AND messages.lastmod = ?
	`, key, value, lastmod).Scan(&n)
	return n, err
}
