package index

import (
	"database/sql"
	"strconv"
	"strings"
)

// MessagesInMailbox lists every message currently associated with mailbox
// (its live "<namespace>.mailbox" property includes mailbox).
func (tx *Tx) MessagesInMailbox(namespace, mailbox string) ([]int64, error) {
	rows, err := tx.tx.Query(`
		SELECT message_id FROM properties WHERE key = ? AND value = ?
	`, namespace+".mailbox", mailbox)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MessageUIDValidity returns the uidvalidity a message was indexed under for
// mailbox, if any.
func (tx *Tx) MessageUIDValidity(messageDBID int64, namespace, mailbox string) (uint64, bool, error) {
	v, found, err := tx.Property(messageDBID, namespace+"."+mailbox+".uidvalidity")
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, true, err
}

// FindMessageByUID looks up the message indexed under mailbox with the given
// UID, if any.
func (tx *Tx) FindMessageByUID(namespace, mailbox string, uid uint64) (int64, bool, error) {
	var id int64
	err := tx.tx.QueryRow(`
		SELECT message_id FROM properties WHERE key = ? AND value = ?
	`, namespace+"."+mailbox+".uid", strconv.FormatUint(uid, 10)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// NewLocalPaths returns every indexed path starting with prefix whose
// message has never been stamped with a "<namespace>.marker" property — a
// message that was delivered or created locally and has not yet been pushed
// anywhere.
func (tx *Tx) NewLocalPaths(namespace, prefix string) ([]string, error) {
	rows, err := tx.tx.Query(`
		SELECT paths.path FROM paths
		JOIN messages ON messages.id = paths.message_id
		WHERE paths.path LIKE ? ESCAPE '\'
		AND NOT EXISTS (
			SELECT 1 FROM properties WHERE properties.message_id = messages.id AND properties.key = ?
		)
	`, escapeLike(prefix)+"%", namespace+".marker")
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

// ModifiedSince returns every message carrying the namespace's message
// marker whose lastmod is at or above floor — the set a push run needs to
// re-examine for tag/flag changes made since the last successful push.
func (tx *Tx) ModifiedSince(namespace string, floor uint64) ([]int64, error) {
	rows, err := tx.tx.Query(`
		SELECT DISTINCT messages.id FROM messages
		JOIN properties ON properties.message_id = messages.id
		WHERE properties.key = ? AND properties.value = ? AND messages.lastmod >= ?
	`, namespace+".marker", MessageMarker, floor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MaxUIDInMailbox returns the highest UID currently indexed for mailbox, 0
// if none — the lower bound a pull run fetches from to discover messages
// that arrived since the last sync.
func (tx *Tx) MaxUIDInMailbox(namespace, mailbox string) (uint64, error) {
	ids, err := tx.MessagesInMailbox(namespace, mailbox)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, id := range ids {
		uid, _, err := tx.MessageValidity(id, namespace, mailbox)
		if err != nil {
			return 0, err
		}
		if uid > max {
			max = uid
		}
	}
	return max, nil
}

// PathsUnder filters a message's indexed paths to those starting with
// prefix.
func (tx *Tx) PathsUnder(messageDBID int64, prefix string) ([]string, error) {
	all, err := tx.Paths(messageDBID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range all {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}
