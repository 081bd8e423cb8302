package index

import (
	"fmt"
	"strconv"
)

// Attach finds or creates the synthetic root message for namespace and
// returns its row id plus the fully-qualified per-run namespace
// ("<namespace>.<id>") every other property key is scoped under. Reusing
// an existing root lets a second run against the same maildir/index pair
// find the same namespace id; allocating a fresh one also reclaims any
// orphaned "<namespace>.<id>.*" properties left behind by a root message
// that was since deleted out from under the index (e.g. by hand), the same
// housekeeping the original attach() performs before minting a new id.
func (d *DB) Attach(rootPath, namespace string) (rootID int64, fullNamespace string, err error) {
	err = d.Atomic(func(tx *Tx) error {
		id, _, found, err := tx.FindByPath(rootPath)
		if err != nil {
			return err
		}
		if found {
			rootID = id
			return nil
		}

		rows, err := tx.tx.Query(`
			SELECT DISTINCT messages.id FROM messages
			JOIN properties ON properties.message_id = messages.id
			WHERE properties.key LIKE ? ESCAPE '\' AND properties.value = ?
		`, escapeLike(namespace+".")+"%.marker", RootMarker)
		if err != nil {
			return err
		}
		existingIDs := map[int64]bool{}
		for rows.Next() {
			var mid int64
			if err := rows.Scan(&mid); err != nil {
				rows.Close()
				return err
			}
			existingIDs[mid] = true
		}
		rows.Close()

		var maxSlot int64 = -1
		live := map[int64]bool{}
		for mid := range existingIDs {
			slot, err := rootSlotFromMessageID(tx, mid)
			if err != nil {
				return err
			}
			live[slot] = true
			if slot > maxSlot {
				maxSlot = slot
			}
		}
		nextSlot := int64(0)
		if maxSlot >= 0 {
			nextSlot = maxSlot + 1
		}

		// Reclaim any orphaned per-slot properties below nextSlot that no
		// longer have a live root message (e.g. the root was removed by
		// hand but its message properties survived).
		for slot := int64(0); slot < nextSlot; slot++ {
			if live[slot] {
				continue
			}
			prefix := fmt.Sprintf("%s.%d.", namespace, slot)
			orphanRows, err := tx.tx.Query(`
				SELECT DISTINCT message_id FROM properties WHERE key LIKE ? ESCAPE '\'
			`, escapeLike(prefix)+"%")
			if err != nil {
				return err
			}
			var orphans []int64
			for orphanRows.Next() {
				var mid int64
				if err := orphanRows.Scan(&mid); err != nil {
					orphanRows.Close()
					return err
				}
				orphans = append(orphans, mid)
			}
			orphanRows.Close()
			for _, mid := range orphans {
				if err := tx.RemoveAllPropertiesWithPrefix(mid, prefix); err != nil {
					return err
				}
			}
		}

		id, err = tx.AddMessage(rootPath, fmt.Sprintf("%d@%s", nextSlot, namespace))
		if err != nil {
			return err
		}
		full := fmt.Sprintf("%s.%d", namespace, nextSlot)
		if err := tx.AddTag(id, full+".internal"); err != nil {
			return err
		}
		marker := RootMarker
		if err := tx.ReplaceProperty(id, full+".marker", nil, &marker); err != nil {
			return err
		}
		rootID = id
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return rootID, fullNamespaceFor(rootID, d, namespace), nil
}

// rootSlotFromMessageID extracts the "<slot>" from a root message's
// message-id "<slot>@<namespace>".
func rootSlotFromMessageID(tx *Tx, messageDBID int64) (int64, error) {
	var messageID string
	if err := tx.tx.QueryRow(`SELECT message_id FROM messages WHERE id = ?`, messageDBID).Scan(&messageID); err != nil {
		return 0, err
	}
	for i := 0; i < len(messageID); i++ {
		if messageID[i] == '@' {
			return strconv.ParseInt(messageID[:i], 10, 64)
		}
	}
	return 0, fmt.Errorf("index: malformed root message id %q", messageID)
}

// fullNamespaceFor recomputes the namespace.slot string for an already
// resolved root id, by reading the marker property's message-id back.
func fullNamespaceFor(rootID int64, d *DB, namespace string) string {
	var slot int64 = -1
	_ = d.sql.QueryRow(`
		SELECT CAST(substr(message_id, 1, instr(message_id, '@') - 1) AS INTEGER)
		FROM messages WHERE id = ?
	`, rootID).Scan(&slot)
	return fmt.Sprintf("%s.%d", namespace, slot)
}

// Validity returns mailbox's stored (uidvalidity, highestmodseq), both zero
// if the mailbox has never been synchronized before.
func (tx *Tx) Validity(rootID int64, namespace, mailbox string) (uidvalidity, highestmodseq uint64, err error) {
	uv, found, err := tx.Property(rootID, namespace+"."+mailbox+".uidvalidity")
	if err != nil {
		return 0, 0, err
	}
	if found {
		uidvalidity, err = strconv.ParseUint(uv, 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	hms, found, err := tx.Property(rootID, namespace+"."+mailbox+".highestmodseq")
	if err != nil {
		return 0, 0, err
	}
	if found {
		highestmodseq, err = strconv.ParseUint(hms, 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	return uidvalidity, highestmodseq, nil
}

// UpdateMailboxProperties records mailbox's membership in the root's
// mailbox set plus its current {separator, uidvalidity, highestmodseq}.
func (tx *Tx) UpdateMailboxProperties(rootID int64, namespace, mailbox string, separator byte, hasSeparator bool, uidvalidity, highestmodseq uint64) error {
	if err := tx.ReplaceProperty(rootID, namespace+".mailbox", &mailbox, &mailbox); err != nil {
		return err
	}
	if hasSeparator {
		sep := string(separator)
		if err := tx.ReplaceProperty(rootID, namespace+"."+mailbox+".separator", nil, &sep); err != nil {
			return err
		}
	}
	uv := strconv.FormatUint(uidvalidity, 10)
	if err := tx.ReplaceProperty(rootID, namespace+"."+mailbox+".uidvalidity", nil, &uv); err != nil {
		return err
	}
	hms := strconv.FormatUint(highestmodseq, 10)
	return tx.ReplaceProperty(rootID, namespace+"."+mailbox+".highestmodseq", nil, &hms)
}

// RemoveMailboxProperties forgets mailbox entirely from the root record,
// used when a mailbox has been deleted on the server.
func (tx *Tx) RemoveMailboxProperties(rootID int64, namespace, mailbox string) error {
	if err := tx.ReplaceProperty(rootID, namespace+".mailbox", &mailbox, nil); err != nil {
		return err
	}
	for _, suffix := range []string{"uidvalidity", "highestmodseq", "separator"} {
		if err := tx.ReplaceProperty(rootID, namespace+"."+mailbox+"."+suffix, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Mailboxes lists every mailbox the root record currently tracks.
func (tx *Tx) Mailboxes(rootID int64, namespace string) ([]string, error) {
	return tx.Properties(rootID, namespace+".mailbox")
}

// Separator returns mailbox's recorded hierarchy separator, if any.
func (tx *Tx) Separator(rootID int64, namespace, mailbox string) (byte, bool, error) {
	v, found, err := tx.Property(rootID, namespace+"."+mailbox+".separator")
	if err != nil || !found || v == "" {
		return 0, false, err
	}
	return v[0], true, nil
}

// RootLastmod returns the namespace-wide lastmod counter recorded on the
// root message, 0 if this is the first run.
func (tx *Tx) RootLastmod(rootID int64, namespace string) (uint64, error) {
	v, found, err := tx.Property(rootID, namespace+".lastmod")
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// UpdateRootLastmod stamps the root record with the namespace-wide lastmod
// counter's new value.
func (tx *Tx) UpdateRootLastmod(rootID int64, namespace string, lastmod uint64) error {
	v := strconv.FormatUint(lastmod, 10)
	return tx.ReplaceProperty(rootID, namespace+".lastmod", nil, &v)
}
