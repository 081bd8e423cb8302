// Package pull reconciles the local index and maildir tree against the
// server, in one direction only: server state wins. It never resolves a
// conflict by changing anything on the server — that's push's job, run
// afterwards.
package pull

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sinsync/sin/internal/imapwire"
	"github.com/sinsync/sin/internal/index"
	"github.com/sinsync/sin/internal/maildir"
	"github.com/sinsync/sin/internal/mailbox"
	"github.com/sinsync/sin/internal/sync"
)

// tmpName derives a stable, filesystem-safe tmp-staging name from a
// message's (namespace, uidvalidity, uid) triple: the same message always
// hashes to the same name, so an interrupted download is found again by a
// later run without the namespace string itself having to survive
// unescaped in a path component.
func tmpName(namespace string, uidvalidity, uid uint64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d", namespace, uidvalidity, uid)))
	return hex.EncodeToString(sum[:16])
}

// Options controls the parts of a pull that need operator opt-in.
type Options struct {
	// Namespace scopes every index property this run reads or writes.
	Namespace string
	// Purgeable lists the mailboxes a uidvalidity change or server-side
	// deletion is allowed to purge locally without human confirmation.
	Purgeable map[string]bool
	Probe     sync.Probe
	Log       *slog.Logger
}

// Run lists every mailbox the server has, reconciles each one against the
// index, and finally promotes anything staged in tmp by this or an earlier
// interrupted run into new.
func Run(session *sync.Session, db *index.DB, rootID int64, builder *maildir.Builder, opts Options) error {
	probe := opts.Probe
	if probe == nil {
		probe = sync.NoopProbe{}
	}
	log := opts.Log

	mailboxes, err := session.List()
	if err != nil {
		return fmt.Errorf("pull: listing mailboxes: %w", err)
	}

	seen := make(map[string]bool, len(mailboxes))
	var removals []string

	for _, m := range mailboxes {
		name := m.String()
		seen[name] = true
		rem, err := pullMailbox(session, db, rootID, builder, opts.Namespace, m, opts.Purgeable, log)
		if err != nil {
			return fmt.Errorf("pull: mailbox %q: %w", name, err)
		}
		removals = append(removals, rem...)
	}

	var known []string
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		known, err = tx.Mailboxes(rootID, opts.Namespace)
		return err
	}); err != nil {
		return fmt.Errorf("pull: listing known mailboxes: %w", err)
	}
	for _, name := range known {
		if seen[name] {
			continue
		}
		if !opts.Purgeable[name] {
			if log != nil {
				log.Warn("mailbox no longer exists on the server; rerun with this mailbox marked purgeable to remove it locally", "mailbox", name)
			}
			continue
		}
		rem, err := purgeMailbox(db, rootID, builder, opts.Namespace, name)
		if err != nil {
			return fmt.Errorf("pull: purging mailbox %q: %w", name, err)
		}
		removals = append(removals, rem...)
	}

	// Removing files (and their index rows) is deferred until every mailbox
	// has been fully reconciled, so a message that moved between two
	// mailboxes since the last run is still found under its old path while
	// the new mailbox is processed, rather than vanishing mid-run.
	for _, path := range removals {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pull: removing %q: %w", path, err)
		}
		if err := db.Atomic(func(tx *index.Tx) error {
			return tx.RemoveByPath(path)
		}); err != nil {
			return fmt.Errorf("pull: unindexing %q: %w", path, err)
		}
	}

	if err := sync.MoveOutOfTmp(db, opts.Namespace, probe, log); err != nil {
		return err
	}
	return nil
}

// reselect issues SELECT, and — if the server reports a uidvalidity
// different from what was stored — issues it again without the QRESYNC
// parameter, since resyncing against a uidvalidity the server no longer
// recognizes makes no sense. The second SELECT always succeeds against the
// fresh uidvalidity the first one just reported.
func reselect(session *sync.Session, name mailbox.Name, storedUV, storedHMS uint64) (sync.SelectResult, bool, error) {
	result, err := session.Select(name, storedUV, storedHMS)
	if err != nil {
		return sync.SelectResult{}, false, err
	}
	if storedUV != 0 && result.UIDValidity != storedUV {
		result, err = session.Select(name, 0, 0)
		if err != nil {
			return sync.SelectResult{}, false, err
		}
		return result, true, nil
	}
	return result, false, nil
}

func pullMailbox(session *sync.Session, db *index.DB, rootID int64, builder *maildir.Builder, namespace string, m sync.Mailbox, purgeable map[string]bool, log *slog.Logger) ([]string, error) {
	name := m.String()
	md, err := builder.Maildir(m.Name.LocalDir())
	if err != nil {
		return nil, err
	}

	var storedUV, storedHMS uint64
	var storedSep byte
	var hasSep bool
	firstSync := false
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		storedUV, storedHMS, err = tx.Validity(rootID, namespace, name)
		if err != nil {
			return err
		}
		firstSync = storedUV == 0
		storedSep, hasSep, err = tx.Separator(rootID, namespace, name)
		return err
	}); err != nil {
		return nil, err
	}

	if hasSep && !firstSync && storedSep != m.Name.Separator {
		return nil, fmt.Errorf("hierarchy separator for %q changed from %q to %q; this needs manual intervention", name, storedSep, m.Name.Separator)
	}

	result, uidvalidityChanged, err := reselect(session, m.Name, storedUV, storedHMS)
	if err != nil {
		return nil, err
	}

	var removals []string

	if uidvalidityChanged && !firstSync {
		if !purgeable[name] {
			return nil, fmt.Errorf("uidvalidity for %q changed (was %d, now %d); rerun with this mailbox marked purgeable to purge and resynchronize it", name, storedUV, result.UIDValidity)
		}
		rem, err := purgeStaleUIDValidity(db, md, namespace, name, storedUV)
		if err != nil {
			return nil, err
		}
		removals = append(removals, rem...)
	}

	if err := applyChanges(db, namespace, name, result, log); err != nil {
		return nil, err
	}

	rem, err := applyVanished(db, md, namespace, name, result.Vanished)
	if err != nil {
		return nil, err
	}
	removals = append(removals, rem...)

	if err := fetchNew(session, db, md, namespace, name, result.UIDValidity); err != nil {
		return nil, err
	}

	if result.UIDValidity != storedUV || result.HighestModSeq != storedHMS {
		if err := db.Atomic(func(tx *index.Tx) error {
			return tx.UpdateMailboxProperties(rootID, namespace, name, m.Name.Separator, true, result.UIDValidity, result.HighestModSeq)
		}); err != nil {
			return nil, err
		}
	}

	return removals, nil
}

// applyChanges records the live flags of every message the QRESYNC SELECT
// reported as changed. A message whose UID isn't indexed yet (one that
// arrived since the last run) is left alone here — fetchNew downloads and
// indexes it instead.
func applyChanges(db *index.DB, namespace, mailboxName string, result sync.SelectResult, log *slog.Logger) error {
	for uid, ch := range result.Changes {
		if err := db.Atomic(func(tx *index.Tx) error {
			id, found, err := tx.FindMessageByUID(namespace, mailboxName, uid)
			if err != nil || !found {
				return err
			}
			_, oldModSeq, err := tx.MessageValidity(id, namespace, mailboxName)
			if err != nil {
				return err
			}
			if oldModSeq == ch.ModSeq {
				return nil
			}
			tags := toTagSet(ch.Flags)
			return tx.UpdateMessageMailboxProperties(id, namespace, mailboxName, result.UIDValidity, uid, ch.ModSeq, tags, log)
		}); err != nil {
			return fmt.Errorf("recording flag change for UID %d: %w", uid, err)
		}
	}
	return nil
}

func toTagSet(flags []string) map[string]bool {
	raw := make([][]byte, len(flags))
	for i, f := range flags {
		raw[i] = []byte(f)
	}
	set := map[string]bool{}
	for _, t := range mailbox.FlagsToTags(raw) {
		set[t] = true
	}
	return set
}

// applyVanished drops every message the server reported as expunged,
// returning the paths it used to live under for deferred removal.
func applyVanished(db *index.DB, md *maildir.Maildir, namespace, mailboxName string, vanished []imapwire.Range) ([]string, error) {
	if len(vanished) == 0 {
		return nil, nil
	}
	maxUID, err := maxVanishedBound(db, namespace, mailboxName)
	if err != nil {
		return nil, err
	}

	var removals []string
	for _, r := range vanished {
		hi := r.Hi
		if hi > maxUID {
			hi = maxUID
		}
		for uid := r.Lo; uid <= hi; uid++ {
			if err := removeVanishedUID(db, md, namespace, mailboxName, uid, &removals); err != nil {
				return nil, err
			}
		}
	}
	return removals, nil
}

// maxVanishedBound caps an open-ended (to "*") VANISHED range at the
// highest UID this mailbox has ever actually indexed, since nothing beyond
// that could possibly be a message this index knows about.
func maxVanishedBound(db *index.DB, namespace, mailboxName string) (uint64, error) {
	var max uint64
	err := db.Atomic(func(tx *index.Tx) error {
		var err error
		max, err = tx.MaxUIDInMailbox(namespace, mailboxName)
		return err
	})
	return max, err
}

func removeVanishedUID(db *index.DB, md *maildir.Maildir, namespace, mailboxName string, uid uint64, removals *[]string) error {
	return db.Atomic(func(tx *index.Tx) error {
		id, found, err := tx.FindMessageByUID(namespace, mailboxName, uid)
		if err != nil || !found {
			return err
		}
		paths, err := tx.PathsUnder(id, md.Path())
		if err != nil {
			return err
		}
		for _, p := range paths {
			if md.Has(p) { // the root maildir's prefix also covers every other maildir
				*removals = append(*removals, p)
			}
		}
		return tx.RemoveMessageMailboxProperties(id, namespace, mailboxName)
	})
}

// purgeStaleUIDValidity removes every message this mailbox indexed under
// its previous uidvalidity, since none of those UIDs mean anything once the
// server has reassigned them.
func purgeStaleUIDValidity(db *index.DB, md *maildir.Maildir, namespace, mailboxName string, staleUV uint64) ([]string, error) {
	var removals []string
	var ids []int64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		ids, err = tx.MessagesInMailbox(namespace, mailboxName)
		return err
	}); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := db.Atomic(func(tx *index.Tx) error {
			uv, found, err := tx.MessageUIDValidity(id, namespace, mailboxName)
			if err != nil || !found || uv != staleUV {
				return err
			}
			paths, err := tx.PathsUnder(id, md.Path())
			if err != nil {
				return err
			}
			for _, p := range paths {
				if md.Has(p) { // the root maildir's prefix also covers every other maildir
					removals = append(removals, p)
				}
			}
			return tx.RemoveMessageMailboxProperties(id, namespace, mailboxName)
		}); err != nil {
			return nil, err
		}
	}
	return removals, nil
}

// purgeMailbox removes every message indexed under a mailbox the server no
// longer lists, then removes the mailbox's own maildir directory and root
// record.
func purgeMailbox(db *index.DB, rootID int64, builder *maildir.Builder, namespace, mailboxName string) ([]string, error) {
	var sep byte
	var hasSep bool
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		sep, hasSep, err = tx.Separator(rootID, namespace, mailboxName)
		return err
	}); err != nil {
		return nil, err
	}

	if err := db.Atomic(func(tx *index.Tx) error {
		ids, err := tx.MessagesInMailbox(namespace, mailboxName)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.RemoveMessageMailboxProperties(id, namespace, mailboxName); err != nil {
				return err
			}
		}
		return tx.RemoveMailboxProperties(rootID, namespace, mailboxName)
	}); err != nil {
		return nil, err
	}

	localDir := ""
	if mailboxName != "INBOX" {
		s := byte('/')
		if hasSep {
			s = sep
		}
		components := strings.Split(mailboxName, string(s))
		localDir = "." + strings.Join(components, ".")
	}
	md, err := builder.Maildir(localDir)
	if err != nil {
		return nil, err
	}
	if !md.Root() {
		if err := md.Remove(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// fetchNew discovers and stages messages with a UID higher than any this
// mailbox has indexed before. Staged files land in tmp; they are promoted
// into new on a later call to MoveOutOfTmp, never inline here, so that an
// interrupted download always leaves behind either nothing or a complete,
// resumable tmp file — never a half-indexed message.
func fetchNew(session *sync.Session, db *index.DB, md *maildir.Maildir, namespace, mailboxName string, uidvalidity uint64) error {
	var maxUID uint64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		maxUID, err = tx.MaxUIDInMailbox(namespace, mailboxName)
		return err
	}); err != nil {
		return err
	}

	sizes, err := session.FetchSizes(maxUID + 1)
	if err != nil {
		return err
	}

	for uid, size := range sizes {
		var already bool
		if err := db.Atomic(func(tx *index.Tx) error {
			_, found, err := tx.FindMessageByUID(namespace, mailboxName, uid)
			already = found
			return err
		}); err != nil {
			return err
		}
		if already {
			continue
		}

		name := tmpName(namespace, uidvalidity, uid)
		tmpPath, resumed, err := md.TmpNamedWithSize(name, int64(size))
		if err != nil {
			return err
		}
		if !resumed {
			body, err := session.FetchBody(uid)
			if err != nil {
				return err
			}
			tmpPath, err = md.TmpNamed(name, bytes.NewReader(body))
			if err != nil {
				return err
			}
		}

		flags, err := session.FetchFlags(uid)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		messageID, err := sync.MessageID(namespace, body)
		if err != nil {
			return err
		}

		if err := db.Atomic(func(tx *index.Tx) error {
			id, err := tx.AddMessage(tmpPath, messageID)
			if err != nil {
				return err
			}
			return tx.UpdateMessageMailboxProperties(id, namespace, mailboxName, uidvalidity, uid, 0, toTagSet(flags), nil)
		}); err != nil {
			return err
		}
	}
	return nil
}
