// Package push reconciles local changes — brand-new messages, flag edits,
// and cross-mailbox moves — back onto the server. It never discovers
// server-side changes itself; a conflict it can't resolve ends the run with
// sync.ErrRerunPull rather than guessing. It does discover brand-new local
// files and local moves made straight against a maildir's cur/new (see
// indexNewLocalFiles and pruneStaleLocalPaths), since nothing else in this
// tool scans for those.
package push

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sinsync/sin/internal/index"
	"github.com/sinsync/sin/internal/maildir"
	"github.com/sinsync/sin/internal/mailbox"
	"github.com/sinsync/sin/internal/sync"
)

// Options controls what a push run is allowed to do.
type Options struct {
	Namespace string
	Probe     sync.Probe
	Log       *slog.Logger
}

// mailboxInfo is everything a push needs about one of the server's
// mailboxes, collected once up front.
type mailboxInfo struct {
	mailbox mailbox.Name
	maildir *maildir.Maildir
	uid     uint64
	hms     uint64
}

// Run snapshots the index's lastmod counter, then for every mailbox: SELECTs
// it (fatal on a uidvalidity mismatch — the caller must pull first), appends
// brand-new local messages, stores flag diffs for locally modified ones, and
// finally detects and applies local cross-mailbox moves. The root record's
// lastmod is only updated once, after every mailbox has been reconciled, so
// a run interrupted partway through leaves it where it was and a rerun
// re-examines the same messages.
func Run(session *sync.Session, db *index.DB, rootID int64, builder *maildir.Builder, opts Options) error {
	probe := opts.Probe
	if probe == nil {
		probe = sync.NoopProbe{}
	}
	log := opts.Log
	namespace := opts.Namespace

	var lastmodBefore uint64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		lastmodBefore, err = tx.RootLastmod(rootID, namespace)
		return err
	}); err != nil {
		return err
	}

	sessionMailboxes, err := session.List()
	if err != nil {
		return fmt.Errorf("push: listing mailboxes: %w", err)
	}

	infos := make(map[string]*mailboxInfo, len(sessionMailboxes))
	for _, m := range sessionMailboxes {
		name := m.String()
		var storedUV, storedHMS uint64
		if err := db.Atomic(func(tx *index.Tx) error {
			var err error
			storedUV, storedHMS, err = tx.Validity(rootID, namespace, name)
			return err
		}); err != nil {
			return err
		}

		result, err := session.Select(m.Name, storedUV, storedHMS)
		if err != nil {
			return fmt.Errorf("push: selecting %q: %w", name, err)
		}
		if storedUV != 0 && result.UIDValidity != storedUV {
			return fmt.Errorf("push: %q: %w", name, sync.ErrRerunPull)
		}

		md, err := builder.Maildir(m.Name.LocalDir())
		if err != nil {
			return err
		}
		infos[name] = &mailboxInfo{mailbox: m.Name, maildir: md, uid: result.UIDValidity, hms: result.HighestModSeq}
	}

	// indexNewLocalFiles must finish for every mailbox before
	// pruneStaleLocalPaths runs for any of them: a message moved by hand
	// from one mailbox's maildir into another's is only safe to drop from
	// its old path once the new path has already been recorded against the
	// same message row, or the prune would delete the message outright.
	for name, info := range infos {
		if err := indexNewLocalFiles(db, namespace, info); err != nil {
			return fmt.Errorf("push: scanning %q for new local files: %w", name, err)
		}
	}
	for name, info := range infos {
		if err := pruneStaleLocalPaths(db, info); err != nil {
			return fmt.Errorf("push: pruning stale paths in %q: %w", name, err)
		}
	}

	for name, info := range infos {
		if err := appendNew(session, db, namespace, name, info, probe); err != nil {
			return fmt.Errorf("push: appending new messages in %q: %w", name, err)
		}
	}

	for name, info := range infos {
		if err := storeModified(session, db, namespace, name, info, lastmodBefore, probe, log); err != nil {
			return fmt.Errorf("push: storing flag changes in %q: %w", name, err)
		}
	}

	if err := moveMoved(session, db, namespace, infos, lastmodBefore, probe); err != nil {
		return fmt.Errorf("push: applying moves: %w", err)
	}

	lastmodAfter, err := db.Lastmod()
	if err != nil {
		return err
	}
	if lastmodAfter != lastmodBefore {
		return db.Atomic(func(tx *index.Tx) error {
			return tx.UpdateRootLastmod(rootID, namespace, lastmodAfter)
		})
	}
	return nil
}

// indexNewLocalFiles indexes every file sitting in info.maildir's "cur" and
// "new" directories that the index has never seen before — a message a
// file manager or another mail user agent deposited directly into the
// maildir rather than one pulled or appended through this tool, which would
// otherwise never reach appendNew since NewLocalPaths only surfaces paths
// the index already tracks. AddMessage matches an existing message row by
// its Message-Id before minting a new one, so a file that arrived here by
// being moved from another of this run's mailboxes is recognized as the
// same message rather than a second copy.
func indexNewLocalFiles(db *index.DB, namespace string, info *mailboxInfo) error {
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(info.maildir.Path(), sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())

			var found bool
			if err := db.Atomic(func(tx *index.Tx) error {
				_, _, found, err = tx.FindByPath(path)
				return err
			}); err != nil {
				return err
			}
			if found {
				continue
			}

			body, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			messageID, err := sync.MessageID(namespace, body)
			if err != nil {
				return err
			}

			if err := db.Atomic(func(tx *index.Tx) error {
				_, err := tx.AddMessage(path, messageID)
				return err
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneStaleLocalPaths drops the index's record of any previously-indexed
// path under info.maildir that no longer exists on disk — the other half of
// refreshing the index against a hand-made local move, letting moveMoved
// notice a message whose only remaining path now sits under a different
// mailbox's maildir. Must only run after indexNewLocalFiles has recorded
// every mailbox's current files, or a message moved out from under its only
// indexed path would be deleted outright instead of relocated.
func pruneStaleLocalPaths(db *index.DB, info *mailboxInfo) error {
	var indexed []string
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		indexed, err = tx.AllPaths()
		return err
	}); err != nil {
		return err
	}
	for _, path := range indexed {
		if !info.maildir.Has(path) {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := db.Atomic(func(tx *index.Tx) error {
			return tx.RemoveByPath(path)
		}); err != nil {
			return err
		}
	}
	return nil
}

// appendNew uploads every message filed under mailboxName's maildir that the
// index has never stamped with the namespace's marker — a message delivered
// or created locally since the last push.
func appendNew(session *sync.Session, db *index.DB, namespace, mailboxName string, info *mailboxInfo, probe sync.Probe) error {
	var paths []string
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		paths, err = tx.NewLocalPaths(namespace, info.maildir.Path())
		return err
	}); err != nil {
		return err
	}

	for _, path := range paths {
		if !info.maildir.Has(path) {
			continue
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var tags []string
		var messageID string
		if err := db.Atomic(func(tx *index.Tx) error {
			id, mid, found, err := tx.FindByPath(path)
			if err != nil || !found {
				return err
			}
			messageID = mid
			tags, err = tx.Tags(id)
			return err
		}); err != nil {
			return err
		}

		rawFlags := mailbox.TagsToFlags(tags)
		flags := make([]string, len(rawFlags))
		for i, f := range rawFlags {
			flags[i] = string(f)
		}
		uid, highestmodseq, err := session.Append(info.mailbox, flags, body)
		if err != nil {
			return err
		}
		if err := probe.Check(sync.AppendIsNotTransactional); err != nil {
			return err
		}

		if err := db.Atomic(func(tx *index.Tx) error {
			id, err := tx.AddMessage(path, messageID)
			if err != nil {
				return err
			}
			tagSet := make(map[string]bool, len(tags))
			for _, t := range tags {
				tagSet[t] = true
			}
			return tx.UpdateMessageMailboxProperties(id, namespace, mailboxName, uid.UIDValidity, uid.UID, highestmodseq, tagSet, nil)
		}); err != nil {
			return err
		}
		info.hms = highestmodseq
	}
	return nil
}

// storeModified re-examines every message the index considers modified since
// lastmodBefore and, for the ones still indexed under mailboxName, diffs
// their cached tag set against the live one and issues the minimal STORE
// calls to reconcile the server.
func storeModified(session *sync.Session, db *index.DB, namespace, mailboxName string, info *mailboxInfo, lastmodBefore uint64, probe sync.Probe, log *slog.Logger) error {
	var ids []int64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		ids, err = tx.ModifiedSince(namespace, lastmodBefore)
		return err
	}); err != nil {
		return err
	}

	for _, id := range ids {
		var uid, modseq uint64
		var cached map[string]bool
		var live []string
		found := false
		if err := db.Atomic(func(tx *index.Tx) error {
			mailboxes, err := tx.MessageMailboxes(id, namespace)
			if err != nil {
				return err
			}
			inMailbox := false
			for _, m := range mailboxes {
				if m == mailboxName {
					inMailbox = true
				}
			}
			if !inMailbox {
				return nil
			}
			uid, modseq, err = tx.MessageValidity(id, namespace, mailboxName)
			if err != nil {
				return err
			}
			cached, err = tx.MessageCachedTags(id, namespace, mailboxName)
			if err != nil {
				return err
			}
			live, err = tx.Tags(id)
			if err != nil {
				return err
			}
			found = true
			return nil
		}); err != nil {
			return err
		}
		if !found || uid == 0 {
			continue
		}

		liveSet := make(map[string]bool, len(live))
		for _, t := range live {
			liveSet[t] = true
		}
		var toAdd, toRemove []string
		for t := range liveSet {
			if !cached[t] {
				toAdd = append(toAdd, t)
			}
		}
		for t := range cached {
			if !liveSet[t] {
				toRemove = append(toRemove, t)
			}
		}
		if len(toAdd) == 0 && len(toRemove) == 0 {
			continue
		}
		flagsToAdd, flagsToRemove := mailbox.TagDiffToFlagDiff(toAdd, toRemove)

		if len(flagsToRemove) > 0 {
			outcome, err := session.Store(uid, modseq, false, flagsToRemove)
			if err != nil {
				return err
			}
			if outcome.Conflict {
				return fmt.Errorf("push: %q UID %d: %w", mailboxName, uid, sync.ErrRerunPull)
			}
			modseq = outcome.ModSeq
		}
		if len(flagsToAdd) > 0 {
			outcome, err := session.Store(uid, modseq, true, flagsToAdd)
			if err != nil {
				return err
			}
			if outcome.Conflict {
				return fmt.Errorf("push: %q UID %d: %w", mailboxName, uid, sync.ErrRerunPull)
			}
			modseq = outcome.ModSeq
		}
		if err := probe.Check(sync.StoredFlags); err != nil {
			return err
		}

		if err := db.Atomic(func(tx *index.Tx) error {
			return tx.UpdateMessageMailboxProperties(id, namespace, mailboxName, info.uid, uid, modseq, liveSet, log)
		}); err != nil {
			return err
		}
	}
	return nil
}

// moveMoved detects messages whose file has moved out from under the
// maildir of every mailbox the index still associates them with and into
// another known mailbox's maildir — a local cross-mailbox move made with a
// file manager or another mail user agent — and applies it on the server.
func moveMoved(session *sync.Session, db *index.DB, namespace string, infos map[string]*mailboxInfo, lastmodBefore uint64, probe sync.Probe) error {
	var ids []int64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		ids, err = tx.ModifiedSince(namespace, lastmodBefore)
		return err
	}); err != nil {
		return err
	}

	for _, id := range ids {
		var mailboxes []string
		if err := db.Atomic(func(tx *index.Tx) error {
			var err error
			mailboxes, err = tx.MessageMailboxes(id, namespace)
			return err
		}); err != nil {
			return err
		}

		for _, oldMailbox := range mailboxes {
			oldInfo, ok := infos[oldMailbox]
			if !ok {
				continue
			}
			var paths []string
			if err := db.Atomic(func(tx *index.Tx) error {
				var err error
				paths, err = tx.PathsUnder(id, oldInfo.maildir.Path())
				return err
			}); err != nil {
				return err
			}
			stillThere := false
			for _, p := range paths {
				if oldInfo.maildir.Has(p) { // the root maildir's prefix also covers every other maildir
					stillThere = true
				}
			}
			if stillThere {
				continue
			}

			newMailbox, newInfo, ok := findCurrentMailbox(db, id, infos)
			if !ok || newMailbox == oldMailbox {
				continue
			}

			var uid, modseq uint64
			if err := db.Atomic(func(tx *index.Tx) error {
				var err error
				uid, modseq, err = tx.MessageValidity(id, namespace, oldMailbox)
				return err
			}); err != nil {
				return err
			}
			if uid == 0 {
				continue
			}

			outcome, err := session.Move(uid, newInfo.mailbox)
			if err != nil {
				return err
			}
			if outcome.Ambiguous {
				return fmt.Errorf("push: moving UID %d from %q to %q: %w", uid, oldMailbox, newMailbox, sync.ErrRerunPull)
			}
			if err := probe.Check(sync.SuccessfulMovePreCommit); err != nil {
				return err
			}

			if err := db.Atomic(func(tx *index.Tx) error {
				tags, err := tx.Tags(id)
				if err != nil {
					return err
				}
				tagSet := make(map[string]bool, len(tags))
				for _, t := range tags {
					tagSet[t] = true
				}
				if err := tx.RemoveMessageMailboxProperties(id, namespace, oldMailbox); err != nil {
					return err
				}
				hms := outcome.HighestModSeq
				if hms == 0 {
					hms = modseq
				}
				return tx.UpdateMessageMailboxProperties(id, namespace, newMailbox, outcome.UIDValidity, outcome.NewUID, hms, tagSet, nil)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// findCurrentMailbox locates which known mailbox's maildir a message's file
// now lives under.
func findCurrentMailbox(db *index.DB, id int64, infos map[string]*mailboxInfo) (string, *mailboxInfo, bool) {
	var allPaths []string
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		allPaths, err = tx.Paths(id)
		return err
	}); err != nil {
		return "", nil, false
	}
	for name, info := range infos {
		for _, p := range allPaths {
			if info.maildir.Has(p) {
				return name, info, true
			}
		}
	}
	return "", nil, false
}
