package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sinsync/sin/internal/index"
	"github.com/sinsync/sin/internal/maildir"
	"github.com/sinsync/sin/internal/mailbox"
)

// MoveOutOfTmp promotes every message this run (or an interrupted previous
// run) has indexed into a mailbox's tmp directory but never moved into new:
// the point at which a downloaded message becomes visible to any other mail
// user agent. Doing this as a distinct first step — rather than as part of
// the fetch that staged the file — means an interruption between the
// rename and the index update (MoveOutOfTmpPostRename) is always repaired
// simply by running again: the index still names the tmp path, so the
// message is picked up again, its file is found already gone from tmp, and
// the index update to the same new path is completed.
func MoveOutOfTmp(db *index.DB, namespace string, probe Probe, log *slog.Logger) error {
	var tmpPaths []string
	if err := db.Atomic(func(tx *index.Tx) error {
		all, err := tx.AllPaths()
		if err != nil {
			return err
		}
		for _, p := range all {
			if _, sub, _, err := maildir.Components(p); err == nil && sub == "tmp" {
				tmpPaths = append(tmpPaths, p)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, tmpPath := range tmpPaths {
		if err := moveOneOutOfTmp(db, tmpPath, probe); err != nil {
			return err
		}
	}
	if log != nil && len(tmpPaths) > 0 {
		log.Info("promoted messages out of tmp", "count", len(tmpPaths))
	}
	return nil
}

func moveOneOutOfTmp(db *index.DB, tmpPath string, probe Probe) error {
	maildirPath, _, _, err := maildir.Components(tmpPath)
	if err != nil {
		return err
	}

	var messageID string
	var tags []string
	found := false
	if err := db.Atomic(func(tx *index.Tx) error {
		id, mid, ok, err := tx.FindByPath(tmpPath)
		if err != nil || !ok {
			return err
		}
		found, messageID = true, mid
		tags, err = tx.Tags(id)
		return err
	}); err != nil {
		return err
	}
	if !found {
		return nil
	}

	newPath := filepath.Join(maildirPath, "new", filepath.Base(tmpPath)+mailbox.TagsToMaildirInfo(tags))
	if _, err := os.Stat(tmpPath); err == nil {
		if err := os.Rename(tmpPath, newPath); err != nil {
			return fmt.Errorf("sync: promoting %q out of tmp: %w", tmpPath, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	// A missing tmpPath here means an earlier run already renamed the file
	// but was interrupted before the index was updated; fall through and
	// repair that now.

	if err := probe.Check(MoveOutOfTmpPostRename); err != nil {
		return err
	}

	return db.Atomic(func(tx *index.Tx) error {
		if _, err := tx.AddMessage(newPath, messageID); err != nil {
			return err
		}
		return tx.RemoveByPath(tmpPath)
	})
}
