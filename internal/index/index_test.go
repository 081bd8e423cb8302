package index

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAttachAllocatesAndReusesNamespaceSlot(t *testing.T) {
	db := openTestDB(t)
	rootPath := filepath.Join(t.TempDir(), "sin")

	rootID, ns, err := db.Attach(rootPath, "sin")
	if err != nil {
		t.Fatal(err)
	}
	if ns != "sin.0" {
		t.Fatalf("got namespace %q", ns)
	}

	rootID2, ns2, err := db.Attach(rootPath, "sin")
	if err != nil {
		t.Fatal(err)
	}
	if rootID2 != rootID || ns2 != ns {
		t.Fatalf("second attach should reuse the same root: got %d/%q want %d/%q", rootID2, ns2, rootID, ns)
	}
}

func TestMailboxValidityRoundTrip(t *testing.T) {
	db := openTestDB(t)
	rootPath := filepath.Join(t.TempDir(), "sin")
	rootID, ns, err := db.Attach(rootPath, "sin")
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		return tx.UpdateMailboxProperties(rootID, ns, "INBOX", '/', true, 123, 456)
	}); err != nil {
		t.Fatal(err)
	}

	var uv, hms uint64
	if err := db.Atomic(func(tx *Tx) error {
		var err error
		uv, hms, err = tx.Validity(rootID, ns, "INBOX")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if uv != 123 || hms != 456 {
		t.Fatalf("got uv=%d hms=%d", uv, hms)
	}
}

func TestMessageTagReconciliation(t *testing.T) {
	db := openTestDB(t)
	rootPath := filepath.Join(t.TempDir(), "sin")
	_, ns, err := db.Attach(rootPath, "sin")
	if err != nil {
		t.Fatal(err)
	}

	var msgID int64
	if err := db.Atomic(func(tx *Tx) error {
		id, err := tx.AddMessage("/mail/cur/test1", "id1@example.com")
		if err != nil {
			return err
		}
		msgID = id
		return tx.UpdateMessageMailboxProperties(id, ns, "INBOX", 1, 1, 2, map[string]bool{"unread": true, "flagged": true}, nil)
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		tags, err := tx.Tags(msgID)
		if err != nil {
			return err
		}
		if len(tags) != 2 {
			t.Fatalf("got tags %v", tags)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		return tx.UpdateMessageMailboxProperties(msgID, ns, "INBOX", 1, 1, 3, map[string]bool{"flagged": true, "replied": true}, nil)
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		tags, err := tx.Tags(msgID)
		if err != nil {
			return err
		}
		set := map[string]bool{}
		for _, tag := range tags {
			set[tag] = true
		}
		if set["unread"] || !set["flagged"] || !set["replied"] {
			t.Fatalf("got tags %v", tags)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	wantErr := "boom"
	err := db.Atomic(func(tx *Tx) error {
		if _, err := tx.AddMessage("/mail/cur/uncommitted", "uncommitted@example.com"); err != nil {
			return err
		}
		return errString(wantErr)
	})
	if err == nil || err.Error() != wantErr {
		t.Fatalf("got %v", err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		_, _, found, err := tx.FindByPath("/mail/cur/uncommitted")
		if err != nil {
			return err
		}
		if found {
			t.Fatal("rolled-back write should not be visible")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNestedAtomicPanics(t *testing.T) {
	db := openTestDB(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nested Atomic")
		}
	}()
	db.Atomic(func(tx *Tx) error {
		return db.Atomic(func(tx *Tx) error { return nil })
	})
}

func TestAtomicAdvancesLastmodOnlyWhenDirty(t *testing.T) {
	db := openTestDB(t)

	before, err := db.Lastmod()
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Atomic(func(tx *Tx) error {
		_, _, _, err := tx.FindByPath("/mail/cur/nonexistent")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	afterRead, err := db.Lastmod()
	if err != nil {
		t.Fatal(err)
	}
	if afterRead != before {
		t.Fatalf("a read-only Atomic section bumped lastmod from %d to %d", before, afterRead)
	}

	if err := db.Atomic(func(tx *Tx) error {
		_, err := tx.AddMessage("/mail/cur/x", "x@example.com")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	afterWrite, err := db.Lastmod()
	if err != nil {
		t.Fatal(err)
	}
	if afterWrite <= before {
		t.Fatalf("got lastmod %d after a mutating Atomic section, want it to advance past %d", afterWrite, before)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
