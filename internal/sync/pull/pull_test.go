package pull

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sinsync/sin/internal/imapwire"
	"github.com/sinsync/sin/internal/index"
	"github.com/sinsync/sin/internal/maildir"
	"github.com/sinsync/sin/internal/sync"
	"github.com/sinsync/sin/internal/testserver"
)

func newHarness(t *testing.T) (*sync.Session, *index.DB, int64, *maildir.Builder, *testserver.Server) {
	t.Helper()

	srv := testserver.New(t, "alice", "hunter2")
	srv.AddMailbox("INBOX", 1000)
	conn := srv.Pipe()
	t.Cleanup(func() { conn.Close() })

	session := sync.NewSession(imapwire.NewStream(conn, nil), "sin", nil)
	if err := session.Greet(); err != nil {
		t.Fatalf("greet: %v", err)
	}
	if err := session.Authenticate("alice", []string{"echo", "hunter2"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := session.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := index.Open(dbPath)
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	builder, err := maildir.NewBuilder(filepath.Join(t.TempDir(), "maildir"))
	if err != nil {
		t.Fatalf("opening maildir: %v", err)
	}

	rootID, namespace, err := db.Attach(builder.Path(), "sin")
	if err != nil {
		t.Fatalf("attaching root: %v", err)
	}
	session.Namespace = namespace

	return session, db, rootID, builder, srv
}

func TestPullFetchesNewMessage(t *testing.T) {
	session, db, rootID, builder, srv := newHarness(t)
	mb := srv.Mailboxes["INBOX"]
	mb.Deliver([]string{`\Seen`}, []byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody"))

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace}); err != nil {
		t.Fatalf("pull: %v", err)
	}

	md, err := builder.Maildir("")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(md.Path(), "new"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d messages in new, want 1", len(entries))
	}
}

func TestPullIsIdempotentAcrossReruns(t *testing.T) {
	session, db, rootID, builder, srv := newHarness(t)
	mb := srv.Mailboxes["INBOX"]
	mb.Deliver(nil, []byte("one"))

	opts := Options{Namespace: session.Namespace}
	if err := Run(session, db, rootID, builder, opts); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := Run(session, db, rootID, builder, opts); err != nil {
		t.Fatalf("second pull: %v", err)
	}

	md, err := builder.Maildir("")
	if err != nil {
		t.Fatal(err)
	}
	newEntries, _ := os.ReadDir(filepath.Join(md.Path(), "new"))
	curEntries, _ := os.ReadDir(filepath.Join(md.Path(), "cur"))
	if len(newEntries)+len(curEntries) != 1 {
		t.Fatalf("got %d messages total, want exactly 1 after rerunning twice", len(newEntries)+len(curEntries))
	}
}

func TestPullAppliesVanished(t *testing.T) {
	session, db, rootID, builder, srv := newHarness(t)
	mb := srv.Mailboxes["INBOX"]
	mb.Deliver(nil, []byte("will vanish"))

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace}); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	delete(mb.Messages, 1)
	mb.Vanished = append(mb.Vanished, 1)
	mb.HighestModSeq++

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace}); err != nil {
		t.Fatalf("second pull: %v", err)
	}

	md, err := builder.Maildir("")
	if err != nil {
		t.Fatal(err)
	}
	newEntries, _ := os.ReadDir(filepath.Join(md.Path(), "new"))
	curEntries, _ := os.ReadDir(filepath.Join(md.Path(), "cur"))
	if len(newEntries)+len(curEntries) != 0 {
		t.Fatalf("got %d messages left, want 0 after the message vanished", len(newEntries)+len(curEntries))
	}
}

func TestPullRefusesUIDValidityRolloverWithoutPurgeable(t *testing.T) {
	session, db, rootID, builder, srv := newHarness(t)
	mb := srv.Mailboxes["INBOX"]
	mb.Deliver(nil, []byte("original"))

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace}); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	// The server destroyed and recreated INBOX: every UID is renumbered from
	// scratch under a new uidvalidity, and the old message is gone.
	mb.UIDValidity++
	mb.NextUID = 1
	mb.HighestModSeq = 1
	mb.Messages = map[uint64]*testserver.Message{}
	mb.Deliver(nil, []byte("replacement"))

	err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace})
	if err == nil {
		t.Fatal("expected the uidvalidity change to be refused without --purgeable")
	}
	if !strings.Contains(err.Error(), "INBOX") || !strings.Contains(err.Error(), "purgeable") {
		t.Fatalf("got %q, want an error naming INBOX and --purgeable", err)
	}

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace, Purgeable: map[string]bool{"INBOX": true}}); err != nil {
		t.Fatalf("pull with purgeable: %v", err)
	}

	md, err := builder.Maildir("")
	if err != nil {
		t.Fatal(err)
	}
	newEntries, _ := os.ReadDir(filepath.Join(md.Path(), "new"))
	curEntries, _ := os.ReadDir(filepath.Join(md.Path(), "cur"))
	if len(newEntries)+len(curEntries) != 1 {
		t.Fatalf("got %d messages after purging the stale uidvalidity, want exactly the replacement", len(newEntries)+len(curEntries))
	}
}

func TestPullSubfolderWithSeparator(t *testing.T) {
	session, db, rootID, builder, srv := newHarness(t)
	sub := srv.AddMailbox("folder/sub", 500)
	sub.Deliver(nil, []byte("From: a@example.com\r\nSubject: nested\r\n\r\nbody"))

	if err := Run(session, db, rootID, builder, Options{Namespace: session.Namespace}); err != nil {
		t.Fatalf("pull: %v", err)
	}

	md, err := builder.Maildir(".folder.sub")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(md.Path(), "new"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d messages under the nested maildir, want 1", len(entries))
	}

	var uv uint64
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		uv, _, err = tx.Validity(rootID, session.Namespace, "folder/sub")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if uv != 500 {
		t.Fatalf("got uidvalidity %d keyed under \"folder/sub\", want 500 (the mailbox never got reconciled under that name)", uv)
	}
}
