package imapwire

import (
	"bytes"
	"testing"
)

func TestStart(t *testing.T) {
	n, tok, err := Start([]byte("* "))
	if err != nil || string(tok) != "*" || n != 2 {
		t.Fatalf("got n=%d tok=%q err=%v", n, tok, err)
	}
	n, tok, err = Start([]byte("tag "))
	if err != nil || string(tok) != "tag" || n != 4 {
		t.Fatalf("got n=%d tok=%q err=%v", n, tok, err)
	}
}

func TestAvailableCapabilities(t *testing.T) {
	_, caps, err := AvailableCapabilities([]byte("OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] Dovecot ready.\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{[]byte("IMAP4rev1"), []byte("AUTH=PLAIN")}
	if len(caps) != len(want) {
		t.Fatalf("got %v", caps)
	}
	for i := range want {
		if !bytes.Equal(caps[i], want[i]) {
			t.Fatalf("got %q want %q", caps[i], want[i])
		}
	}
}

func TestEnabledCapabilities(t *testing.T) {
	_, caps, err := EnabledCapabilities([]byte("ENABLED CONDSTORE\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 1 || string(caps[0]) != "CONDSTORE" {
		t.Fatalf("got %v", caps)
	}
}

func TestListMailboxQuoted(t *testing.T) {
	_, r, err := ListMailbox([]byte("LIST (\\flag1 \\flag2) \"/\" \"quoted\"\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Flags) != 2 || string(r.Flags[0]) != "\\flag1" || string(r.Flags[1]) != "\\flag2" {
		t.Fatalf("flags: %v", r.Flags)
	}
	if !r.HasSep || r.Separator != '/' {
		t.Fatalf("sep: %v %v", r.HasSep, r.Separator)
	}
	if r.Mailbox.Inbox || string(r.Mailbox.Name) != "quoted" {
		t.Fatalf("mailbox: %+v", r.Mailbox)
	}
}

func TestListMailboxLiteral(t *testing.T) {
	_, r, err := ListMailbox([]byte("LIST (\\flag1 \\flag2) \"/\" {7}\r\nliteral\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Mailbox.Name) != "literal" {
		t.Fatalf("mailbox: %+v", r.Mailbox)
	}
}

func TestSelectDataFlags(t *testing.T) {
	_, sd, err := SelectD([]byte("OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted.\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if sd.Kind != SelectFlags || len(sd.Flags) != 6 {
		t.Fatalf("got %+v", sd)
	}
}

func TestSelectDataUIDValidity(t *testing.T) {
	_, sd, err := SelectD([]byte("OK [UIDVALIDITY 1676645821] UIDs valid\r\n"))
	if err != nil || sd.Kind != SelectUIDValidity || sd.UIDValidity != 1676645821 {
		t.Fatalf("got %+v err=%v", sd, err)
	}
}

func TestSelectDataHighestModSeq(t *testing.T) {
	_, sd, err := SelectD([]byte("OK [HIGHESTMODSEQ 2] Highest\r\n"))
	if err != nil || sd.Kind != SelectHighestModSeq || sd.HighestModSeq != 2 {
		t.Fatalf("got %+v err=%v", sd, err)
	}
}

func TestSelectDataVanished(t *testing.T) {
	_, sd, err := SelectD([]byte("VANISHED (EARLIER) 1:10\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if sd.Kind != SelectVanished || len(sd.Vanished) != 1 || sd.Vanished[0] != (Range{1, 10}) {
		t.Fatalf("got %+v", sd)
	}
}

func TestSelectDataFetchPermutations(t *testing.T) {
	lines := []string{
		"1 FETCH (UID 10 FLAGS (\\Seen) MODSEQ (100))\r\n",
		"1 FETCH (FLAGS (\\Seen) MODSEQ (100) UID 10)\r\n",
		"1 FETCH (MODSEQ (100) UID 10 FLAGS (\\Seen))\r\n",
	}
	for _, line := range lines {
		_, sd, err := SelectD([]byte(line))
		if err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		if sd.Kind != SelectFetch_ || sd.Fetch.UID != 10 || sd.Fetch.ModSeq != 100 {
			t.Fatalf("%q: got %+v", line, sd)
		}
		if len(sd.Fetch.Flags) != 1 || string(sd.Fetch.Flags[0]) != "\\Seen" {
			t.Fatalf("%q: flags %v", line, sd.Fetch.Flags)
		}
	}
}

func TestFetchBodyData(t *testing.T) {
	_, r, err := FetchBodyData([]byte("1 FETCH (UID 10 BODY[] {0}\r\n)\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.UID != 10 || r.IsNil || len(r.Body) != 0 {
		t.Fatalf("got %+v", r)
	}

	_, r, err = FetchBodyData([]byte("1 FETCH (BODY[] \"\" UID 10)\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.UID != 10 || r.IsNil || len(r.Body) != 0 {
		t.Fatalf("got %+v", r)
	}
}

func TestAppend(t *testing.T) {
	_, a, err := Append([]byte("OK [APPENDUID 1677851195 1] Append completed.\r\n"))
	if err != nil || a.UIDValidity != 1677851195 || a.UID != 1 {
		t.Fatalf("got %+v err=%v", a, err)
	}
}

func TestAppendData(t *testing.T) {
	_, h, err := AppendData([]byte("OK [HIGHESTMODSEQ 3] Highest\r\n"))
	if err != nil || h != 3 {
		t.Fatalf("got %d err=%v", h, err)
	}
}

func TestStorePlain(t *testing.T) {
	_, modified, err := Store([]byte("OK Store completed.\r\n"))
	if err != nil || modified != nil {
		t.Fatalf("got %v err=%v", modified, err)
	}
}

func TestStoreModified(t *testing.T) {
	_, modified, err := Store([]byte("OK [MODIFIED 7,9] Conditional STORE failed\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []Range{{7, 7}, {9, 9}}
	if len(modified) != len(want) || modified[0] != want[0] || modified[1] != want[1] {
		t.Fatalf("got %v", modified)
	}
}

func TestStoreData(t *testing.T) {
	_, sf, err := StoreData([]byte("1 FETCH (UID 1 MODSEQ (3))\r\n"))
	if err != nil || sf.UID != 1 || sf.ModSeq != 3 {
		t.Fatalf("got %+v err=%v", sf, err)
	}
}

func TestMovePlain(t *testing.T) {
	_, _, has, err := Move([]byte("OK Done\r\n"))
	if err != nil || has {
		t.Fatalf("has=%v err=%v", has, err)
	}
}

func TestMoveHighestModSeq(t *testing.T) {
	_, h, has, err := Move([]byte("OK [HIGHESTMODSEQ 4] Move completed.\r\n"))
	if err != nil || !has || h != 4 {
		t.Fatalf("got h=%d has=%v err=%v", h, has, err)
	}
}

func TestMoveData(t *testing.T) {
	_, mv, err := MoveData([]byte("OK [COPYUID 1677882317 1 1] Moved UIDs.\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if mv.UIDValidity != 1677882317 {
		t.Fatalf("got %+v", mv)
	}
	if len(mv.From) != 1 || mv.From[0] != (Range{1, 1}) {
		t.Fatalf("from: %v", mv.From)
	}
	if len(mv.To) != 1 || mv.To[0] != (Range{1, 1}) {
		t.Fatalf("to: %v", mv.To)
	}
}
