package mailbox

import "testing"

func TestParseNameInbox(t *testing.T) {
	n, err := ParseName([]byte("inbox"), '/')
	if err != nil || !n.Inbox {
		t.Fatalf("got %+v err=%v", n, err)
	}
	if n.LocalDir() != "" {
		t.Fatalf("LocalDir = %q, want empty", n.LocalDir())
	}
}

func TestParseNameNested(t *testing.T) {
	n, err := ParseName([]byte("A/B/C"), '/')
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "B", "C"}
	if len(n.Components) != len(want) {
		t.Fatalf("got %v", n.Components)
	}
	for i := range want {
		if n.Components[i] != want[i] {
			t.Fatalf("got %v", n.Components)
		}
	}
	if n.LocalDir() != ".A.B.C" {
		t.Fatalf("LocalDir = %q", n.LocalDir())
	}
}
