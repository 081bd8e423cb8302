package sync

import "testing"

func TestMessageIDUsesHeaderWhenPresent(t *testing.T) {
	body := []byte("Message-Id: <abc@example.com>\r\nSubject: hi\r\n\r\nbody")
	id, err := MessageID("sin", body)
	if err != nil {
		t.Fatal(err)
	}
	if id != "<abc@example.com>" {
		t.Fatalf("got %q, want the header's Message-Id verbatim", id)
	}
}

func TestMessageIDSynthesizesWhenMissing(t *testing.T) {
	body := []byte("Subject: hi\r\n\r\nbody")
	id, err := MessageID("sin", body)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a synthetic Message-Id")
	}
	if got, want := id[len(id)-len(".generated>"):], ".generated>"; got != want {
		t.Fatalf("got suffix %q, want %q", got, want)
	}
}

func TestMessageIDSynthesizedIDsAreUnique(t *testing.T) {
	body := []byte("Subject: hi\r\n\r\nbody")
	first, err := MessageID("sin", body)
	if err != nil {
		t.Fatal(err)
	}
	second, err := MessageID("sin", body)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected two synthesized ids for two unheadered messages to differ")
	}
}
