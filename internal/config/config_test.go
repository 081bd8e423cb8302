package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Accounts) != 0 {
		t.Fatalf("expected no accounts, got %d", len(f.Accounts))
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "accounts.yml")
	tlsOn := true
	original := File{Accounts: map[string]Account{
		"work": {
			Address:         "imap.example.com",
			Port:            993,
			TLS:             &tlsOn,
			User:            "alice",
			PasswordCommand: []string{"pass", "show", "work-imap"},
			Maildir:         ".work",
			Namespace:       "sin",
			Purgeable:       []string{"Trash"},
		},
	}}

	if err := Save(path, original); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	acct, ok := loaded.Account("work")
	if !ok {
		t.Fatal("expected account \"work\" to round-trip")
	}
	if acct.Address != "imap.example.com" || acct.Port != 993 || acct.User != "alice" {
		t.Fatalf("got %+v", acct)
	}
	if acct.TLS == nil || !*acct.TLS {
		t.Fatal("expected tls=true to round-trip")
	}
	if len(acct.PasswordCommand) != 3 {
		t.Fatalf("got %v", acct.PasswordCommand)
	}
}

func TestAccountNotFound(t *testing.T) {
	f := File{Accounts: map[string]Account{}}
	if _, ok := f.Account("missing"); ok {
		t.Fatal("expected not found")
	}
}
