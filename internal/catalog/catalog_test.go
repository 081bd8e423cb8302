package catalog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRebuildAndSearch(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	entries := []Entry{
		{Path: "/m/cur/1", Mailbox: "INBOX", Subject: "Hello world", From: "a@example.com", Date: time.Now()},
		{Path: "/m/cur/2", Mailbox: "Sent", Subject: "Re: invoice", From: "b@example.com", Date: time.Now()},
	}
	if err := c.Rebuild(entries); err != nil {
		t.Fatal(err)
	}
	if c.Stats().Total != 2 {
		t.Fatalf("got %d", c.Stats().Total)
	}

	hits, err := c.Search("", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Path != "/m/cur/1" {
		t.Fatalf("got %+v", hits)
	}

	hits, err = c.Search("Sent", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Path != "/m/cur/2" {
		t.Fatalf("got %+v", hits)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.parquet")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Rebuild([]Entry{{Path: "/m/cur/1", Subject: "persisted", Date: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Stats().Total != 1 {
		t.Fatalf("got %d", reopened.Stats().Total)
	}
}
