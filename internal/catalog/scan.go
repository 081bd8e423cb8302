package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/sinsync/sin/internal/index"
)

// Scan walks every mailbox the index currently tracks under namespace and
// builds one Entry per indexed message path, parsing its stored headers for
// the catalog's searchable summary fields. A path that has gone missing on
// disk, or whose headers fail to parse, is silently dropped from the result
// rather than failing the whole rebuild — the catalog is a best-effort
// cache, not a second index.
func Scan(db *index.DB, rootID int64, namespace string) ([]Entry, error) {
	var mailboxes []string
	if err := db.Atomic(func(tx *index.Tx) error {
		var err error
		mailboxes, err = tx.Mailboxes(rootID, namespace)
		return err
	}); err != nil {
		return nil, fmt.Errorf("catalog: listing mailboxes: %w", err)
	}

	var entries []Entry
	for _, mailboxName := range mailboxes {
		var ids []int64
		if err := db.Atomic(func(tx *index.Tx) error {
			var err error
			ids, err = tx.MessagesInMailbox(namespace, mailboxName)
			return err
		}); err != nil {
			return nil, fmt.Errorf("catalog: listing messages in %q: %w", mailboxName, err)
		}

		for _, id := range ids {
			var paths []string
			if err := db.Atomic(func(tx *index.Tx) error {
				var err error
				paths, err = tx.Paths(id)
				return err
			}); err != nil {
				return nil, fmt.Errorf("catalog: listing paths: %w", err)
			}
			for _, path := range paths {
				entry, err := entryFor(path, mailboxName)
				if err != nil {
					continue
				}
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

func entryFor(path, mailboxName string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	mr, err := mail.CreateReader(f)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: reading %q: %w", path, err)
	}

	subject, _ := mr.Header.Subject()
	date, _ := mr.Header.Date()

	return Entry{
		Path:    path,
		Mailbox: mailboxName,
		Subject: subject,
		From:    addressList(mr.Header, "From"),
		To:      addressList(mr.Header, "To"),
		Date:    date,
		Size:    info.Size(),
	}, nil
}

func addressList(header mail.Header, key string) string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
