package index

import (
	"fmt"
	"log/slog"
	"strconv"
)

// MessageValidity returns a message's recorded uid and mod-sequence within
// mailbox.
func (tx *Tx) MessageValidity(messageDBID int64, namespace, mailbox string) (uid, modseq uint64, err error) {
	uidStr, found, err := tx.Property(messageDBID, namespace+"."+mailbox+".uid")
	if err != nil {
		return 0, 0, err
	}
	if found {
		if uid, err = strconv.ParseUint(uidStr, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	modStr, found, err := tx.Property(messageDBID, namespace+"."+mailbox+".modseq")
	if err != nil {
		return 0, 0, err
	}
	if found {
		if modseq, err = strconv.ParseUint(modStr, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	return uid, modseq, nil
}

// MessageMailboxes lists every mailbox a message is currently associated
// with.
func (tx *Tx) MessageMailboxes(messageDBID int64, namespace string) ([]string, error) {
	return tx.Properties(messageDBID, namespace+".mailbox")
}

// MessageCachedTags returns the tag set cached for a message within
// mailbox — a snapshot of what was last pushed to or pulled from the
// server, used to diff against the message's live tag set so only changed
// tags get mapped back to IMAP flag STOREs.
func (tx *Tx) MessageCachedTags(messageDBID int64, namespace, mailbox string) (map[string]bool, error) {
	values, err := tx.Properties(messageDBID, namespace+"."+mailbox+".tag")
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set, nil
}

// UpdateMessageMailboxProperties records a message's {uidvalidity, uid,
// modseq} within mailbox and reconciles its live tag set with tags,
// applying exactly the add/remove tag operations needed and updating the
// per-mailbox cached-tag properties to match.
func (tx *Tx) UpdateMessageMailboxProperties(messageDBID int64, namespace, mailbox string, uidvalidity, uid, modseq uint64, tags map[string]bool, log *slog.Logger) error {
	if current, found, err := tx.Property(messageDBID, namespace+"."+mailbox+".uidvalidity"); err == nil && found {
		if cur, perr := strconv.ParseUint(current, 10, 64); perr == nil && cur == uidvalidity {
			if existingUID, _, _ := tx.MessageValidity(messageDBID, namespace, mailbox); existingUID != uid {
				if log != nil {
					log.Warn("message has duplicates in mailbox; property system keeps only one UID per mailbox",
						"mailbox", mailbox, "message", messageDBID)
				}
			}
		}
	}

	marker := MessageMarker
	if err := tx.ReplaceProperty(messageDBID, namespace+".marker", nil, &marker); err != nil {
		return err
	}
	if err := tx.ReplaceProperty(messageDBID, namespace+".mailbox", &mailbox, &mailbox); err != nil {
		return err
	}
	uv := strconv.FormatUint(uidvalidity, 10)
	if err := tx.ReplaceProperty(messageDBID, namespace+"."+mailbox+".uidvalidity", nil, &uv); err != nil {
		return err
	}
	uidStr := strconv.FormatUint(uid, 10)
	if err := tx.ReplaceProperty(messageDBID, namespace+"."+mailbox+".uid", nil, &uidStr); err != nil {
		return err
	}
	modStr := strconv.FormatUint(modseq, 10)
	if err := tx.ReplaceProperty(messageDBID, namespace+"."+mailbox+".modseq", nil, &modStr); err != nil {
		return err
	}

	cached, err := tx.MessageCachedTags(messageDBID, namespace, mailbox)
	if err != nil {
		return err
	}
	tagProperty := namespace + "." + mailbox + ".tag"
	for tag := range cached {
		if !tags[tag] {
			if err := tx.ReplaceProperty(messageDBID, tagProperty, &tag, nil); err != nil {
				return err
			}
			if err := tx.RemoveTag(messageDBID, tag); err != nil {
				return err
			}
		}
	}
	for tag := range tags {
		if !cached[tag] {
			if err := tx.ReplaceProperty(messageDBID, tagProperty, &tag, &tag); err != nil {
				return err
			}
			if err := tx.AddTag(messageDBID, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveMessageMailboxProperties forgets a message's association with
// mailbox entirely (the message was moved out, or deleted from it). If this
// was the message's last remaining namespace-scoped property, the
// namespace marker is removed too, so the message stops being considered
// "internal state" if it's otherwise just a plain user message that was
// never synchronized.
func (tx *Tx) RemoveMessageMailboxProperties(messageDBID int64, namespace, mailbox string) error {
	if err := tx.ReplaceProperty(messageDBID, namespace+".mailbox", &mailbox, nil); err != nil {
		return err
	}
	for _, suffix := range []string{"uidvalidity", "uid", "modseq", "tag"} {
		if err := tx.ReplaceProperty(messageDBID, fmt.Sprintf("%s.%s.%s", namespace, mailbox, suffix), nil, nil); err != nil {
			return err
		}
	}
	remaining, err := tx.tx.Query(`SELECT 1 FROM properties WHERE message_id = ? AND key LIKE ? ESCAPE '\' LIMIT 2`,
		messageDBID, escapeLike(namespace+".")+"%")
	if err != nil {
		return err
	}
	defer remaining.Close()
	count := 0
	for remaining.Next() {
		count++
	}
	if count == 1 {
		if err := tx.ReplaceProperty(messageDBID, namespace+".marker", nil, nil); err != nil {
			return err
		}
	}
	return nil
}
