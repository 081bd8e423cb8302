package mailbox

import "strings"

// Well-known tags the index stores for IMAP system flags. Anything else
// (IMAP keywords) round-trips as a 1:1 tag of the same name.
const (
	TagUnread  = "unread"
	TagReplied = "replied"
	TagFlagged = "flagged"
	TagDraft   = "draft"
)

var systemFlagToTag = map[string]string{
	"\\Answered": TagReplied,
	"\\Flagged":  TagFlagged,
	"\\Draft":    TagDraft,
}

var tagToSystemFlag = map[string]string{
	TagReplied: "\\Answered",
	TagFlagged: "\\Flagged",
	TagDraft:   "\\Draft",
}

// FlagsToTags converts a server's list of IMAP flags into the set of tags
// the index stores. The absence of \Seen, rather than its presence, is what
// is recorded: a message starts tagged "unread" and loses the tag once seen.
// Any other backslash-flag (\Recent, \Deleted, server extensions) is
// ignored; keywords (atoms with no leading backslash) pass through verbatim.
func FlagsToTags(flags [][]byte) []string {
	seen := false
	tags := make([]string, 0, len(flags)+1)
	for _, f := range flags {
		s := string(f)
		if s == "\\Seen" {
			seen = true
			continue
		}
		if tag, ok := systemFlagToTag[s]; ok {
			tags = append(tags, tag)
			continue
		}
		if strings.HasPrefix(s, "\\") {
			continue
		}
		tags = append(tags, s)
	}
	if !seen {
		tags = append(tags, TagUnread)
	}
	return tags
}

// TagsToFlags is the inverse of FlagsToTags: it reconstructs the IMAP flag
// set a message with the given tags should carry on the server, re-adding
// \Seen whenever "unread" is absent.
func TagsToFlags(tags []string) [][]byte {
	flags := make([][]byte, 0, len(tags)+1)
	unread := false
	for _, t := range tags {
		switch t {
		case TagUnread:
			unread = true
		default:
			if flag, ok := tagToSystemFlag[t]; ok {
				flags = append(flags, []byte(flag))
			} else {
				flags = append(flags, []byte(t))
			}
		}
	}
	if !unread {
		flags = append(flags, []byte("\\Seen"))
	}
	return flags
}

// tagToFlag converts a single tag to the IMAP flag that carries it, or ("",
// true) if the tag is "unread" — whose presence maps to the *absence* of a
// flag (\Seen) rather than to one being set.
func tagToFlag(tag string) (flag string, isUnread bool) {
	if tag == TagUnread {
		return "", true
	}
	if f, ok := tagToSystemFlag[tag]; ok {
		return f, false
	}
	return tag, false
}

// TagDiffToFlagDiff converts a set of newly-added and newly-removed tags
// into the STORE flag lists that reproduce the same change server-side.
// Adding "unread" means removing \Seen and vice versa; every other tag maps
// 1:1 onto its IMAP flag (system flags via the well-known table, keywords
// pass through verbatim).
func TagDiffToFlagDiff(added, removed []string) (flagsToAdd, flagsToRemove []string) {
	for _, t := range added {
		flag, isUnread := tagToFlag(t)
		if isUnread {
			flagsToRemove = append(flagsToRemove, "\\Seen")
			continue
		}
		flagsToAdd = append(flagsToAdd, flag)
	}
	for _, t := range removed {
		flag, isUnread := tagToFlag(t)
		if isUnread {
			flagsToAdd = append(flagsToAdd, "\\Seen")
			continue
		}
		flagsToRemove = append(flagsToRemove, flag)
	}
	return flagsToAdd, flagsToRemove
}

// TagsToMaildirInfo renders the maildir++ "info" suffix (e.g. ":2,FS") a
// message carrying tags should be stored under, in the canonical
// alphabetical letter order maildir readers expect: D(raft) F(lagged)
// R(eplied) S(een) T(rashed). This package's four well-known tags only ever
// produce D, F, R and S.
func TagsToMaildirInfo(tags []string) string {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	var letters []byte
	if set[TagDraft] {
		letters = append(letters, 'D')
	}
	if set[TagFlagged] {
		letters = append(letters, 'F')
	}
	if set[TagReplied] {
		letters = append(letters, 'R')
	}
	if !set[TagUnread] {
		letters = append(letters, 'S')
	}
	return ":2," + string(letters)
}
