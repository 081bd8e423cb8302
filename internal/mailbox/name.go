package mailbox

import "strings"

// Name is a server mailbox name split on its reported hierarchy separator,
// decoded from modified UTF-7 to UTF-8 component by component.
type Name struct {
	Inbox      bool
	Components []string
	Separator  byte
}

// ParseName splits a raw (still-wire) mailbox name on sep and decodes each
// component from modified UTF-7. INBOX (case-insensitively, per the wire
// grammar) is recognized before any decoding is attempted.
func ParseName(raw []byte, sep byte) (Name, error) {
	if len(raw) == 5 && strings.EqualFold(string(raw), "INBOX") {
		return Name{Inbox: true, Separator: sep}, nil
	}
	parts := strings.Split(string(raw), string(sep))
	components := make([]string, len(parts))
	for i, p := range parts {
		decoded, err := DecodeUTF7([]byte(p))
		if err != nil {
			return Name{}, err
		}
		components[i] = decoded
	}
	return Name{Components: components, Separator: sep}, nil
}

// Encode renders the mailbox name back into wire form (modified UTF-7,
// joined on its recorded separator), the inverse of ParseName.
func (n Name) Encode() []byte {
	if n.Inbox {
		return []byte("INBOX")
	}
	return EncodeUTF7(strings.Join(n.Components, string(n.Separator)))
}

// LocalDir returns the maildir++ directory name for this mailbox: the empty
// string for INBOX (it lives at the maildir root), or components joined
// with "." regardless of the server's reported separator, the way
// maildir++ always uses "." as its own hierarchy delimiter.
func (n Name) LocalDir() string {
	if n.Inbox {
		return ""
	}
	return "." + strings.Join(n.Components, ".")
}
