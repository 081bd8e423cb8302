// Package sync drives one IMAP4rev1+QRESYNC session end to end: the
// handshake (greeting, AUTHENTICATE PLAIN, ENABLE QRESYNC), mailbox
// discovery and selection, and the small set of commands (APPEND, UID
// STORE, UID MOVE) the pull and push reconciliation passes build on.
package sync

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"github.com/sinsync/sin/internal/imapwire"
	"github.com/sinsync/sin/internal/mailbox"
)

// Session is one authenticated, QRESYNC-enabled connection plus the
// bookkeeping (namespace, logger, tag counter) every command needs.
type Session struct {
	Stream    *imapwire.Stream
	Namespace string
	Log       *slog.Logger

	tagSeq int
}

// NewSession wraps an already-dialed stream. log may be nil.
func NewSession(stream *imapwire.Stream, namespace string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{Stream: stream, Namespace: namespace, Log: log}
}

func (s *Session) nextTag() string {
	s.tagSeq++
	return fmt.Sprintf("sin%04d", s.tagSeq)
}

func hasToken(caps [][]byte, want string) bool {
	for _, c := range caps {
		if strings.EqualFold(string(c), want) {
			return true
		}
	}
	return false
}

func requireCapabilities(caps [][]byte, want ...string) error {
	var missing []string
	for _, w := range want {
		if !hasToken(caps, w) {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("sync: server is missing required capabilities: %s", strings.Join(missing, ", "))
	}
	return nil
}

// literalPlus renders b as a non-synchronizing literal, usable inline in a
// single command line because the server advertised LITERAL+.
func literalPlus(b []byte) []byte {
	return []byte(fmt.Sprintf("{%d+}\r\n%s", len(b), b))
}

func mailboxLiteral(m mailbox.Name) []byte {
	if m.Inbox {
		return []byte("INBOX")
	}
	return literalPlus(m.Encode())
}

// Greet reads the server's unsolicited greeting line and confirms the
// capability set a QRESYNC sync requires is present before anything has
// been sent.
func (s *Session) Greet() error {
	st := s.Stream
	for {
		if err := st.EnsureLine(); err != nil {
			return fmt.Errorf("sync: reading greeting: %w", err)
		}
		tok, ok := imapwire.Parse(st, imapwire.Start)
		if !ok {
			return fmt.Errorf("sync: malformed greeting line")
		}
		if string(tok) != "*" {
			return fmt.Errorf("sync: greeting line is unexpectedly tagged %q", tok)
		}
		if caps, ok := imapwire.Parse(st, imapwire.AvailableCapabilities); ok {
			return requireCapabilities(caps, "IMAP4REV1", "AUTH=PLAIN", "ENABLE", "LITERAL+")
		}
		if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
			return err
		}
	}
}

// readPassword runs passwordCommand and returns its first line of stdout as
// the password, zeroing the command's captured output once the line has
// been copied out so that copy of the plaintext credential doesn't linger in
// memory longer than necessary.
func readPassword(passwordCommand []string) (string, error) {
	if len(passwordCommand) == 0 {
		return "", fmt.Errorf("sync: no password command configured")
	}
	cmd := exec.Command(passwordCommand[0], passwordCommand[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("sync: running password command: %w", err)
	}
	defer zero(out)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return "", fmt.Errorf("sync: password command produced no output")
	}
	password := scanner.Text()
	return password, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Authenticate runs the password command, sends AUTHENTICATE PLAIN with the
// resulting credentials as an initial response (so no continuation
// round-trip is needed), and confirms the capabilities a sync run depends
// on were present on the completion.
func (s *Session) Authenticate(user string, passwordCommand []string) error {
	password, err := readPassword(passwordCommand)
	if err != nil {
		return err
	}

	creds := make([]byte, 0, len(user)*2+len(password)+2)
	creds = append(creds, 0)
	creds = append(creds, user...)
	creds = append(creds, 0)
	creds = append(creds, password...)
	defer zero(creds)
	password = ""

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(creds)))
	base64.StdEncoding.Encode(encoded, creds)
	defer zero(encoded)

	tag := s.nextTag()
	buffers := [][]byte{
		[]byte(tag + " AUTHENTICATE PLAIN "),
		encoded,
		[]byte("\r\n"),
	}
	if err := s.Stream.Input(buffers, 1); err != nil {
		return err
	}

	st := s.Stream
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return err
		}
		if string(tok) == "*" {
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return err
			}
			continue
		}
		if string(tok) != tag {
			return fmt.Errorf("sync: authenticate: unexpected tag %q", tok)
		}
		caps, ok := imapwire.Parse(st, imapwire.AvailableCapabilities)
		if !ok {
			return fmt.Errorf("sync: authenticate completed without a capability list")
		}
		return requireCapabilities(caps, "NAMESPACE", "UIDPLUS", "MOVE", "CONDSTORE", "QRESYNC")
	}
}

// Enable sends ENABLE QRESYNC and confirms the server actually enabled it
// (a server may silently ignore an extension it doesn't recognize).
func (s *Session) Enable() error {
	tag := s.nextTag()
	if err := s.Stream.Input([][]byte{[]byte(tag + " ENABLE QRESYNC\r\n")}, 1); err != nil {
		return err
	}

	st := s.Stream
	enabled := false
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return err
		}
		if string(tok) == "*" {
			if caps, ok := imapwire.Parse(st, imapwire.EnabledCapabilities); ok {
				if hasToken(caps, "QRESYNC") {
					enabled = true
				}
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return err
			}
			continue
		}
		if string(tok) != tag {
			return fmt.Errorf("sync: enable: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return err
		}
		break
	}
	if !enabled {
		return fmt.Errorf("sync: server did not enable QRESYNC")
	}
	return nil
}

// Mailbox is one entry from LIST: its decoded name plus the separator it was
// reported under, the same pair every later SELECT/APPEND/MOVE needs to
// address it again.
type Mailbox struct {
	Name mailbox.Name
}

// String renders the mailbox's display name, joined on its own separator.
func (m Mailbox) String() string {
	if m.Name.Inbox {
		return "INBOX"
	}
	return strings.Join(m.Name.Components, string(m.Name.Separator))
}

// List runs LIST "" "*" and returns every selectable mailbox.
func (s *Session) List() ([]Mailbox, error) {
	tag := s.nextTag()
	if err := s.Stream.Input([][]byte{[]byte(tag + ` LIST "" "*"` + "\r\n")}, 1); err != nil {
		return nil, err
	}

	st := s.Stream
	var out []Mailbox
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return nil, err
		}
		if string(tok) == "*" {
			if lm, ok := imapwire.Parse(st, imapwire.ListMailbox); ok {
				if hasToken(lm.Flags, `\Noselect`) {
					continue
				}
				sep := lm.Separator
				if !lm.HasSep {
					sep = '/'
				}
				var name mailbox.Name
				if lm.Mailbox.Inbox {
					name = mailbox.Name{Inbox: true, Separator: sep}
				} else {
					name, err = mailbox.ParseName(lm.Mailbox.Name, sep)
					if err != nil {
						return nil, fmt.Errorf("sync: decoding mailbox name: %w", err)
					}
				}
				out = append(out, Mailbox{Name: name})
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return nil, err
			}
			continue
		}
		if string(tok) != tag {
			return nil, fmt.Errorf("sync: list: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return nil, err
		}
		break
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Changes is one message's live flags and mod-sequence, reported during a
// QRESYNC SELECT as having changed since the last known highestmodseq.
type Changes struct {
	Flags  []string
	ModSeq uint64
}

// SelectResult is everything a QRESYNC SELECT reports about a mailbox.
type SelectResult struct {
	UIDValidity   uint64
	HighestModSeq uint64
	Vanished      []imapwire.Range
	Changes       map[uint64]Changes
}

// Select issues a CONDSTORE/QRESYNC SELECT for mailbox. When uidvalidity is
// 0 (never synchronized before) the QRESYNC parameter set is omitted, since
// there is no prior state to resync against.
func (s *Session) Select(name mailbox.Name, uidvalidity, highestmodseq uint64) (SelectResult, error) {
	tag := s.nextTag()
	params := "(CONDSTORE)"
	if uidvalidity > 0 {
		params = fmt.Sprintf("(QRESYNC (%d %d))", uidvalidity, highestmodseq)
	}
	cmd := append([]byte(tag+" SELECT "), mailboxLiteral(name)...)
	cmd = append(cmd, ' ')
	cmd = append(cmd, params...)
	cmd = append(cmd, '\r', '\n')
	if err := s.Stream.Input([][]byte{cmd}, 1); err != nil {
		return SelectResult{}, err
	}

	st := s.Stream
	result := SelectResult{Changes: map[uint64]Changes{}}
	sawPermanentFlags := false
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return SelectResult{}, err
		}
		if string(tok) == "*" {
			if sd, ok := imapwire.Parse(st, imapwire.SelectD); ok {
				switch sd.Kind {
				case imapwire.SelectFlags:
					sawPermanentFlags = hasToken(sd.Flags, `\*`)
				case imapwire.SelectUIDValidity:
					result.UIDValidity = sd.UIDValidity
				case imapwire.SelectHighestModSeq:
					result.HighestModSeq = sd.HighestModSeq
				case imapwire.SelectVanished:
					result.Vanished = append(result.Vanished, sd.Vanished...)
				case imapwire.SelectFetch_:
					flags := make([]string, len(sd.Fetch.Flags))
					for i, f := range sd.Fetch.Flags {
						flags[i] = string(f)
					}
					result.Changes[sd.Fetch.UID] = Changes{Flags: flags, ModSeq: sd.Fetch.ModSeq}
				}
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return SelectResult{}, err
			}
			continue
		}
		if string(tok) != tag {
			return SelectResult{}, fmt.Errorf("sync: select: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return SelectResult{}, err
		}
		break
	}
	if !sawPermanentFlags {
		return SelectResult{}, fmt.Errorf("sync: select: server did not report user-keyword support (PERMANENTFLAGS \\*)")
	}
	if result.HighestModSeq == 0 {
		return SelectResult{}, fmt.Errorf("sync: select: server did not report a usable HIGHESTMODSEQ")
	}
	return result, nil
}

// Append uploads body into mailbox with the given flags and returns the
// server-assigned (uidvalidity, uid) plus the mailbox's highestmodseq right
// after the append.
func (s *Session) Append(name mailbox.Name, flags []string, body []byte) (imapwire.AppendUID, uint64, error) {
	tag := s.nextTag()
	flagAtoms := make([][]byte, len(flags))
	for i, f := range flags {
		flagAtoms[i] = []byte(f)
	}
	joined := bytes.Join(flagAtoms, []byte(" "))

	cmd := append([]byte(tag+" APPEND "), mailboxLiteral(name)...)
	cmd = append(cmd, " ("...)
	cmd = append(cmd, joined...)
	cmd = append(cmd, ") "...)
	cmd = append(cmd, literalPlus(body)...)
	cmd = append(cmd, '\r', '\n')
	if err := s.Stream.Input([][]byte{cmd}, 1); err != nil {
		return imapwire.AppendUID{}, 0, err
	}

	st := s.Stream
	var highestmodseq uint64
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return imapwire.AppendUID{}, 0, err
		}
		if string(tok) == "*" {
			if h, ok := imapwire.Parse(st, imapwire.AppendData); ok {
				highestmodseq = h
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return imapwire.AppendUID{}, 0, err
			}
			continue
		}
		if string(tok) != tag {
			return imapwire.AppendUID{}, 0, fmt.Errorf("sync: append: unexpected tag %q", tok)
		}
		uid, err := imapwire.Expect(st, imapwire.Append)
		if err != nil {
			return imapwire.AppendUID{}, 0, err
		}
		if highestmodseq == 0 {
			return imapwire.AppendUID{}, 0, fmt.Errorf("sync: append: server did not report an updated HIGHESTMODSEQ")
		}
		return uid, highestmodseq, nil
	}
}

// StoreOutcome is what a conditional flag STORE resolved to.
type StoreOutcome struct {
	// NoOp is true when the server confirmed the store by silently
	// accepting it (no FETCH came back): the cached modseq is still valid.
	NoOp bool
	// ModSeq is the message's new mod-sequence, valid when !NoOp && !Conflict.
	ModSeq uint64
	// Conflict is true when UNCHANGEDSINCE failed to match (someone else
	// modified the message first) — the caller must treat this as fatal and
	// ask the operator to rerun a pull before retrying the push.
	Conflict bool
}

// Store applies a single-direction flag diff (add, if add is true, else
// remove) to uid, conditioned on the message not having changed since
// modseq.
func (s *Session) Store(uid, modseq uint64, add bool, flags []string) (StoreOutcome, error) {
	if len(flags) == 0 {
		return StoreOutcome{NoOp: true, ModSeq: modseq}, nil
	}
	sign := "+"
	if !add {
		sign = "-"
	}
	flagAtoms := make([][]byte, len(flags))
	for i, f := range flags {
		flagAtoms[i] = []byte(f)
	}
	joined := bytes.Join(flagAtoms, []byte(" "))

	tag := s.nextTag()
	cmd := fmt.Sprintf("%s UID STORE %d (UNCHANGEDSINCE %d) %sFLAGS.SILENT (%s)\r\n", tag, uid, modseq, sign, joined)
	if err := s.Stream.Input([][]byte{[]byte(cmd)}, 1); err != nil {
		return StoreOutcome{}, err
	}

	st := s.Stream
	var fetched *imapwire.StoreFetch
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return StoreOutcome{}, err
		}
		if string(tok) == "*" {
			if sd, ok := imapwire.Parse(st, imapwire.StoreData); ok {
				fetched = &sd
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return StoreOutcome{}, err
			}
			continue
		}
		if string(tok) != tag {
			return StoreOutcome{}, fmt.Errorf("sync: store: unexpected tag %q", tok)
		}
		modified, err := imapwire.Expect(st, imapwire.Store)
		if err != nil {
			return StoreOutcome{}, err
		}
		if len(modified) > 0 {
			return StoreOutcome{Conflict: true}, nil
		}
		if fetched == nil {
			return StoreOutcome{NoOp: true, ModSeq: modseq}, nil
		}
		if fetched.UID != uid {
			return StoreOutcome{}, fmt.Errorf("sync: store: server reported flags for unexpected UID %d", fetched.UID)
		}
		return StoreOutcome{ModSeq: fetched.ModSeq}, nil
	}
}

// FetchSizes asks for the (UID, RFC822.SIZE) of every message whose UID is
// at least from, in the currently selected mailbox — the cheap first probe
// a pull uses to discover brand-new messages and learn their size before
// deciding whether an interrupted download can be resumed.
func (s *Session) FetchSizes(from uint64) (map[uint64]uint64, error) {
	tag := s.nextTag()
	cmd := fmt.Sprintf("%s UID FETCH %d:* (UID RFC822.SIZE)\r\n", tag, from)
	if err := s.Stream.Input([][]byte{[]byte(cmd)}, 1); err != nil {
		return nil, err
	}

	st := s.Stream
	sizes := map[uint64]uint64{}
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return nil, err
		}
		if string(tok) == "*" {
			if fs, ok := imapwire.Parse(st, imapwire.FetchSizeData); ok {
				sizes[fs.UID] = fs.Size
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return nil, err
			}
			continue
		}
		if string(tok) != tag {
			return nil, fmt.Errorf("sync: fetch sizes: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return nil, err
		}
		break
	}
	return sizes, nil
}

// FetchFlags asks for the live flags of a single message by UID — the
// initial flag set a pull needs when it indexes a brand-new message, since
// FetchSizes only reports UID and size.
func (s *Session) FetchFlags(uid uint64) ([]string, error) {
	tag := s.nextTag()
	cmd := fmt.Sprintf("%s UID FETCH %d (UID FLAGS)\r\n", tag, uid)
	if err := s.Stream.Input([][]byte{[]byte(cmd)}, 1); err != nil {
		return nil, err
	}

	st := s.Stream
	var flags []string
	found := false
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return nil, err
		}
		if string(tok) == "*" {
			if ff, ok := imapwire.Parse(st, imapwire.FetchFlagsData); ok {
				if ff.UID == uid {
					flags = make([]string, len(ff.Flags))
					for i, f := range ff.Flags {
						flags[i] = string(f)
					}
					found = true
				}
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return nil, err
			}
			continue
		}
		if string(tok) != tag {
			return nil, fmt.Errorf("sync: fetch flags: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return nil, err
		}
		break
	}
	if !found {
		return nil, fmt.Errorf("sync: fetch flags: server did not return flags for UID %d", uid)
	}
	return flags, nil
}

// FetchBody downloads one message's full content by UID.
func (s *Session) FetchBody(uid uint64) ([]byte, error) {
	tag := s.nextTag()
	cmd := fmt.Sprintf("%s UID FETCH %d (BODY.PEEK[])\r\n", tag, uid)
	if err := s.Stream.Input([][]byte{[]byte(cmd)}, 1); err != nil {
		return nil, err
	}

	st := s.Stream
	var body []byte
	found := false
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return nil, err
		}
		if string(tok) == "*" {
			if fb, ok := imapwire.Parse(st, imapwire.FetchBodyData); ok {
				if fb.UID == uid && !fb.IsNil {
					body, found = fb.Body, true
				}
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return nil, err
			}
			continue
		}
		if string(tok) != tag {
			return nil, fmt.Errorf("sync: fetch body: unexpected tag %q", tok)
		}
		if _, err := imapwire.Expect(st, imapwire.OK); err != nil {
			return nil, err
		}
		break
	}
	if !found {
		return nil, fmt.Errorf("sync: fetch body: server did not return a body for UID %d", uid)
	}
	return body, nil
}

// MoveOutcome is what a server-side UID MOVE resolved to.
type MoveOutcome struct {
	UIDValidity   uint64
	NewUID        uint64
	HighestModSeq uint64
	// Ambiguous is true when the server didn't return an unambiguous
	// singleton COPYUID — the caller must treat this as fatal and ask the
	// operator to rerun a pull before retrying the push.
	Ambiguous bool
}

// Move asks the server to move uid (in the currently selected mailbox) into
// dest.
func (s *Session) Move(uid uint64, dest mailbox.Name) (MoveOutcome, error) {
	tag := s.nextTag()
	cmd := append([]byte(fmt.Sprintf("%s UID MOVE %d ", tag, uid)), mailboxLiteral(dest)...)
	cmd = append(cmd, '\r', '\n')
	if err := s.Stream.Input([][]byte{cmd}, 1); err != nil {
		return MoveOutcome{}, err
	}

	st := s.Stream
	var copyUID *imapwire.MoveCopyUID
	for {
		tok, err := imapwire.Expect(st, imapwire.Start)
		if err != nil {
			return MoveOutcome{}, err
		}
		if string(tok) == "*" {
			if md, ok := imapwire.Parse(st, imapwire.MoveData); ok {
				copyUID = &md
				continue
			}
			if _, err := imapwire.Expect(st, imapwire.Skip); err != nil {
				return MoveOutcome{}, err
			}
			continue
		}
		if string(tok) != tag {
			return MoveOutcome{}, fmt.Errorf("sync: move: unexpected tag %q", tok)
		}
		completion, err := imapwire.Expect(st, imapwire.MoveOK)
		if err != nil {
			return MoveOutcome{}, err
		}
		if copyUID == nil || len(copyUID.From) != 1 || len(copyUID.To) != 1 || copyUID.From[0].Lo != copyUID.From[0].Hi || copyUID.To[0].Lo != copyUID.To[0].Hi {
			return MoveOutcome{Ambiguous: true}, nil
		}
		outcome := MoveOutcome{UIDValidity: copyUID.UIDValidity, NewUID: copyUID.To[0].Lo}
		if completion.HasHighestModSeq {
			outcome.HighestModSeq = completion.HighestModSeq
		}
		return outcome, nil
	}
}
