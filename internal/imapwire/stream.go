package imapwire

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// Stream wraps a connection (cleartext or already TLS-wrapped) and turns it
// into a sequence of self-delimited response batches. IMAP has no built-in
// framing for untagged responses preceding a tagged completion, so after
// every command this issues a synthetic "<uuid> NOOP" and watches for that
// tag's own "OK" line to know the whole batch — including every untagged
// response the real command produced — has arrived.
type Stream struct {
	rw     io.ReadWriter
	log    *slog.Logger
	buf    []byte
	end    int    // parse cursor: bytes before this offset are already consumed
	needle string // pending synthetic NOOP tag whose OK line hasn't been consumed yet
}

// NewStream wraps rw. log may be nil, in which case a discarding logger is used.
func NewStream(rw io.ReadWriter, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{rw: rw, log: log}
}

// escape renders bytes as a single-line, shell-safe approximation for logs.
func escape(b []byte) string {
	var out bytes.Buffer
	for _, c := range b {
		switch {
		case c == '\\':
			out.WriteString(`\\`)
		case c == '\r':
			out.WriteString(`\r`)
		case c == '\n':
			out.WriteString(`\n`)
		case c >= 0x20 && c < 0x7f:
			out.WriteByte(c)
		default:
			fmt.Fprintf(&out, `\x%02x`, c)
		}
	}
	return out.String()
}

// summarize truncates at the first CRLF for log readability — a single
// protocol line is enough context without dumping whole literals.
func summarize(b []byte) string {
	if i := bytes.Index(b, []byte("\r\n")); i >= 0 {
		rest := ""
		if i+2 < len(b) {
			rest = "...omitted..."
		}
		return escape(b[:i+2]) + rest
	}
	return escape(b)
}

func (s *Stream) read() (int, error) {
	var tmp [64 * 1024]byte
	n, err := s.rw.Read(tmp[:])
	if n == 0 && err == nil {
		return 0, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return 0, err
	}
	s.buf = append(s.buf, tmp[:n]...)
	return n, nil
}

// write sends buffers verbatim, logging redactFrom of them in full (the
// rest — typically a password literal — only as "...omitted...").
func (s *Stream) write(buffers [][]byte, redactFrom int) error {
	var logged bytes.Buffer
	for i, b := range buffers {
		if i < redactFrom {
			logged.Write(b)
		}
	}
	msg := escape(logged.Bytes())
	if redactFrom < len(buffers) {
		msg += "...omitted..."
	}
	s.log.Debug("imap: send", "data", msg)
	for _, b := range buffers {
		if _, err := io.Copy(s.rw, bytes.NewReader(b)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureLine blocks until the unconsumed tail of the buffer contains at
// least one full CRLF-terminated line. It exists for the one moment a
// caller needs to parse something the framing sentinel never wraps: the
// server's unsolicited greeting, sent before any command (and so before any
// NOOP has been issued to frame a batch).
func (s *Stream) EnsureLine() error {
	for !bytes.Contains(s.buf[s.end:], []byte("\r\n")) {
		if _, err := s.read(); err != nil {
			return err
		}
	}
	return nil
}

// Input compacts the buffer, writes buffers (logging only the first
// redactFrom of them, so a password literal never hits the log), then
// frames the resulting response with a synthetic NOOP.
func (s *Stream) Input(buffers [][]byte, redactFrom int) error {
	if s.end > 0 {
		rest := append([]byte(nil), s.buf[s.end:]...)
		s.buf = rest
		s.end = 0
	}
	if err := s.write(buffers, redactFrom); err != nil {
		return err
	}
	if _, err := s.read(); err != nil {
		return err
	}
	return s.chunk()
}

// chunk first consumes the previous round's pending NOOP response (if any),
// then issues a fresh synthetic NOOP and blocks until its own "OK" line has
// fully arrived, so the buffer now holds one complete, self-delimited batch.
func (s *Stream) chunk() error {
	if s.needle != "" {
		tag := s.needle
		s.needle = ""
		for {
			tok, err := Expect(s, Start)
			if err != nil {
				return err
			}
			if string(tok) == "*" {
				if _, err := Expect(s, Skip); err != nil {
					return err
				}
				continue
			}
			if string(tok) == tag {
				if _, err := Expect(s, OK); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("imapwire: unexpected tag %q while draining sentinel", tok)
		}
	}

	tag := uuid.NewString()
	cmd := []byte(tag + " NOOP\r\n")
	if err := s.write([][]byte{cmd}, 1); err != nil {
		return err
	}

	needleBytes := []byte("\r\n" + tag + " OK ")
	start := 0
	position := -1
	for position < 0 {
		if i := bytes.LastIndex(s.buf[start:], needleBytes); i >= 0 {
			position = start + i
			break
		}
		next := len(s.buf) - len(needleBytes)
		if next < 0 {
			next = 0
		}
		if next > start {
			start = next
		}
		if _, err := s.read(); err != nil {
			return err
		}
	}

	// Keep reading until the tagged OK line that follows the needle is
	// fully present (body + CRLF), not merely its "OK " prefix.
	okStart := position + len(needleBytes) - len("OK ")
	for {
		if _, _, err := OK(s.buf[okStart:]); err == nil {
			break
		}
		if _, err := s.read(); err != nil {
			return err
		}
	}

	s.needle = tag
	return nil
}

// rawParser is the shape every imapwire entry point has: parse from offset 0,
// return bytes consumed plus a value, or fail.
type rawParser[R any] func([]byte) (int, R, error)

// Parse tries parser against the unconsumed tail of the buffer. A grammar
// mismatch returns ok=false with the cursor untouched, so the caller can try
// an alternative rule.
func Parse[R any](s *Stream, parser rawParser[R]) (R, bool) {
	n, v, err := parser(s.buf[s.end:])
	if err != nil {
		var zero R
		return zero, false
	}
	s.log.Debug("imap: recv", "data", summarize(s.buf[s.end:s.end+n]))
	s.end += n
	return v, true
}

// Expect is like Parse but treats a grammar mismatch as fatal: the caller
// already knows which rule must match at this point in the protocol.
func Expect[R any](s *Stream, parser rawParser[R]) (R, error) {
	n, v, err := parser(s.buf[s.end:])
	if err != nil {
		var zero R
		return zero, fmt.Errorf("imapwire: %w (near %q)", err, summarize(s.buf[s.end:]))
	}
	s.log.Debug("imap: recv", "data", summarize(s.buf[s.end:s.end+n]))
	s.end += n
	return v, nil
}
