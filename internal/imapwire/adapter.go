package imapwire

// MoveCompletion adapts Move's four-valued signature (kept as-is because
// the wire grammar test suite asserts against it directly) into the
// three-valued (bytesConsumed, value, error) shape Parse and Expect require.
type MoveCompletion struct {
	HighestModSeq    uint64
	HasHighestModSeq bool
}

// MoveOK matches the same tagged completion Move does, repackaged as a
// rawParser-compatible entry point.
func MoveOK(buf []byte) (int, MoveCompletion, error) {
	n, hms, has, err := Move(buf)
	if err != nil {
		return 0, MoveCompletion{}, err
	}
	return n, MoveCompletion{HighestModSeq: hms, HasHighestModSeq: has}, nil
}

// FetchFlagsResult is the decoded UID+FLAGS untagged FETCH, the attribute
// pair a pull needs to learn a brand-new message's initial flag set.
type FetchFlagsResult struct {
	UID   uint64
	Flags [][]byte
}

// FetchFlagsData matches the UID+FLAGS untagged FETCH, either order, the
// same shape as FetchSizeData but for FLAGS instead of RFC822.SIZE.
func FetchFlagsData(buf []byte) (int, FetchFlagsResult, error) {
	c := &cursor{buf: buf}
	if _, ok := c.nzNumber(); !ok || !c.sp() || !c.literal("FETCH") || !c.sp() || !c.literal("(") {
		return 0, FetchFlagsResult{}, fail("fetch_flags_data", c.pos)
	}
	save := c.pos
	var result FetchFlagsResult
	ok := func() bool {
		c.pos = save
		u, ok1 := c.msgAttStaticUID()
		if ok1 && c.sp() {
			if f, ok2 := c.msgAttDynamicFlags(); ok2 {
				result = FetchFlagsResult{UID: u, Flags: f}
				return true
			}
		}
		c.pos = save
		if f, ok1 := c.msgAttDynamicFlags(); ok1 && c.sp() {
			if u, ok2 := c.msgAttStaticUID(); ok2 {
				result = FetchFlagsResult{UID: u, Flags: f}
				return true
			}
		}
		return false
	}()
	if !ok || !c.literal(")") || !c.crlf() {
		return 0, FetchFlagsResult{}, fail("fetch_flags_data", c.pos)
	}
	return c.pos, result, nil
}
