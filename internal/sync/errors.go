package sync

import "github.com/rotisserie/eris"

// ErrRerunPull marks a push-side conflict the local index cannot resolve on
// its own: the server rejected a conditional STORE or MOVE because the
// message changed underneath us. The index may now disagree with the
// server about that message's uid/modseq/mailbox, and the only safe
// recovery is a pull run to re-learn the server's current state before
// trying to push again.
var ErrRerunPull = eris.New("sync: server state changed since the last pull; rerun a pull before pushing again")
