// Package maildir implements the maildir++ on-disk layout: a root maildir
// for INBOX plus one flat sibling directory per other mailbox, named by
// joining the mailbox's hierarchy components with ".". Messages are staged
// in "tmp" under a name that carries no ":2," info flags suffix — so the
// index adapter, not a delivery agent, decides when they become real
// messages — and are only promoted out of "tmp" once committed to the index.
package maildir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Builder roots a maildir++ hierarchy at a directory and mints per-mailbox
// Maildir handles beneath it.
type Builder struct {
	root string
}

// NewBuilder creates path (and any missing parents) and returns a Builder
// rooted there.
func NewBuilder(path string) (*Builder, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	return &Builder{root: path}, nil
}

// Path returns the builder's root directory.
func (b *Builder) Path() string { return b.root }

// Maildir returns the maildir for the given local directory suffix, as
// computed by mailbox.Name.LocalDir: "" selects the root maildir (INBOX),
// anything else is joined onto the root as a single flat sibling directory.
func (b *Builder) Maildir(localDir string) (*Maildir, error) {
	root := localDir == ""
	path := b.root
	if !root {
		path = filepath.Join(b.root, localDir)
	}
	return newMaildir(path, root)
}

// Maildir is one mailbox's tmp/new/cur directory triple.
type Maildir struct {
	path string
	root bool
}

func newMaildir(path string, root bool) (*Maildir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(resolved, dir), 0o700); err != nil {
			return nil, err
		}
	}
	if !root {
		// Tells a delivery agent (and the index, by convention) that this
		// directory is a maildir++ folder rather than the top-level inbox.
		f, err := os.OpenFile(filepath.Join(resolved, "maildirfolder"), os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	return &Maildir{path: resolved, root: root}, nil
}

// Root reports whether this is the top-level (INBOX) maildir.
func (m *Maildir) Root() bool { return m.root }

// Path returns the maildir's directory.
func (m *Maildir) Path() string { return m.path }

// Remove deletes the maildir and everything beneath it. Callers are
// expected to have already reconciled the index before calling this.
func (m *Maildir) Remove() error { return os.RemoveAll(m.path) }

// Has reports whether path's parent is one of this maildir's three
// subdirectories.
func (m *Maildir) Has(path string) bool {
	parent := filepath.Dir(path)
	for _, dir := range []string{"cur", "new", "tmp"} {
		if filepath.Join(m.path, dir) == parent {
			return true
		}
	}
	return false
}

// TmpNamedWithSize reports the path of an existing tmp-staged file named
// name if — and only if — its size matches exactly. An exact match means a
// prior pull was interrupted after the download completed but before the
// message was committed to the index, so the download can be skipped and
// the file promoted directly. A size mismatch or missing file both report
// "not found", since a partial download must be restarted from scratch.
func (m *Maildir) TmpNamedWithSize(name string, size int64) (string, bool, error) {
	path := filepath.Join(m.path, "tmp", name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if info.Size() != size {
		return "", false, nil
	}
	return path, true, nil
}

// TmpNamed stages buffer under name in tmp, fsyncing before returning so a
// subsequent crash cannot leave a short write behind. The caller is
// responsible for picking a name that cannot collide across mailboxes and
// that carries no maildir info-flags suffix.
func (m *Maildir) TmpNamed(name string, r io.Reader) (string, error) {
	path := filepath.Join(m.path, "tmp", name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	return path, nil
}

// Tmp stages buffer under a freshly generated, unparseable name (maildir
// unique names are an opaque contract; a random UUID satisfies it without
// anyone being tempted to extract meaning from it).
func (m *Maildir) Tmp(r io.Reader) (string, error) {
	return m.TmpNamed(uuid.NewString(), r)
}

// PromoteFromTmp moves a tmp-staged file into cur with the given maildir
// info-flags suffix (e.g. ":2,S" for \Seen), the point at which it becomes
// visible to any other mail user agent.
func (m *Maildir) PromoteFromTmp(tmpPath, infoSuffix string) (string, error) {
	name := filepath.Base(tmpPath) + infoSuffix
	dest := filepath.Join(m.path, "cur", name)
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Components splits a message path into its maildir, subdirectory
// ("cur"/"new"/"tmp"), and file components.
func Components(path string) (maildirPath, subdir, file string, err error) {
	file = filepath.Base(path)
	sub := filepath.Dir(path)
	md := filepath.Dir(sub)
	if file == "." || file == "/" || sub == "." || sub == "/" || md == "." || md == "/" {
		return "", "", "", fmt.Errorf("maildir: %q does not have a maildir/subdir/file shape", path)
	}
	return md, filepath.Base(sub), file, nil
}
