package gitdag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Local is the client's own object database. Objects are read to decide what
// to push and written when fetched; ref storage stays under git's control
// except for read-only tip resolution.
type Local struct {
	s storage.Storer
}

// Open opens the object database under gitDir. A worktree path is accepted
// too: if gitDir contains a .git directory, that is used instead.
func Open(gitDir string) (*Local, error) {
	dir := gitDir
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		dir = filepath.Join(dir, ".git")
	}
	if _, err := os.Stat(filepath.Join(dir, "objects")); err != nil {
		return nil, fmt.Errorf("not a git object database: %s", dir)
	}
	st := filesystem.NewStorage(osfs.New(dir), cache.NewObjectLRUDefault())
	return &Local{s: st}, nil
}

// NewLocal wraps an existing go-git storer, as used by tests with
// memory.NewStorage().
func NewLocal(s storage.Storer) *Local {
	return &Local{s: s}
}

// Has reports whether the object is present locally.
func (l *Local) Has(h plumbing.Hash) bool {
	return l.s.HasEncodedObject(h) == nil
}

// Object loads one object and extracts its edges.
func (l *Local) Object(h plumbing.Hash) (*Object, error) {
	eo, err := l.s.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	kind, err := KindOf(eo.Type())
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}

	r, err := eo.Reader()
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", h, err)
	}

	obj := &Object{Kind: kind, ID: h, Data: data}
	switch kind {
	case KindCommit:
		c, err := object.DecodeCommit(l.s, eo)
		if err != nil {
			return nil, fmt.Errorf("decode commit %s: %w", h, err)
		}
		obj.Parents = c.ParentHashes
		obj.Tree = c.TreeHash
	case KindTree:
		t, err := object.DecodeTree(l.s, eo)
		if err != nil {
			return nil, fmt.Errorf("decode tree %s: %w", h, err)
		}
		for _, e := range t.Entries {
			obj.Entries = append(obj.Entries, TreeEntry{Mode: e.Mode, Name: e.Name, ID: e.Hash})
		}
	case KindTag:
		tg, err := object.DecodeTag(l.s, eo)
		if err != nil {
			return nil, fmt.Errorf("decode tag %s: %w", h, err)
		}
		obj.Target = tg.Target
	}
	return obj, nil
}

// Put stores raw object content under the given kind and returns the id the
// database computed for it. The database owns hashing; callers compare the
// returned id against the expected one to detect corruption.
func (l *Local) Put(kind Kind, data []byte) (plumbing.Hash, error) {
	t, err := kind.ObjectType()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	eo := l.s.NewEncodedObject()
	eo.SetType(t)
	eo.SetSize(int64(len(data)))
	w, err := eo.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store %s object: %w", kind, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("store %s object: %w", kind, err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store %s object: %w", kind, err)
	}
	return l.s.SetEncodedObject(eo)
}

// RefTip resolves a local ref name to the object id it points at, following
// symbolic refs.
func (l *Local) RefTip(name string) (plumbing.Hash, error) {
	ref, err := storer.ResolveReference(l.s, plumbing.ReferenceName(name))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve ref %s: %w", name, err)
	}
	return ref.Hash(), nil
}
