// Package vfs exposes a published IP Set as a read-only filesystem: one
// directory per ref showing that commit's tree, files backed by blobs
// fetched from the content store on demand.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

// View reads objects of one manifest snapshot. Decoded objects are cached
// for the lifetime of the mount; a browse session tolerates the memory for
// the latency.
type View struct {
	store ipfs.Store
	m     *pack.Manifest

	mu   sync.Mutex
	objs map[plumbing.Hash]*gitdag.Object
}

// NewView creates a view over a decoded manifest.
func NewView(m *pack.Manifest, store ipfs.Store) *View {
	return &View{
		store: store,
		m:     m,
		objs:  make(map[plumbing.Hash]*gitdag.Object),
	}
}

// RefNames returns the manifest's ref names, sorted.
func (v *View) RefNames() []string {
	return v.m.RefNames()
}

// Tip resolves a ref name.
func (v *View) Tip(name string) (plumbing.Hash, bool) {
	return v.m.Tip(name)
}

// Head returns the default branch, or "" if none resolves.
func (v *View) Head() string {
	if _, ok := v.m.Tip(v.m.Head); ok {
		return v.m.Head
	}
	return v.m.DefaultBranch()
}

// Object fetches and decodes one object, serving repeats from cache.
func (v *View) Object(ctx context.Context, h plumbing.Hash) (*gitdag.Object, error) {
	v.mu.Lock()
	if o, ok := v.objs[h]; ok {
		v.mu.Unlock()
		return o, nil
	}
	v.mu.Unlock()

	addr, ok := v.m.AddressOf(h)
	if !ok {
		return nil, fmt.Errorf("%w: object %s is not indexed by the manifest", ipfs.ErrNotFound, h)
	}
	data, err := v.store.Get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	o, err := pack.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("object %s at %s: %w", h, addr, err)
	}
	if o.ID != h {
		return nil, fmt.Errorf("%w: payload at %s identifies as %s, want %s", pack.ErrCorrupt, addr, o.ID, h)
	}

	v.mu.Lock()
	v.objs[h] = o
	v.mu.Unlock()
	return o, nil
}

// Tree peels h down to a tree: commits yield their root tree, tags follow
// their target.
func (v *View) Tree(ctx context.Context, h plumbing.Hash) (*gitdag.Object, error) {
	for {
		o, err := v.Object(ctx, h)
		if err != nil {
			return nil, err
		}
		switch o.Kind {
		case gitdag.KindTree:
			return o, nil
		case gitdag.KindCommit:
			h = o.Tree
		case gitdag.KindTag:
			h = o.Target
		default:
			return nil, fmt.Errorf("object %s is a %s, not a tree", o.ID, o.Kind)
		}
	}
}

// errnoOf maps store and codec failures onto the errno a filesystem caller
// sees.
func errnoOf(err error) syscall.Errno {
	if errors.Is(err, ipfs.ErrNotFound) {
		return syscall.ENOENT
	}
	return syscall.EIO
}
