package gitdag

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// ErrMalformedGraph reports an object graph that cannot be traversed:
// a dangling reference, an object that hashes to a different id than the
// one it was stored under, or an object that references itself.
var ErrMalformedGraph = errors.New("malformed object graph")

// Kind is the variant tag of a graph object.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTree   Kind = "tree"
	KindBlob   Kind = "blob"
	KindTag    Kind = "tag"
)

// ObjectType maps a Kind to go-git's object type.
func (k Kind) ObjectType() (plumbing.ObjectType, error) {
	switch k {
	case KindCommit:
		return plumbing.CommitObject, nil
	case KindTree:
		return plumbing.TreeObject, nil
	case KindBlob:
		return plumbing.BlobObject, nil
	case KindTag:
		return plumbing.TagObject, nil
	default:
		return plumbing.InvalidObject, fmt.Errorf("unknown object kind %q", k)
	}
}

// KindOf maps go-git's object type to a Kind.
func KindOf(t plumbing.ObjectType) (Kind, error) {
	switch t {
	case plumbing.CommitObject:
		return KindCommit, nil
	case plumbing.TreeObject:
		return KindTree, nil
	case plumbing.BlobObject:
		return KindBlob, nil
	case plumbing.TagObject:
		return KindTag, nil
	default:
		return "", fmt.Errorf("unsupported object type %s", t)
	}
}

// TreeEntry is one (mode, name, id) row of a tree object.
type TreeEntry struct {
	Mode filemode.FileMode
	Name string
	ID   plumbing.Hash
}

// Object is one node of the object graph: a kind tag, the raw object content
// (without the "<type> <size>\x00" header), and the edges extracted from it.
// Edges travel with the object so the graph can be walked without re-parsing
// git's binary formats.
type Object struct {
	Kind Kind
	ID   plumbing.Hash
	Data []byte

	Parents []plumbing.Hash // commit: parent commits, in commit order
	Tree    plumbing.Hash   // commit: root tree
	Entries []TreeEntry     // tree: entries, in tree order
	Target  plumbing.Hash   // tag: tagged object
}

// Links returns the object's outgoing edges in deterministic order.
// Submodule entries are not edges: the commit they name belongs to another
// repository and is never part of this graph's closure.
func (o *Object) Links() []plumbing.Hash {
	var out []plumbing.Hash
	switch o.Kind {
	case KindCommit:
		out = append(out, o.Parents...)
		if !o.Tree.IsZero() {
			out = append(out, o.Tree)
		}
	case KindTree:
		for _, e := range o.Entries {
			if e.Mode == filemode.Submodule {
				continue
			}
			out = append(out, e.ID)
		}
	case KindTag:
		if !o.Target.IsZero() {
			out = append(out, o.Target)
		}
	}
	return out
}
