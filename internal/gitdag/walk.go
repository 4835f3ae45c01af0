package gitdag

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// Reachable returns every object reachable from starts that the known
// predicate does not already cover, in deterministic depth-first order.
// Descent stops at known objects, so the closure of an incremental transfer
// excludes everything reachable only through already-synced history. The
// visited set guarantees termination on any input; a self-referencing object
// or an unresolvable reference fails with ErrMalformedGraph (resolver errors
// carrying their own classification are passed through unchanged).
func Reachable(resolve func(plumbing.Hash) (*Object, error), starts []plumbing.Hash, known func(plumbing.Hash) bool) ([]*Object, error) {
	visited := make(map[plumbing.Hash]struct{})
	var out []*Object

	stack := make([]plumbing.Hash, 0, len(starts))
	for i := len(starts) - 1; i >= 0; i-- {
		stack = append(stack, starts[i])
	}

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if h.IsZero() {
			continue
		}
		if known != nil && known(h) {
			continue
		}
		if _, ok := visited[h]; ok {
			continue
		}
		visited[h] = struct{}{}

		obj, err := resolve(h)
		if err != nil {
			return nil, err
		}
		if obj.ID != h {
			return nil, fmt.Errorf("%w: resolved %s but payload identifies as %s", ErrMalformedGraph, h, obj.ID)
		}
		out = append(out, obj)

		links := obj.Links()
		for i := len(links) - 1; i >= 0; i-- {
			if links[i] == h {
				return nil, fmt.Errorf("%w: object %s references itself", ErrMalformedGraph, h)
			}
			stack = append(stack, links[i])
		}
	}
	return out, nil
}

// Descends reports whether old is an ancestor of next (or equal to it) in
// the commit graph. Tags are followed to their targets. Ancestors that
// cannot be resolved are dead ends, not errors: a partial local history
// simply fails to certify the ancestry.
func Descends(resolve func(plumbing.Hash) (*Object, error), next, old plumbing.Hash) bool {
	if next == old {
		return true
	}
	visited := make(map[plumbing.Hash]struct{})
	stack := []plumbing.Hash{next}

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if h == old {
			return true
		}
		if _, ok := visited[h]; ok {
			continue
		}
		visited[h] = struct{}{}

		obj, err := resolve(h)
		if err != nil {
			continue
		}
		switch obj.Kind {
		case KindCommit:
			stack = append(stack, obj.Parents...)
		case KindTag:
			if !obj.Target.IsZero() {
				stack = append(stack, obj.Target)
			}
		}
	}
	return false
}
