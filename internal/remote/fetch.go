package remote

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

// Fetch downloads the closure of the requested objects into the local object
// database, pruning at objects already present. Objects land locally as soon
// as their wave is verified, so an aborted fetch leaves valid loose objects
// behind and a rerun resumes where it stopped. Refs are only moved by git
// after the whole batch succeeds.
func (s *Session) Fetch(ctx context.Context, reqs []FetchRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	m, _, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: ip set %s has never been published", ipfs.ErrNotFound, s.ipSetID)
	}

	seen := make(map[plumbing.Hash]bool)
	var frontier []plumbing.Hash
	for _, r := range reqs {
		if r.ID.IsZero() || seen[r.ID] || s.local.Has(r.ID) {
			continue
		}
		seen[r.ID] = true
		frontier = append(frontier, r.ID)
	}

	var total int
	for len(frontier) > 0 {
		wave, err := s.downloadWave(ctx, m, frontier)
		if err != nil {
			return err
		}
		total += len(wave)

		// Write the wave, then walk the links of what the data actually
		// says. Traversing parsed objects rather than envelope fields means
		// a forged envelope cannot steer the walk away from the real graph.
		frontier = frontier[:0]
		for _, o := range wave {
			id, err := s.local.Put(o.Kind, o.Data)
			if err != nil {
				return fmt.Errorf("store object %s: %w", o.ID, err)
			}
			if id != o.ID {
				return fmt.Errorf("%w: object %s rehashed as %s", pack.ErrCorrupt, o.ID, id)
			}
			stored, err := s.local.Object(id)
			if err != nil {
				return fmt.Errorf("%w: object %s does not parse: %v", pack.ErrCorrupt, id, err)
			}
			for _, l := range stored.Links() {
				if seen[l] || s.local.Has(l) {
					continue
				}
				seen[l] = true
				frontier = append(frontier, l)
			}
		}
	}

	s.log.WithField("objects", total).Debug("fetch complete")
	return nil
}

// downloadWave fetches one frontier concurrently, bounded by the session's
// worker limit.
func (s *Session) downloadWave(ctx context.Context, m *pack.Manifest, hashes []plumbing.Hash) ([]*gitdag.Object, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.workers))
	objs := make([]*gitdag.Object, len(hashes))

	var acquireErr error
	for i, h := range hashes {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		i, h := i, h
		g.Go(func() error {
			defer sem.Release(1)
			o, err := s.remoteObject(gctx, m, h)
			if err != nil {
				return err
			}
			objs[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if acquireErr != nil {
		return nil, acquireErr
	}
	return objs, nil
}

// remoteObject resolves one object id through the manifest index and the
// content store, verifying the payload describes the object that was asked
// for.
func (s *Session) remoteObject(ctx context.Context, m *pack.Manifest, h plumbing.Hash) (*gitdag.Object, error) {
	addr, ok := m.AddressOf(h)
	if !ok {
		return nil, fmt.Errorf("%w: object %s is not indexed by the remote manifest", ipfs.ErrNotFound, h)
	}
	data, err := s.store.Get(ctx, addr)
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
	return o, nil
}
