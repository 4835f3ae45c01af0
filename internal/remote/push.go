package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

// Push applies a batch of refspecs. Each refspec gets its own outcome; a
// failed ref does not abort the rest of the batch. Ledger updates run
// strictly one at a time, so concurrent state within this process never
// races its own compare-and-swap.
func (s *Session) Push(ctx context.Context, cmds []PushCommand) []PushResult {
	results := make([]PushResult, 0, len(cmds))
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			for _, rest := range cmds[i:] {
				results = append(results, PushResult{Dst: rest.Dst, Err: err})
			}
			break
		}
		results = append(results, PushResult{Dst: cmd.Dst, Err: s.pushOne(ctx, cmd)})
	}
	return results
}

func (s *Session) pushOne(ctx context.Context, cmd PushCommand) error {
	if cmd.Src == "" {
		return s.deleteRef(ctx, cmd.Dst)
	}

	tip, err := s.local.RefTip(cmd.Src)
	if err != nil {
		return err
	}

	m, _, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}

	// The fast-forward gate runs before anything is uploaded: a doomed
	// non-force push must not write to the network at all.
	if !cmd.Force {
		if err := s.fastForwardGate(m, cmd.Dst, tip); err != nil {
			return err
		}
	}

	addrs, err := s.uploadClosure(ctx, m, tip)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		next := nextManifest(m, cmd.Dst, tip, addrs)
		err := s.publish(ctx, next)
		if err == nil {
			s.log.WithFields(logrus.Fields{"ref": cmd.Dst, "tip": tip.String()}).Info("ref updated")
			return nil
		}
		if !errors.Is(err, ledger.ErrStaleUpdate) {
			return err
		}
		if attempt >= s.retries {
			return fmt.Errorf("%w: %s: concurrent writers kept moving the ip set", ErrPushConflict, cmd.Dst)
		}

		// Someone else moved the entry. Re-read and rebuild the update on
		// the new base; the objects uploaded above stay valid.
		s.invalidate()
		m, _, err = s.loadManifest(ctx)
		if err != nil {
			return err
		}
		if !cmd.Force {
			if err := s.fastForwardGate(m, cmd.Dst, tip); err != nil {
				return err
			}
		}
	}
}

// deleteRef removes a ref from the manifest. Deleting a ref the remote does
// not have is an error. Object index entries are kept: the store retains the
// objects anyway, and a later push reuses them.
func (s *Session) deleteRef(ctx context.Context, dst string) error {
	m, _, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		if m == nil {
			return fmt.Errorf("cannot delete %s: ip set has never been published", dst)
		}
		if _, ok := m.Tip(dst); !ok {
			return fmt.Errorf("cannot delete %s: no such ref on the remote", dst)
		}

		next := m.Clone()
		next.DeleteRef(dst)
		if _, ok := next.Tip(next.Head); !ok {
			next.Head = next.DefaultBranch()
		}

		err := s.publish(ctx, next)
		if err == nil {
			s.log.WithField("ref", dst).Info("ref deleted")
			return nil
		}
		if !errors.Is(err, ledger.ErrStaleUpdate) {
			return err
		}
		if attempt >= s.retries {
			return fmt.Errorf("%w: %s: concurrent writers kept moving the ip set", ErrPushConflict, dst)
		}
		s.invalidate()
		m, _, err = s.loadManifest(ctx)
		if err != nil {
			return err
		}
	}
}

// fastForwardGate enforces non-force semantics: the prior remote tip must be
// known locally and be an ancestor of (or equal to) the new tip.
func (s *Session) fastForwardGate(m *pack.Manifest, dst string, tip plumbing.Hash) error {
	if m == nil {
		return nil
	}
	prior, ok := m.Tip(dst)
	if !ok || prior == tip {
		return nil
	}
	if !s.local.Has(prior) {
		return fmt.Errorf("%w: remote %s is at %s which is not known locally (fetch first)", ErrNonFastForward, dst, prior)
	}
	if !gitdag.Descends(s.local.Object, tip, prior) {
		return fmt.Errorf("%w: %s does not descend from %s", ErrNonFastForward, tip, prior)
	}
	return nil
}

// uploadClosure walks the local graph from tip, pruning at objects the
// manifest already indexes, and uploads every walked object concurrently.
// It returns the content address of each uploaded object.
func (s *Session) uploadClosure(ctx context.Context, m *pack.Manifest, tip plumbing.Hash) (map[plumbing.Hash]string, error) {
	known := func(plumbing.Hash) bool { return false }
	if m != nil {
		known = m.Known
	}
	resolve := func(h plumbing.Hash) (*gitdag.Object, error) {
		o, err := s.local.Object(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", gitdag.ErrMalformedGraph, h, err)
		}
		return o, nil
	}

	objs, err := gitdag.Reachable(resolve, []plumbing.Hash{tip}, known)
	if err != nil {
		return nil, err
	}

	addrs := make(map[plumbing.Hash]string, len(objs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.workers))

	var acquireErr error
	for _, o := range objs {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		o := o
		g.Go(func() error {
			defer sem.Release(1)
			data, err := pack.EncodeObject(o)
			if err != nil {
				return err
			}
			addr, err := s.store.Put(gctx, data)
			if err != nil {
				return fmt.Errorf("upload %s: %w", o.ID, err)
			}
			if err := s.store.Pin(gctx, addr); err != nil {
				s.log.WithError(err).WithField("oid", o.ID.String()).Warn("pin failed")
			}
			mu.Lock()
			addrs[o.ID] = addr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if acquireErr != nil {
		return nil, acquireErr
	}

	s.log.WithField("objects", len(objs)).Debug("uploaded closure")
	return addrs, nil
}

// nextManifest builds the successor manifest: prior state plus the updated
// ref and the freshly indexed objects. The default branch is recomputed only
// when the current one no longer resolves.
func nextManifest(prior *pack.Manifest, dst string, tip plumbing.Hash, addrs map[plumbing.Hash]string) *pack.Manifest {
	next := pack.NewManifest()
	if prior != nil {
		next = prior.Clone()
	}
	next.SetRef(dst, tip)
	for h, addr := range addrs {
		next.SetAddress(h, addr)
	}
	if _, ok := next.Tip(next.Head); !ok {
		next.Head = next.DefaultBranch()
	}
	return next
}

// publish stores the manifest and swings the ledger entry to it. On a
// finality timeout the outcome is unknown, so one fresh read decides whether
// the write actually landed before the error is surfaced.
func (s *Session) publish(ctx context.Context, next *pack.Manifest) error {
	data, err := pack.EncodeManifest(next)
	if err != nil {
		return err
	}
	newRoot, err := s.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	if err := s.store.Pin(ctx, newRoot); err != nil {
		s.log.WithError(err).WithField("manifest", newRoot).Warn("pin failed")
	}

	// A canceled session stops before the ledger write; in-flight uploads
	// above may have completed, which is harmless.
	if err := ctx.Err(); err != nil {
		return err
	}

	receipt, err := s.ledger.ProposeUpdate(ctx, s.ipSetID, s.manifestAddr, newRoot, s.signer)
	if err != nil {
		return err
	}
	if err := s.ledger.AwaitFinality(ctx, receipt); err != nil {
		if errors.Is(err, ledger.ErrFinalityTimeout) {
			current, rerr := s.ledger.ManifestAddress(ctx, s.ipSetID)
			if rerr == nil && current == newRoot {
				s.log.WithField("tx", receipt.TxID).Debug("write landed despite finality timeout")
				s.adopt(next, newRoot)
				return nil
			}
		}
		s.invalidate()
		return err
	}
	s.adopt(next, newRoot)
	return nil
}
