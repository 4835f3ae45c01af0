// Package remote orchestrates sync between a local git object database and a
// remote made of a content-addressed store plus an on-chain IP Set entry.
// One Session serves one helper invocation: a batch of fetches or a batch of
// pushes against a single IP Set.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

var (
	// ErrNonFastForward reports a push refused because the remote ref does
	// not fast-forward to the pushed tip. Nothing was written.
	ErrNonFastForward = errors.New("non-fast-forward update")

	// ErrPushConflict reports a push that kept losing the update race after
	// bounded retries.
	ErrPushConflict = errors.New("push conflict")
)

// FetchRequest names one object to fetch, typically a ref tip.
type FetchRequest struct {
	ID   plumbing.Hash
	Name string
}

// PushCommand is one refspec of a push batch. Src "" deletes Dst on the
// remote.
type PushCommand struct {
	Src   string
	Dst   string
	Force bool
}

// PushResult reports the outcome for one refspec.
type PushResult struct {
	Dst string
	Err error
}

// SessionConfig carries the session's collaborators and limits.
type SessionConfig struct {
	IPSetID string
	Local   *gitdag.Local
	Store   ipfs.Store
	Ledger  ledger.Client
	Signer  *ledger.Identity
	// Workers bounds concurrent object transfers. Retries bounds how often
	// a push retries after a stale compare-and-swap.
	Workers int
	Retries int
	Log     *logrus.Entry
}

// Session is the per-invocation sync orchestrator. It caches the remote
// manifest between operations; the cache is invalidated whenever the ledger
// reports the session's view is stale.
type Session struct {
	ipSetID string
	local   *gitdag.Local
	store   ipfs.Store
	ledger  ledger.Client
	signer  *ledger.Identity
	workers int
	retries int
	log     *logrus.Entry

	manifest     *pack.Manifest // nil once loaded means never published
	manifestAddr string
	loaded       bool
}

// NewSession creates a session from cfg, applying defaults for unset limits.
func NewSession(cfg SessionConfig) *Session {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		ipSetID: cfg.IPSetID,
		local:   cfg.Local,
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		signer:  cfg.Signer,
		workers: workers,
		retries: retries,
		log:     log.WithField("ipset", cfg.IPSetID),
	}
}

// Refs returns the remote's refs and its default branch. A remote that has
// never been published has no refs and no head.
func (s *Session) Refs(ctx context.Context) (map[string]plumbing.Hash, string, error) {
	m, _, err := s.loadManifest(ctx)
	if err != nil {
		return nil, "", err
	}
	refs := make(map[string]plumbing.Hash)
	if m == nil {
		return refs, "", nil
	}
	for name, h := range m.Refs {
		refs[name] = h
	}
	head := ""
	if _, ok := m.Tip(m.Head); ok {
		head = m.Head
	}
	return refs, head, nil
}

// loadManifest reads the ledger entry and the manifest it points at, caching
// the result for the rest of the session.
func (s *Session) loadManifest(ctx context.Context) (*pack.Manifest, string, error) {
	if s.loaded {
		return s.manifest, s.manifestAddr, nil
	}
	addr, err := s.ledger.ManifestAddress(ctx, s.ipSetID)
	if err != nil {
		return nil, "", err
	}
	if addr == "" {
		s.manifest, s.manifestAddr, s.loaded = nil, "", true
		return nil, "", nil
	}
	data, err := s.store.Get(ctx, addr)
	if err != nil {
		return nil, "", fmt.Errorf("manifest %s: %w", addr, err)
	}
	m, err := pack.DecodeManifest(data)
	if err != nil {
		return nil, "", fmt.Errorf("manifest %s: %w", addr, err)
	}
	s.manifest, s.manifestAddr, s.loaded = m, addr, true
	s.log.WithFields(logrus.Fields{
		"manifest": addr,
		"refs":     len(m.Refs),
		"objects":  len(m.Objects),
	}).Debug("loaded manifest")
	return m, addr, nil
}

func (s *Session) invalidate() {
	s.manifest, s.manifestAddr, s.loaded = nil, "", false
}

func (s *Session) adopt(m *pack.Manifest, addr string) {
	s.manifest, s.manifestAddr, s.loaded = m, addr, true
}
