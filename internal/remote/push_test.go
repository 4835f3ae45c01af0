package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
)

func TestPush_IncrementalUploadsOnlyNewObjects(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	repo := newTestRepo(t)
	blob1, _, commit1 := repo.seedHistory(t)

	s := newTestSession(t, repo, store, lg)
	if err := pushRef(t, s, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}
	// blob + tree + commit + manifest
	if got := store.Puts(); got != 4 {
		t.Fatalf("first push made %d puts, want 4", got)
	}

	blob2 := repo.blob(t, "more\n")
	tree2 := repo.tree(t,
		object.TreeEntry{Name: "more.txt", Mode: filemode.Regular, Hash: blob2},
		object.TreeEntry{Name: "test.txt", Mode: filemode.Regular, Hash: blob1},
	)
	commit2 := repo.commit(t, "second\n", tree2, commit1)
	repo.setRef(t, "refs/heads/main", commit2)

	if err := pushRef(t, s, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}
	// blob1 is already indexed by the manifest and must not be re-sent:
	// blob2 + tree2 + commit2 + manifest.
	if got := store.Puts(); got != 8 {
		t.Fatalf("second push brought total puts to %d, want 8", got)
	}
}

func TestPush_NonFastForwardRejectedBeforeUpload(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	a := newTestRepo(t)
	a.seedHistory(t)
	if err := pushRef(t, newTestSession(t, a, store, lg), "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}
	puts, proposals := store.Puts(), lg.Proposals()

	// b never fetched, so it cannot prove its history contains the remote
	// tip. The push must fail without a single network write.
	b := newTestRepo(t)
	blob := b.blob(t, "unrelated\n")
	tree := b.tree(t, object.TreeEntry{Name: "u.txt", Mode: filemode.Regular, Hash: blob})
	b.setRef(t, "refs/heads/main", b.commit(t, "unrelated\n", tree))

	err := pushRef(t, newTestSession(t, b, store, lg), "refs/heads/main", "refs/heads/main", false)
	if !errors.Is(err, ErrNonFastForward) {
		t.Fatalf("got %v, want ErrNonFastForward", err)
	}
	if !strings.Contains(err.Error(), "fetch first") {
		t.Errorf("error %q does not suggest fetching first", err)
	}
	if store.Puts() != puts {
		t.Errorf("rejected push wrote %d objects", store.Puts()-puts)
	}
	if lg.Proposals() != proposals {
		t.Errorf("rejected push reached the ledger")
	}
}

func TestPush_DivergedAfterFetchIsNonFastForward(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	a := newTestRepo(t)
	a.seedHistory(t)
	if err := pushRef(t, newTestSession(t, a, store, lg), "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}

	b := newTestRepo(t)
	sb := newTestSession(t, b, store, lg)
	fetchRefs(t, sb)

	// A root commit that does not descend from the fetched tip.
	blob := b.blob(t, "rewrite\n")
	tree := b.tree(t, object.TreeEntry{Name: "r.txt", Mode: filemode.Regular, Hash: blob})
	sibling := b.commit(t, "rewritten history\n", tree)
	b.setRef(t, "refs/heads/main", sibling)

	puts, proposals := store.Puts(), lg.Proposals()
	err := pushRef(t, sb, "refs/heads/main", "refs/heads/main", false)
	if !errors.Is(err, ErrNonFastForward) {
		t.Fatalf("got %v, want ErrNonFastForward", err)
	}
	if store.Puts() != puts || lg.Proposals() != proposals {
		t.Errorf("rejected push touched the network: puts %d->%d, proposals %d->%d",
			puts, store.Puts(), proposals, lg.Proposals())
	}

	// Force replaces the remote tip with the unrelated history.
	if err := pushRef(t, sb, "refs/heads/main", "refs/heads/main", true); err != nil {
		t.Fatalf("force push: %v", err)
	}
	refs, _, err := newTestSession(t, newTestRepo(t), store, lg).Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refs["refs/heads/main"] != sibling {
		t.Errorf("after force push tip is %s, want %s", refs["refs/heads/main"], sibling)
	}
}

func TestPush_StaleViewRetriesOnNewBase(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	r1 := newTestRepo(t)
	blobA := r1.blob(t, "a\n")
	treeA := r1.tree(t, object.TreeEntry{Name: "a.txt", Mode: filemode.Regular, Hash: blobA})
	tipA := r1.commit(t, "a\n", treeA)
	r1.setRef(t, "refs/heads/a", tipA)

	r2 := newTestRepo(t)
	blobB := r2.blob(t, "b\n")
	treeB := r2.tree(t, object.TreeEntry{Name: "b.txt", Mode: filemode.Regular, Hash: blobB})
	tipB := r2.commit(t, "b\n", treeB)
	r2.setRef(t, "refs/heads/b", tipB)

	s1 := newTestSession(t, r1, store, lg)
	s2 := newTestSession(t, r2, store, lg)

	// s1 reads the unpublished entry and caches that view.
	if _, _, err := s1.Refs(context.Background()); err != nil {
		t.Fatal(err)
	}
	// s2 moves the entry underneath s1.
	if err := pushRef(t, s2, "refs/heads/b", "refs/heads/b", false); err != nil {
		t.Fatal(err)
	}
	// s1's first proposal is stale; the retry rebuilds on s2's manifest and
	// must preserve refs/heads/b.
	if err := pushRef(t, s1, "refs/heads/a", "refs/heads/a", false); err != nil {
		t.Fatal(err)
	}

	if got := lg.Proposals(); got != 3 {
		t.Errorf("got %d proposals, want 3 (s2, s1 stale, s1 retry)", got)
	}
	refs, _, err := newTestSession(t, newTestRepo(t), store, lg).Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refs["refs/heads/a"] != tipA {
		t.Errorf("refs/heads/a: got %s, want %s", refs["refs/heads/a"], tipA)
	}
	if refs["refs/heads/b"] != tipB {
		t.Errorf("refs/heads/b: got %s, want %s", refs["refs/heads/b"], tipB)
	}
}

func TestPush_ConflictAfterRetriesExhausted(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	lg.StaleN = 10

	repo := newTestRepo(t)
	repo.seedHistory(t)
	s := NewSession(SessionConfig{
		IPSetID: "repo",
		Local:   repo.l,
		Store:   store,
		Ledger:  lg,
		Signer:  testSigner(t),
		Workers: 4,
		Retries: 2,
	})

	err := pushRef(t, s, "refs/heads/main", "refs/heads/main", false)
	if !errors.Is(err, ErrPushConflict) {
		t.Fatalf("got %v, want ErrPushConflict", err)
	}
	if got := lg.Proposals(); got != 3 {
		t.Errorf("got %d proposals, want 3 (initial + 2 retries)", got)
	}
	if lg.Address("repo") != "" {
		t.Errorf("conflicted push still moved the entry to %s", lg.Address("repo"))
	}
}

func TestPush_ConcurrentWritersOneWinner(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	mkRepo := func(content string) (*testRepo, plumbing.Hash) {
		r := newTestRepo(t)
		blob := r.blob(t, content)
		tree := r.tree(t, object.TreeEntry{Name: "f.txt", Mode: filemode.Regular, Hash: blob})
		tip := r.commit(t, content, tree)
		r.setRef(t, "refs/heads/main", tip)
		return r, tip
	}
	rA, tipA := mkRepo("writer a\n")
	rB, tipB := mkRepo("writer b\n")
	sA := newTestSession(t, rA, store, lg)
	sB := newTestSession(t, rB, store, lg)

	errs := make(map[plumbing.Hash]error, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	push := func(s *Session, tip plumbing.Hash) {
		defer wg.Done()
		results := s.Push(context.Background(), []PushCommand{
			{Src: "refs/heads/main", Dst: "refs/heads/main"},
		})
		mu.Lock()
		errs[tip] = results[0].Err
		mu.Unlock()
	}
	wg.Add(2)
	go push(sA, tipA)
	go push(sB, tipB)
	wg.Wait()

	var winner plumbing.Hash
	var lost error
	wins := 0
	for tip, err := range errs {
		if err == nil {
			winner = tip
			wins++
		} else {
			lost = err
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1: %v", wins, errs)
	}
	if !errors.Is(lost, ErrNonFastForward) {
		t.Errorf("loser got %v, want ErrNonFastForward", lost)
	}

	refs, _, err := newTestSession(t, newTestRepo(t), store, lg).Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refs["refs/heads/main"] != winner {
		t.Errorf("remote tip is %s, want winner %s", refs["refs/heads/main"], winner)
	}
	if winner != tipA && winner != tipB {
		t.Errorf("winner %s is neither pushed tip", winner)
	}
}

func TestPush_DeleteRefReassignsHead(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	repo := newTestRepo(t)
	_, tree, mainTip := repo.seedHistory(t)
	devTip := repo.commit(t, "dev work\n", tree, mainTip)
	repo.setRef(t, "refs/heads/dev", devTip)

	s := newTestSession(t, repo, store, lg)
	if err := pushRef(t, s, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}
	if err := pushRef(t, s, "refs/heads/dev", "refs/heads/dev", false); err != nil {
		t.Fatal(err)
	}

	if err := pushRef(t, s, "", "refs/heads/main", false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	refs, head, err := newTestSession(t, newTestRepo(t), store, lg).Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := refs["refs/heads/main"]; ok {
		t.Error("refs/heads/main still advertised after delete")
	}
	if refs["refs/heads/dev"] != devTip {
		t.Errorf("refs/heads/dev: got %s, want %s", refs["refs/heads/dev"], devTip)
	}
	if head != "refs/heads/dev" {
		t.Errorf("head after delete: got %q, want refs/heads/dev", head)
	}
}

func TestPush_DeleteMissingRefFails(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	repo := newTestRepo(t)
	repo.seedHistory(t)
	s := newTestSession(t, repo, store, lg)
	if err := pushRef(t, s, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}

	err := pushRef(t, s, "", "refs/heads/gone", false)
	if err == nil || !strings.Contains(err.Error(), "no such ref") {
		t.Errorf("got %v, want a no-such-ref error", err)
	}
}

func TestPush_DeleteOnUnpublishedRemoteFails(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestSession(t, repo, ipfs.NewMemStore(), ledger.NewMemLedger("repo"))

	err := pushRef(t, s, "", "refs/heads/main", false)
	if err == nil || !strings.Contains(err.Error(), "never been published") {
		t.Errorf("got %v, want a never-published error", err)
	}
}

func TestPush_FinalityTimeoutButWriteLanded(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	lg.TimeoutFinality = true

	repo := newTestRepo(t)
	repo.seedHistory(t)
	// The proposal is applied; only the confirmation times out. The
	// follow-up read must recognize the write landed.
	if err := pushRef(t, newTestSession(t, repo, store, lg), "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("got %v, want success via post-timeout read", err)
	}
	if lg.Address("repo") == "" {
		t.Error("entry not updated")
	}
}

func TestPush_FinalityTimeoutOutcomeUnknown(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	lg.TimeoutFinality = true
	lg.DropTx = true

	repo := newTestRepo(t)
	repo.seedHistory(t)
	err := pushRef(t, newTestSession(t, repo, store, lg), "refs/heads/main", "refs/heads/main", false)
	if !errors.Is(err, ledger.ErrFinalityTimeout) {
		t.Fatalf("got %v, want ErrFinalityTimeout", err)
	}
	if lg.Address("repo") != "" {
		t.Errorf("dropped transaction moved the entry to %s", lg.Address("repo"))
	}
}

func TestPush_PinFailureIsNotFatal(t *testing.T) {
	store := ipfs.NewMemStore()
	store.FailPin = errors.New("pin backend down")
	lg := ledger.NewMemLedger("repo")

	repo := newTestRepo(t)
	repo.seedHistory(t)
	if err := pushRef(t, newTestSession(t, repo, store, lg), "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("push failed on pin errors: %v", err)
	}
	if lg.Address("repo") == "" {
		t.Error("entry not updated")
	}
}

func TestPush_StoreUnavailableStopsBeforeLedger(t *testing.T) {
	store := ipfs.NewMemStore()
	store.FailPut = ipfs.ErrUnavailable
	lg := ledger.NewMemLedger("repo")

	repo := newTestRepo(t)
	repo.seedHistory(t)
	err := pushRef(t, newTestSession(t, repo, store, lg), "refs/heads/main", "refs/heads/main", false)
	if !errors.Is(err, ipfs.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if got := lg.Proposals(); got != 0 {
		t.Errorf("failed upload still made %d proposals", got)
	}
}

func TestPush_BatchContinuesPastFailedRef(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")
	repo := newTestRepo(t)
	_, _, commit := repo.seedHistory(t)

	s := newTestSession(t, repo, store, lg)
	results := s.Push(context.Background(), []PushCommand{
		{Src: "refs/heads/nope", Dst: "refs/heads/nope"},
		{Src: "refs/heads/main", Dst: "refs/heads/main"},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err == nil {
		t.Error("push of a missing local ref succeeded")
	}
	if results[1].Err != nil {
		t.Errorf("second ref failed: %v", results[1].Err)
	}

	refs, _, err := newTestSession(t, newTestRepo(t), store, lg).Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refs["refs/heads/main"] != commit {
		t.Errorf("refs/heads/main: got %s, want %s", refs["refs/heads/main"], commit)
	}
}

// cancelStore cancels the session context on the first upload, simulating
// the user interrupting mid-transfer.
type cancelStore struct {
	*ipfs.MemStore
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelStore) Put(ctx context.Context, data []byte) (string, error) {
	c.once.Do(c.cancel)
	return c.MemStore.Put(ctx, data)
}

func TestPush_CanceledBeforeLedgerWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelStore{MemStore: ipfs.NewMemStore(), cancel: cancel}
	lg := ledger.NewMemLedger("repo")

	repo := newTestRepo(t)
	repo.seedHistory(t)
	s := newTestSession(t, repo, store, lg)

	results := s.Push(ctx, []PushCommand{{Src: "refs/heads/main", Dst: "refs/heads/main"}})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", results[0].Err)
	}
	if got := lg.Proposals(); got != 0 {
		t.Errorf("canceled push still made %d proposals", got)
	}
}
