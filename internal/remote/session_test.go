package remote

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
)

var testSig = object.Signature{
	Name:  "Test Author",
	Email: "test@example.com",
	When:  time.Unix(1700000000, 0).UTC(),
}

// testRepo is a local repository backed by an in-memory object database,
// with helpers to grow a history object by object.
type testRepo struct {
	st *memory.Storage
	l  *gitdag.Local
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	st := memory.NewStorage()
	return &testRepo{st: st, l: gitdag.NewLocal(st)}
}

func (r *testRepo) store(t *testing.T, typ plumbing.ObjectType, enc interface {
	Encode(plumbing.EncodedObject) error
}) plumbing.Hash {
	t.Helper()
	eo := r.st.NewEncodedObject()
	eo.SetType(typ)
	if err := enc.Encode(eo); err != nil {
		t.Fatal(err)
	}
	h, err := r.st.SetEncodedObject(eo)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (r *testRepo) blob(t *testing.T, content string) plumbing.Hash {
	t.Helper()
	eo := r.st.NewEncodedObject()
	eo.SetType(plumbing.BlobObject)
	eo.SetSize(int64(len(content)))
	w, err := eo.Writer()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	h, err := r.st.SetEncodedObject(eo)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (r *testRepo) tree(t *testing.T, entries ...object.TreeEntry) plumbing.Hash {
	t.Helper()
	return r.store(t, plumbing.TreeObject, &object.Tree{Entries: entries})
}

func (r *testRepo) commit(t *testing.T, msg string, tree plumbing.Hash, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	return r.store(t, plumbing.CommitObject, &object.Commit{
		Author:       testSig,
		Committer:    testSig,
		Message:      msg,
		TreeHash:     tree,
		ParentHashes: parents,
	})
}

func (r *testRepo) tag(t *testing.T, name string, target plumbing.Hash, targetType plumbing.ObjectType) plumbing.Hash {
	t.Helper()
	return r.store(t, plumbing.TagObject, &object.Tag{
		Name:       name,
		Tagger:     testSig,
		Message:    "tag " + name + "\n",
		TargetType: targetType,
		Target:     target,
	})
}

func (r *testRepo) setRef(t *testing.T, name string, h plumbing.Hash) {
	t.Helper()
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), h)
	if err := r.st.SetReference(ref); err != nil {
		t.Fatal(err)
	}
}

// seedHistory writes blob+tree+commit and points refs/heads/main at it.
func (r *testRepo) seedHistory(t *testing.T) (blob, tree, commit plumbing.Hash) {
	t.Helper()
	blob = r.blob(t, "test\n")
	tree = r.tree(t, object.TreeEntry{Name: "test.txt", Mode: filemode.Regular, Hash: blob})
	commit = r.commit(t, "initial\n", tree)
	r.setRef(t, "refs/heads/main", commit)
	return blob, tree, commit
}

func testSigner(t *testing.T) *ledger.Identity {
	t.Helper()
	id, err := ledger.LoadIdentity(filepath.Join(t.TempDir(), "identity.json"))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func newTestSession(t *testing.T, repo *testRepo, store ipfs.Store, lg ledger.Client) *Session {
	t.Helper()
	return NewSession(SessionConfig{
		IPSetID: "repo",
		Local:   repo.l,
		Store:   store,
		Ledger:  lg,
		Signer:  testSigner(t),
		Workers: 4,
		Retries: 3,
	})
}

// pushRef pushes a single refspec and returns its outcome.
func pushRef(t *testing.T, s *Session, src, dst string, force bool) error {
	t.Helper()
	results := s.Push(context.Background(), []PushCommand{{Src: src, Dst: dst, Force: force}})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Dst != dst {
		t.Fatalf("result names %q, want %q", results[0].Dst, dst)
	}
	return results[0].Err
}

// fetchRefs fetches every ref the remote advertises.
func fetchRefs(t *testing.T, s *Session) {
	t.Helper()
	refs, _, err := s.Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var reqs []FetchRequest
	for name, h := range refs {
		reqs = append(reqs, FetchRequest{ID: h, Name: name})
	}
	if err := s.Fetch(context.Background(), reqs); err != nil {
		t.Fatal(err)
	}
}

func TestRefs_EmptyRemote(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestSession(t, repo, ipfs.NewMemStore(), ledger.NewMemLedger("repo"))

	refs, head, err := s.Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("unpublished remote advertises refs: %v", refs)
	}
	if head != "" {
		t.Errorf("unpublished remote has head %q", head)
	}
}

func TestPushFetchRoundTrip(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	src := newTestRepo(t)
	blob, tree, commit := src.seedHistory(t)

	if err := pushRef(t, newTestSession(t, src, store, lg), "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("push: %v", err)
	}
	if lg.Address("repo") == "" {
		t.Fatal("push did not update the ledger entry")
	}

	// A fresh clone sees the ref and can download the whole closure.
	dst := newTestRepo(t)
	s2 := newTestSession(t, dst, store, lg)

	refs, head, err := s2.Refs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := refs["refs/heads/main"]; got != commit {
		t.Errorf("advertised tip: got %s, want %s", got, commit)
	}
	if head != "refs/heads/main" {
		t.Errorf("head: got %q, want refs/heads/main", head)
	}

	if err := s2.Fetch(context.Background(), []FetchRequest{{ID: commit, Name: "refs/heads/main"}}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, h := range []plumbing.Hash{blob, tree, commit} {
		if !dst.l.Has(h) {
			t.Errorf("object %s missing after fetch", h)
		}
	}

	got, err := dst.l.Object(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, []byte("test\n")) {
		t.Errorf("blob content: got %q, want %q", got.Data, "test\n")
	}
}

func TestPushFetchRoundTrip_AnnotatedTag(t *testing.T) {
	store := ipfs.NewMemStore()
	lg := ledger.NewMemLedger("repo")

	src := newTestRepo(t)
	blob, tree, commit := src.seedHistory(t)
	tag := src.tag(t, "v1.0.0", commit, plumbing.CommitObject)
	src.setRef(t, "refs/tags/v1.0.0", tag)

	s1 := newTestSession(t, src, store, lg)
	if err := pushRef(t, s1, "refs/tags/v1.0.0", "refs/tags/v1.0.0", false); err != nil {
		t.Fatalf("push tag: %v", err)
	}

	dst := newTestRepo(t)
	s2 := newTestSession(t, dst, store, lg)
	fetchRefs(t, s2)

	for _, h := range []plumbing.Hash{tag, commit, tree, blob} {
		if !dst.l.Has(h) {
			t.Errorf("object %s missing after tag fetch", h)
		}
	}
}
