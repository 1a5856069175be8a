// Package storetest is a conformance suite for objstore.Store implementations.
package storetest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitissue/gitissue/internal/objstore"
)

// Factory opens a store. Calls with the same dir must return independent
// handles on the same backing store, the way separate processes would.
type Factory func(t *testing.T, dir string) objstore.Store

var alice = objstore.Signature{
	Name:  "Alice",
	Email: "alice@example.com",
	When:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
}

// Run executes the whole suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("BlobRoundTrip", func(t *testing.T) { testBlobRoundTrip(t, open) })
	t.Run("BlobDedup", func(t *testing.T) { testBlobDedup(t, open) })
	t.Run("MissingObject", func(t *testing.T) { testMissingObject(t, open) })
	t.Run("TreeRoundTrip", func(t *testing.T) { testTreeRoundTrip(t, open) })
	t.Run("CommitRoundTrip", func(t *testing.T) { testCommitRoundTrip(t, open) })
	t.Run("CommitRejectsMerge", func(t *testing.T) { testCommitRejectsMerge(t, open) })
	t.Run("KindMismatch", func(t *testing.T) { testKindMismatch(t, open) })
	t.Run("CreateRef", func(t *testing.T) { testCreateRef(t, open) })
	t.Run("UpdateRefCAS", func(t *testing.T) { testUpdateRefCAS(t, open) })
	t.Run("UpdateMissingRef", func(t *testing.T) { testUpdateMissingRef(t, open) })
	t.Run("ListRefs", func(t *testing.T) { testListRefs(t, open) })
	t.Run("DeleteRef", func(t *testing.T) { testDeleteRef(t, open) })
	t.Run("InvalidRefName", func(t *testing.T) { testInvalidRefName(t, open) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, open) })
	t.Run("ConcurrentDeleteAndUpdate", func(t *testing.T) { testConcurrentDeleteAndUpdate(t, open) })
	t.Run("SharedAcrossHandles", func(t *testing.T) { testSharedAcrossHandles(t, open) })
}

func openStore(t *testing.T, open Factory) (objstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := open(t, dir)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func writeCommit(t *testing.T, s objstore.Store, content string, parents ...objstore.ObjectID) objstore.ObjectID {
	t.Helper()
	blob, err := s.WriteBlob([]byte(content))
	require.NoError(t, err)
	tree, err := s.WriteTree(objstore.TreeEntry{Name: "event.json", ID: blob})
	require.NoError(t, err)
	id, err := s.WriteCommit(objstore.Commit{Tree: tree, Parents: parents, Author: alice, Message: content})
	require.NoError(t, err)
	return id
}

func testBlobRoundTrip(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	for _, data := range [][]byte{[]byte("hello"), {}, {0, 1, 2, 0xff}} {
		id, err := s.WriteBlob(data)
		require.NoError(t, err)
		got, err := s.ReadBlob(id)
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
		assert.Equal(t, string(data), string(got))
	}
}

func testBlobDedup(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	a, err := s.WriteBlob([]byte("same"))
	require.NoError(t, err)
	b, err := s.WriteBlob([]byte("same"))
	require.NoError(t, err)
	c, err := s.WriteBlob([]byte("different"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func testMissingObject(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	other, _ := openStore(t, open)
	id, err := other.WriteBlob([]byte("only in the other store"))
	require.NoError(t, err)

	_, err = s.ReadBlob(id)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	_, err = s.ReadCommit(id)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	_, err = s.ReadBlob("not-an-id")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func testTreeRoundTrip(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	blob, err := s.WriteBlob([]byte(`{"k":"v"}`))
	require.NoError(t, err)
	tree, err := s.WriteTree(objstore.TreeEntry{Name: "event.json", ID: blob})
	require.NoError(t, err)

	entries, err := s.ReadTree(tree)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "event.json", entries[0].Name)
	assert.Equal(t, blob, entries[0].ID)
}

func testCommitRoundTrip(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	root := writeCommit(t, s, "Created: first")
	child := writeCommit(t, s, "LabelAdded: bug", root)

	c, err := s.ReadCommit(root)
	require.NoError(t, err)
	assert.Empty(t, c.Parents)
	assert.Equal(t, "Created: first", c.Message)
	assert.Equal(t, alice.Name, c.Author.Name)
	assert.Equal(t, alice.Email, c.Author.Email)
	assert.True(t, alice.When.Equal(c.Author.When), "author time %v", c.Author.When)

	c, err = s.ReadCommit(child)
	require.NoError(t, err)
	parent, ok := c.Parent()
	require.True(t, ok)
	assert.Equal(t, root, parent)

	entries, err := s.ReadTree(c.Tree)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := s.ReadBlob(entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "LabelAdded: bug", string(data))

	again := writeCommit(t, s, "LabelAdded: bug", root)
	assert.Equal(t, child, again, "identical commits share an id")
}

func testCommitRejectsMerge(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	a := writeCommit(t, s, "a")
	b := writeCommit(t, s, "b")
	c, err := s.ReadCommit(a)
	require.NoError(t, err)

	_, err = s.WriteCommit(objstore.Commit{Tree: c.Tree, Parents: []objstore.ObjectID{a, b}, Author: alice, Message: "merge"})
	assert.Error(t, err)
}

func testKindMismatch(t *testing.T, open Factory) {
	s, _ := openStore(t, open)

	blob, err := s.WriteBlob([]byte("not a commit"))
	require.NoError(t, err)

	_, err = s.ReadCommit(blob)
	assert.ErrorIs(t, err, objstore.ErrCorrupt)
	_, err = s.ReadTree(blob)
	assert.ErrorIs(t, err, objstore.ErrCorrupt)
}

func testCreateRef(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")
	b := writeCommit(t, s, "b")

	_, err := s.ReadRef("refs/test/issues/1")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	require.NoError(t, s.CreateRef("refs/test/issues/1", a))
	got, err := s.ReadRef("refs/test/issues/1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	err = s.CreateRef("refs/test/issues/1", b)
	assert.ErrorIs(t, err, objstore.ErrAlreadyExists)
	got, err = s.ReadRef("refs/test/issues/1")
	require.NoError(t, err)
	assert.Equal(t, a, got, "failed create must not move the ref")
}

func testUpdateRefCAS(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")
	b := writeCommit(t, s, "b", a)
	c := writeCommit(t, s, "c", a)

	require.NoError(t, s.CreateRef("refs/test/x", a))
	require.NoError(t, s.UpdateRef("refs/test/x", b, a))

	err := s.UpdateRef("refs/test/x", c, a)
	assert.ErrorIs(t, err, objstore.ErrConflict)

	got, err := s.ReadRef("refs/test/x")
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func testUpdateMissingRef(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")
	b := writeCommit(t, s, "b")

	err := s.UpdateRef("refs/test/missing", b, a)
	assert.ErrorIs(t, err, objstore.ErrConflict)

	_, err = s.ReadRef("refs/test/missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func testListRefs(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")

	for _, name := range []string{
		"refs/test/issues/2",
		"refs/test/issues/10",
		"refs/test/issues/1",
		"refs/test/meta/next-issue-id",
		"refs/other/issues/1",
	} {
		require.NoError(t, s.CreateRef(name, a))
	}

	refs, err := s.ListRefs("refs/test/issues/")
	require.NoError(t, err)
	var names []string
	for _, r := range refs {
		names = append(names, r.Name)
		assert.Equal(t, a, r.ID)
	}
	assert.Equal(t, []string{"refs/test/issues/1", "refs/test/issues/10", "refs/test/issues/2"}, names)

	refs, err = s.ListRefs("refs/nothing/")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func testDeleteRef(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")

	require.NoError(t, s.CreateRef("refs/test/gone", a))
	require.NoError(t, s.DeleteRef("refs/test/gone"))

	_, err := s.ReadRef("refs/test/gone")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRef("refs/test/gone"), objstore.ErrNotFound)

	require.NoError(t, s.CreateRef("refs/test/gone", a), "a deleted ref can be created again")
}

func testInvalidRefName(t *testing.T, open Factory) {
	s, _ := openStore(t, open)
	a := writeCommit(t, s, "a")

	for _, name := range []string{"", "refs/../escape", "refs//x", "refs/x.lock", "/refs/x", "refs/x/"} {
		assert.ErrorIs(t, s.CreateRef(name, a), objstore.ErrInvalidRef, "name %q", name)
	}
}

// testConcurrentCAS has many writers race to advance one ref; exactly one
// may win each round.
func testConcurrentCAS(t *testing.T, open Factory) {
	s, dir := openStore(t, open)
	base := writeCommit(t, s, "base")
	require.NoError(t, s.CreateRef("refs/test/race", base))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []objstore.ObjectID
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := open(t, dir)
			defer h.Close()
			next := writeCommit(t, h, string(rune('a'+i)), base)
			if err := h.UpdateRef("refs/test/race", next, base); err == nil {
				mu.Lock()
				wins = append(wins, next)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, objstore.ErrConflict)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := s.ReadRef("refs/test/race")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got)
}

// testConcurrentDeleteAndUpdate races a delete against a CAS on the same ref.
// Whatever the interleaving, the delete wins the final state and leaves no
// lock behind, and an update either lands before it or reports a conflict.
func testConcurrentDeleteAndUpdate(t *testing.T, open Factory) {
	s, dir := openStore(t, open)
	base := writeCommit(t, s, "base")
	next := writeCommit(t, s, "next", base)

	for round := 0; round < 20; round++ {
		require.NoError(t, s.CreateRef("refs/test/contended", base))

		deleter, updater := open(t, dir), open(t, dir)
		var (
			wg        sync.WaitGroup
			deleteErr error
			updateErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			deleteErr = deleter.DeleteRef("refs/test/contended")
		}()
		go func() {
			defer wg.Done()
			updateErr = updater.UpdateRef("refs/test/contended", next, base)
		}()
		wg.Wait()
		deleter.Close()
		updater.Close()

		if deleteErr != nil {
			// the lock was held by the update for the whole wait
			require.ErrorIs(t, deleteErr, objstore.ErrConflict)
			require.NoError(t, updateErr)
			require.NoError(t, s.DeleteRef("refs/test/contended"))
		} else if updateErr != nil {
			require.ErrorIs(t, updateErr, objstore.ErrConflict, "round %d", round)
		}
		_, err := s.ReadRef("refs/test/contended")
		require.ErrorIs(t, err, objstore.ErrNotFound, "round %d", round)
		refs, err := s.ListRefs("refs/test/")
		require.NoError(t, err)
		require.Empty(t, refs, "round %d", round)
	}
}

func testSharedAcrossHandles(t *testing.T, open Factory) {
	s, dir := openStore(t, open)
	a := writeCommit(t, s, "a")
	require.NoError(t, s.CreateRef("refs/test/shared", a))

	other := open(t, dir)
	defer other.Close()
	got, err := other.ReadRef("refs/test/shared")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	_, err = other.ReadCommit(a)
	require.NoError(t, err)
}
