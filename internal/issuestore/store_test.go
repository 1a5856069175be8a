package issuestore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitissue/gitissue/internal/eventlog"
	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/objstore"
	"github.com/gitissue/gitissue/internal/objstore/cidstore"
	"github.com/gitissue/gitissue/internal/objstore/gitstore"
)

var (
	alice = issue.Identity{Name: "Alice", Email: "alice@example.com"}
	bob   = issue.Identity{Name: "Bob", Email: "bob@example.com"}
	carol = issue.Identity{Name: "Carol", Email: "carol@example.com"}
)

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type backend func(t *testing.T, dir string) objstore.Store

var backends = map[string]backend{
	"git": func(t *testing.T, dir string) objstore.Store {
		s, err := gitstore.Open(dir, gitstore.Options{})
		require.NoError(t, err)
		return s
	},
	"cid": func(t *testing.T, dir string) objstore.Store {
		s, err := cidstore.Open(dir, cidstore.Options{})
		require.NoError(t, err)
		return s
	},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openWith(t *testing.T, open backend, dir string, c *clock) *Store {
	t.Helper()
	s := New(open(t, dir), Options{Logger: quietLogger(), Now: c.Now})
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openWith(t, backends["git"], t.TempDir(), newClock())
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open backend)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) { fn(t, open) })
	}
}

func chainLen(t *testing.T, s *Store, id uint64) int {
	t.Helper()
	events, err := s.Events(id)
	require.NoError(t, err)
	return len(events)
}

func TestCreateIssue_FreshStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open backend) {
		s := openWith(t, open, t.TempDir(), newClock())

		id, err := s.CreateIssue("Fix bug", "desc", alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)

		is, err := s.GetIssue(id)
		require.NoError(t, err)
		assert.Equal(t, "Fix bug", is.Title)
		assert.Equal(t, "desc", is.Description)
		assert.Equal(t, issue.Todo, is.Status)
		assert.Empty(t, is.Labels)
		assert.Empty(t, is.Comments)
		assert.Equal(t, alice, is.CreatedBy)
		assert.Equal(t, is.CreatedAt, is.UpdatedAt)

		counter, err := s.objects.ReadRef("refs/git-issue/meta/next-issue-id")
		require.NoError(t, err)
		data, err := s.objects.ReadBlob(counter)
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))

		head, err := s.objects.ReadRef("refs/git-issue/issues/1")
		require.NoError(t, err)
		c, err := s.objects.ReadCommit(head)
		require.NoError(t, err)
		assert.Empty(t, c.Parents)
		assert.Equal(t, "Created: Fix bug", c.Message)
	})
}

func TestCreateIssue_SequentialIDs(t *testing.T) {
	s := openTestStore(t)

	for want := uint64(1); want <= 3; want++ {
		id, err := s.CreateIssue(fmt.Sprintf("issue %d", want), "", alice)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	ids, err := s.ListIssueIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestCreateIssue_EmptyTitle(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateIssue("  ", "desc", alice)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = s.objects.ReadRef(s.NextIDRef())
	assert.ErrorIs(t, err, ErrNotFound, "no id may be consumed")
}

func TestCreateIssue_ExistingRefIsCorrupt(t *testing.T) {
	s := openTestStore(t)
	blob, err := s.objects.WriteBlob([]byte("stray"))
	require.NoError(t, err)
	require.NoError(t, s.objects.CreateRef(s.IssueRef(1), blob))

	_, err = s.CreateIssue("Fix bug", "desc", alice)
	assert.ErrorIs(t, err, ErrCorrupt)

	id, err := s.CreateIssue("Next", "", alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id, "ids are never reused")
}

func TestCreateIssue_CorruptCounter(t *testing.T) {
	s := openTestStore(t)
	blob, err := s.objects.WriteBlob([]byte("seven"))
	require.NoError(t, err)
	require.NoError(t, s.objects.CreateRef(s.NextIDRef(), blob))

	_, err = s.CreateIssue("Fix bug", "", alice)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCreateIssue_CustomNamespace(t *testing.T) {
	dir := t.TempDir()
	objects, err := gitstore.Open(dir, gitstore.Options{})
	require.NoError(t, err)
	s := New(objects, Options{Namespace: "refs/tracker/", Logger: quietLogger()})
	defer s.Close()

	id, err := s.CreateIssue("x", "", alice)
	require.NoError(t, err)
	_, err = objects.ReadRef(fmt.Sprintf("refs/tracker/issues/%d", id))
	assert.NoError(t, err)
	_, err = objects.ReadRef("refs/tracker/meta/next-issue-id")
	assert.NoError(t, err)
}

func TestApplyEvent_StatusChanged(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	e := issue.StatusChanged{From: issue.Todo, To: issue.InProgress, Meta: issue.NewMeta(bob, time.Now())}
	require.NoError(t, s.ApplyEvent(id, e, bob))

	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, issue.InProgress, is.Status)
	assert.Empty(t, is.Anomalies)
}

// packAllRefs moves every loose ref of the repository at dir into
// packed-refs, the way git gc does.
func packAllRefs(t *testing.T, dir string) {
	t.Helper()
	if bin, err := exec.LookPath("git"); err == nil {
		out, err := exec.Command(bin, "-C", dir, "pack-refs", "--all").CombinedOutput()
		require.NoError(t, err, string(out))
		return
	}
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	require.NoError(t, repo.Storer.PackRefs())
}

func TestPackedRefs_WritesContinue(t *testing.T) {
	dir := t.TempDir()
	s := openWith(t, backends["git"], dir, newClock())
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	packAllRefs(t, dir)

	e := issue.StatusChanged{From: issue.Todo, To: issue.InProgress, Meta: issue.NewMeta(bob, time.Now())}
	require.NoError(t, s.ApplyEvent(id, e, bob))
	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, issue.InProgress, is.Status)
	assert.Equal(t, 2, chainLen(t, s, id))

	second, err := s.CreateIssue("Another", "", carol)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second)

	got, err := s.ListIssueIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, got)

	// a fresh handle sees the same state through the loose and packed refs
	reopened := openWith(t, backends["git"], dir, newClock())
	is, err = reopened.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, issue.InProgress, is.Status)
}

func TestApplyEvent_AppendOnly(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		before, err := s.objects.ReadRef(s.IssueRef(id))
		require.NoError(t, err)
		n := chainLen(t, s, id)

		e := issue.LabelAdded{Label: fmt.Sprintf("l%d", i), Meta: issue.NewMeta(alice, time.Now())}
		require.NoError(t, s.ApplyEvent(id, e, alice))

		after, err := s.objects.ReadRef(s.IssueRef(id))
		require.NoError(t, err)
		c, err := s.objects.ReadCommit(after)
		require.NoError(t, err)
		parent, ok := c.Parent()
		require.True(t, ok)
		assert.Equal(t, before, parent)
		assert.Equal(t, n+1, chainLen(t, s, id))
	}
}

func TestApplyEvent_Errors(t *testing.T) {
	s := openTestStore(t)

	err := s.ApplyEvent(9, issue.LabelAdded{Label: "x", Meta: issue.NewMeta(alice, time.Now())}, alice)
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := s.CreateIssue("Fix bug", "", alice)
	require.NoError(t, err)
	err = s.ApplyEvent(id, issue.Created{Title: "again", Meta: issue.NewMeta(alice, time.Now())}, alice)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	err = s.ApplyEvent(id, nil, alice)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	err = s.ApplyEvent(id, issue.LabelAdded{Label: "x", Meta: issue.NewMeta(alice, time.Now())}, bob)
	assert.ErrorIs(t, err, ErrInvalidEvent, "commit author must be the event author")
	assert.Equal(t, 1, chainLen(t, s, id))
}

func TestGetIssue_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetIssue(42)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.IssueExists(42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetIssue_Comments(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	t1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	require.NoError(t, s.ApplyEvent(id, issue.CommentAdded{Content: "hi", Meta: issue.NewMeta(bob, t1)}, bob))
	require.NoError(t, s.ApplyEvent(id, issue.CommentAdded{Content: "there", Meta: issue.NewMeta(carol, t2)}, carol))

	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, []issue.Comment{
		{ID: "1-1", Content: "hi", Author: bob, CreatedAt: t1},
		{ID: "1-2", Content: "there", Author: carol, CreatedAt: t2},
	}, is.Comments)
}

func TestGetIssue_LabelIdempotence(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "", alice)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ApplyEvent(id, issue.LabelAdded{Label: "bug", Meta: issue.NewMeta(alice, time.Now())}, alice))
	}
	require.NoError(t, s.ApplyEvent(id, issue.LabelRemoved{Label: "absent", Meta: issue.NewMeta(alice, time.Now())}, alice))

	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bug"}, is.Labels)
	assert.Equal(t, 4, chainLen(t, s, id), "both LabelAdded events stay in the chain")
}

func TestGetIssue_Deterministic(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)
	require.NoError(t, s.AddLabel(id, "bug", alice))
	_, err = s.AddComment(id, "hello", bob)
	require.NoError(t, err)

	a, err := s.GetIssue(id)
	require.NoError(t, err)
	b, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// corruptHead stacks a commit whose event blob is not JSON onto issue id.
func corruptHead(t *testing.T, s *Store, id uint64) {
	t.Helper()
	head, err := s.objects.ReadRef(s.IssueRef(id))
	require.NoError(t, err)
	blob, err := s.objects.WriteBlob([]byte("\x00garbage"))
	require.NoError(t, err)
	tree, err := s.objects.WriteTree(objstore.TreeEntry{Name: eventlog.EventFile, ID: blob})
	require.NoError(t, err)
	bad, err := s.objects.WriteCommit(objstore.Commit{
		Tree:    tree,
		Parents: []objstore.ObjectID{head},
		Author:  objstore.Signature{Name: "x", Email: "x", When: time.Now()},
		Message: "garbage",
	})
	require.NoError(t, err)
	require.NoError(t, s.objects.UpdateRef(s.IssueRef(id), bad, head))
}

func TestGetIssue_CorruptEntryMidChain(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open backend) {
		s := openWith(t, open, t.TempDir(), newClock())
		id, err := s.CreateIssue("Fix bug", "desc", alice)
		require.NoError(t, err)
		require.NoError(t, s.AddLabel(id, "bug", alice))
		corruptHead(t, s, id)
		require.NoError(t, s.UpdateStatus(id, issue.Done, bob))
		_, err = s.AddComment(id, "after", carol)
		require.NoError(t, err)

		is, err := s.GetIssue(id)
		require.NoError(t, err)
		assert.Equal(t, "Fix bug", is.Title)
		assert.Equal(t, []string{"bug"}, is.Labels)
		assert.Equal(t, issue.Done, is.Status)
		require.Len(t, is.Comments, 1)
		assert.Equal(t, "1-1", is.Comments[0].ID)

		require.Len(t, is.Anomalies, 1)
		assert.Equal(t, 2, is.Anomalies[0].Position)
	})
}

func TestGetIssue_NoRoot(t *testing.T) {
	s := openTestStore(t)
	good, err := s.CreateIssue("Good", "", alice)
	require.NoError(t, err)

	// issue 2 has only a label event
	bad, err := s.allocateID()
	require.NoError(t, err)
	commit, err := s.log.WriteEvent("", issue.LabelAdded{Label: "x", Meta: issue.NewMeta(alice, time.Now())}, alice, "LabelAdded: x")
	require.NoError(t, err)
	require.NoError(t, s.objects.CreateRef(s.IssueRef(bad), commit))

	_, err = s.GetIssue(bad)
	assert.ErrorIs(t, err, issue.ErrNoRoot)
	assert.ErrorIs(t, err, ErrCorrupt)

	all, err := s.ListIssues(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, good, all[0].ID)
}

// conflictingStore loses every compare-and-swap.
type conflictingStore struct {
	objstore.Store
	mu       sync.Mutex
	attempts int
}

func (c *conflictingStore) UpdateRef(name string, newID, expected objstore.ObjectID) error {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	return fmt.Errorf("ref %s: %w", name, objstore.ErrConflict)
}

func TestRetriesAreBounded(t *testing.T) {
	dir := t.TempDir()
	objects, err := gitstore.Open(dir, gitstore.Options{})
	require.NoError(t, err)
	seed := New(objects, Options{Logger: quietLogger()})
	id, err := seed.CreateIssue("Fix bug", "", alice)
	require.NoError(t, err)

	cs := &conflictingStore{Store: objects}
	s := New(cs, Options{MaxRetries: 3, Logger: quietLogger()})
	defer s.Close()

	err = s.ApplyEvent(id, issue.LabelAdded{Label: "x", Meta: issue.NewMeta(alice, time.Now())}, alice)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, cs.attempts)

	_, err = s.CreateIssue("Another", "", alice)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 6, cs.attempts)

	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Empty(t, is.Labels, "no partial mutation is visible")
}

// vanishingRefStore reports one ref as missing on the first read. With
// failLater set, every later read of it fails with an I/O error.
type vanishingRefStore struct {
	objstore.Store
	ref       string
	failLater bool
	reads     int
}

func (v *vanishingRefStore) ReadRef(name string) (objstore.ObjectID, error) {
	if name != v.ref {
		return v.Store.ReadRef(name)
	}
	v.reads++
	if v.reads == 1 || !v.failLater {
		return "", objstore.NotFound("ref", name)
	}
	return "", objstore.IOError("read ref "+name, errors.New("input/output error"))
}

func TestListIssues_ExistenceCheckFailure(t *testing.T) {
	objects, err := gitstore.Open(t.TempDir(), gitstore.Options{})
	require.NoError(t, err)
	seed := New(objects, Options{Logger: quietLogger()})
	for _, title := range []string{"one", "two", "three"} {
		_, err := seed.CreateIssue(title, "", alice)
		require.NoError(t, err)
	}

	deleted := New(&vanishingRefStore{Store: objects, ref: seed.IssueRef(2)}, Options{Logger: quietLogger()})
	all, err := deleted.ListIssues(Filter{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids(all), "issues deleted while listing are skipped")

	vs := &vanishingRefStore{Store: objects, ref: seed.IssueRef(2), failLater: true}
	failing := New(vs, Options{Logger: quietLogger()})
	_, err = failing.ListIssues(Filter{})
	assert.ErrorIs(t, err, ErrIO, "a failed existence check is not a deleted issue")
	assert.Equal(t, 2, vs.reads)
}

func TestConcurrentCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open backend) {
		dir := t.TempDir()
		c := newClock()
		openWith(t, open, dir, c) // initialize the repository once

		const workers = 8
		ids := make([]uint64, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s := New(open(t, dir), Options{Logger: quietLogger(), Now: c.Now})
				defer s.Close()
				ids[i], errs[i] = s.CreateIssue(fmt.Sprintf("issue from worker %d", i), "", alice)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		want := make([]uint64, workers)
		for i := range want {
			want[i] = uint64(i + 1)
		}
		assert.Equal(t, want, ids)

		s := openWith(t, open, dir, c)
		listed, err := s.ListIssueIDs()
		require.NoError(t, err)
		assert.Equal(t, want, listed)
	})
}

func TestConcurrentApply(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open backend) {
		dir := t.TempDir()
		c := newClock()
		s := openWith(t, open, dir, c)
		id, err := s.CreateIssue("Fix bug", "", alice)
		require.NoError(t, err)

		const workers = 8
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w := New(open(t, dir), Options{Logger: quietLogger(), Now: c.Now})
				defer w.Close()
				label := fmt.Sprintf("worker-%d", i)
				errs[i] = w.ApplyEvent(id, issue.LabelAdded{Label: label, Meta: issue.NewMeta(bob, c.Now())}, bob)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		is, err := s.GetIssue(id)
		require.NoError(t, err)
		assert.Len(t, is.Labels, workers, "no event may be lost")
		for i := 0; i < workers; i++ {
			assert.True(t, is.HasLabel(fmt.Sprintf("worker-%d", i)))
		}
		assert.Equal(t, workers+1, chainLen(t, s, id))
	})
}
