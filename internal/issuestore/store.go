// Package issuestore keeps issues as event chains in an object store.
//
// Each issue is a ref <namespace>/issues/<id> pointing at the head commit of
// its chain. Ids come from the counter blob behind <namespace>/meta/next-issue-id.
// Both refs only move through compare-and-swap, so any number of processes
// can share one repository without a lock.
package issuestore

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gitissue/gitissue/internal/eventlog"
	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/objstore"
)

const (
	// DefaultNamespace is the ref prefix all issue refs live under.
	DefaultNamespace = "refs/git-issue"
	// DefaultMaxRetries bounds compare-and-swap attempts per operation.
	DefaultMaxRetries = 10
)

// Repository is the capability surface offered to collaborators such as a
// CLI, a web UI or the mounted view.
type Repository interface {
	CreateIssue(title, description string, author issue.Identity) (uint64, error)
	ApplyEvent(id uint64, e issue.Event, author issue.Identity) error
	GetIssue(id uint64) (*issue.Issue, error)
	ListIssues(f Filter) ([]*issue.Issue, error)
}

// Options configures New. Zero values select defaults.
type Options struct {
	Namespace  string
	MaxRetries int
	Logger     *slog.Logger
	// Now stamps new events; defaults to time.Now.
	Now func() time.Time
}

// Store implements Repository on an objstore.Store.
type Store struct {
	objects    objstore.Store
	log        *eventlog.Log
	ns         string
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

var _ Repository = (*Store)(nil)

// New returns a Store over objects. The Store takes ownership of objects and
// closes it in Close.
func New(objects objstore.Store, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		objects:    objects,
		log:        eventlog.New(objects, opts.Logger),
		ns:         strings.TrimSuffix(opts.Namespace, "/"),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Close closes the underlying object store.
func (s *Store) Close() error { return s.objects.Close() }

func (s *Store) issuesPrefix() string { return s.ns + "/issues/" }

// IssueRef returns the ref name holding the head of issue id.
func (s *Store) IssueRef(id uint64) string {
	return s.issuesPrefix() + strconv.FormatUint(id, 10)
}

// NextIDRef returns the ref name of the id counter.
func (s *Store) NextIDRef() string { return s.ns + "/meta/next-issue-id" }

// readNextID returns the counter's current blob (zero when the ref is absent)
// and the id it holds.
func (s *Store) readNextID() (objstore.ObjectID, uint64, error) {
	cur, err := s.objects.ReadRef(s.NextIDRef())
	if errors.Is(err, objstore.ErrNotFound) {
		return "", 1, nil
	}
	if err != nil {
		return "", 0, err
	}
	data, err := s.objects.ReadBlob(cur)
	if err != nil {
		return "", 0, fmt.Errorf("read id counter: %w", err)
	}
	next, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || next == 0 {
		return "", 0, objstore.Corrupt(cur, "id counter holds %q", data)
	}
	return cur, next, nil
}

// allocateID reserves the next issue id by swapping the counter blob.
// Counter values only grow, so a blob id never returns to the ref and the
// swap cannot be fooled by an older value.
func (s *Store) allocateID() (uint64, error) {
	ref := s.NextIDRef()
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		cur, next, err := s.readNextID()
		if err != nil {
			return 0, err
		}
		blob, err := s.objects.WriteBlob([]byte(strconv.FormatUint(next+1, 10)))
		if err != nil {
			return 0, err
		}
		if cur.IsZero() {
			err = s.objects.CreateRef(ref, blob)
		} else {
			err = s.objects.UpdateRef(ref, blob, cur)
		}
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, objstore.ErrConflict) && !errors.Is(err, objstore.ErrAlreadyExists) {
			return 0, err
		}
		s.logger.Debug("issuestore: id allocation lost race", "ref", ref, "attempt", attempt)
	}
	return 0, fmt.Errorf("allocate issue id: gave up after %d attempts: %w", s.maxRetries, ErrConflict)
}

// CreateIssue allocates an id and writes the issue's root Created event.
func (s *Store) CreateIssue(title, description string, author issue.Identity) (uint64, error) {
	if strings.TrimSpace(title) == "" {
		return 0, fmt.Errorf("create issue: empty title: %w", ErrInvalidEvent)
	}
	id, err := s.allocateID()
	if err != nil {
		return 0, err
	}
	e := issue.Created{Title: title, Description: description, Meta: issue.NewMeta(author, s.now())}
	root, err := s.log.WriteEvent("", e, author, e.Summary())
	if err != nil {
		return 0, fmt.Errorf("create issue %d: %w", id, err)
	}
	ref := s.IssueRef(id)
	if err := s.objects.CreateRef(ref, root); err != nil {
		if errors.Is(err, objstore.ErrAlreadyExists) {
			return 0, fmt.Errorf("create issue: freshly allocated id %d already in use: %w", id, ErrCorrupt)
		}
		return 0, fmt.Errorf("create issue %d: %w", id, err)
	}
	s.logger.Debug("issuestore: created issue", "id", id, "commit", root.Short())
	return id, nil
}

// ApplyEvent appends e to the chain of issue id.
func (s *Store) ApplyEvent(id uint64, e issue.Event, author issue.Identity) error {
	_, err := s.appendEvent(id, e, author)
	return err
}

// appendEvent writes e on top of the current head and swaps the ref to it.
// A lost swap rebuilds the commit on the new head and tries again.
func (s *Store) appendEvent(id uint64, e issue.Event, author issue.Identity) (objstore.ObjectID, error) {
	if e == nil {
		return "", fmt.Errorf("apply event: nil event: %w", ErrInvalidEvent)
	}
	if _, ok := e.(issue.Created); ok {
		return "", fmt.Errorf("apply event to issue %d: Created only starts a chain: %w", id, ErrInvalidEvent)
	}
	if e.EventAuthor() != author {
		return "", fmt.Errorf("apply event to issue %d: event by %s applied as %s: %w",
			id, e.EventAuthor(), author, ErrInvalidEvent)
	}
	ref := s.IssueRef(id)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		head, err := s.head(id)
		if err != nil {
			return "", err
		}
		commit, err := s.log.WriteEvent(head, e, author, e.Summary())
		if err != nil {
			return "", fmt.Errorf("apply event to issue %d: %w", id, err)
		}
		err = s.objects.UpdateRef(ref, commit, head)
		if err == nil {
			return commit, nil
		}
		if !errors.Is(err, objstore.ErrConflict) {
			return "", fmt.Errorf("apply event to issue %d: %w", id, err)
		}
		s.logger.Debug("issuestore: head moved, retrying", "ref", ref, "attempt", attempt)
	}
	return "", fmt.Errorf("apply event to issue %d: gave up after %d attempts: %w", id, s.maxRetries, ErrConflict)
}

func (s *Store) head(id uint64) (objstore.ObjectID, error) {
	head, err := s.objects.ReadRef(s.IssueRef(id))
	if err != nil {
		return "", fmt.Errorf("issue %d: %w", id, err)
	}
	return head, nil
}

// GetIssue rebuilds issue id from its chain.
func (s *Store) GetIssue(id uint64) (*issue.Issue, error) {
	head, err := s.head(id)
	if err != nil {
		return nil, err
	}
	return s.rebuild(id, head)
}

func (s *Store) rebuild(id uint64, head objstore.ObjectID) (*issue.Issue, error) {
	chain, err := s.log.ReadChain(head)
	if err != nil {
		return nil, fmt.Errorf("issue %d: %w", id, err)
	}
	is, err := issue.Replay(id, chain.Events())
	if err != nil {
		return nil, err
	}
	// Replay counts decoded events only; report chain positions instead.
	for i := range is.Anomalies {
		is.Anomalies[i].Position = chain.Entries[is.Anomalies[i].Position].Position
	}
	for _, sk := range chain.Skipped {
		is.Anomalies = append(is.Anomalies, issue.Anomaly{Position: sk.Position, Reason: sk.Err.Error()})
	}
	sort.SliceStable(is.Anomalies, func(i, j int) bool {
		return is.Anomalies[i].Position < is.Anomalies[j].Position
	})
	for _, a := range is.Anomalies {
		s.logger.Warn("issuestore: degraded replay", "issue", id, "anomaly", a.String())
	}
	return is, nil
}

// IssueExists reports whether issue id has a ref.
func (s *Store) IssueExists(id uint64) (bool, error) {
	_, err := s.objects.ReadRef(s.IssueRef(id))
	if errors.Is(err, objstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListIssueIDs returns the ids of all issues in ascending order.
func (s *Store) ListIssueIDs() ([]uint64, error) {
	refs, err := s.objects.ListRefs(s.issuesPrefix())
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	ids := make([]uint64, 0, len(refs))
	for _, ref := range refs {
		id, err := strconv.ParseUint(strings.TrimPrefix(ref.Name, s.issuesPrefix()), 10, 64)
		if err != nil {
			s.logger.Warn("issuestore: ignoring ref", "ref", ref.Name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Events returns the decoded chain of issue id, oldest first.
func (s *Store) Events(id uint64) ([]issue.Event, error) {
	head, err := s.head(id)
	if err != nil {
		return nil, err
	}
	chain, err := s.log.ReadChain(head)
	if err != nil {
		return nil, fmt.Errorf("issue %d: %w", id, err)
	}
	return chain.Events(), nil
}

// Walk rebuilds issues in ascending id order and calls fn for each one that
// matches f, until fn returns false, f.Limit matches were delivered, or every
// issue was visited. Issues are rebuilt one at a time. Chains without a
// Created root are skipped; so are issues deleted while walking.
func (s *Store) Walk(f Filter, fn func(*issue.Issue) bool) error {
	m, err := f.compile()
	if err != nil {
		return err
	}
	ids, err := s.ListIssueIDs()
	if err != nil {
		return err
	}
	delivered := 0
	for _, id := range ids {
		is, err := s.GetIssue(id)
		if errors.Is(err, issue.ErrNoRoot) {
			s.logger.Warn("issuestore: skipping issue without root", "issue", id, "err", err)
			continue
		}
		if errors.Is(err, objstore.ErrNotFound) {
			exists, xerr := s.IssueExists(id)
			if xerr != nil {
				return fmt.Errorf("issue %d: %w", id, xerr)
			}
			if !exists {
				continue
			}
		}
		if err != nil {
			return err
		}
		ok, err := m.match(is)
		if err != nil {
			return fmt.Errorf("issue %d: %w", id, err)
		}
		if !ok {
			continue
		}
		delivered++
		if !fn(is) || (f.Limit > 0 && delivered >= f.Limit) {
			return nil
		}
	}
	return nil
}

// ListIssues returns the issues matching f in ascending id order.
func (s *Store) ListIssues(f Filter) ([]*issue.Issue, error) {
	var out []*issue.Issue
	err := s.Walk(f, func(is *issue.Issue) bool {
		out = append(out, is)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
