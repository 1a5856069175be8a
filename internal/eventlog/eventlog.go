// Package eventlog stores issue events as a chain of git-style commits.
//
// Each commit carries a tree with a single entry, EventFile, whose blob is the
// canonical JSON of one event. Commits have at most one parent, so a chain is
// read by walking parents from the head back to the root.
package eventlog

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/objstore"
)

// EventFile is the name of the only entry in an event commit's tree.
const EventFile = "event.json"

// ErrAuthorMismatch is returned by WriteEvent when the commit author would
// differ from the author recorded in the event.
var ErrAuthorMismatch = errors.New("commit author differs from event author")

// Entry is a decoded event and the commit that holds it.
type Entry struct {
	Commit objstore.ObjectID
	Event  issue.Event
	// Position counts from the oldest entry, skipped ones included.
	Position int
}

// Skipped is a commit whose event could not be decoded.
type Skipped struct {
	Commit objstore.ObjectID
	// Position counts from the oldest entry, skipped ones included.
	Position int
	Err      error
}

// Chain is the result of ReadChain, oldest first.
type Chain struct {
	Entries []Entry
	Skipped []Skipped
}

// Events returns the decoded events in chain order.
func (c *Chain) Events() []issue.Event {
	events := make([]issue.Event, len(c.Entries))
	for i, e := range c.Entries {
		events[i] = e.Event
	}
	return events
}

// Len is the number of commits walked, skipped ones included.
func (c *Chain) Len() int { return len(c.Entries) + len(c.Skipped) }

// Log reads and writes event chains in a store.
type Log struct {
	store  objstore.Store
	logger *slog.Logger
}

// New returns a Log over store. A nil logger uses slog.Default().
func New(store objstore.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// WriteEvent writes e as a new commit on top of parent (none when zero) and
// returns the commit id. The commit is stamped with author at the event's
// own timestamp, so equal inputs produce the same commit. author must be the
// event's author.
func (l *Log) WriteEvent(parent objstore.ObjectID, e issue.Event, author issue.Identity, summary string) (objstore.ObjectID, error) {
	if e == nil {
		return "", fmt.Errorf("write event: nil event")
	}
	if author != e.EventAuthor() {
		return "", fmt.Errorf("write %s by %s: %w", e.Kind(), author, ErrAuthorMismatch)
	}
	data, err := issue.Marshal(e)
	if err != nil {
		return "", err
	}
	blob, err := l.store.WriteBlob(data)
	if err != nil {
		return "", fmt.Errorf("write event blob: %w", err)
	}
	tree, err := l.store.WriteTree(objstore.TreeEntry{Name: EventFile, ID: blob})
	if err != nil {
		return "", fmt.Errorf("write event tree: %w", err)
	}
	c := objstore.Commit{
		Tree: tree,
		Author: objstore.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  e.EventTime(),
		},
		Message: summary,
	}
	if !parent.IsZero() {
		c.Parents = []objstore.ObjectID{parent}
	}
	id, err := l.store.WriteCommit(c)
	if err != nil {
		return "", fmt.Errorf("write event commit: %w", err)
	}
	return id, nil
}

// ReadChain walks from head to the root and returns the chain oldest first.
//
// A commit whose tree or event blob is malformed or missing is recorded in
// Chain.Skipped and the walk continues through its parent. A commit that
// cannot be read at all ends the chain, since its parent is unknown; that is
// an error unless it is corrupt, in which case what was read so far is
// returned with the failure recorded.
func (l *Log) ReadChain(head objstore.ObjectID) (*Chain, error) {
	type step struct {
		commit objstore.ObjectID
		event  issue.Event
		err    error
	}
	var steps []step

	seen := make(map[objstore.ObjectID]bool)
	for id := head; !id.IsZero(); {
		if seen[id] {
			return nil, objstore.Corrupt(id, "commit chain loops")
		}
		seen[id] = true

		c, err := l.store.ReadCommit(id)
		if errors.Is(err, objstore.ErrCorrupt) {
			steps = append(steps, step{commit: id, err: err})
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chain at %s: %w", id.Short(), err)
		}
		e, err := l.readEvent(c)
		if err != nil && !skippable(err) {
			return nil, fmt.Errorf("read chain at %s: %w", id.Short(), err)
		}
		steps = append(steps, step{commit: id, event: e, err: err})
		id, _ = c.Parent()
	}

	chain := &Chain{}
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		pos := len(steps) - 1 - i
		if s.err != nil {
			l.logger.Warn("eventlog: skipping entry", "commit", s.commit.Short(), "position", pos, "err", s.err)
			chain.Skipped = append(chain.Skipped, Skipped{Commit: s.commit, Position: pos, Err: s.err})
			continue
		}
		chain.Entries = append(chain.Entries, Entry{Commit: s.commit, Event: s.event, Position: pos})
	}
	return chain, nil
}

// skippable reports whether a commit's event can be dropped while its parent
// link is still usable.
func skippable(err error) bool {
	return errors.Is(err, objstore.ErrCorrupt) || errors.Is(err, objstore.ErrNotFound)
}

// readEvent loads the event held by c. Structural problems wrap ErrCorrupt.
func (l *Log) readEvent(c *objstore.Commit) (issue.Event, error) {
	entries, err := l.store.ReadTree(c.Tree)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 || entries[0].Name != EventFile {
		return nil, objstore.Corrupt(c.Tree, "tree has %d entries, want a single %s", len(entries), EventFile)
	}
	data, err := l.store.ReadBlob(entries[0].ID)
	if err != nil {
		return nil, err
	}
	e, err := issue.Unmarshal(data)
	if err != nil {
		return nil, objstore.Corrupt(entries[0].ID, "%v", err)
	}
	return e, nil
}
