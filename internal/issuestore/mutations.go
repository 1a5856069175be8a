package issuestore

import (
	"fmt"
	"strings"

	"github.com/gitissue/gitissue/internal/issue"
)

// The helpers below read the current issue, skip changes that would not alter
// it and otherwise append the matching event. The read and the append are not
// atomic: a concurrent writer can make an event's "old" fields stale, which
// replay then reports as an anomaly.

func (s *Store) meta(author issue.Identity) issue.Meta {
	return issue.NewMeta(author, s.now())
}

// UpdateStatus moves issue id to status to.
func (s *Store) UpdateStatus(id uint64, to issue.Status, author issue.Identity) error {
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if is.Status == to {
		return nil
	}
	return s.ApplyEvent(id, issue.StatusChanged{From: is.Status, To: to, Meta: s.meta(author)}, author)
}

// AddComment appends a comment and returns its id.
func (s *Store) AddComment(id uint64, content string, author issue.Identity) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("add comment to issue %d: empty content: %w", id, ErrInvalidEvent)
	}
	commit, err := s.appendEvent(id, issue.CommentAdded{Content: content, Meta: s.meta(author)}, author)
	if err != nil {
		return "", err
	}
	// The comment's number depends on where the append landed, which only
	// the chain below the new commit can tell.
	chain, err := s.log.ReadChain(commit)
	if err != nil {
		return "", fmt.Errorf("issue %d: %w", id, err)
	}
	n := 0
	for _, e := range chain.Events() {
		if _, ok := e.(issue.CommentAdded); ok {
			n++
		}
	}
	return issue.CommentID(id, n), nil
}

// AddLabel sets label on issue id.
func (s *Store) AddLabel(id uint64, label string, author issue.Identity) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("add label to issue %d: empty label: %w", id, ErrInvalidEvent)
	}
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if is.HasLabel(label) {
		return nil
	}
	return s.ApplyEvent(id, issue.LabelAdded{Label: label, Meta: s.meta(author)}, author)
}

// RemoveLabel clears label from issue id.
func (s *Store) RemoveLabel(id uint64, label string, author issue.Identity) error {
	label = strings.TrimSpace(label)
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if !is.HasLabel(label) {
		return nil
	}
	return s.ApplyEvent(id, issue.LabelRemoved{Label: label, Meta: s.meta(author)}, author)
}

func (s *Store) UpdateTitle(id uint64, title string, author issue.Identity) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("update title of issue %d: empty title: %w", id, ErrInvalidEvent)
	}
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if is.Title == title {
		return nil
	}
	return s.ApplyEvent(id, issue.TitleChanged{OldTitle: is.Title, NewTitle: title, Meta: s.meta(author)}, author)
}

func (s *Store) UpdateDescription(id uint64, description string, author issue.Identity) error {
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if is.Description == description {
		return nil
	}
	return s.ApplyEvent(id, issue.DescriptionChanged{
		OldDescription: is.Description,
		NewDescription: description,
		Meta:           s.meta(author),
	}, author)
}

func (s *Store) UpdatePriority(id uint64, p issue.Priority, author issue.Identity) error {
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	if is.Priority == p {
		return nil
	}
	return s.ApplyEvent(id, issue.PriorityChanged{OldPriority: is.Priority, NewPriority: p, Meta: s.meta(author)}, author)
}

// Assign sets the assignee of issue id, or clears it when assignee is nil.
func (s *Store) Assign(id uint64, assignee *issue.Identity, author issue.Identity) error {
	is, err := s.GetIssue(id)
	if err != nil {
		return err
	}
	switch {
	case assignee == nil && is.Assignee == nil:
		return nil
	case assignee != nil && is.Assignee != nil && *assignee == *is.Assignee:
		return nil
	}
	return s.ApplyEvent(id, issue.AssigneeChanged{Assignee: assignee, Meta: s.meta(author)}, author)
}
