package issuestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitissue/gitissue/internal/issue"
)

func TestMutations_SkipNoOps(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(id, issue.Todo, alice))
	require.NoError(t, s.UpdateTitle(id, "Fix bug", alice))
	require.NoError(t, s.UpdateDescription(id, "desc", alice))
	require.NoError(t, s.UpdatePriority(id, issue.PriorityNone, alice))
	require.NoError(t, s.RemoveLabel(id, "absent", alice))
	require.NoError(t, s.Assign(id, nil, alice))
	require.NoError(t, s.AddLabel(id, "bug", alice))
	require.NoError(t, s.AddLabel(id, "bug", alice))

	assert.Equal(t, 2, chainLen(t, s, id))
}

func TestMutations_Apply(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "desc", alice)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(id, issue.InProgress, bob))
	require.NoError(t, s.UpdateTitle(id, "Fix the bug", alice))
	require.NoError(t, s.UpdateDescription(id, "more detail", alice))
	require.NoError(t, s.UpdatePriority(id, issue.PriorityUrgent, alice))
	require.NoError(t, s.AddLabel(id, "bug", alice))
	require.NoError(t, s.AddLabel(id, "ui", alice))
	require.NoError(t, s.RemoveLabel(id, "bug", alice))
	require.NoError(t, s.Assign(id, &carol, alice))

	is, err := s.GetIssue(id)
	require.NoError(t, err)
	assert.Equal(t, issue.InProgress, is.Status)
	assert.Equal(t, "Fix the bug", is.Title)
	assert.Equal(t, "more detail", is.Description)
	assert.Equal(t, issue.PriorityUrgent, is.Priority)
	assert.Equal(t, []string{"ui"}, is.Labels)
	require.NotNil(t, is.Assignee)
	assert.Equal(t, carol, *is.Assignee)
	assert.Empty(t, is.Anomalies)

	require.NoError(t, s.Assign(id, &carol, alice))
	require.NoError(t, s.Assign(id, nil, alice))
	is, err = s.GetIssue(id)
	require.NoError(t, err)
	assert.Nil(t, is.Assignee)
	assert.Equal(t, 10, chainLen(t, s, id))

	events, err := s.Events(id)
	require.NoError(t, err)
	assert.Equal(t, issue.KindStatusChanged, events[1].Kind())
	assert.Equal(t, bob, events[1].EventAuthor())
}

func TestAddComment_ReturnsID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "", alice)
	require.NoError(t, err)
	other, err := s.CreateIssue("Other", "", alice)
	require.NoError(t, err)

	first, err := s.AddComment(id, "hi", bob)
	require.NoError(t, err)
	second, err := s.AddComment(id, "there", carol)
	require.NoError(t, err)
	elsewhere, err := s.AddComment(other, "hello", bob)
	require.NoError(t, err)

	assert.Equal(t, "1-1", first)
	assert.Equal(t, "1-2", second)
	assert.Equal(t, "2-1", elsewhere)

	_, err = s.AddComment(id, "   ", bob)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = s.AddComment(99, "hi", bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutations_Validation(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateIssue("Fix bug", "", alice)
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpdateTitle(id, "", alice), ErrInvalidEvent)
	assert.ErrorIs(t, s.AddLabel(id, " ", alice), ErrInvalidEvent)
	assert.ErrorIs(t, s.UpdateStatus(99, issue.Done, alice), ErrNotFound)
}
