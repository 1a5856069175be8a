package issue

import (
	"fmt"

	"github.com/gitissue/gitissue/internal/objstore"
)

// ErrNoRoot means a chain holds no Created event to start the aggregate from.
var ErrNoRoot = fmt.Errorf("no Created event in chain: %w", objstore.ErrCorrupt)

// Replay folds events, oldest first, into the issue with the given id.
//
// The first Created event initializes the aggregate. Events before it and any
// later Created are skipped; a StatusChanged whose From disagrees with the
// current status is applied anyway. All three are recorded in
// Issue.Anomalies. Replay has no other inputs, so equal chains yield equal
// aggregates.
func Replay(id uint64, events []Event) (*Issue, error) {
	var (
		is      *Issue
		pending []Anomaly
	)
	for i, e := range events {
		if is != nil {
			is.apply(i, e)
			continue
		}
		c, ok := e.(Created)
		if !ok {
			pending = append(pending, Anomaly{Position: i, Event: e.Kind(), Reason: "precedes Created"})
			continue
		}
		is = &Issue{
			ID:          id,
			Title:       c.Title,
			Description: c.Description,
			Status:      Todo,
			Priority:    PriorityNone,
			Labels:      []string{},
			Comments:    []Comment{},
			CreatedBy:   c.Author,
			CreatedAt:   c.Timestamp,
			UpdatedAt:   c.Timestamp,
			Anomalies:   pending,
		}
	}
	if is == nil {
		return nil, fmt.Errorf("issue %d: %w", id, ErrNoRoot)
	}
	return is, nil
}

func (is *Issue) apply(pos int, e Event) {
	switch ev := e.(type) {
	case Created:
		is.anomaly(pos, ev, "duplicate Created ignored")
		return
	case StatusChanged:
		if is.Status != ev.From {
			is.anomaly(pos, ev, fmt.Sprintf("status was %s, event expected %s", is.Status, ev.From))
		}
		is.Status = ev.To
	case TitleChanged:
		is.Title = ev.NewTitle
	case DescriptionChanged:
		is.Description = ev.NewDescription
	case PriorityChanged:
		is.Priority = ev.NewPriority
	case CommentAdded:
		is.Comments = append(is.Comments, Comment{
			ID:        CommentID(is.ID, len(is.Comments)+1),
			Content:   ev.Content,
			Author:    ev.Author,
			CreatedAt: ev.Timestamp,
		})
	case LabelAdded:
		if !is.HasLabel(ev.Label) {
			is.Labels = append(is.Labels, ev.Label)
		}
	case LabelRemoved:
		for i, l := range is.Labels {
			if l == ev.Label {
				is.Labels = append(is.Labels[:i:i], is.Labels[i+1:]...)
				break
			}
		}
	case AssigneeChanged:
		if ev.Assignee == nil {
			is.Assignee = nil
		} else {
			a := *ev.Assignee
			is.Assignee = &a
		}
	default:
		is.anomaly(pos, e, "unhandled event kind")
		return
	}
	is.UpdatedAt = e.EventTime()
}

func (is *Issue) anomaly(pos int, e Event, reason string) {
	is.Anomalies = append(is.Anomalies, Anomaly{Position: pos, Event: e.Kind(), Reason: reason})
}
