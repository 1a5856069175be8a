package issue

import (
	"fmt"
	"time"
)

// Issue is the aggregate derived by replaying an event chain. It is never
// stored.
type Issue struct {
	ID          uint64    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	Labels      []string  `json:"labels"`
	Comments    []Comment `json:"comments"`
	Assignee    *Identity `json:"assignee"`
	CreatedBy   Identity  `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Anomalies lists chain entries that were skipped or inconsistent.
	// The aggregate is still usable when it is non-empty.
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Comment is derived from a CommentAdded event. Its ID encodes the issue id
// and the 1-based position among the issue's comments.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Identity  `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// CommentID formats the id of the n-th comment (1-based) of an issue.
func CommentID(issueID uint64, n int) string {
	return fmt.Sprintf("%d-%d", issueID, n)
}

// Anomaly describes a non-fatal problem found while rebuilding an issue.
type Anomaly struct {
	// Position is the index of the offending entry, oldest first.
	Position int    `json:"position"`
	Event    string `json:"event,omitempty"`
	Reason   string `json:"reason"`
}

func (a Anomaly) String() string {
	if a.Event == "" {
		return fmt.Sprintf("entry %d: %s", a.Position, a.Reason)
	}
	return fmt.Sprintf("entry %d (%s): %s", a.Position, a.Event, a.Reason)
}

// HasLabel reports whether label is set on the issue.
func (is *Issue) HasLabel(label string) bool {
	for _, l := range is.Labels {
		if l == label {
			return true
		}
	}
	return false
}
