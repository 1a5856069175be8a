package issue

import (
	"fmt"
	"strings"
)

// Status is the kanban column of an issue.
type Status int

const (
	Todo Status = iota
	InProgress
	Done
)

// Statuses lists every status in board order.
var Statuses = []Status{Todo, InProgress, Done}

var statusNames = [...]string{"Todo", "InProgress", "Done"}
var statusLabels = [...]string{"todo", "in-progress", "done"}

func (s Status) valid() bool { return s >= Todo && s <= Done }

// String returns the lowercase display form ("todo", "in-progress", "done").
func (s Status) String() string {
	if !s.valid() {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusLabels[s]
}

// MarshalText encodes the variant name used in stored events.
func (s Status) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if string(b) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// ParseStatus parses the display form, case-insensitively. "inprogress" is
// accepted as well.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo":
		return Todo, nil
	case "in-progress", "inprogress":
		return InProgress, nil
	case "done":
		return Done, nil
	}
	return Todo, fmt.Errorf("invalid status %q", s)
}

// Priority orders issues by urgency. The zero value is None.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Priorities lists every priority, None first.
var Priorities = []Priority{PriorityNone, PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

var priorityNames = [...]string{"None", "Urgent", "High", "Medium", "Low"}

func (p Priority) valid() bool { return p >= PriorityNone && p <= PriorityLow }

func (p Priority) String() string {
	if !p.valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return strings.ToLower(priorityNames[p])
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(priorityNames[p]), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	for i, name := range priorityNames {
		if string(b) == name {
			*p = Priority(i)
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", b)
}

// ParsePriority accepts a priority name or its number 0-4.
func ParsePriority(s string) (Priority, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if v == strings.ToLower(name) || v == fmt.Sprint(i) {
			return Priority(i), nil
		}
	}
	return PriorityNone, fmt.Errorf("invalid priority %q: valid options are none, urgent, high, medium, low (or 0-4)", s)
}
