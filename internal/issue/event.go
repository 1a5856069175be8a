package issue

import (
	"strings"
	"time"
)

// Event kinds, as they appear as the single key of an encoded event.
const (
	KindCreated            = "Created"
	KindStatusChanged      = "StatusChanged"
	KindCommentAdded       = "CommentAdded"
	KindLabelAdded         = "LabelAdded"
	KindLabelRemoved       = "LabelRemoved"
	KindTitleChanged       = "TitleChanged"
	KindAssigneeChanged    = "AssigneeChanged"
	KindDescriptionChanged = "DescriptionChanged"
	KindPriorityChanged    = "PriorityChanged"
)

// Event is one immutable mutation of an issue. The set of implementations is
// closed; every one of them embeds Meta.
type Event interface {
	// Kind returns the variant name.
	Kind() string
	// Summary is the one-line description used as the commit message.
	Summary() string
	EventAuthor() Identity
	EventTime() time.Time

	isEvent()
}

// Meta carries the attribution shared by all events.
type Meta struct {
	Author    Identity  `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMeta stamps author at t, normalized to UTC.
func NewMeta(author Identity, t time.Time) Meta {
	return Meta{Author: author, Timestamp: t.UTC()}
}

func (m Meta) EventAuthor() Identity { return m.Author }
func (m Meta) EventTime() time.Time  { return m.Timestamp }
func (Meta) isEvent()                {}

type Created struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Meta
}

type StatusChanged struct {
	From Status `json:"from"`
	To   Status `json:"to"`
	Meta
}

type CommentAdded struct {
	Content string `json:"content"`
	Meta
}

type LabelAdded struct {
	Label string `json:"label"`
	Meta
}

type LabelRemoved struct {
	Label string `json:"label"`
	Meta
}

type TitleChanged struct {
	OldTitle string `json:"old_title"`
	NewTitle string `json:"new_title"`
	Meta
}

// AssigneeChanged sets or, with a nil Assignee, clears the assignee.
type AssigneeChanged struct {
	Assignee *Identity `json:"assignee"`
	Meta
}

type DescriptionChanged struct {
	OldDescription string `json:"old_description"`
	NewDescription string `json:"new_description"`
	Meta
}

type PriorityChanged struct {
	OldPriority Priority `json:"old_priority"`
	NewPriority Priority `json:"new_priority"`
	Meta
}

func (Created) Kind() string            { return KindCreated }
func (StatusChanged) Kind() string      { return KindStatusChanged }
func (CommentAdded) Kind() string       { return KindCommentAdded }
func (LabelAdded) Kind() string         { return KindLabelAdded }
func (LabelRemoved) Kind() string       { return KindLabelRemoved }
func (TitleChanged) Kind() string       { return KindTitleChanged }
func (AssigneeChanged) Kind() string    { return KindAssigneeChanged }
func (DescriptionChanged) Kind() string { return KindDescriptionChanged }
func (PriorityChanged) Kind() string    { return KindPriorityChanged }

func (e Created) Summary() string { return KindCreated + ": " + e.Title }

func (e StatusChanged) Summary() string {
	return KindStatusChanged + ": " + e.From.String() + " → " + e.To.String()
}

func (e CommentAdded) Summary() string {
	first, _, _ := strings.Cut(e.Content, "\n")
	return KindCommentAdded + ": " + first
}

func (e LabelAdded) Summary() string   { return KindLabelAdded + ": " + e.Label }
func (e LabelRemoved) Summary() string { return KindLabelRemoved + ": " + e.Label }
func (e TitleChanged) Summary() string { return KindTitleChanged + ": " + e.NewTitle }

func (e AssigneeChanged) Summary() string {
	if e.Assignee == nil {
		return KindAssigneeChanged + ": unassigned"
	}
	return KindAssigneeChanged + ": " + e.Assignee.Name
}

func (DescriptionChanged) Summary() string { return KindDescriptionChanged }

func (e PriorityChanged) Summary() string {
	return KindPriorityChanged + ": " + e.OldPriority.String() + " → " + e.NewPriority.String()
}
