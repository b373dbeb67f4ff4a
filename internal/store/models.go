package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	AvatarURL   string
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	Title     string
	Subtitle  string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Section holds field values as saved by the editor, markup included.
// Normalization happens on the way into the change log, not here.
type Section struct {
	ID         string
	DocumentID string
	Heading    string
	Body       string
	SortOrder  int
	UpdatedAt  time.Time
}

// ChangeEvent is one recorded edit to a tracked field. OldValue and NewValue
// are normalized plain text, never raw markup, so diffs stay comparable
// across markup-only edits.
type ChangeEvent struct {
	ID            string
	DocumentID    string
	ContainerType string // "section" or "document"
	ContainerID   string
	Field         string
	AuthorID      *string // nil means AI/system-authored
	OldValue      string
	NewValue      string
	Kind          string // human, ai, system
	Summary       string
	CreatedAt     time.Time
}

type Collaborator struct {
	ID         string
	DocumentID string
	AuthorID   string
	Role       string // owner, editor, viewer
	Color      string
	JoinedAt   time.Time
}
