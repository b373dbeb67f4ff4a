// Package attribution derives per-field "who changed this, when, and how"
// summaries and colored text spans from the change log. Everything here is a
// pure function over already-persisted data; failures upstream degrade to
// "no attribution" rather than failing a render.
package attribution

import (
	"time"

	"scribe/api/internal/collab"
	"scribe/api/internal/store"
)

// AutoAuthorName labels AI-authored events in the UI instead of a person's
// name. The UI renders it with its own marker, not a collaborator color dot.
const AutoAuthorName = "Auto-generated"

// SystemAuthorName labels system-authored events.
const SystemAuthorName = "System"

// FieldAttribution summarizes the most recent change to one field.
type FieldAttribution struct {
	ContainerType string    `json:"containerType"`
	ContainerID   string    `json:"containerId"`
	Field         string    `json:"field"`
	Kind          string    `json:"kind"`
	AuthorID      *string   `json:"authorId"`
	AuthorName    string    `json:"authorName"`
	Color         string    `json:"color"` // empty = neutral
	At            time.Time `json:"at"`
}

// FieldKey identifies a field within a document, the key used in Derive's
// result map.
func FieldKey(containerType, containerID, field string) string {
	return containerType + "/" + containerID + "/" + field
}

// Derive picks the most recent event per field and resolves its author to a
// display name and collaborator color. Nil-author events show as
// "Auto-generated" (ai) or "System" with a neutral color; authors missing
// from the directory fall back to their id with a neutral color.
func Derive(events []store.ChangeEvent, collaborators []store.Collaborator, names map[string]string) map[string]FieldAttribution {
	colors := collab.ColorsByAuthor(collaborators)

	result := make(map[string]FieldAttribution)
	for _, event := range events {
		key := FieldKey(event.ContainerType, event.ContainerID, event.Field)
		if existing, ok := result[key]; ok && !event.CreatedAt.After(existing.At) {
			continue
		}

		attr := FieldAttribution{
			ContainerType: event.ContainerType,
			ContainerID:   event.ContainerID,
			Field:         event.Field,
			Kind:          event.Kind,
			AuthorID:      event.AuthorID,
			At:            event.CreatedAt,
		}
		if event.AuthorID == nil {
			if event.Kind == "system" {
				attr.AuthorName = SystemAuthorName
			} else {
				attr.AuthorName = AutoAuthorName
			}
		} else {
			attr.Color = colors[*event.AuthorID]
			if name, ok := names[*event.AuthorID]; ok {
				attr.AuthorName = name
			} else {
				attr.AuthorName = *event.AuthorID
			}
		}
		result[key] = attr
	}
	return result
}
