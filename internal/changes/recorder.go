// Package changes records edits to tracked document fields, collapsing a
// burst of saves from one author into a single change event.
package changes

import (
	"context"
	"fmt"
	"log"
	"time"

	"scribe/api/internal/store"
	"scribe/api/internal/textdiff"
	"scribe/api/internal/util"
)

// Change kinds.
const (
	KindHuman  = "human"
	KindAI     = "ai"
	KindSystem = "system"
)

// trackedFields whitelists the recordable fields per container type. Edits
// to anything else are rejected before diffing.
var trackedFields = map[string][]string{
	"section":  {"heading", "body"},
	"document": {"title", "subtitle"},
}

// TrackedFields returns the whitelist for a container type, nil if the
// container type itself is unknown.
func TrackedFields(containerType string) []string {
	return trackedFields[containerType]
}

// FieldError rejects a write to a field outside the tracked whitelist.
type FieldError struct {
	ContainerType string
	Field         string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q is not tracked for container type %q", e.Field, e.ContainerType)
}

// Log is the slice of the change log store the recorder needs.
type Log interface {
	LatestChangeEventSince(ctx context.Context, documentID, containerType, containerID, field string, authorID *string, since time.Time) (*store.ChangeEvent, error)
	GetChangeEvent(ctx context.Context, eventID string) (store.ChangeEvent, error)
	InsertChangeEvent(ctx context.Context, event store.ChangeEvent) error
	AmendChangeEvent(ctx context.Context, eventID, newValue, summary string, at time.Time) error
}

// Input describes one edit to a tracked field. OldValue and NewValue must
// already be normalized plain text. A nil AuthorID marks an AI or system
// authored edit; nil-author edits coalesce against each other the same way
// human edits do.
type Input struct {
	DocumentID    string
	ContainerType string
	ContainerID   string
	Field         string
	AuthorID      *string
	OldValue      string
	NewValue      string
	Kind          string
}

// Recorder implements append-or-amend coalescing over the change log. The
// lookup-then-write pair is not locked across requests: two near-simultaneous
// saves from the same author may produce two events, which is acceptable.
type Recorder struct {
	log    Log
	cache  *DebounceCache // nil when Redis is not configured
	window time.Duration
	now    func() time.Time
}

func NewRecorder(changeLog Log, cache *DebounceCache, window time.Duration) *Recorder {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Recorder{log: changeLog, cache: cache, window: window, now: time.Now}
}

// Record appends a new change event, or amends the most recent event from
// the same (container, field, author) key when it falls inside the sliding
// coalescing window. Amending keeps the original old_value, replaces
// new_value, recomputes the summary from the original old_value, and bumps
// created_at so the window re-arms on every edit.
func (r *Recorder) Record(ctx context.Context, in Input) (store.ChangeEvent, error) {
	if !isTracked(in.ContainerType, in.Field) {
		return store.ChangeEvent{}, &FieldError{ContainerType: in.ContainerType, Field: in.Field}
	}
	if in.Kind == "" {
		if in.AuthorID == nil {
			in.Kind = KindAI
		} else {
			in.Kind = KindHuman
		}
	}

	now := r.now().UTC()

	recent, err := r.recentEvent(ctx, in, now)
	if err != nil {
		// Coalescing is a UX nicety, not a correctness guarantee; record a
		// fresh event when the lookup path is unavailable.
		log.Printf("changes: coalesce lookup failed, recording new event: %v", err)
		recent = nil
	}

	if recent != nil {
		summary := textdiff.Classify(recent.OldValue, in.NewValue)
		if err := r.log.AmendChangeEvent(ctx, recent.ID, in.NewValue, summary, now); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("amend change event: %w", err)
		}
		amended := *recent
		amended.NewValue = in.NewValue
		amended.Summary = summary
		amended.CreatedAt = now
		r.arm(ctx, in, amended.ID)
		return amended, nil
	}

	event := store.ChangeEvent{
		ID:            util.NewID("chg"),
		DocumentID:    in.DocumentID,
		ContainerType: in.ContainerType,
		ContainerID:   in.ContainerID,
		Field:         in.Field,
		AuthorID:      in.AuthorID,
		OldValue:      in.OldValue,
		NewValue:      in.NewValue,
		Kind:          in.Kind,
		Summary:       textdiff.Classify(in.OldValue, in.NewValue),
		CreatedAt:     now,
	}
	if err := r.log.InsertChangeEvent(ctx, event); err != nil {
		return store.ChangeEvent{}, fmt.Errorf("insert change event: %w", err)
	}
	r.arm(ctx, in, event.ID)
	return event, nil
}

// Window reports the configured coalescing window.
func (r *Recorder) Window() time.Duration {
	return r.window
}

// recentEvent finds the event still coalescing for this key, trying the
// debounce cache first, then the bounded window query.
func (r *Recorder) recentEvent(ctx context.Context, in Input, now time.Time) (*store.ChangeEvent, error) {
	if r.cache != nil {
		eventID, err := r.cache.Lookup(ctx, in)
		if err != nil {
			log.Printf("changes: debounce cache lookup: %v", err)
		} else if eventID != "" {
			event, err := r.log.GetChangeEvent(ctx, eventID)
			if err == nil {
				return &event, nil
			}
			log.Printf("changes: debounce cache pointed at missing event %s: %v", eventID, err)
		}
	}
	return r.log.LatestChangeEventSince(ctx, in.DocumentID, in.ContainerType, in.ContainerID, in.Field, in.AuthorID, now.Add(-r.window))
}

func (r *Recorder) arm(ctx context.Context, in Input, eventID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Remember(ctx, in, eventID); err != nil {
		log.Printf("changes: debounce cache remember: %v", err)
	}
}

func isTracked(containerType, field string) bool {
	for _, tracked := range trackedFields[containerType] {
		if tracked == field {
			return true
		}
	}
	return false
}
