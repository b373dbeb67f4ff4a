// Package collab manages document collaborators and their palette colors.
package collab

import (
	"context"
	"errors"
	"fmt"

	"scribe/api/internal/store"
	"scribe/api/internal/util"
)

// Palette is the fixed ordered set of collaborator colors. Colors are
// assigned by join order and never reshuffled, so a color keeps identifying
// the same person for the life of the document even after removals.
var Palette = []string{
	"#2563eb", // blue
	"#dc2626", // red
	"#16a34a", // green
	"#9333ea", // purple
	"#ea580c", // orange
	"#0d9488", // teal
	"#db2777", // pink
	"#ca8a04", // amber
}

// ErrProtectedRole is returned when trying to remove the document owner.
var ErrProtectedRole = errors.New("owner collaborator cannot be removed")

// Collaborator roles.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Store is the slice of the data store the registry needs.
type Store interface {
	CollaboratorCount(ctx context.Context, documentID string) (int, error)
	InsertCollaborator(ctx context.Context, collaborator store.Collaborator) error
	GetCollaborator(ctx context.Context, documentID, authorID string) (store.Collaborator, error)
	DeleteCollaborator(ctx context.Context, documentID, authorID string) error
	ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
}

type Registry struct {
	store Store
}

func NewRegistry(s Store) *Registry {
	return &Registry{store: s}
}

// Add inserts a collaborator with the next palette color. The color index is
// the collaborator count before insertion, so the first collaborator (the
// owner) always gets Palette[0]. The color is immutable once assigned.
func (r *Registry) Add(ctx context.Context, documentID, authorID, role string) (store.Collaborator, error) {
	if role == "" {
		role = RoleEditor
	}
	count, err := r.store.CollaboratorCount(ctx, documentID)
	if err != nil {
		return store.Collaborator{}, fmt.Errorf("collaborator count: %w", err)
	}

	collaborator := store.Collaborator{
		ID:         util.NewID("col"),
		DocumentID: documentID,
		AuthorID:   authorID,
		Role:       role,
		Color:      Palette[count%len(Palette)],
	}
	if err := r.store.InsertCollaborator(ctx, collaborator); err != nil {
		return store.Collaborator{}, err
	}
	return collaborator, nil
}

// Remove deletes a collaborator. The owner is never removable.
func (r *Registry) Remove(ctx context.Context, documentID, authorID string) error {
	collaborator, err := r.store.GetCollaborator(ctx, documentID, authorID)
	if err != nil {
		return fmt.Errorf("lookup collaborator: %w", err)
	}
	if collaborator.Role == RoleOwner {
		return ErrProtectedRole
	}
	return r.store.DeleteCollaborator(ctx, documentID, authorID)
}

func (r *Registry) List(ctx context.Context, documentID string) ([]store.Collaborator, error) {
	return r.store.ListCollaborators(ctx, documentID)
}

// ColorsByAuthor indexes collaborator colors by author id.
func ColorsByAuthor(collaborators []store.Collaborator) map[string]string {
	colors := make(map[string]string, len(collaborators))
	for _, collaborator := range collaborators {
		colors[collaborator.AuthorID] = collaborator.Color
	}
	return colors
}
