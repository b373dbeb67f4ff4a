package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"scribe/api/internal/attribution"
	"scribe/api/internal/changes"
	"scribe/api/internal/collab"
	"scribe/api/internal/config"
	"scribe/api/internal/markup"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
	"scribe/api/internal/textdiff"
	"scribe/api/internal/util"
)

// attributionScanLimit bounds how much history the attribution deriver
// loads; amended events keep the log short, so this covers any realistic
// document.
const attributionScanLimit = 500

// excerptLength bounds the new_value slice pushed into the search index.
const excerptLength = 240

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) (map[string]store.User, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	UpdateDocumentField(context.Context, string, string, string) error
	InsertSection(context.Context, store.Section) error
	GetSection(context.Context, string, string) (store.Section, error)
	ListSections(context.Context, string) ([]store.Section, error)
	UpdateSectionField(context.Context, string, string, string) error
	ListChangeEvents(context.Context, string, int) ([]store.ChangeEvent, error)
	ListFieldChangeEvents(context.Context, string, string, string, string) ([]store.ChangeEvent, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	Ping(ctx context.Context) error
}

type changeRecorder interface {
	Record(context.Context, changes.Input) (store.ChangeEvent, error)
}

type collaboratorRegistry interface {
	Add(ctx context.Context, documentID, authorID, role string) (store.Collaborator, error)
	Remove(ctx context.Context, documentID, authorID string) error
	List(ctx context.Context, documentID string) ([]store.Collaborator, error)
}

type changeSearch interface {
	Search(q search.Query) search.Response
	IndexChange(record search.Record)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	recorder changeRecorder
	registry collaboratorRegistry
	search   changeSearch // nil when no search backend is configured
}

func New(cfg config.Config, dataStore *store.PostgresStore, recorder *changes.Recorder, registry *collab.Registry, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		recorder: recorder,
		registry: registry,
		search:   searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- documents ----

type DocumentPayload struct {
	Document      store.Document     `json:"document"`
	Sections      []SectionView      `json:"sections"`
	Collaborators []CollaboratorView `json:"collaborators"`
}

type SectionView struct {
	ID        string    `json:"id"`
	Heading   string    `json:"heading"`
	Body      string    `json:"body"`
	SortOrder int       `json:"sortOrder"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CollaboratorView struct {
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Role       string    `json:"role"`
	Color      string    `json:"color"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// CreateDocument creates a document with one empty section and registers the
// creator as the owner collaborator, who always receives the first palette
// color.
func (s *Service) CreateDocument(ctx context.Context, title, subtitle, ownerName string) (DocumentPayload, error) {
	owner, err := s.store.EnsureUserByName(ctx, ownerName)
	if err != nil {
		return DocumentPayload{}, fmt.Errorf("ensure owner: %w", err)
	}

	doc := store.Document{
		ID:        util.NewID("doc"),
		Title:     title,
		Subtitle:  subtitle,
		CreatedBy: owner.ID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return DocumentPayload{}, err
	}

	if _, err := s.registry.Add(ctx, doc.ID, owner.ID, collab.RoleOwner); err != nil {
		return DocumentPayload{}, fmt.Errorf("register owner: %w", err)
	}

	section := store.Section{ID: util.NewID("sec"), DocumentID: doc.ID}
	if err := s.store.InsertSection(ctx, section); err != nil {
		return DocumentPayload{}, err
	}

	return s.GetDocument(ctx, doc.ID)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (DocumentPayload, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentPayload{}, err
	}
	sections, err := s.store.ListSections(ctx, documentID)
	if err != nil {
		return DocumentPayload{}, err
	}
	collaborators, err := s.collaboratorViews(ctx, documentID)
	if err != nil {
		return DocumentPayload{}, err
	}

	payload := DocumentPayload{Document: doc, Collaborators: collaborators}
	for _, section := range sections {
		payload.Sections = append(payload.Sections, SectionView{
			ID:        section.ID,
			Heading:   section.Heading,
			Body:      section.Body,
			SortOrder: section.SortOrder,
			UpdatedAt: section.UpdatedAt,
		})
	}
	return payload, nil
}

// ---- field saves ----

// SaveInput carries one save of a field container from the editor. Values
// are raw markup; AuthorID nil marks the AI pathway.
type SaveInput struct {
	AuthorID *string
	Kind     string
	Fields   map[string]string
}

// SaveResult reports what was persisted and which change events the save
// produced. Events may be missing entries when change tracking was
// unavailable; the save itself still succeeded.
type SaveResult struct {
	ChangedFields []string     `json:"changedFields"`
	Events        []ChangeView `json:"events"`
}

// SaveSection persists the incoming tracked-field values and records change
// events for the ones whose normalized text actually changed. Change
// tracking is best-effort telemetry: a failing recorder is logged and never
// blocks the content save.
func (s *Service) SaveSection(ctx context.Context, documentID, sectionID string, in SaveInput) (SaveResult, error) {
	section, err := s.store.GetSection(ctx, documentID, sectionID)
	if err != nil {
		return SaveResult{}, err
	}
	current := map[string]string{
		"heading": section.Heading,
		"body":    section.Body,
	}
	return s.saveFields(ctx, documentID, "section", sectionID, current, in, func(ctx context.Context, field, value string) error {
		return s.store.UpdateSectionField(ctx, sectionID, field, value)
	})
}

// SaveDocumentMeta is the same flow for the document's own tracked fields.
func (s *Service) SaveDocumentMeta(ctx context.Context, documentID string, in SaveInput) (SaveResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return SaveResult{}, err
	}
	current := map[string]string{
		"title":    doc.Title,
		"subtitle": doc.Subtitle,
	}
	return s.saveFields(ctx, documentID, "document", documentID, current, in, func(ctx context.Context, field, value string) error {
		return s.store.UpdateDocumentField(ctx, documentID, field, value)
	})
}

func (s *Service) saveFields(ctx context.Context, documentID, containerType, containerID string, current map[string]string, in SaveInput, setField func(context.Context, string, string) error) (SaveResult, error) {
	tracked := changes.TrackedFields(containerType)
	for field := range in.Fields {
		if !contains(tracked, field) {
			return SaveResult{}, invalidField(containerType, field)
		}
	}

	incoming := make(map[string]string, len(current))
	for field, value := range current {
		incoming[field] = value
	}
	for field, value := range in.Fields {
		incoming[field] = value
	}
	changed := textdiff.ChangedFields(current, incoming, tracked)

	result := SaveResult{ChangedFields: changed, Events: []ChangeView{}}
	for _, field := range tracked {
		value, ok := in.Fields[field]
		if !ok || value == current[field] {
			continue
		}
		// The field save takes precedence over change tracking.
		if err := setField(ctx, field, value); err != nil {
			return SaveResult{}, fmt.Errorf("save %s %s: %w", containerType, field, err)
		}

		if !contains(changed, field) {
			// Markup-only or whitespace-only edit: persisted, not recorded.
			continue
		}

		event, err := s.recorder.Record(ctx, changes.Input{
			DocumentID:    documentID,
			ContainerType: containerType,
			ContainerID:   containerID,
			Field:         field,
			AuthorID:      in.AuthorID,
			OldValue:      markup.Normalize(current[field]),
			NewValue:      markup.Normalize(value),
			Kind:          in.Kind,
		})
		if err != nil {
			log.Printf("app: change tracking unavailable for %s/%s/%s: %v", containerType, containerID, field, err)
			continue
		}
		result.Events = append(result.Events, s.changeView(ctx, event))
		s.indexChange(ctx, event)
	}
	return result, nil
}

// ---- change log ----

type ChangeView struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	ContainerType string    `json:"containerType"`
	ContainerID   string    `json:"containerId"`
	Field         string    `json:"field"`
	AuthorID      *string   `json:"authorId"`
	AuthorName    string    `json:"authorName"`
	OldValue      string    `json:"oldValue"`
	NewValue      string    `json:"newValue"`
	Kind          string    `json:"kind"`
	Summary       string    `json:"summary"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ListChanges returns a document's change log, newest first, with author
// display names resolved.
func (s *Service) ListChanges(ctx context.Context, documentID string, limit int) ([]ChangeView, error) {
	events, err := s.store.ListChangeEvents(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	names := s.authorNames(ctx, events)

	views := make([]ChangeView, 0, len(events))
	for _, event := range events {
		views = append(views, changeViewWithNames(event, names))
	}
	return views, nil
}

// Attribution derives the per-field "last touched by" map for a document.
// Store failures degrade to an empty map: the editor renders without author
// decoration rather than failing the page.
func (s *Service) Attribution(ctx context.Context, documentID string) map[string]attribution.FieldAttribution {
	events, err := s.store.ListChangeEvents(ctx, documentID, attributionScanLimit)
	if err != nil {
		log.Printf("app: attribution unavailable for %s: %v", documentID, err)
		return map[string]attribution.FieldAttribution{}
	}
	collaborators, err := s.store.ListCollaborators(ctx, documentID)
	if err != nil {
		log.Printf("app: attribution collaborators for %s: %v", documentID, err)
		collaborators = nil
	}
	return attribution.Derive(events, collaborators, s.authorNames(ctx, events))
}

// Highlights computes the colored spans for one section field. Failures
// degrade to a single neutral span over the current text.
func (s *Service) Highlights(ctx context.Context, documentID, sectionID, field string) ([]attribution.Span, error) {
	if !contains(changes.TrackedFields("section"), field) {
		return nil, invalidField("section", field)
	}
	section, err := s.store.GetSection(ctx, documentID, sectionID)
	if err != nil {
		return nil, err
	}
	current := map[string]string{"heading": section.Heading, "body": section.Body}
	currentText := markup.Normalize(current[field])

	events, err := s.store.ListFieldChangeEvents(ctx, documentID, "section", sectionID, field)
	if err != nil {
		log.Printf("app: highlights unavailable for %s/%s/%s: %v", documentID, sectionID, field, err)
		if currentText == "" {
			return []attribution.Span{}, nil
		}
		return []attribution.Span{{Text: currentText}}, nil
	}
	collaborators, err := s.store.ListCollaborators(ctx, documentID)
	if err != nil {
		collaborators = nil
	}

	spans := attribution.ComputeHighlights(currentText, events, collab.ColorsByAuthor(collaborators))
	if spans == nil {
		spans = []attribution.Span{}
	}
	return spans, nil
}

// SearchChanges queries the change-history search backends.
func (s *Service) SearchChanges(ctx context.Context, documentID, text, kind string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		DocumentID: documentID,
		Text:       text,
		FilterKind: kind,
		Limit:      limit,
	})
}

// ---- collaborators ----

// AddCollaborator registers a named author on a document. The user record
// is created on first sight, mirroring how the identity directory hands us
// opaque author ids.
func (s *Service) AddCollaborator(ctx context.Context, documentID, authorName, role string) (CollaboratorView, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return CollaboratorView{}, err
	}
	user, err := s.store.EnsureUserByName(ctx, authorName)
	if err != nil {
		return CollaboratorView{}, fmt.Errorf("ensure collaborator user: %w", err)
	}
	collaborator, err := s.registry.Add(ctx, documentID, user.ID, role)
	if err != nil {
		return CollaboratorView{}, err
	}
	return CollaboratorView{
		AuthorID:   collaborator.AuthorID,
		AuthorName: user.DisplayName,
		Role:       collaborator.Role,
		Color:      collaborator.Color,
		JoinedAt:   collaborator.JoinedAt,
	}, nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, documentID, authorID string) error {
	return s.registry.Remove(ctx, documentID, authorID)
}

func (s *Service) ListCollaborators(ctx context.Context, documentID string) ([]CollaboratorView, error) {
	return s.collaboratorViews(ctx, documentID)
}

func (s *Service) collaboratorViews(ctx context.Context, documentID string) ([]CollaboratorView, error) {
	collaborators, err := s.registry.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(collaborators))
	for _, collaborator := range collaborators {
		ids = append(ids, collaborator.AuthorID)
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		log.Printf("app: resolve collaborator names: %v", err)
		users = map[string]store.User{}
	}

	views := make([]CollaboratorView, 0, len(collaborators))
	for _, collaborator := range collaborators {
		name := collaborator.AuthorID
		if user, ok := users[collaborator.AuthorID]; ok {
			name = user.DisplayName
		}
		views = append(views, CollaboratorView{
			AuthorID:   collaborator.AuthorID,
			AuthorName: name,
			Role:       collaborator.Role,
			Color:      collaborator.Color,
			JoinedAt:   collaborator.JoinedAt,
		})
	}
	return views, nil
}

// ---- helpers ----

// authorNames resolves the distinct author ids in a batch of events.
// Resolution failures fall back to raw ids; attribution never fails a read.
func (s *Service) authorNames(ctx context.Context, events []store.ChangeEvent) map[string]string {
	seen := map[string]struct{}{}
	var ids []string
	for _, event := range events {
		if event.AuthorID == nil {
			continue
		}
		if _, ok := seen[*event.AuthorID]; ok {
			continue
		}
		seen[*event.AuthorID] = struct{}{}
		ids = append(ids, *event.AuthorID)
	}

	names := make(map[string]string, len(ids))
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		log.Printf("app: resolve author names: %v", err)
		return names
	}
	for id, user := range users {
		names[id] = user.DisplayName
	}
	return names
}

func (s *Service) changeView(ctx context.Context, event store.ChangeEvent) ChangeView {
	return changeViewWithNames(event, s.authorNames(ctx, []store.ChangeEvent{event}))
}

func changeViewWithNames(event store.ChangeEvent, names map[string]string) ChangeView {
	view := ChangeView{
		ID:            event.ID,
		DocumentID:    event.DocumentID,
		ContainerType: event.ContainerType,
		ContainerID:   event.ContainerID,
		Field:         event.Field,
		AuthorID:      event.AuthorID,
		OldValue:      event.OldValue,
		NewValue:      event.NewValue,
		Kind:          event.Kind,
		Summary:       event.Summary,
		CreatedAt:     event.CreatedAt,
	}
	switch {
	case event.AuthorID == nil && event.Kind == changes.KindSystem:
		view.AuthorName = attribution.SystemAuthorName
	case event.AuthorID == nil:
		view.AuthorName = attribution.AutoAuthorName
	default:
		if name, ok := names[*event.AuthorID]; ok {
			view.AuthorName = name
		} else {
			view.AuthorName = *event.AuthorID
		}
	}
	return view
}

func (s *Service) indexChange(ctx context.Context, event store.ChangeEvent) {
	if s.search == nil {
		return
	}
	view := s.changeView(ctx, event)
	excerpt := event.NewValue
	if len(excerpt) > excerptLength {
		excerpt = excerpt[:excerptLength]
	}
	s.search.IndexChange(search.Record{
		ID:         event.ID,
		DocumentID: event.DocumentID,
		Field:      event.Field,
		Kind:       event.Kind,
		AuthorName: view.AuthorName,
		Summary:    event.Summary,
		Excerpt:    excerpt,
		CreatedAt:  event.CreatedAt.Unix(),
	})
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
