package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"scribe/api/internal/changes"
	"scribe/api/internal/collab"
	"scribe/api/internal/config"
	"scribe/api/internal/store"
	"scribe/api/internal/textdiff"
)

// fakeStore backs the service, the change recorder, and the collaborator
// registry with in-memory state.
type fakeStore struct {
	users         map[string]store.User
	documents     map[string]store.Document
	sections      map[string]store.Section
	events        []store.ChangeEvent
	collaborators []store.Collaborator

	getSectionFn       func(ctx context.Context, documentID, sectionID string) (store.Section, error)
	listChangeEventsFn func(ctx context.Context, documentID string, limit int) ([]store.ChangeEvent, error)
	insertChangeFn     func(ctx context.Context, event store.ChangeEvent) error
	latestChangeFn     func(ctx context.Context, documentID, containerType, containerID, field string, authorID *string, since time.Time) (*store.ChangeEvent, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]store.User{},
		documents: map[string]store.Document{},
		sections:  map[string]store.Section{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: "usr_" + strings.ToLower(name), DisplayName: name}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]store.User, error) {
	out := map[string]store.User{}
	for _, id := range ids {
		if user, ok := f.users[id]; ok {
			out[id] = user
		}
	}
	return out, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, doc store.Document) error {
	f.documents[doc.ID] = doc
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	doc, ok := f.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (f *fakeStore) UpdateDocumentField(_ context.Context, id, field, value string) error {
	doc, ok := f.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	switch field {
	case "title":
		doc.Title = value
	case "subtitle":
		doc.Subtitle = value
	}
	f.documents[id] = doc
	return nil
}

func (f *fakeStore) InsertSection(_ context.Context, section store.Section) error {
	f.sections[section.ID] = section
	return nil
}

func (f *fakeStore) GetSection(ctx context.Context, documentID, sectionID string) (store.Section, error) {
	if f.getSectionFn != nil {
		return f.getSectionFn(ctx, documentID, sectionID)
	}
	section, ok := f.sections[sectionID]
	if !ok || section.DocumentID != documentID {
		return store.Section{}, sql.ErrNoRows
	}
	return section, nil
}

func (f *fakeStore) ListSections(_ context.Context, documentID string) ([]store.Section, error) {
	var out []store.Section
	for _, section := range f.sections {
		if section.DocumentID == documentID {
			out = append(out, section)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSectionField(_ context.Context, sectionID, field, value string) error {
	section, ok := f.sections[sectionID]
	if !ok {
		return sql.ErrNoRows
	}
	switch field {
	case "heading":
		section.Heading = value
	case "body":
		section.Body = value
	}
	f.sections[sectionID] = section
	return nil
}

func (f *fakeStore) ListChangeEvents(ctx context.Context, documentID string, limit int) ([]store.ChangeEvent, error) {
	if f.listChangeEventsFn != nil {
		return f.listChangeEventsFn(ctx, documentID, limit)
	}
	var out []store.ChangeEvent
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].DocumentID == documentID {
			out = append(out, f.events[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListFieldChangeEvents(_ context.Context, documentID, containerType, containerID, field string) ([]store.ChangeEvent, error) {
	var out []store.ChangeEvent
	for _, event := range f.events {
		if event.DocumentID == documentID && event.ContainerType == containerType &&
			event.ContainerID == containerID && event.Field == field {
			out = append(out, event)
		}
	}
	return out, nil
}

// changes.Log

func (f *fakeStore) LatestChangeEventSince(ctx context.Context, documentID, containerType, containerID, field string, authorID *string, since time.Time) (*store.ChangeEvent, error) {
	if f.latestChangeFn != nil {
		return f.latestChangeFn(ctx, documentID, containerType, containerID, field, authorID, since)
	}
	for i := len(f.events) - 1; i >= 0; i-- {
		event := f.events[i]
		if event.DocumentID != documentID || event.ContainerType != containerType ||
			event.ContainerID != containerID || event.Field != field {
			continue
		}
		if (event.AuthorID == nil) != (authorID == nil) {
			continue
		}
		if event.AuthorID != nil && *event.AuthorID != *authorID {
			continue
		}
		if event.CreatedAt.Before(since) {
			continue
		}
		found := event
		return &found, nil
	}
	return nil, nil
}

func (f *fakeStore) GetChangeEvent(_ context.Context, eventID string) (store.ChangeEvent, error) {
	for _, event := range f.events {
		if event.ID == eventID {
			return event, nil
		}
	}
	return store.ChangeEvent{}, sql.ErrNoRows
}

func (f *fakeStore) InsertChangeEvent(ctx context.Context, event store.ChangeEvent) error {
	if f.insertChangeFn != nil {
		return f.insertChangeFn(ctx, event)
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) AmendChangeEvent(_ context.Context, eventID, newValue, summary string, at time.Time) error {
	for i := range f.events {
		if f.events[i].ID == eventID {
			f.events[i].NewValue = newValue
			f.events[i].Summary = summary
			f.events[i].CreatedAt = at
			return nil
		}
	}
	return sql.ErrNoRows
}

// collab.Store

func (f *fakeStore) CollaboratorCount(_ context.Context, documentID string) (int, error) {
	count := 0
	for _, c := range f.collaborators {
		if c.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) InsertCollaborator(_ context.Context, collaborator store.Collaborator) error {
	f.collaborators = append(f.collaborators, collaborator)
	return nil
}

func (f *fakeStore) GetCollaborator(_ context.Context, documentID, authorID string) (store.Collaborator, error) {
	for _, c := range f.collaborators {
		if c.DocumentID == documentID && c.AuthorID == authorID {
			return c, nil
		}
	}
	return store.Collaborator{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteCollaborator(_ context.Context, documentID, authorID string) error {
	kept := f.collaborators[:0]
	for _, c := range f.collaborators {
		if c.DocumentID == documentID && c.AuthorID == authorID {
			continue
		}
		kept = append(kept, c)
	}
	f.collaborators = kept
	return nil
}

func (f *fakeStore) ListCollaborators(_ context.Context, documentID string) ([]store.Collaborator, error) {
	var out []store.Collaborator
	for _, c := range f.collaborators {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, changes.Input) (store.ChangeEvent, error) {
	return store.ChangeEvent{}, errors.New("change log unavailable")
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{CoalesceWindow: 30 * time.Second},
		store:    fs,
		recorder: changes.NewRecorder(fs, nil, 30*time.Second),
		registry: collab.NewRegistry(fs),
	}
}

func TestCreateDocument(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	payload, err := svc.CreateDocument(context.Background(), "Launch plan", "", "Alice")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	if payload.Document.Title != "Launch plan" {
		t.Errorf("title = %q", payload.Document.Title)
	}
	if len(payload.Sections) != 1 {
		t.Fatalf("expected one starter section, got %d", len(payload.Sections))
	}
	if len(payload.Collaborators) != 1 {
		t.Fatalf("expected the owner as sole collaborator, got %d", len(payload.Collaborators))
	}
	owner := payload.Collaborators[0]
	if owner.Role != collab.RoleOwner {
		t.Errorf("owner role = %q", owner.Role)
	}
	if owner.Color != collab.Palette[0] {
		t.Errorf("owner color = %q, want the first palette color", owner.Color)
	}
	if owner.AuthorName != "Alice" {
		t.Errorf("owner name = %q", owner.AuthorName)
	}
}

func TestSaveSectionRecordsChange(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, err := svc.CreateDocument(ctx, "Doc", "", "Alice")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	docID := payload.Document.ID
	sectionID := payload.Sections[0].ID
	alice := payload.Collaborators[0].AuthorID

	result, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"heading": "<h1>The quick brown fox</h1>"},
	})
	if err != nil {
		t.Fatalf("save section: %v", err)
	}

	if len(result.ChangedFields) != 1 || result.ChangedFields[0] != "heading" {
		t.Fatalf("changed fields = %v", result.ChangedFields)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected one change event, got %d", len(result.Events))
	}
	event := result.Events[0]
	if event.Summary != textdiff.SummaryAdded {
		t.Errorf("summary = %q, want %q", event.Summary, textdiff.SummaryAdded)
	}
	if event.Kind != changes.KindHuman {
		t.Errorf("kind = %q, want %q", event.Kind, changes.KindHuman)
	}
	if event.NewValue != "The quick brown fox" {
		t.Errorf("new_value = %q, want the normalized plain text", event.NewValue)
	}
	if event.AuthorName != "Alice" {
		t.Errorf("author name = %q", event.AuthorName)
	}

	// The raw markup is persisted; only the change log is normalized.
	section := fs.sections[sectionID]
	if section.Heading != "<h1>The quick brown fox</h1>" {
		t.Errorf("stored heading = %q, want the raw markup", section.Heading)
	}
}

func TestSaveSectionAICoalescesWithinWindow(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, err := svc.CreateDocument(ctx, "Doc", "", "Alice")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	docID := payload.Document.ID
	sectionID := payload.Sections[0].ID
	alice := payload.Collaborators[0].AuthorID

	if _, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"body": "<p>The quick brown fox</p>"},
	}); err != nil {
		t.Fatalf("human save: %v", err)
	}

	// An AI rewrite moments later must not amend the human's event.
	if _, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: nil,
		Fields:   map[string]string{"body": "<p>The swift brown fox</p>"},
	}); err != nil {
		t.Fatalf("ai save: %v", err)
	}

	views, err := svc.ListChanges(ctx, docID, 0)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 events (human + ai), got %d", len(views))
	}
	latest := views[0]
	if latest.Kind != changes.KindAI {
		t.Errorf("latest kind = %q, want %q", latest.Kind, changes.KindAI)
	}
	if latest.AuthorName != "Auto-generated" {
		t.Errorf("latest author = %q, want Auto-generated", latest.AuthorName)
	}
	if latest.Summary != textdiff.SummaryEdited {
		t.Errorf("latest summary = %q, want %q", latest.Summary, textdiff.SummaryEdited)
	}

	// The AI event, being most recent, owns the field attribution.
	attr := svc.Attribution(ctx, docID)
	bodyAttr, ok := attr["section/"+sectionID+"/body"]
	if !ok {
		t.Fatalf("no attribution for the section body, got %v", attr)
	}
	if bodyAttr.AuthorName != "Auto-generated" || bodyAttr.Kind != changes.KindAI {
		t.Errorf("body attribution = %+v, want the ai event", bodyAttr)
	}
}

func TestSaveSectionMarkupOnlyEditNotRecorded(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Doc", "", "Alice")
	docID := payload.Document.ID
	sectionID := payload.Sections[0].ID
	alice := payload.Collaborators[0].AuthorID

	if _, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"body": "<p>Hello world</p>"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := len(fs.events)

	result, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"body": "<div>Hello <b>world</b></div>"},
	})
	if err != nil {
		t.Fatalf("markup-only save: %v", err)
	}
	if len(result.ChangedFields) != 0 {
		t.Errorf("changed fields = %v, want none", result.ChangedFields)
	}
	if len(fs.events) != before {
		t.Errorf("markup-only edit produced a change event")
	}
	// But the new markup is still persisted.
	if fs.sections[sectionID].Body != "<div>Hello <b>world</b></div>" {
		t.Errorf("stored body = %q", fs.sections[sectionID].Body)
	}
}

func TestSaveSectionUntrackedFieldRejected(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Doc", "", "Alice")

	_, err := svc.SaveSection(ctx, payload.Document.ID, payload.Sections[0].ID, SaveInput{
		Fields: map[string]string{"color": "red"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 400 || domainErr.Code != "INVALID_FIELD" {
		t.Fatalf("unexpected error: %+v", domainErr)
	}
}

func TestSaveSurvivesRecorderFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.recorder = failingRecorder{}
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Doc", "", "Alice")
	docID := payload.Document.ID
	sectionID := payload.Sections[0].ID

	result, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		Fields: map[string]string{"body": "<p>content</p>"},
	})
	if err != nil {
		t.Fatalf("save must succeed when change tracking is down: %v", err)
	}
	if len(result.ChangedFields) != 1 {
		t.Errorf("changed fields = %v", result.ChangedFields)
	}
	if len(result.Events) != 0 {
		t.Errorf("events = %v, want none recorded", result.Events)
	}
	if fs.sections[sectionID].Body != "<p>content</p>" {
		t.Errorf("content was not persisted: %q", fs.sections[sectionID].Body)
	}
}

func TestSaveDocumentMeta(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Old title", "", "Alice")
	docID := payload.Document.ID
	alice := payload.Collaborators[0].AuthorID

	result, err := svc.SaveDocumentMeta(ctx, docID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"title": "New title"},
	})
	if err != nil {
		t.Fatalf("save meta: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Field != "title" {
		t.Fatalf("events = %+v", result.Events)
	}
	if result.Events[0].ContainerType != "document" {
		t.Errorf("container type = %q", result.Events[0].ContainerType)
	}
	if fs.documents[docID].Title != "New title" {
		t.Errorf("stored title = %q", fs.documents[docID].Title)
	}
}

func TestAttributionDegradesOnStoreFailure(t *testing.T) {
	fs := newFakeStore()
	fs.listChangeEventsFn = func(context.Context, string, int) ([]store.ChangeEvent, error) {
		return nil, errors.New("connection refused")
	}
	svc := newTestService(fs)

	attr := svc.Attribution(context.Background(), "doc_1")
	if attr == nil {
		t.Fatal("attribution must degrade to an empty map, not nil")
	}
	if len(attr) != 0 {
		t.Fatalf("attribution = %v, want empty", attr)
	}
}

func TestHighlightsRejectsUntrackedField(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	_, err := svc.Highlights(context.Background(), "doc_1", "sec_1", "color")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_FIELD" {
		t.Fatalf("expected INVALID_FIELD, got %v", err)
	}
}

func TestHighlightsEndToEnd(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Doc", "", "Alice")
	docID := payload.Document.ID
	sectionID := payload.Sections[0].ID
	alice := payload.Collaborators[0].AuthorID

	if _, err := svc.SaveSection(ctx, docID, sectionID, SaveInput{
		AuthorID: &alice,
		Fields:   map[string]string{"body": "<p>The quick brown fox</p>"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	spans, err := svc.Highlights(ctx, docID, sectionID, "body")
	if err != nil {
		t.Fatalf("highlights: %v", err)
	}
	var rebuilt strings.Builder
	colored := false
	for _, span := range spans {
		rebuilt.WriteString(span.Text)
		if span.Color == collab.Palette[0] {
			colored = true
		}
	}
	if rebuilt.String() != "The quick brown fox" {
		t.Fatalf("spans reassemble to %q", rebuilt.String())
	}
	if !colored {
		t.Fatal("expected the author's palette color on the inserted text")
	}
}

func TestCollaboratorLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	payload, _ := svc.CreateDocument(ctx, "Doc", "", "Alice")
	docID := payload.Document.ID
	owner := payload.Collaborators[0].AuthorID

	bob, err := svc.AddCollaborator(ctx, docID, "Bob", collab.RoleEditor)
	if err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if bob.Color != collab.Palette[1] {
		t.Errorf("second collaborator color = %q, want %q", bob.Color, collab.Palette[1])
	}
	if bob.AuthorName != "Bob" {
		t.Errorf("collaborator name = %q", bob.AuthorName)
	}

	if err := svc.RemoveCollaborator(ctx, docID, owner); !errors.Is(err, collab.ErrProtectedRole) {
		t.Fatalf("removing owner returned %v, want ErrProtectedRole", err)
	}
	if err := svc.RemoveCollaborator(ctx, docID, bob.AuthorID); err != nil {
		t.Fatalf("removing editor: %v", err)
	}

	remaining, err := svc.ListCollaborators(ctx, docID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AuthorID != owner {
		t.Fatalf("remaining = %+v, want only the owner", remaining)
	}
}

func TestAddCollaboratorUnknownDocument(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	_, err := svc.AddCollaborator(context.Background(), "doc_missing", "Bob", collab.RoleEditor)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for a missing document, got %v", err)
	}
}

func TestSearchChangesWithoutBackend(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	response := svc.SearchChanges(context.Background(), "doc_1", "fox", "", 10)
	if response.Results == nil {
		t.Fatal("results must be an empty slice, not nil")
	}
	if len(response.Results) != 0 {
		t.Fatalf("results = %+v, want empty", response.Results)
	}
}
