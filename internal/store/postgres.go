package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, avatar_url FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.scribe.dev'))
		RETURNING id, display_name, email, avatar_url
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar_url FROM users WHERE id=$1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUsersByIDs resolves a batch of author ids to users. Unknown ids are
// simply absent from the result.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, userIDs []string) (map[string]User, error) {
	result := make(map[string]User, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(userIDs))
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, display_name, email, avatar_url FROM users WHERE id IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result[user.ID] = user
	}
	return result, rows.Err()
}

// ---- documents ----

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, subtitle, created_by)
		VALUES ($1, $2, $3, $4)
	`, doc.ID, doc.Title, doc.Subtitle, doc.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, subtitle, created_by, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.Subtitle, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

var documentColumns = map[string]string{
	"title":    "title",
	"subtitle": "subtitle",
}

func (s *PostgresStore) UpdateDocumentField(ctx context.Context, documentID, field, value string) error {
	column, ok := documentColumns[field]
	if !ok {
		return fmt.Errorf("unknown document field %q", field)
	}
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s=$2, updated_at=NOW() WHERE id=$1`, column),
		documentID, value,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", field, err)
	}
	return requireRow(result)
}

// ---- sections ----

func (s *PostgresStore) InsertSection(ctx context.Context, section Section) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (id, document_id, heading, body, sort_order)
		VALUES ($1, $2, $3, $4, $5)
	`, section.ID, section.DocumentID, section.Heading, section.Body, section.SortOrder)
	if err != nil {
		return fmt.Errorf("insert section: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSection(ctx context.Context, documentID, sectionID string) (Section, error) {
	var section Section
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, heading, body, sort_order, updated_at
		FROM sections WHERE id=$1 AND document_id=$2
	`, sectionID, documentID).Scan(
		&section.ID, &section.DocumentID, &section.Heading, &section.Body,
		&section.SortOrder, &section.UpdatedAt,
	)
	if err != nil {
		return Section{}, err
	}
	return section, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, documentID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, heading, body, sort_order, updated_at
		FROM sections WHERE document_id=$1
		ORDER BY sort_order, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var sections []Section
	for rows.Next() {
		var section Section
		if err := rows.Scan(
			&section.ID, &section.DocumentID, &section.Heading, &section.Body,
			&section.SortOrder, &section.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, section)
	}
	return sections, rows.Err()
}

var sectionColumns = map[string]string{
	"heading": "heading",
	"body":    "body",
}

func (s *PostgresStore) UpdateSectionField(ctx context.Context, sectionID, field, value string) error {
	column, ok := sectionColumns[field]
	if !ok {
		return fmt.Errorf("unknown section field %q", field)
	}
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sections SET %s=$2, updated_at=NOW() WHERE id=$1`, column),
		sectionID, value,
	)
	if err != nil {
		return fmt.Errorf("update section %s: %w", field, err)
	}
	return requireRow(result)
}

// ---- change events ----

const changeEventColumns = `id, document_id, container_type, container_id, field,
	author_id, old_value, new_value, kind, summary, created_at`

func (s *PostgresStore) InsertChangeEvent(ctx context.Context, event ChangeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_events
			(id, document_id, container_type, container_id, field, author_id, old_value, new_value, kind, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.ID, event.DocumentID, event.ContainerType, event.ContainerID, event.Field,
		event.AuthorID, event.OldValue, event.NewValue, event.Kind, event.Summary, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// AmendChangeEvent replaces new_value, summary, and created_at in place.
// old_value is deliberately untouched so the event keeps spanning the whole
// editing session.
func (s *PostgresStore) AmendChangeEvent(ctx context.Context, eventID, newValue, summary string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_events SET new_value=$2, summary=$3, created_at=$4 WHERE id=$1
	`, eventID, newValue, summary, at)
	if err != nil {
		return fmt.Errorf("amend change event: %w", err)
	}
	return requireRow(result)
}

// LatestChangeEventSince returns the most recent event for the same
// (container, field, author) key created at or after since, or nil when the
// window is empty. The since bound keeps the query O(1) regardless of
// history length.
func (s *PostgresStore) LatestChangeEventSince(ctx context.Context, documentID, containerType, containerID, field string, authorID *string, since time.Time) (*ChangeEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeEventColumns+`
		FROM change_events
		WHERE document_id=$1 AND container_type=$2 AND container_id=$3 AND field=$4
			AND author_id IS NOT DISTINCT FROM $5
			AND created_at >= $6
		ORDER BY created_at DESC
		LIMIT 1
	`, documentID, containerType, containerID, field, authorID, since)

	event, err := scanChangeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest change event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) GetChangeEvent(ctx context.Context, eventID string) (ChangeEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeEventColumns+` FROM change_events WHERE id=$1`, eventID)
	return scanChangeEvent(row)
}

// ListChangeEvents returns a document's change log, newest first.
func (s *PostgresStore) ListChangeEvents(ctx context.Context, documentID string, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeEventColumns+`
		FROM change_events
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	return collectChangeEvents(rows)
}

// ListFieldChangeEvents returns the events for one field, oldest first, the
// order the highlight segmenter replays them in.
func (s *PostgresStore) ListFieldChangeEvents(ctx context.Context, documentID, containerType, containerID, field string) ([]ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeEventColumns+`
		FROM change_events
		WHERE document_id=$1 AND container_type=$2 AND container_id=$3 AND field=$4
		ORDER BY created_at ASC, id ASC
	`, documentID, containerType, containerID, field)
	if err != nil {
		return nil, fmt.Errorf("list field change events: %w", err)
	}
	return collectChangeEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeEvent(row rowScanner) (ChangeEvent, error) {
	var event ChangeEvent
	err := row.Scan(
		&event.ID, &event.DocumentID, &event.ContainerType, &event.ContainerID,
		&event.Field, &event.AuthorID, &event.OldValue, &event.NewValue,
		&event.Kind, &event.Summary, &event.CreatedAt,
	)
	return event, err
}

func collectChangeEvents(rows *sql.Rows) ([]ChangeEvent, error) {
	defer rows.Close()
	var events []ChangeEvent
	for rows.Next() {
		event, err := scanChangeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ---- collaborators ----

func (s *PostgresStore) CollaboratorCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM collaborators WHERE document_id=$1`, documentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count collaborators: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertCollaborator(ctx context.Context, collaborator Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (id, document_id, author_id, role, color)
		VALUES ($1, $2, $3, $4, $5)
	`, collaborator.ID, collaborator.DocumentID, collaborator.AuthorID, collaborator.Role, collaborator.Color)
	if err != nil {
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaborator(ctx context.Context, documentID, authorID string) (Collaborator, error) {
	var collaborator Collaborator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, author_id, role, color, joined_at
		FROM collaborators WHERE document_id=$1 AND author_id=$2
	`, documentID, authorID).Scan(
		&collaborator.ID, &collaborator.DocumentID, &collaborator.AuthorID,
		&collaborator.Role, &collaborator.Color, &collaborator.JoinedAt,
	)
	if err != nil {
		return Collaborator{}, err
	}
	return collaborator, nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, documentID, authorID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM collaborators WHERE document_id=$1 AND author_id=$2`,
		documentID, authorID,
	)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, role, color, joined_at
		FROM collaborators WHERE document_id=$1
		ORDER BY joined_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []Collaborator
	for rows.Next() {
		var collaborator Collaborator
		if err := rows.Scan(
			&collaborator.ID, &collaborator.DocumentID, &collaborator.AuthorID,
			&collaborator.Role, &collaborator.Color, &collaborator.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collaborators = append(collaborators, collaborator)
	}
	return collaborators, rows.Err()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
