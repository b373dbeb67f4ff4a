package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher over change_events.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the change_events fts column, with
// ts_headline snippets from the recorded new_value.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := "ce.document_id = $2 AND ce.fts @@ " + tsQuery
	args := []any{q.Text, q.DocumentID}
	if q.FilterKind != "" {
		where += " AND ce.kind = $3"
		args = append(args, q.FilterKind)
	}

	var total int
	countSQL := "SELECT count(*) FROM change_events ce WHERE " + where
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT ce.id, ce.document_id, ce.field, ce.kind,
			coalesce(u.display_name, CASE WHEN ce.author_id IS NULL THEN 'Auto-generated' ELSE ce.author_id END),
			ce.summary,
			ts_headline('english', coalesce(ce.new_value, ''), %s, 'MaxFragments=1,MaxWords=30')
		FROM change_events ce
		LEFT JOIN users u ON u.id = ce.author_id
		WHERE %s
		ORDER BY ts_rank(ce.fts, %s) DESC, ce.created_at DESC
		LIMIT %d`, tsQuery, where, tsQuery, limit)

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Field, &r.Kind, &r.AuthorName, &r.Summary, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
