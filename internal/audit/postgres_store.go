package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresTrail persists audit entries in PostgreSQL.
type PostgresTrail struct {
	db *sql.DB
}

func NewPostgresTrail(db *sql.DB) *PostgresTrail {
	return &PostgresTrail{db: db}
}

func (p *PostgresTrail) Record(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, actor, operation, reference, amount, outcome, detail, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Actor, e.Operation, nullString(e.Reference), nullString(e.Amount),
		string(e.Outcome), nullString(e.Detail), nullString(e.RequestID), e.CreatedAt,
	)
	return err
}

func (p *PostgresTrail) Query(ctx context.Context, actor, operation string, from, to time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor, operation, COALESCE(reference, ''), COALESCE(amount, ''),
		       outcome, COALESCE(detail, ''), COALESCE(request_id, ''), created_at
		FROM audit_entries
		WHERE ($1 = '' OR actor = $1)
		  AND ($2 = '' OR operation = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
		LIMIT $5`,
		actor, operation, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var outcome string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Operation, &e.Reference, &e.Amount,
			&outcome, &e.Detail, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
