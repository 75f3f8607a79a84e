package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `number, escrow_number, gig_id, filer_ref, respondent_ref, type,
	description, status, resolution_type, resolver_ref, resolved_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (number, escrow_number, gig_id, filer_ref, respondent_ref,
			type, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.Number, d.EscrowNumber, d.GigID, d.FilerRef, d.RespondentRef,
		d.Type, d.Description, string(d.Status), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, number string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE number = $1`, number)
	return scanDispute(row)
}

func (s *PostgresStore) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM disputes WHERE number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dispute number: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListByEscrow(ctx context.Context, escrowNumber string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE escrow_number = $1 ORDER BY created_at`,
		escrowNumber)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasOpenDispute(ctx context.Context, escrowNumber string) (bool, error) {
	var open bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM disputes
			WHERE escrow_number = $1 AND status NOT IN ('resolved', 'closed'))`,
		escrowNumber).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check open dispute: %w", err)
	}
	return open, nil
}

func (s *PostgresStore) MarkResolved(ctx context.Context, number string, resolution ResolutionType, resolverRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution_type = $2, resolver_ref = $3,
			resolved_at = $4, updated_at = $4
		WHERE number = $1 AND status NOT IN ('resolved', 'closed')`,
		number, string(resolution), resolverRef, at)
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	return s.requireRow(ctx, res, number)
}

func (s *PostgresStore) MarkClosed(ctx context.Context, number string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'closed', updated_at = NOW()
		WHERE number = $1 AND status != 'closed'`, number)
	if err != nil {
		return fmt.Errorf("close dispute: %w", err)
	}
	return s.requireRow(ctx, res, number)
}

func (s *PostgresStore) MarkStatus(ctx context.Context, number string, from []Status, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = $2, updated_at = NOW()
		WHERE number = $1 AND status = ANY($3)`,
		number, string(to), pq.Array(statusStrings(from)))
	if err != nil {
		return fmt.Errorf("update dispute status: %w", err)
	}
	return s.requireRow(ctx, res, number)
}

// requireRow distinguishes a lost guarded transition from a missing row.
func (s *PostgresStore) requireRow(ctx context.Context, res sql.Result, number string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	exists, err := s.NumberExists(ctx, number)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var d Dispute
	var status, resolution, resolver sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.Number, &d.EscrowNumber, &d.GigID, &d.FilerRef, &d.RespondentRef,
		&d.Type, &d.Description, &status, &resolution, &resolver, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.Status = Status(status.String)
	d.ResolutionType = ResolutionType(resolution.String)
	d.ResolverRef = resolver.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
