package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrows and milestones in PostgreSQL.
//
// Transitions are conditional UPDATEs on the expected prior status; a
// zero-row result against an existing record means the caller lost the
// race and gets ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, ms []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			number, gig_id, client_ref, freelancer_ref,
			amount, platform_fee, net_amount, refunded_amount,
			status, gateway_ref, created_at, funded_at, released_at, refunded_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.Number, e.GigID, e.ClientRef, e.FreelancerRef,
		e.Amount, e.PlatformFee, e.NetAmount, e.RefundedAmount,
		string(e.Status), nullString(e.GatewayRef),
		e.CreatedAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.UpdatedAt,
	)
	if err != nil {
		// The gig already holds an escrow.
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	for _, mi := range ms {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (
				escrow_number, sequence, title, amount, status, released_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			mi.EscrowNumber, mi.Sequence, mi.Title, mi.Amount,
			string(mi.Status), nullTime(mi.ReleasedAt), mi.CreatedAt, mi.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const escrowColumns = `number, gig_id, client_ref, freelancer_ref,
	       amount, platform_fee, net_amount, refunded_amount,
	       status, gateway_ref, created_at, funded_at, released_at, refunded_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, number string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE number = $1`, number)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByGig(ctx context.Context, gigID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE gig_id = $1`, gigID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByGatewayRef(ctx context.Context, gatewayRef string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE gateway_ref = $1`, gatewayRef)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrows WHERE number = $1)`, number).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyRef string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE client_ref = $1 OR freelancer_ref = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyRef, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

const milestoneColumns = `escrow_number, sequence, title, amount, status, released_at, created_at, updated_at`

func (p *PostgresStore) Milestones(ctx context.Context, number string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones WHERE escrow_number = $1
		ORDER BY sequence`, number)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		mi, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mi)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetMilestone(ctx context.Context, number string, seq int) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones WHERE escrow_number = $1 AND sequence = $2`, number, seq)
	mi, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ErrMilestoneNotFound
	}
	return mi, err
}

func (p *PostgresStore) MarkFunded(ctx context.Context, number, gatewayRef string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows
		SET status = $1, gateway_ref = $2, funded_at = $3, updated_at = $3
		WHERE number = $4 AND status = $5`,
		string(StatusFunded), gatewayRef, at, number, string(StatusPending))
	if err != nil {
		return err
	}
	if err := p.requireRow(ctx, res, number); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE milestones SET status = $1, updated_at = $2
		WHERE escrow_number = $3 AND status = $4`,
		string(MilestoneFunded), at, number, string(MilestonePending))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, number string) error {
	return p.transition(ctx, number, []Status{StatusFunded, StatusPartialRefund}, StatusDisputed)
}

func (p *PostgresStore) ReopenFunded(ctx context.Context, number string) error {
	return p.transition(ctx, number, []Status{StatusDisputed}, StatusFunded)
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, number string) error {
	return p.transition(ctx, number, []Status{StatusPending}, StatusCancelled)
}

func (p *PostgresStore) transition(ctx context.Context, number string, from []Status, to Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, updated_at = now()
		WHERE number = $2 AND status = ANY($3)`,
		string(to), number, pq.Array(statusStrings(from)))
	if err != nil {
		return err
	}
	return p.requireRow(ctx, res, number)
}

func (p *PostgresStore) MarkMilestoneStatus(ctx context.Context, number string, seq int, from, to MilestoneStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET status = $1, updated_at = $2
		WHERE escrow_number = $3 AND sequence = $4 AND status = $5`,
		string(to), at, number, seq, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM milestones WHERE escrow_number = $1 AND sequence = $2)`,
			number, seq).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMilestoneNotFound
		}
		return ErrConflict
	}
	return nil
}

// requireRow maps a zero-row conditional update to ErrConflict (record
// exists in another state) or ErrNotFound.
func (p *PostgresStore) requireRow(ctx context.Context, res sql.Result, number string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	exists, err := p.NumberExists(ctx, number)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                          string
		amount, fee, net, refunded      string
		gatewayRef                      sql.NullString
		fundedAt, releasedAt, refundedAt sql.NullTime
	)
	err := s.Scan(
		&e.Number, &e.GigID, &e.ClientRef, &e.FreelancerRef,
		&amount, &fee, &net, &refunded,
		&status, &gatewayRef,
		&e.CreatedAt, &fundedAt, &releasedAt, &refundedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if e.PlatformFee, err = parseNumeric(fee); err != nil {
		return nil, err
	}
	if e.NetAmount, err = parseNumeric(net); err != nil {
		return nil, err
	}
	if e.RefundedAmount, err = parseNumeric(refunded); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if gatewayRef.Valid {
		e.GatewayRef = gatewayRef.String
	}
	e.FundedAt = timePtr(fundedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	return e, nil
}

func scanMilestone(s scanner) (*Milestone, error) {
	mi := &Milestone{}
	var (
		status     string
		amount     string
		releasedAt sql.NullTime
	)
	err := s.Scan(&mi.EscrowNumber, &mi.Sequence, &mi.Title, &amount, &status,
		&releasedAt, &mi.CreatedAt, &mi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if mi.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	mi.Status = MilestoneStatus(status)
	mi.ReleasedAt = timePtr(releasedAt)
	return mi, nil
}

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("scan numeric %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
