package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists wallet data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, freelancerRef string) (*Balance, error) {
	b := &Balance{FreelancerRef: freelancerRef}
	var available, totalIn, totalOut string
	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM wallet_balances WHERE freelancer_ref = $1`, freelancerRef).
		Scan(&available, &totalIn, &totalOut, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		b.Available, b.TotalIn, b.TotalOut = decimal.Zero, decimal.Zero, decimal.Zero
		b.UpdatedAt = time.Now().UTC()
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("scan available: %w", err)
	}
	if b.TotalIn, err = decimal.NewFromString(totalIn); err != nil {
		return nil, fmt.Errorf("scan total_in: %w", err)
	}
	if b.TotalOut, err = decimal.NewFromString(totalOut); err != nil {
		return nil, fmt.Errorf("scan total_out: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) Credit(ctx context.Context, freelancerRef string, amount decimal.Decimal, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditTx(ctx, tx, freelancerRef, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// creditTx performs the balance upsert and entry insert inside an existing
// transaction. Shared with the settlement store's atomic unit.
func creditTx(ctx context.Context, tx *sql.Tx, freelancerRef string, amount decimal.Decimal, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_balances (freelancer_ref, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $2, 0, now())
		ON CONFLICT (freelancer_ref) DO UPDATE SET
			available = wallet_balances.available + EXCLUDED.available,
			total_in = wallet_balances.total_in + EXCLUDED.total_in,
			updated_at = now()`,
		freelancerRef, amount)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (freelancer_ref, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		freelancerRef, EntryCredit, amount, reference, description)
	return err
}

// CreditTx exposes creditTx for the settlement store.
func CreditTx(ctx context.Context, tx *sql.Tx, freelancerRef string, amount decimal.Decimal, reference, description string) error {
	return creditTx(ctx, tx, freelancerRef, amount, reference, description)
}

func (p *PostgresStore) History(ctx context.Context, freelancerRef string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, freelancer_ref, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM wallet_entries
		WHERE freelancer_ref = $1
		ORDER BY id DESC
		LIMIT $2`, freelancerRef, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		if err := rows.Scan(&e.ID, &e.FreelancerRef, &e.Type, &amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("scan entry amount: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreatePayout(ctx context.Context, payout *Payout) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Conditional debit: only applies when the balance covers the amount.
	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_balances
		SET available = available - $1, total_out = total_out + $1, updated_at = now()
		WHERE freelancer_ref = $2 AND available >= $1`,
		payout.Amount, payout.FreelancerRef)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (freelancer_ref, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, 'payout requested', now())`,
		payout.FreelancerRef, EntryPayoutDebit, payout.Amount, payout.Number)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (
			number, freelancer_ref, amount, fee, net_amount, destination,
			status, failure_reason, created_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, NULL, $9)`,
		payout.Number, payout.FreelancerRef, payout.Amount, payout.Fee, payout.NetAmount,
		payout.Destination, string(payout.Status), payout.CreatedAt, payout.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetPayout(ctx context.Context, number string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT number, freelancer_ref, amount, fee, net_amount, destination,
		       status, COALESCE(failure_reason, ''), created_at, completed_at, updated_at
		FROM payouts WHERE number = $1`, number)

	po := &Payout{}
	var (
		amount, fee, net string
		status           string
		completedAt      sql.NullTime
	)
	err := row.Scan(&po.Number, &po.FreelancerRef, &amount, &fee, &net, &po.Destination,
		&status, &po.FailureReason, &po.CreatedAt, &completedAt, &po.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	if po.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan payout amount: %w", err)
	}
	if po.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("scan payout fee: %w", err)
	}
	if po.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("scan payout net: %w", err)
	}
	po.Status = PayoutStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		po.CompletedAt = &t
	}
	return po, nil
}

func (p *PostgresStore) PayoutNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payouts WHERE number = $1)`, number).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkPayout(ctx context.Context, number string, from []PayoutStatus, to PayoutStatus, reason string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := sql.NullTime{}
	if to == PayoutCompleted {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE payouts
		SET status = $1, failure_reason = NULLIF($2, ''), completed_at = COALESCE($3, completed_at), updated_at = $4
		WHERE number = $5 AND status = ANY($6)`,
		string(to), reason, completedAt, at, number, pq.Array(payoutStatusStrings(from)))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payouts WHERE number = $1)`, number).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPayoutNotFound
		}
		return ErrConflict
	}

	if to == PayoutFailed || to == PayoutCancelled {
		var freelancerRef, amount string
		if err := tx.QueryRowContext(ctx,
			`SELECT freelancer_ref, amount FROM payouts WHERE number = $1`, number).
			Scan(&freelancerRef, &amount); err != nil {
			return err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("scan refund amount: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_balances
			SET available = available + $1, total_out = total_out - $1, updated_at = now()
			WHERE freelancer_ref = $2`, amt, freelancerRef)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_entries (freelancer_ref, type, amount, reference, description, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			freelancerRef, EntryPayoutRefund, amt, number, reason)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func payoutStatusStrings(ss []PayoutStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
