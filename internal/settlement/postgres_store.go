package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/wallet"
)

// PostgresStore persists settlement records in PostgreSQL. Settle and
// Refund each run in a single transaction; the escrow status guard and
// the UNIQUE constraints on transactions and receipts are the storage
// backstop against double settlement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Settle(ctx context.Context, u *SettleUnit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if u.MilestoneSeq > 0 {
		if err := p.releaseMilestoneTx(ctx, tx, u); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = $1, released_at = $2, updated_at = $2
			WHERE number = $3 AND status = ANY($4)`,
			string(escrow.StatusReleased), u.At, u.EscrowNumber, pq.Array(statusStrings(u.FromStatuses)))
		if err != nil {
			return err
		}
		if err := requireEscrowRow(ctx, tx, res, u.EscrowNumber); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			ref, escrow_number, milestone_seq, gig_id, client_ref, freelancer_ref,
			amount, commission, net_amount, withholding_amount,
			payment_method, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.Txn.Ref, u.Txn.EscrowNumber, u.Txn.MilestoneSeq, u.Txn.GigID,
		u.Txn.ClientRef, u.Txn.FreelancerRef,
		u.Txn.Amount, u.Txn.Commission, u.Txn.NetAmount, u.Txn.WithholdingAmount,
		u.Txn.PaymentMethod, u.Txn.Status, u.Txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent release won; nothing from this attempt persists.
			return escrow.ErrConflict
		}
		return err
	}

	for _, r := range u.Receipts {
		if err := insertReceiptTx(ctx, tx, r); err != nil {
			return err
		}
	}

	wh := u.Withholding
	_, err = tx.ExecContext(ctx, `
		INSERT INTO withholdings (
			freelancer_ref, transaction_ref, gig_id,
			gross_amount, commission, net_earnings, amount, final_payout,
			period_year, period_month, remitted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)`,
		wh.FreelancerRef, wh.TransactionRef, wh.GigID,
		wh.GrossAmount, wh.Commission, wh.NetEarnings, wh.Amount, wh.FinalPayout,
		wh.PeriodYear, wh.PeriodMonth, wh.CreatedAt)
	if err != nil {
		return err
	}

	if err := wallet.CreditTx(ctx, tx, u.Txn.FreelancerRef, u.CreditAmount, u.Txn.Ref,
		fmt.Sprintf("settlement of escrow %s", u.EscrowNumber)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) releaseMilestoneTx(ctx context.Context, tx *sql.Tx, u *SettleUnit) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE milestones SET status = $1, released_at = $2, updated_at = $2
		WHERE escrow_number = $3 AND sequence = $4 AND status = ANY($5)`,
		string(escrow.MilestoneReleased), u.At, u.EscrowNumber, u.MilestoneSeq,
		pq.Array(milestoneStatusStrings(u.FromMilestoneStatuses)))
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
			`SELECT EXISTS(SELECT 1 FROM milestones WHERE escrow_number = $1 AND sequence = $2)`,
			u.EscrowNumber, u.MilestoneSeq).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return escrow.ErrMilestoneNotFound
		}
		return escrow.ErrConflict
	}

	// The parent escrow is released once its last milestone releases.
	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM milestones
		WHERE escrow_number = $1 AND status <> $2`,
		u.EscrowNumber, string(escrow.MilestoneReleased)).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = $1, released_at = $2, updated_at = $2
			WHERE number = $3`,
			string(escrow.StatusReleased), u.At, u.EscrowNumber)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Refund(ctx context.Context, u *RefundUnit) (escrow.Status, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var newStatus string
	err = tx.QueryRowContext(ctx, `
		UPDATE escrows SET
			refunded_amount = refunded_amount + $1,
			status = CASE WHEN refunded_amount + $1 = amount THEN $2 ELSE $3 END,
			refunded_at = COALESCE(refunded_at, $4),
			updated_at = $4
		WHERE number = $5
		  AND status = ANY($6)
		  AND refunded_amount + $1 <= amount
		RETURNING status`,
		u.Amount, string(escrow.StatusRefunded), string(escrow.StatusPartialRefund),
		u.At, u.EscrowNumber, pq.Array(statusStrings(u.FromStatuses))).Scan(&newStatus)
	if err == sql.ErrNoRows {
		return "", p.classifyRefundFailure(ctx, tx, u)
	}
	if err != nil {
		return "", err
	}

	if err := insertReceiptTx(ctx, tx, u.Receipt); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return escrow.Status(newStatus), nil
}

func (p *PostgresStore) classifyRefundFailure(ctx context.Context, tx *sql.Tx, u *RefundUnit) error {
	var status string
	var remaining decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT status, amount - refunded_amount FROM escrows WHERE number = $1`,
		u.EscrowNumber).Scan(&status, &remaining)
	if err == sql.ErrNoRows {
		return escrow.ErrNotFound
	}
	if err != nil {
		return err
	}
	for _, f := range u.FromStatuses {
		if escrow.Status(status) == f {
			return escrow.ErrInvalidAmount
		}
	}
	return escrow.ErrConflict
}

func insertReceiptTx(ctx context.Context, tx *sql.Tx, r *Receipt) error {
	// One settlement receipt per escrow+type+owner: duplicates are skipped
	// by the partial unique index, never duplicated. Refund receipts are
	// one-per-refund and fall outside the index.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (
			number, type, escrow_number, owner_ref, amount, gateway_ref, description, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (escrow_number, type, owner_ref)
		WHERE escrow_number IS NOT NULL AND type <> 'refund' DO NOTHING`,
		r.Number, string(r.Type), r.EscrowNumber, r.OwnerRef, r.Amount,
		r.GatewayRef, r.Description, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, escrowNumber string, milestoneSeq int) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT ref, escrow_number, milestone_seq, gig_id, client_ref, freelancer_ref,
		       amount, commission, net_amount, withholding_amount,
		       COALESCE(payment_method, ''), status, created_at
		FROM transactions WHERE escrow_number = $1 AND milestone_seq = $2`,
		escrowNumber, milestoneSeq)

	t := &Transaction{}
	var amount, commission, net, withholding string
	err := row.Scan(&t.Ref, &t.EscrowNumber, &t.MilestoneSeq, &t.GigID, &t.ClientRef, &t.FreelancerRef,
		&amount, &commission, &net, &withholding, &t.PaymentMethod, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan txn amount: %w", err)
	}
	if t.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("scan txn commission: %w", err)
	}
	if t.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("scan txn net: %w", err)
	}
	if t.WithholdingAmount, err = decimal.NewFromString(withholding); err != nil {
		return nil, fmt.Errorf("scan txn withholding: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) TransactionRefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE ref = $1)`, ref).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertReceiptTx(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

const receiptColumns = `number, type, COALESCE(escrow_number, ''), owner_ref, amount,
	       COALESCE(gateway_ref, ''), COALESCE(description, ''), created_at`

func (p *PostgresStore) GetReceipt(ctx context.Context, number string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE number = $1`, number)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ReceiptNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM receipts WHERE number = $1)`, number).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ReceiptsByEscrow(ctx context.Context, escrowNumber string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE escrow_number = $1 ORDER BY created_at`, escrowNumber)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListWithholdings(ctx context.Context, year, month int) ([]*Withholding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, freelancer_ref, transaction_ref, gig_id,
		       gross_amount, commission, net_earnings, amount, final_payout,
		       period_year, period_month, remitted, COALESCE(remittance_ref, ''), created_at
		FROM withholdings
		WHERE period_year = $1 AND period_month = $2
		ORDER BY id`, year, month)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Withholding
	for rows.Next() {
		w := &Withholding{}
		var gross, commission, net, amount, payout string
		if err := rows.Scan(&w.ID, &w.FreelancerRef, &w.TransactionRef, &w.GigID,
			&gross, &commission, &net, &amount, &payout,
			&w.PeriodYear, &w.PeriodMonth, &w.Remitted, &w.RemittanceRef, &w.CreatedAt); err != nil {
			return nil, err
		}
		if w.GrossAmount, err = decimal.NewFromString(gross); err != nil {
			return nil, err
		}
		if w.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, err
		}
		if w.NetEarnings, err = decimal.NewFromString(net); err != nil {
			return nil, err
		}
		if w.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if w.FinalPayout, err = decimal.NewFromString(payout); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkWithholdingsRemitted(ctx context.Context, ids []int64, remittanceRef string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE withholdings SET remitted = true, remittance_ref = $1
		WHERE id = ANY($2) AND remitted = false`,
		remittanceRef, pq.Array(ids))
	return err
}

func scanReceipt(s interface{ Scan(...interface{}) error }) (*Receipt, error) {
	r := &Receipt{}
	var rtype, amount string
	err := s.Scan(&r.Number, &rtype, &r.EscrowNumber, &r.OwnerRef, &amount,
		&r.GatewayRef, &r.Description, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = ReceiptType(rtype)
	var perr error
	if r.Amount, perr = decimal.NewFromString(amount); perr != nil {
		return nil, fmt.Errorf("scan receipt amount: %w", perr)
	}
	return r, nil
}

func requireEscrowRow(ctx context.Context, tx *sql.Tx, res sql.Result, number string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrows WHERE number = $1)`, number).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return escrow.ErrNotFound
	}
	return escrow.ErrConflict
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func statusStrings(ss []escrow.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func milestoneStatusStrings(ss []escrow.MilestoneStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
