package reconciliation

import (
	"context"
	"database/sql"
)

func countQuery(db *sql.DB, query string) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		var n int
		if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// PostgresChecks returns the standard consistency checks over the
// application schema.
func PostgresChecks(db *sql.DB) []Check {
	return []Check{
		{
			// Escrows created but never confirmed by the payment gateway.
			Name: "stale_pending_escrows",
			Run: countQuery(db, `
				SELECT count(*) FROM escrows
				WHERE status = 'pending'
				  AND created_at < now() - interval '7 days'`),
		},
		{
			// Disputes that have been sitting unresolved too long.
			Name: "stale_disputes",
			Run: countQuery(db, `
				SELECT count(*) FROM disputes
				WHERE status NOT IN ('resolved', 'closed')
				  AND created_at < now() - interval '14 days'`),
		},
		{
			// Gateway events accepted but never dispatched.
			Name: "unprocessed_gateway_events",
			Run: countQuery(db, `
				SELECT count(*) FROM gateway_events
				WHERE processed_at IS NULL
				  AND received_at < now() - interval '1 hour'`),
		},
		{
			// A balance must equal the sum of its entries. The schema cannot
			// enforce this across tables, so drift means a bug or a partial write.
			Name: "drifted_balances",
			Run: countQuery(db, `
				SELECT count(*) FROM wallet_balances b
				WHERE b.available <> COALESCE((
					SELECT sum(CASE WHEN e.type = 'payout_debit' THEN -e.amount ELSE e.amount END)
					FROM wallet_entries e
					WHERE e.freelancer_ref = b.freelancer_ref
				), 0)`),
		},
		{
			// Payouts stuck in processing.
			Name: "stuck_payouts",
			Run: countQuery(db, `
				SELECT count(*) FROM payouts
				WHERE status = 'processing'
				  AND updated_at < now() - interval '24 hours'`),
		},
	}
}
