package gateway

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the webhook event log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ClaimEvent relies on the primary key for deduplication: a redelivered
// event id touches zero rows unless the previous attempt failed, in
// which case the claim is re-taken so the retry can run.
func (s *PostgresStore) ClaimEvent(ctx context.Context, e *Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_events (id, type, payment_ref, amount, gig_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET outcome = NULL, processed_at = NULL
		WHERE gateway_events.outcome = 'failed'`,
		e.ID, e.Type, e.PaymentRef, e.Amount.StringFixed(2), e.GigID, e.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert gateway event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gateway_events SET outcome = $2, processed_at = NOW() WHERE id = $1`,
		id, outcome)
	if err != nil {
		return fmt.Errorf("mark gateway event: %w", err)
	}
	return nil
}
