package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_ref, url, secret, active, created_at, last_error, last_sent`

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.UserRef, sub.URL, sub.Secret, sub.Active,
		sub.CreatedAt, sub.LastError, sub.LastSent,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByUser(ctx context.Context, userRef string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM notify_subscriptions
		WHERE user_ref = $1
		ORDER BY created_at`,
		userRef,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notify_subscriptions
		SET url = $2, active = $3, last_error = $4, last_sent = $5
		WHERE id = $1`,
		sub.ID, sub.URL, sub.Active, sub.LastError, sub.LastSent,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func scanSubscription(rows *sql.Rows) (*Subscription, error) {
	var (
		sub       Subscription
		lastError sql.NullString
		lastSent  sql.NullTime
	)
	if err := rows.Scan(
		&sub.ID, &sub.UserRef, &sub.URL, &sub.Secret, &sub.Active,
		&sub.CreatedAt, &lastError, &lastSent,
	); err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if lastError.Valid {
		sub.LastError = lastError.String
	}
	if lastSent.Valid {
		t := lastSent.Time
		sub.LastSent = &t
	}
	return &sub, nil
}
