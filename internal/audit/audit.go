// Package audit records every attempted financial operation — successful,
// rejected, or blocked — for compliance review. This trail is distinct from
// application logging: rejected attempts are evidence, not noise.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an attempted operation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// Entry is a single audit record.
type Entry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Reference string    `json:"reference,omitempty"` // escrow/dispute/payout number
	Amount    string    `json:"amount,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Trail persists audit entries and answers compliance queries.
type Trail interface {
	Record(ctx context.Context, e *Entry) error
	Query(ctx context.Context, actor, operation string, from, to time.Time, limit int) ([]*Entry, error)
}

// Write builds and records an entry, logging (never propagating) trail
// failures: audit write errors must not fail the financial operation.
func Write(ctx context.Context, trail Trail, actor, operation, reference, amount string, outcome Outcome, detail string) {
	if trail == nil {
		return
	}
	e := &Entry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Operation: operation,
		Reference: reference,
		Amount:    amount,
		Outcome:   outcome,
		Detail:    detail,
		RequestID: requestIDFrom(ctx),
		CreatedAt: time.Now().UTC(),
	}
	if err := trail.Record(ctx, e); err != nil {
		slog.Default().Error("audit write failed",
			"operation", operation,
			"reference", reference,
			"error", err,
		)
	}
}

type contextKey string

const ctxRequestID contextKey = "audit_request_id"

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}
