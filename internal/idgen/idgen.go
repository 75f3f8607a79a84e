// Package idgen generates collision-resistant, human-readable identifiers
// for escrows, receipts, payouts, and disputes.
//
// Format: {PREFIX}-{YYYYMMDD}-{8 uppercase hex chars}, e.g.
// ESC-20260830-9F3A01CC. Receipt numbers carry a type sub-prefix
// (ESC-RCP, PAY-RCP, REF-RCP, OUT-RCP).
//
// Candidates are checked for uniqueness against the persisted store and
// regenerated up to MaxAttempts times. Exhausting the retries surfaces
// ErrCollision to the caller; a non-unique identifier is never returned.
// Storage-layer UNIQUE constraints remain the final backstop.
package idgen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxAttempts is the number of candidates tried before giving up.
const MaxAttempts = 5

var ErrCollision = errors.New("identifier generation exhausted retries")

// Standard prefixes used across the engine.
const (
	PrefixEscrow  = "ESC"
	PrefixPayout  = "OUT"
	PrefixDispute = "DSP"
	PrefixTxn     = "TXN"

	PrefixEscrowReceipt  = "ESC-RCP"
	PrefixPaymentReceipt = "PAY-RCP"
	PrefixRefundReceipt  = "REF-RCP"
	PrefixPayoutReceipt  = "OUT-RCP"
)

// Checker reports whether a candidate identifier is already taken.
type Checker func(ctx context.Context, id string) (bool, error)

// Generator produces identifiers with a fixed prefix, verified unique
// through the supplied Checker.
type Generator struct {
	prefix string
	taken  Checker
	now    func() time.Time
}

// New creates a Generator. A nil checker skips the uniqueness probe and
// relies solely on the storage constraint (used only in tests).
func New(prefix string, taken Checker) *Generator {
	return &Generator{prefix: prefix, taken: taken, now: time.Now}
}

// WithClock overrides the date source, for tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Next returns a fresh unique identifier, or ErrCollision after
// MaxAttempts colliding candidates.
func (g *Generator) Next(ctx context.Context) (string, error) {
	for i := 0; i < MaxAttempts; i++ {
		id := g.candidate()
		if g.taken == nil {
			return id, nil
		}
		taken, err := g.taken(ctx, id)
		if err != nil {
			return "", fmt.Errorf("identifier uniqueness check: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrCollision
}

func (g *Generator) candidate() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	suffix := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("%s-%s-%s", g.prefix, g.now().Format("20060102"), suffix)
}
