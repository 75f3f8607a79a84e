// Package notify delivers party notifications when money moves.
//
// Clients and freelancers can register webhook URLs to be told about
// funding, releases, refunds, disputes, and payouts. Delivery is
// best-effort: settlement never waits on, or fails because of, a
// notification.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kerjapay/escrowd/internal/circuitbreaker"
	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/retry"
)

// Notification is one message addressed to a marketplace party.
type Notification struct {
	ID        string    `json:"id"`
	UserRef   string    `json:"userRef"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers notifications. Implementations must not block the
// caller on network I/O.
type Dispatcher interface {
	Notify(ctx context.Context, userRef, subject, message string)
}

// LogDispatcher writes notifications to the structured log. Used when no
// webhook infrastructure is configured.
type LogDispatcher struct{}

func (LogDispatcher) Notify(ctx context.Context, userRef, subject, message string) {
	logging.L(ctx).Info("notification", "user", userRef, "subject", subject, "message", message)
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
}

// Subscription is a party's registered webhook endpoint.
type Subscription struct {
	ID        string     `json:"id"`
	UserRef   string     `json:"userRef"`
	URL       string     `json:"url"`
	Secret    string     `json:"-"` // Used for HMAC signing
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"createdAt"`
	LastError string     `json:"lastError,omitempty"`
	LastSent  *time.Time `json:"lastSent,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByUser(ctx context.Context, userRef string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// WebhookDispatcher POSTs signed notifications to subscribed endpoints.
// Deliveries are retried with backoff; endpoints that keep failing trip a
// per-subscription circuit breaker so dead endpoints stop consuming sends.
type WebhookDispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewWebhookDispatcher(store Store) *WebhookDispatcher {
	return &WebhookDispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, time.Minute),
	}
}

func (d *WebhookDispatcher) Notify(ctx context.Context, userRef, subject, message string) {
	subs, err := d.store.GetByUser(ctx, userRef)
	if err != nil {
		logging.L(ctx).Warn("load notification subscriptions", "user", userRef, "error", err)
		return
	}

	n := &Notification{
		ID:        uuid.NewString(),
		UserRef:   userRef,
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Send async to avoid blocking the settlement path
		go d.send(context.WithoutCancel(ctx), sub, n)
	}
}

func (d *WebhookDispatcher) send(ctx context.Context, sub *Subscription, n *Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		d.recordError(ctx, sub, "failed to marshal notification")
		return
	}

	if !d.breaker.Allow(sub.ID) {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	err = retry.Do(ctx, 3, 250*time.Millisecond, func() error {
		return d.post(ctx, sub, payload, n)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.recordError(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	now := time.Now().UTC()
	sub.LastSent = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (d *WebhookDispatcher) post(ctx context.Context, sub *Subscription, payload []byte, n *Notification) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", n.Subject)
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", n.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Client errors won't get better on retry; server errors might.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func (d *WebhookDispatcher) recordError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received notification against the shared
// secret. Exported for subscriber implementations.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(payload, secret)), []byte(signature))
}

// MemoryStore is an in-memory subscription store for testing.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userRef string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserRef == userRef {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
