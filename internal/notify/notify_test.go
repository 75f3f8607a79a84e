package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookDispatcher_DeliversSignedNotification(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:      "sub_1",
		UserRef: "freelancer-1",
		URL:     srv.URL,
		Secret:  "shhh",
		Active:  true,
	})

	d := NewWebhookDispatcher(store)
	d.Notify(context.Background(), "freelancer-1", "You've been paid", "Gig gig-1 settled")

	select {
	case req := <-received:
		if got := req.Header.Get("X-Escrowd-Event"); got != "You've been paid" {
			t.Errorf("event header = %q", got)
		}
		sig := req.Header.Get("X-Escrowd-Signature")
		if sig == "" {
			t.Fatal("expected signature header")
		}
		if !VerifySignature(body, "shhh", sig) {
			t.Error("signature did not verify")
		}
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if n.UserRef != "freelancer-1" || n.Subject != "You've been paid" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestWebhookDispatcher_SkipsInactiveAndOtherUsers(t *testing.T) {
	hits := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_inactive", UserRef: "freelancer-1", URL: srv.URL, Active: false,
	})
	store.Create(context.Background(), &Subscription{
		ID: "sub_other", UserRef: "client-9", URL: srv.URL, Active: true,
	})

	d := NewWebhookDispatcher(store)
	d.Notify(context.Background(), "freelancer-1", "subject", "message")

	select {
	case <-hits:
		t.Fatal("no delivery expected")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWebhookDispatcher_RecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{ID: "sub_1", UserRef: "client-1", URL: srv.URL, Active: true}
	store.Create(context.Background(), sub)

	d := NewWebhookDispatcher(store)
	d.Notify(context.Background(), "client-1", "subject", "message")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		subs, _ := store.GetByUser(context.Background(), "client-1")
		if len(subs) == 1 && subs[0].LastError != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected LastError to be recorded")
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"n_1"}`)
	sig := sign(payload, "secret")

	if !VerifySignature(payload, "secret", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(payload, "wrong", sig) {
		t.Error("signature verified with wrong secret")
	}
	if VerifySignature([]byte("tampered"), "secret", sig) {
		t.Error("signature verified for tampered payload")
	}
}
