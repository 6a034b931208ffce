package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierSendPostsJSONPayload(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "t", Message: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody["level"] != "CRITICAL" || gotBody["title"] != "t" || gotBody["message"] != "m" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestWebhookNotifierSendReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "t", Message: "m"}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestWebhookNotifierSendSuppressesRepeatWithinWindow(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	alert := Alert{Level: AlertCritical, Title: "reconnect storm", Message: "flapping"}

	for i := 0; i < 5; i++ {
		if err := n.Send(context.Background(), alert); err != nil {
			t.Fatalf("unexpected error on send %d: %v", i, err)
		}
	}

	if calls != 1 {
		t.Fatalf("expected exactly one delivered request within the suppression window, got %d", calls)
	}
}

func TestWebhookNotifierSendAllowsDistinctTitlesThrough(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "a", Message: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "b", Message: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected both distinct alert titles delivered, got %d calls", calls)
	}
}
