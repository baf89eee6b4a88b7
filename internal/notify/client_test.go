package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendGiftNotification_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notifications" {
			t.Fatalf("path = %s, want /api/notifications", r.URL.Path)
		}

		var n GiftNotification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.ReceiverEmail != "friend@example.com" || n.ClaimCode != "SOMECODE" {
			t.Fatalf("unexpected notification: %+v", n)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, err := client.SendGiftNotification(ctx, GiftNotification{
		TransactionID: "7e4b0a2e-0000-0000-0000-000000000000",
		ReceiverEmail: "friend@example.com",
		GiftName:      "Латте",
		SenderName:    "Аня",
		ClaimCode:     "SOMECODE",
	})
	if err != nil {
		t.Fatalf("SendGiftNotification error: %v", err)
	}
	if code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", code, http.StatusAccepted)
	}
}

func TestSendGiftNotification_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, err := client.SendGiftNotification(ctx, GiftNotification{
		ReceiverEmail: "friend@example.com",
		ClaimCode:     "SOMECODE",
	})
	if err == nil {
		t.Fatalf("expected error for status 400")
	}
	if code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestSendGiftNotification_NotConfigured(t *testing.T) {
	var client *Client

	_, err := client.SendGiftNotification(context.Background(), GiftNotification{})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
