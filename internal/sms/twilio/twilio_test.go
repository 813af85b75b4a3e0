package twilio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Messages.json") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("To") != "+15551234567" || r.Form.Get("From") != "+15559876543" {
			t.Errorf("form = %v", r.Form)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"sid": "SM123"})
	}))
	defer srv.Close()

	c := NewClient("AC123", "token", "+15559876543",
		slog.New(slog.DiscardHandler), WithBaseURL(srv.URL))
	sid, err := c.Send(context.Background(), "+15551234567", "Your rate is locked.")
	if err != nil {
		t.Fatal(err)
	}
	if sid != "SM123" {
		t.Fatalf("sid = %q", sid)
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code": 21211, "message": "Invalid 'To' number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("AC123", "token", "+15559876543",
		slog.New(slog.DiscardHandler), WithBaseURL(srv.URL))
	if _, err := c.Send(context.Background(), "bogus", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestEventFromWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("To", "+15559876543")
	form.Set("Body", "What's my loan status?")
	form.Set("MessageSid", "SM456")

	ev, err := EventFromWebhook(form)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source != "sms" || ev.Type != "sms_received" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload["body"] != "What's my loan status?" || ev.Payload["message_sid"] != "SM456" {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestEventFromWebhook_MissingFields(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+15551234567")
	if _, err := EventFromWebhook(form); err == nil {
		t.Fatal("expected error for missing body")
	}
}
