package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cityline/internal/config"
	"cityline/internal/domain"
)

func sampleAlert() Alert {
	return NewAlert(
		domain.Complaint{ComplaintNumber: "CPL-TEST01", Type: "Water Quality", Borough: "Queens", Agency: "DEP"},
		domain.Analysis{RiskScore: 0.92, Category: "infrastructure", Summary: "Discolored tap water", Tags: []string{"water", "health"}},
		41, "2026-03-01T09:00:00Z",
	)
}

func TestWebhookPostsAlert(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	w := NewWebhook(config.Alerts{WebhookURL: ts.URL, Secret: "s3cret", TimeoutSeconds: 5})
	if err := w.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatal(err)
	}
	if gotHeaders.Get("X-Cityline-Event") != "complaint.escalated" {
		t.Fatalf("event header = %q", gotHeaders.Get("X-Cityline-Event"))
	}
	if gotHeaders.Get("X-Cityline-Complaint") != "CPL-TEST01" {
		t.Fatalf("complaint header = %q", gotHeaders.Get("X-Cityline-Complaint"))
	}
	if gotHeaders.Get("X-Cityline-Secret") != "s3cret" {
		t.Fatalf("secret header = %q", gotHeaders.Get("X-Cityline-Secret"))
	}
	var decoded Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.RiskScore != 0.92 || decoded.EscalationActionID != 41 {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	w := NewWebhook(config.Alerts{WebhookURL: ts.URL, TimeoutSeconds: 5})
	err := w.Notify(context.Background(), sampleAlert())
	if err == nil {
		t.Fatal("expected delivery failure for 502 response")
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	w := NewWebhook(config.Alerts{})
	if err := w.Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("expected error without a webhook url")
	}
}

func TestDisabledChannelAlwaysFails(t *testing.T) {
	var n Notifier = Disabled{}
	if err := n.Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("disabled channel must refuse delivery")
	}
	if n.Channel() != "disabled" {
		t.Fatalf("channel = %q", n.Channel())
	}
}
