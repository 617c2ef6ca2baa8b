// Package notify delivers escalation alerts to an external channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cityline/internal/config"
	"cityline/internal/domain"
)

// Alert is the outbound payload for one escalated complaint.
type Alert struct {
	ComplaintNumber    string   `json:"complaint_number"`
	ComplaintType      string   `json:"complaint_type"`
	Borough            string   `json:"borough,omitempty"`
	Agency             string   `json:"agency,omitempty"`
	RiskScore          float64  `json:"risk_score"`
	Category           string   `json:"category"`
	Summary            string   `json:"summary,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	EscalationActionID int64    `json:"escalation_action_id"`
	EscalatedAt        string   `json:"escalated_at"`
}

// NewAlert assembles an Alert from pipeline records.
func NewAlert(c domain.Complaint, a domain.Analysis, escalationActionID int64, escalatedAt string) Alert {
	return Alert{
		ComplaintNumber:    c.ComplaintNumber,
		ComplaintType:      c.Type,
		Borough:            c.Borough,
		Agency:             c.Agency,
		RiskScore:          a.RiskScore,
		Category:           a.Category,
		Summary:            a.Summary,
		Tags:               a.Tags,
		EscalationActionID: escalationActionID,
		EscalatedAt:        escalatedAt,
	}
}

// Notifier delivers one alert. An error means the channel did not accept it.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Channel() string
}

// Webhook posts alerts as signed JSON to a configured URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook builds the webhook channel from config.
func NewWebhook(cfg config.Alerts) *Webhook {
	return &Webhook{
		url:    cfg.WebhookURL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout()},
	}
}

// Channel identifies this notifier in audit records.
func (w *Webhook) Channel() string { return "webhook" }

// Notify posts the alert; any non-2xx response is a delivery failure.
func (w *Webhook) Notify(ctx context.Context, alert Alert) error {
	if strings.TrimSpace(w.url) == "" {
		return fmt.Errorf("alert webhook url not configured")
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cityline-Event", "complaint.escalated")
	req.Header.Set("X-Cityline-Complaint", alert.ComplaintNumber)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Cityline-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Disabled is the Notifier used when no alert channel is configured.
type Disabled struct{}

func (Disabled) Channel() string { return "disabled" }

// Notify reports the channel as unavailable.
func (Disabled) Notify(ctx context.Context, alert Alert) error {
	return fmt.Errorf("alert channel disabled")
}
