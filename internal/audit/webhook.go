package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Embed colors (decimal) per entry kind
const (
	colorPreExecution = 0x57F287
	colorAlert        = 0xED4245
	colorIntegrity    = 0x9B59B6
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Timestamp string       `json:"timestamp"`
	Footer    struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

// WebhookSink posts Discord-style embeds to a webhook URL
type WebhookSink struct {
	name    string
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSink creates a webhook sink limited to perSecond posts
func NewWebhookSink(name, url string, perSecond float64) *WebhookSink {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &WebhookSink{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond*2)+1),
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Emit(ctx context.Context, e Entry) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(buildPayload(e))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildPayload(e Entry) webhookPayload {
	em := embed{Timestamp: e.Timestamp.Format(time.RFC3339)}

	switch e.Kind {
	case KindPreExecution:
		em.Title = "Pre-execution: " + e.OperationID
		em.Color = colorPreExecution
		em.Fields = []embedField{
			{Name: "Operation", Value: e.OperationID, Inline: true},
			{Name: "Model", Value: e.Model, Inline: true},
			{Name: "User", Value: orDash(e.UserID), Inline: true},
			{Name: "Estimated Cost", Value: fmt.Sprintf("$%.6f", e.EstimatedCost), Inline: true},
			{Name: "Hash", Value: "`" + shortHash(e.Hash) + "`", Inline: false},
		}
		em.Footer.Text = "Helixgate Audit"
	case KindDenied:
		em.Title = "Denied: " + e.OperationID
		em.Color = colorAlert
		em.Fields = []embedField{
			{Name: "Operation", Value: e.OperationID, Inline: true},
			{Name: "User", Value: orDash(e.UserID), Inline: true},
			{Name: "Reason", Value: truncate(e.Message, 1500)},
		}
		em.Footer.Text = "Helixgate Audit"
	case KindIntegrity:
		em.Title = "Hash Chain Integrity"
		em.Color = colorIntegrity
		em.Fields = []embedField{{Name: "Message", Value: truncate(e.Message, 1500)}}
		em.Footer.Text = "Helixgate Integrity"
	default:
		em.Title = "Alert: " + e.AlertType
		em.Color = colorAlert
		em.Fields = []embedField{
			{Name: "Type", Value: e.AlertType, Inline: true},
			{Name: "Severity", Value: strings.ToUpper(e.Severity), Inline: true},
			{Name: "Message", Value: truncate(e.Message, 1500)},
		}
		if len(e.Details) > 0 {
			d, _ := json.MarshalIndent(e.Details, "", "  ")
			em.Fields = append(em.Fields, embedField{Name: "Details", Value: "```json\n" + truncate(string(d), 800) + "```"})
		}
		em.Footer.Text = "Helixgate Alerts"
	}

	p := webhookPayload{Embeds: []embed{em}}
	if e.Severity == SeverityCritical {
		p.Content = "@here"
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortHash(h string) string {
	if len(h) > 32 {
		return h[:32]
	}
	return h
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
