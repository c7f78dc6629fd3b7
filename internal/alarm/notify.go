package alarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier is the outbound notification collaborator dispatched at
// batch flush. A failure is logged and the batch discarded — spec.md
// §4.7 explicitly forbids retrying, to avoid notification storms.
type Notifier interface {
	Notify(message string) error
}

// WebhookNotifier posts the batch message as a JSON body to a
// configured URL, in the style of the teacher's rule.Rule http.Client
// usage (rule/rule.go) — a bounded-timeout client reused across calls
// rather than constructed per request.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns nil if url is empty: the notifier is
// fully optional, matching spec.md's WEBHOOK_URL environment variable
// being unset by default.
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(message string) error {
	if n == nil {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alarm: webhook responded with status %d", resp.StatusCode)
	}
	return nil
}
