package notify

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/hashicorp/go-retryablehttp"
)

// WebhookSink POSTs triggers to an external URL with bounded retries.
// Delivery remains best-effort: exhausted retries are logged and the
// trigger is dropped.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string) *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &WebhookSink{url: url, client: client}
}

// Notify implements Notifier.
func (s *WebhookSink) Notify(trigger models.Trigger) {
	payload, err := json.Marshal(trigger)
	if err != nil {
		debug.Error("Failed to encode webhook trigger: %v", err)
		return
	}

	req, err := retryablehttp.NewRequest("POST", s.url, bytes.NewReader(payload))
	if err != nil {
		debug.Error("Failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		debug.Warning("Webhook delivery failed for %s trigger: %v", trigger.Kind, err)
		return
	}
	resp.Body.Close()
}
