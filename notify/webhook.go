/*
Package notify delivers report text to the team chat webhook.

PURPOSE:
  Posts plain-text messages to an incoming-webhook endpoint. The payload
  shape is the chat platform's text message envelope; the caller supplies
  the fully rendered text (see report/format.go) and this package does
  transport only.

FAILURE SEMANTICS:
  Delivery is best-effort from the pipeline's point of view: the runner
  records a delivery failure but a computed report is never discarded
  because the webhook was down. That decision lives in the runner; this
  package just returns the error.
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// defaultTimeout bounds one webhook delivery.
const defaultTimeout = 30 * time.Second

// Notifier posts messages somewhere a human will see them.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Webhook posts text messages to an incoming-webhook URL.
type Webhook struct {
	URL    string
	Client *http.Client
	Log    zerolog.Logger
}

func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: defaultTimeout},
		Log:    log,
	}
}

// webhookPayload is the chat platform's text message envelope.
type webhookPayload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// webhookResponse carries the platform's application-level status. A
// delivery can fail with HTTP 200 and a non-zero code.
type webhookResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (w *Webhook) Send(ctx context.Context, text string) error {
	payload := webhookPayload{MsgType: "text"}
	payload.Content.Text = text

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("webhook response: %w", err)
	}
	var wr webhookResponse
	if err := json.Unmarshal(respBody, &wr); err == nil && wr.Code != 0 {
		return fmt.Errorf("webhook rejected message: code %d: %s", wr.Code, wr.Msg)
	}

	w.Log.Info().Int("bytes", len(text)).Msg("notification delivered")
	return nil
}

// Discard is a Notifier that drops every message (notify=false runs).
type Discard struct{}

func (Discard) Send(context.Context, string) error { return nil }
