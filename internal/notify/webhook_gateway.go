package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/safedeal/core/internal/retry"
)

// WebhookGateway POSTs notifications as JSON to a single configured endpoint,
// typically a downstream notification fan-out service.
type WebhookGateway struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookGateway creates a gateway posting to url. If secret is non-empty,
// payloads are signed with HMAC-SHA256.
func NewWebhookGateway(url, secret string) *WebhookGateway {
	return &WebhookGateway{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *WebhookGateway) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Safedeal-Event", n.Event)
	req.Header.Set("X-Safedeal-Timestamp", fmt.Sprintf("%d", n.CreatedAt.Unix()))
	if g.secret != "" {
		req.Header.Set("X-Safedeal-Signature", g.sign(payload))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
		// 4xx means the endpoint rejected the payload; retrying cannot help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

func (g *WebhookGateway) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(g.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Gateway = (*WebhookGateway)(nil)
