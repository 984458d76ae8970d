package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
)

// LogProvider writes messages to the log instead of a real gateway. It
// stands in for email, SMS, push and LINE in development and in tests, and
// mints external ids so delivery-status correlation stays exercisable.
type LogProvider struct {
	channel domain.Channel
	log     *logger.Logger
}

// NewLogProvider creates a logging provider for the given channel
func NewLogProvider(channel domain.Channel) *LogProvider {
	return &LogProvider{
		channel: channel,
		log:     logger.Get().Named("notify." + string(channel)),
	}
}

func (p *LogProvider) Channel() domain.Channel { return p.channel }

func (p *LogProvider) Send(ctx context.Context, d *domain.NotificationDispatch, msg *Rendered) (*SendResult, error) {
	p.log.InfoContext(ctx, "delivering notification",
		"dispatch_id", d.ID, "recipient", d.Recipient, "subject", msg.Subject)
	return &SendResult{
		Disposition: DispositionAccepted,
		ExternalID:  clock.NewID(),
	}, nil
}

// WebhookProvider POSTs events to a partner endpoint, signed the same way
// the ingress verifies inbound payloads
type WebhookProvider struct {
	refs   repository.ReferenceRepository
	client *http.Client
	clock  clock.Clock
}

// NewWebhookProvider creates a partner webhook provider
func NewWebhookProvider(refs repository.ReferenceRepository, timeout time.Duration, clk clock.Clock) *WebhookProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &WebhookProvider{
		refs:   refs,
		client: &http.Client{Timeout: timeout},
		clock:  clk,
	}
}

func (p *WebhookProvider) Channel() domain.Channel { return domain.ChannelWebhook }

func (p *WebhookProvider) Send(ctx context.Context, d *domain.NotificationDispatch, msg *Rendered) (*SendResult, error) {
	secret, err := p.refs.GetWebhookSecret(ctx, d.TenantID, domain.WebhookSourcePartner)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("no partner webhook secret: %w", err))
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":        d.ID,
		"eventType": d.EventType,
		"payload":   json.RawMessage(d.Payload),
	})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Recipient, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("bad webhook endpoint: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(secret, body, p.clock.Now()))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &SendResult{Disposition: DispositionDelivered, ExternalID: d.ID}, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		return nil, retry.Permanent(fmt.Errorf("webhook endpoint rejected with %d", resp.StatusCode))
	}
}

// Sign builds the "t=<unix>,v1=<hex hmac>" signature over "{t}.{body}"
func Sign(secret string, body []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
