package notification

import (
	"context"

	"github.com/wer-inc/ripipi/internal/domain"
)

// Disposition is the provider-side outcome of a successful send call
type Disposition int

const (
	// DispositionDelivered means the provider confirmed delivery inline
	DispositionDelivered Disposition = iota
	// DispositionAccepted means the provider queued the message; delivery
	// confirmation arrives later through its status webhook
	DispositionAccepted
)

// SendResult is the outcome of one provider call
type SendResult struct {
	Disposition Disposition
	// ExternalID correlates later delivery-status webhooks to the dispatch
	ExternalID string
}

// Provider delivers one rendered message over one channel. Errors marked
// with retry.Permanent deadletter the dispatch immediately; anything else
// is rescheduled with backoff.
type Provider interface {
	Channel() domain.Channel
	Send(ctx context.Context, d *domain.NotificationDispatch, msg *Rendered) (*SendResult, error)
}
