package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/internal/webhook"
	"github.com/wer-inc/ripipi/pkg/response"
)

const tenantIDHeader = "X-Tenant-ID"

// WebhookHandler is the ingress for provider callbacks
type WebhookHandler struct {
	verifier  *webhook.Verifier
	processor *webhook.Processor
	refs      repository.ReferenceRepository
	// fallbackSecret verifies tenants without a per-tenant secret row
	fallbackSecret string
}

func NewWebhookHandler(verifier *webhook.Verifier, processor *webhook.Processor, refs repository.ReferenceRepository, fallbackSecret string) *WebhookHandler {
	return &WebhookHandler{
		verifier:       verifier,
		processor:      processor,
		refs:           refs,
		fallbackSecret: fallbackSecret,
	}
}

// Receive handles POST /v1/webhooks/:provider
func (h *WebhookHandler) Receive(c *gin.Context) {
	source := domain.WebhookSource(c.Param("provider"))
	if !source.IsValid() {
		response.NotFound(c, "unknown webhook provider")
		return
	}
	tenantID := c.GetHeader(tenantIDHeader)
	if tenantID == "" {
		response.BadRequest(c, "missing tenant header")
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		response.BadRequest(c, "empty body")
		return
	}

	secret, err := h.refs.GetWebhookSecret(c.Request.Context(), tenantID, source)
	if err != nil {
		if !errors.Is(err, domain.ErrTenantNotFound) || h.fallbackSecret == "" {
			response.Unauthorized(c, "no signing secret configured")
			return
		}
		secret = h.fallbackSecret
	}

	if err := h.verifier.Verify(secret, c.GetHeader("X-Signature"), body); err != nil {
		writeError(c, err)
		return
	}

	res, err := h.processor.Process(c.Request.Context(), tenantID, source, body)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	metrics.RecordWebhookEvent(c.Request.Context(), string(source), res.Processed)
	response.Success(c, res)
}
