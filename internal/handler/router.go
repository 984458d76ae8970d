package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/wer-inc/ripipi/pkg/config"
)

// Handlers groups everything the router mounts
type Handlers struct {
	Availability *AvailabilityHandler
	Bookings     *BookingHandler
	Webhooks     *WebhookHandler
	Health       *HealthHandler
}

// NewRouter wires the HTTP surface: public availability reads behind a rate
// limit, the admin booking API behind bearer auth, and the webhook ingress
// authenticated by signature instead of token.
func NewRouter(cfg *config.Config, h Handlers) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(), RequestMetrics())

	r.GET("/health", h.Health.Health)
	r.GET("/ready", h.Health.Ready)

	v1 := r.Group("/v1")

	public := v1.Group("/public")
	public.Use(RateLimitPerTenant(cfg.Server.PublicRatePerMinute))
	public.GET("/availability", h.Availability.Get)

	admin := v1.Group("/admin")
	admin.Use(Auth(cfg.JWT.Secret, cfg.JWT.Issuer))
	admin.POST("/bookings", h.Bookings.Create)
	admin.GET("/bookings", h.Bookings.List)
	admin.GET("/bookings/:id", h.Bookings.Get)
	admin.POST("/bookings/:id/cancel", h.Bookings.Cancel)
	admin.POST("/bookings/:id/confirm", h.Bookings.ConfirmPayment)

	v1.POST("/webhooks/:provider", h.Webhooks.Receive)

	return r
}
