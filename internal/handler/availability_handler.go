package handler

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wer-inc/ripipi/internal/cache"
	"github.com/wer-inc/ripipi/internal/inventory"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/response"
)

// maxAvailabilityRange caps how far one query may span
const maxAvailabilityRange = 90 * 24 * time.Hour

// AvailabilityHandler serves the public availability read model
type AvailabilityHandler struct {
	inv   *inventory.Store
	avail *cache.AvailabilityCache
	refs  repository.ReferenceRepository
}

func NewAvailabilityHandler(inv *inventory.Store, avail *cache.AvailabilityCache, refs repository.ReferenceRepository) *AvailabilityHandler {
	return &AvailabilityHandler{inv: inv, avail: avail, refs: refs}
}

type availabilityParams struct {
	TenantID       string `form:"tenant_id" binding:"required"`
	ServiceID      string `form:"service_id" binding:"required"`
	ResourceID     string `form:"resource_id"`
	From           string `form:"from" binding:"required"`
	To             string `form:"to" binding:"required"`
	GranularityMin int    `form:"granularity_min" binding:"min=0"`
}

// availabilityItem is the public wire shape of one open slot
type availabilityItem struct {
	TimeslotID        string    `json:"timeslot_id"`
	TenantID          string    `json:"tenant_id"`
	ServiceID         string    `json:"service_id"`
	ResourceID        string    `json:"resource_id"`
	StartAt           time.Time `json:"start_at"`
	EndAt             time.Time `json:"end_at"`
	AvailableCapacity int       `json:"available_capacity"`
}

func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// Get handles GET /v1/public/availability
func (h *AvailabilityHandler) Get(c *gin.Context) {
	var params availabilityParams
	if err := c.ShouldBindQuery(&params); err != nil {
		response.BadRequest(c, "tenant_id, service_id, from and to are required")
		return
	}
	from, err := parseTimeParam(params.From)
	if err != nil {
		response.BadRequest(c, "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	to, err := parseTimeParam(params.To)
	if err != nil {
		response.BadRequest(c, "to must be RFC3339 or YYYY-MM-DD")
		return
	}
	if !to.After(from) {
		response.BadRequest(c, "to must be after from")
		return
	}
	if to.Sub(from) > maxAvailabilityRange {
		response.BadRequest(c, "range may not exceed 90 days")
		return
	}

	ctx := c.Request.Context()
	q := cache.AvailabilityQuery{
		TenantID:   params.TenantID,
		ServiceID:  params.ServiceID,
		ResourceID: params.ResourceID,
		From:       from,
		To:         to,
	}

	snap, ok := h.avail.Get(ctx, q)
	if !ok {
		resourceIDs, err := h.resourceIDs(c, params.TenantID, params.ResourceID)
		if err != nil {
			writeError(c, err)
			return
		}
		windows, err := h.inv.AvailableSlots(ctx, params.TenantID, resourceIDs, from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		stamp, rows, err := h.inv.VersionStamp(ctx, params.TenantID, resourceIDs, from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		snap = h.avail.Put(ctx, q, windows, stamp, rows)
	}

	etag := availabilityETag(params, snap.Stamp, snap.Rows)
	c.Header("Cache-Control", "private, max-age=15")
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	items := make([]availabilityItem, 0, len(snap.Windows))
	for _, w := range snap.Windows {
		if params.GranularityMin > 0 &&
			w.EndAt.Sub(w.StartAt) != time.Duration(params.GranularityMin)*time.Minute {
			continue
		}
		items = append(items, availabilityItem{
			TimeslotID:        w.TimeslotID,
			TenantID:          params.TenantID,
			ServiceID:         params.ServiceID,
			ResourceID:        w.ResourceID,
			StartAt:           w.StartAt,
			EndAt:             w.EndAt,
			AvailableCapacity: w.Remaining,
		})
	}

	response.SuccessWithMeta(c, items, gin.H{
		"stamp":     snap.Stamp,
		"cached_at": snap.CachedAt,
	})
}

func (h *AvailabilityHandler) resourceIDs(c *gin.Context, tenantID, resourceID string) ([]string, error) {
	if resourceID != "" {
		return []string{resourceID}, nil
	}
	resources, err := h.refs.ListResources(c.Request.Context(), tenantID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		if r.Active {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// availabilityETag is a weak validator: the version stamp moves on every
// capacity mutation in the window, the row count on slot creation/removal.
func availabilityETag(p availabilityParams, stamp int64, rows int) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s|%s|%s|%s|%s|%d|%d|%d",
		p.TenantID, p.ServiceID, p.From, p.To, p.ResourceID, p.GranularityMin, stamp, rows))
	return fmt.Sprintf(`W/"%x"`, sum)
}
