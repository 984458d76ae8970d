package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/clock"
)

// AvailabilityQuery identifies one availability read. An empty ResourceID
// means all resources of the service.
type AvailabilityQuery struct {
	TenantID   string
	ServiceID  string
	ResourceID string
	From       time.Time
	To         time.Time
}

func (q AvailabilityQuery) key() string {
	return fmt.Sprintf("avail:%s:%s:%s:%d:%d",
		q.TenantID, q.ServiceID, q.ResourceID, q.From.Unix(), q.To.Unix())
}

// AvailabilitySnapshot is a cached availability response plus the version
// stamp the HTTP layer folds into its ETag.
type AvailabilitySnapshot struct {
	Windows  []domain.AvailabilityWindow `json:"windows"`
	Stamp    int64                       `json:"stamp"`
	Rows     int                         `json:"rows"`
	CachedAt time.Time                   `json:"cachedAt"`
}

// AvailabilityCache serves availability reads from the two-tier cache,
// tagged per (tenant, resource) so a capacity mutation can drop exactly the
// windows it touched.
type AvailabilityCache struct {
	tiers *TwoTier
	clock clock.Clock
}

func NewAvailabilityCache(tiers *TwoTier, clk clock.Clock) *AvailabilityCache {
	if clk == nil {
		clk = clock.System()
	}
	return &AvailabilityCache{tiers: tiers, clock: clk}
}

func (c *AvailabilityCache) Get(ctx context.Context, q AvailabilityQuery) (*AvailabilitySnapshot, bool) {
	raw, ok := c.tiers.Get(ctx, q.key())
	if !ok {
		return nil, false
	}
	var snap AvailabilitySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (c *AvailabilityCache) Put(ctx context.Context, q AvailabilityQuery, windows []domain.AvailabilityWindow, stamp int64, rows int) *AvailabilitySnapshot {
	snap := &AvailabilitySnapshot{
		Windows:  windows,
		Stamp:    stamp,
		Rows:     rows,
		CachedAt: c.clock.Now(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return snap
	}

	tags := []string{availabilityTag(q.TenantID, "")}
	if q.ResourceID != "" {
		tags = append(tags, availabilityTag(q.TenantID, q.ResourceID))
	}
	c.tiers.Set(ctx, q.key(), raw, tags...)
	return snap
}

// InvalidateResource drops cached windows touching one resource, or the
// whole tenant when resourceID is empty.
func (c *AvailabilityCache) InvalidateResource(ctx context.Context, tenantID, resourceID string) {
	c.tiers.InvalidateTag(ctx, availabilityTag(tenantID, resourceID))
	if resourceID != "" {
		// queries spanning all resources are tagged tenant-wide only
		c.tiers.InvalidateTag(ctx, availabilityTag(tenantID, ""))
	}
}

func availabilityTag(tenantID, resourceID string) string {
	if resourceID == "" {
		return "avail:" + tenantID
	}
	return "avail:" + tenantID + "/" + resourceID
}
