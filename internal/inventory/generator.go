package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Generator materializes timeslot rows from business hours. Regeneration is
// an upsert keyed on (tenant, resource, start), so reruns refresh capacity
// without touching booked counts.
type Generator struct {
	slots repository.TimeslotRepository
	refs  repository.ReferenceRepository
	tx    TxRunner
	clock clock.Clock
}

// NewGenerator creates a Generator
func NewGenerator(slots repository.TimeslotRepository, refs repository.ReferenceRepository, tx TxRunner, clk clock.Clock) *Generator {
	return &Generator{slots: slots, refs: refs, tx: tx, clock: clk}
}

// GenerateRequest describes one generation run
type GenerateRequest struct {
	TenantID   string
	ResourceID string
	From       time.Time
	To         time.Time
	// SlotMinutes must match the tenant's granularity (5 or 15 multiples)
	SlotMinutes    int
	Capacity       int
	OverbookMargin int
}

// Generate creates or refreshes slots for every open interval in the window.
// Holidays and time-off blocks are skipped; slot boundaries align to the
// granularity grid measured from local midnight.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (int, error) {
	ctx, span := telemetry.Start(ctx, "inventory.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", req.ResourceID),
		attribute.Int("slot_minutes", req.SlotMinutes),
	)

	if req.SlotMinutes <= 0 || req.Capacity < 0 {
		return 0, domain.ErrInvalidQuantity
	}
	if !req.To.After(req.From) {
		return 0, domain.ErrInvalidInterval
	}

	resource, err := g.refs.GetResource(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return 0, err
	}
	loc, err := time.LoadLocation(resource.Timezone)
	if err != nil {
		return 0, fmt.Errorf("resource timezone %q: %w", resource.Timezone, err)
	}

	hours, err := g.refs.ListBusinessHours(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return 0, err
	}
	holidays, err := g.refs.ListHolidays(ctx, req.TenantID, req.ResourceID, req.From, req.To)
	if err != nil {
		return 0, err
	}
	timeOff, err := g.refs.ListTimeOff(ctx, req.TenantID, req.ResourceID, req.From, req.To)
	if err != nil {
		return 0, err
	}

	holidayDates := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		holidayDates[h.Date.In(loc).Format("2006-01-02")] = true
	}

	var starts []time.Time
	for day := req.From.In(loc); day.Before(req.To); day = day.AddDate(0, 0, 1) {
		dayStart, _ := clock.DayBounds(day, loc)
		if holidayDates[dayStart.Format("2006-01-02")] {
			continue
		}
		for _, h := range resolveHours(hours, req.ResourceID, dayStart.Weekday()) {
			for m := h.OpenMinute; m+req.SlotMinutes <= h.CloseMinute; m += req.SlotMinutes {
				start := clock.AtClockTime(dayStart, m, loc)
				end := start.Add(time.Duration(req.SlotMinutes) * time.Minute)
				if start.Before(req.From) || end.After(req.To) {
					continue
				}
				if blocked(timeOff, start, end) {
					continue
				}
				starts = append(starts, start)
			}
		}
	}

	now := g.clock.Now()
	created := 0
	err = g.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		for _, start := range starts {
			slot := &domain.Timeslot{
				ID:             clock.NewID(),
				TenantID:       req.TenantID,
				ResourceID:     req.ResourceID,
				StartAt:        start,
				EndAt:          start.Add(time.Duration(req.SlotMinutes) * time.Minute),
				TotalCapacity:  req.Capacity,
				OverbookMargin: req.OverbookMargin,
				CreatedAt:      now,
			}
			if err := g.slots.Upsert(ctx, tx, slot); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int("slots", created))
	return created, nil
}

// CleanupExpired deletes past empty slots in bounded batches until none
// remain or the batch limit stops matching
func (g *Generator) CleanupExpired(ctx context.Context, tenantID string, before time.Time, batch int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "inventory.cleanup_expired")
	defer span.End()

	var total int64
	for {
		n, err := g.slots.DeleteEmptyBefore(ctx, tenantID, before, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}

	span.SetAttributes(attribute.Int64("deleted", total))
	return total, nil
}

// resolveHours applies precedence: when any resource-specific row exists for
// the weekday, tenant-wide rows are ignored for that day
func resolveHours(hours []*domain.BusinessHours, resourceID string, weekday time.Weekday) []*domain.BusinessHours {
	var specific, general []*domain.BusinessHours
	for _, h := range hours {
		if h.Weekday != weekday {
			continue
		}
		if h.ResourceID == resourceID && resourceID != "" {
			specific = append(specific, h)
		} else if h.ResourceID == "" {
			general = append(general, h)
		}
	}
	if len(specific) > 0 {
		return specific
	}
	return general
}

func blocked(timeOff []*domain.ResourceTimeOff, start, end time.Time) bool {
	for _, b := range timeOff {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
