package domain

import (
	"sort"
	"time"
)

// Timeslot is the unit of reservable inventory. Capacity bookkeeping is
// guarded by row locks plus the Version counter; every mutation recorded
// through the inventory store bumps Version by exactly one.
type Timeslot struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	ResourceID      string    `json:"resourceId"`
	ServiceID       string    `json:"serviceId,omitempty"`
	StartAt         time.Time `json:"startAt"`
	EndAt           time.Time `json:"endAt"`
	TotalCapacity   int       `json:"totalCapacity"`
	BookedCapacity  int       `json:"bookedCapacity"`
	Version         int64     `json:"version"`
	OverbookMargin  int       `json:"overbookMargin"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// EffectiveCapacity is the booking ceiling including the overbooking margin
func (t *Timeslot) EffectiveCapacity() int {
	return t.TotalCapacity + t.OverbookMargin
}

// Remaining returns the bookable capacity left on the slot
func (t *Timeslot) Remaining() int {
	r := t.EffectiveCapacity() - t.BookedCapacity
	if r < 0 {
		return 0
	}
	return r
}

// SlotRef identifies a timeslot mutation target within a batch
type SlotRef struct {
	ResourceID string `json:"resourceId"`
	TimeslotID string `json:"timeslotId"`
	Quantity   int    `json:"quantity"`
	// ExpectedVersion, when non-zero, fences the mutation: the store rejects
	// the whole batch if the live version differs
	ExpectedVersion int64 `json:"expectedVersion,omitempty"`
}

// SortSlotRefs orders refs by (resourceId, timeslotId), the canonical lock
// acquisition order for multi-slot mutations
func SortSlotRefs(refs []SlotRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ResourceID != refs[j].ResourceID {
			return refs[i].ResourceID < refs[j].ResourceID
		}
		return refs[i].TimeslotID < refs[j].TimeslotID
	})
}

// Resource is a bookable asset (seat, table, room, staff member)
type Resource struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Capacity    int       `json:"capacity"`
	Active      bool      `json:"active"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Service is the offering a customer books a resource for
type Service struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"durationMinutes"`
	PriceMinor      int64     `json:"priceMinor"`
	Currency        string    `json:"currency"`
	// BufferBefore/BufferAfter pad the occupied window around each booking
	BufferBeforeMinutes int  `json:"bufferBeforeMinutes"`
	BufferAfterMinutes  int  `json:"bufferAfterMinutes"`
	// MinAdvanceMinutes overrides the tenant lead time when stricter
	MinAdvanceMinutes int  `json:"minAdvanceMinutes"`
	AllowWeekends     bool `json:"allowWeekends"`
	AllowHolidays     bool `json:"allowHolidays"`
	Active            bool `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AvailabilityWindow is a read-model row returned by availability queries
type AvailabilityWindow struct {
	TimeslotID string    `json:"timeslotId"`
	ResourceID string    `json:"resourceId"`
	StartAt    time.Time `json:"startAt"`
	EndAt      time.Time `json:"endAt"`
	Remaining  int       `json:"remaining"`
	Version    int64     `json:"version"`
}

// CapacityQuery asks whether a resource can seat Required units across
// every slot overlapping [StartAt, EndAt)
type CapacityQuery struct {
	ResourceID string    `json:"resourceId"`
	StartAt    time.Time `json:"startAt"`
	EndAt      time.Time `json:"endAt"`
	Required   int       `json:"required"`
}

// CapacityCheck is the answer to one CapacityQuery. Available is the
// minimum remaining capacity across the overlapping slots; a range with
// no slots reports Available 0.
type CapacityCheck struct {
	Query      CapacityQuery `json:"query"`
	Available  int           `json:"available"`
	Obtainable bool          `json:"obtainable"`
}
