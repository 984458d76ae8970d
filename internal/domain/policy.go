package domain

import (
	"time"
)

// RefundPolicy controls what a cancellation inside the penalty window refunds
type RefundPolicy string

const (
	RefundPolicyFull    RefundPolicy = "FULL"
	RefundPolicyPartial RefundPolicy = "PARTIAL"
	RefundPolicyNone    RefundPolicy = "NONE"
)

// IsValid checks if the policy is a valid RefundPolicy
func (p RefundPolicy) IsValid() bool {
	return p == RefundPolicyFull || p == RefundPolicyPartial || p == RefundPolicyNone
}

// TenantPolicy holds the per-tenant booking rules evaluated by the validator
type TenantPolicy struct {
	TenantID               string       `json:"tenantId"`
	MinLeadTimeMinutes     int          `json:"minLeadTimeMinutes"`
	MaxAdvanceDays         int          `json:"maxAdvanceDays"`
	CancelWindowHours      int          `json:"cancelWindowHours"`
	RefundPolicy           RefundPolicy `json:"refundPolicy"`
	PenaltyPercent         int          `json:"penaltyPercent"`
	OverbookingPercent     int          `json:"overbookingPercent"`
	GranularityMinutes     int          `json:"granularityMinutes"`
	MaxSlotsPerBooking     int          `json:"maxSlotsPerBooking"`
	MaxActivePerCustomer   int          `json:"maxActivePerCustomer"`
	// RequirePayment holds new bookings tentative until the payment
	// provider confirms capture; TentativeTTLMinutes bounds the hold
	RequirePayment         bool         `json:"requirePayment"`
	TentativeTTLMinutes    int          `json:"tentativeTtlMinutes"`
	SurfaceNotifyFailures  bool         `json:"surfaceNotifyFailures"`
	Timezone               string       `json:"timezone"`
	UpdatedAt              time.Time    `json:"updatedAt"`
}

// BusinessHours defines the open interval for one weekday. Minutes are
// measured from local midnight; a closed day has no row.
type BusinessHours struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	ResourceID  string `json:"resourceId,omitempty"`
	Weekday     time.Weekday `json:"weekday"`
	OpenMinute  int    `json:"openMinute"`
	CloseMinute int    `json:"closeMinute"`
}

// Contains reports whether the local interval [startMin, endMin) falls
// entirely inside the open window
func (h *BusinessHours) Contains(startMin, endMin int) bool {
	return startMin >= h.OpenMinute && endMin <= h.CloseMinute
}

// Holiday closes a whole tenant (or one resource) for a calendar date
type Holiday struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ResourceID string    `json:"resourceId,omitempty"`
	Date       time.Time `json:"date"`
	Name       string    `json:"name"`
}

// ResourceTimeOff blocks one resource for an arbitrary interval
type ResourceTimeOff struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ResourceID string    `json:"resourceId"`
	StartAt    time.Time `json:"startAt"`
	EndAt      time.Time `json:"endAt"`
	Reason     string    `json:"reason,omitempty"`
}

// Overlaps reports whether the time-off intersects [start, end)
func (o *ResourceTimeOff) Overlaps(start, end time.Time) bool {
	return start.Before(o.EndAt) && o.StartAt.Before(end)
}

// Customer is the booking party. Preferences drive notification routing.
type Customer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Language  string    `json:"language"`
	LineID    string    `json:"lineId,omitempty"`
	PushToken string    `json:"pushToken,omitempty"`
	// Blacklisted customers cannot create new bookings
	Blacklisted bool      `json:"blacklisted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ValidationIssue is one failed policy check
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult aggregates the outcome of the policy validator. A booking
// proceeds only when Errors is empty; Warnings and Suggestions are advisory.
type ValidationResult struct {
	Errors      []ValidationIssue    `json:"errors,omitempty"`
	Warnings    []ValidationIssue    `json:"warnings,omitempty"`
	Suggestions []AvailabilityWindow `json:"suggestions,omitempty"`
}

// OK reports whether the request passed every hard check
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// AddError appends a failed check
func (r *ValidationResult) AddError(code, field, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Field: field, Message: message})
}

// AddWarning appends an advisory finding
func (r *ValidationResult) AddWarning(code, field, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Field: field, Message: message})
}
