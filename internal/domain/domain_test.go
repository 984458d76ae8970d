package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingStatusTransitionHelpers(t *testing.T) {
	assert.True(t, BookingStatusTentative.IsValid())
	assert.True(t, BookingStatusConfirmed.IsActive())
	assert.False(t, BookingStatusCancelled.IsActive())
	assert.True(t, BookingStatusCompleted.IsTerminal())
	assert.False(t, BookingStatus("unknown").IsValid())
}

func TestBookingIsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	b := &Booking{Status: BookingStatusTentative, ExpiresAt: &past}
	assert.True(t, b.IsExpired(now))

	b.ExpiresAt = &future
	assert.False(t, b.IsExpired(now))

	// confirmed bookings never expire
	b.Status = BookingStatusConfirmed
	b.ExpiresAt = &past
	assert.False(t, b.IsExpired(now))
}

func TestTimeslotRemaining(t *testing.T) {
	ts := &Timeslot{TotalCapacity: 10, OverbookMargin: 1, BookedCapacity: 8}
	assert.Equal(t, 11, ts.EffectiveCapacity())
	assert.Equal(t, 3, ts.Remaining())

	ts.BookedCapacity = 11
	assert.Equal(t, 0, ts.Remaining())

	ts.BookedCapacity = 12
	assert.Equal(t, 0, ts.Remaining())
}

func TestSortSlotRefsCanonicalOrder(t *testing.T) {
	refs := []SlotRef{
		{ResourceID: "res-b", TimeslotID: "slot-2"},
		{ResourceID: "res-a", TimeslotID: "slot-9"},
		{ResourceID: "res-b", TimeslotID: "slot-1"},
		{ResourceID: "res-a", TimeslotID: "slot-1"},
	}
	SortSlotRefs(refs)

	assert.Equal(t, "res-a", refs[0].ResourceID)
	assert.Equal(t, "slot-1", refs[0].TimeslotID)
	assert.Equal(t, "res-a", refs[1].ResourceID)
	assert.Equal(t, "slot-9", refs[1].TimeslotID)
	assert.Equal(t, "res-b", refs[2].ResourceID)
	assert.Equal(t, "slot-1", refs[2].TimeslotID)
	assert.Equal(t, "res-b", refs[3].ResourceID)
	assert.Equal(t, "slot-2", refs[3].TimeslotID)
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	meta := RequestMeta{Method: "POST", URL: "/api/v1/bookings", ContentType: "application/json", Tenant: "t1", User: "u1"}

	a, err := Fingerprint(meta, []byte(`{"b":1,"a":{"y":2,"x":[1,2,3]}}`))
	require.NoError(t, err)
	b, err := Fingerprint(meta, []byte(`{"a":{"x":[1,2,3],"y":2},"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(meta, []byte(`{"a":{"x":[3,2,1],"y":2},"b":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "array order is significant")
}

func TestFingerprintCoversEnvelope(t *testing.T) {
	body := []byte(`{"a":1}`)
	meta := RequestMeta{Method: "POST", URL: "/api/v1/bookings", ContentType: "application/json", Tenant: "t1", User: "u1"}

	base, err := Fingerprint(meta, body)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*RequestMeta){
		"method":       func(m *RequestMeta) { m.Method = "PUT" },
		"url":          func(m *RequestMeta) { m.URL = "/api/v1/other" },
		"content type": func(m *RequestMeta) { m.ContentType = "text/plain" },
		"tenant":       func(m *RequestMeta) { m.Tenant = "t2" },
		"user":         func(m *RequestMeta) { m.User = "u2" },
	} {
		changed := meta
		mutate(&changed)
		got, err := Fingerprint(changed, body)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, name)
	}
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint(RequestMeta{}, []byte(`{not json`))
	assert.Error(t, err)
}

func TestQuietHours(t *testing.T) {
	p := &NotificationPreference{QuietStartMinute: 22 * 60, QuietEndMinute: 7 * 60}
	assert.True(t, p.InQuietHours(23*60))
	assert.True(t, p.InQuietHours(6*60))
	assert.False(t, p.InQuietHours(12*60))

	// no quiet window configured
	p = &NotificationPreference{}
	assert.False(t, p.InQuietHours(3*60))
}

func TestQuietHoursScopeAndResume(t *testing.T) {
	p := &NotificationPreference{
		QuietStartMinute: 22 * 60,
		QuietEndMinute:   8 * 60,
		QuietTypes:       []string{EventBookingReminder},
		DisabledTypes:    []string{EventBookingRescheduled},
	}

	assert.True(t, p.QuietAppliesTo(EventBookingReminder))
	assert.False(t, p.QuietAppliesTo(EventBookingCancelled))
	assert.False(t, p.TypeEnabled(EventBookingRescheduled))
	assert.True(t, p.TypeEnabled(EventBookingConfirmed))

	// empty scope covers everything
	all := &NotificationPreference{QuietStartMinute: 22 * 60, QuietEndMinute: 8 * 60}
	assert.True(t, all.QuietAppliesTo(EventBookingCancelled))

	// 23:30 resumes at 08:00 the next day
	assert.Equal(t, 510, p.MinutesUntilQuietEnd(23*60+30))
	// 06:00 resumes the same morning
	assert.Equal(t, 120, p.MinutesUntilQuietEnd(6*60))
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityFor(EventBookingCancelled))
	assert.Equal(t, PriorityLow, PriorityFor(EventBookingReminder))
	assert.Equal(t, PriorityNormal, PriorityFor(EventBookingConfirmed))
}

func TestCancellationReasonWaivesPenalty(t *testing.T) {
	assert.True(t, CancelReasonEmergency.WaivesPenalty())
	assert.True(t, CancelReasonBusinessClosure.WaivesPenalty())
	assert.False(t, CancelReasonCustomerRequest.WaivesPenalty())
}

func TestTimeOffOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	off := &ResourceTimeOff{StartAt: base, EndAt: base.Add(2 * time.Hour)}

	assert.True(t, off.Overlaps(base.Add(time.Hour), base.Add(3*time.Hour)))
	assert.False(t, off.Overlaps(base.Add(2*time.Hour), base.Add(3*time.Hour)), "touching intervals do not overlap")
	assert.False(t, off.Overlaps(base.Add(-time.Hour), base))
}
