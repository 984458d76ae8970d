package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/booking"
	"github.com/wer-inc/ripipi/internal/cache"
	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/idempotency"
	"github.com/wer-inc/ripipi/internal/inventory"
	"github.com/wer-inc/ripipi/internal/notification"
	"github.com/wer-inc/ripipi/internal/outbox"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/policy"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/internal/webhook"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/response"
)

const testJWTSecret = "test-secret"

var (
	handlerNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	startAt    = handlerNow.Add(48 * time.Hour)
	endAt      = startAt.Add(30 * time.Minute)
)

type nopTxRunner struct{}

func (nopTxRunner) WithTx(ctx context.Context, _ pgx.TxOptions, fn database.TxFunc) error {
	return fn(ctx, nil)
}

type webFixture struct {
	router   *gin.Engine
	refs     *memory.ReferenceRepository
	bookings *memory.BookingRepository
	slots    *memory.TimeslotRepository
	coord    *booking.Coordinator
	clk      *clock.FrozenClock
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	refs := memory.NewReferenceRepository()
	bookings := memory.NewBookingRepository()
	slots := memory.NewTimeslotRepository()
	webhooks := memory.NewWebhookRepository()
	dispatches := memory.NewDispatchRepository()
	events := memory.NewOutboxRepository()
	clk := clock.NewFrozen(handlerNow)

	refs.Policies["t1"] = &domain.TenantPolicy{
		TenantID:            "t1",
		CancelWindowHours:   24,
		RefundPolicy:        domain.RefundPolicyFull,
		TentativeTTLMinutes: 30,
		Timezone:            "UTC",
	}
	refs.Services["t1/svc-1"] = &domain.Service{
		ID: "svc-1", TenantID: "t1", Name: "Cut", DurationMinutes: 30, Active: true,
	}
	refs.Resources["t1/res-1"] = &domain.Resource{
		ID: "res-1", TenantID: "t1", Name: "Chair A", Active: true, Timezone: "UTC",
	}
	refs.Customers["t1/cust-1"] = &domain.Customer{
		ID: "cust-1", TenantID: "t1", Name: "Aiko",
	}
	refs.Secrets["t1/payment"] = "whsec_test"
	slots.Put(&domain.Timeslot{
		ID: "ts-1", TenantID: "t1", ResourceID: "res-1",
		StartAt: startAt, EndAt: endAt,
		TotalCapacity: 2, Version: 1,
	})
	slots.Put(&domain.Timeslot{
		ID: "ts-2", TenantID: "t1", ResourceID: "res-1",
		StartAt: endAt, EndAt: endAt.Add(30 * time.Minute),
		TotalCapacity: 2, Version: 1,
	})

	inv := inventory.NewStore(slots, nopTxRunner{}, clk, inventory.DefaultConfig())
	validator := policy.NewValidator(refs, bookings, slots, clk)
	idem := idempotency.NewStore(memory.NewIdempotencyRepository(), nil, clk, idempotency.DefaultConfig())

	coord, err := booking.NewCoordinator(booking.Deps{
		Bookings:  bookings,
		Slots:     slots,
		Refs:      refs,
		Inventory: inv,
		Validator: validator,
		Idem:      idem,
		Outbox:    outbox.NewWriter(events, clk),
		Payments:  payment.NewMockGateway(),
		Sagas:     saga.NewOrchestrator(saga.NewMemoryStore(), clk),
		Tx:        nopTxRunner{},
		Clock:     clk,
	}, booking.DefaultConfig())
	require.NoError(t, err)

	tiers := cache.New(nil, cache.DefaultConfig())
	cfg := &config.Config{}
	cfg.App.Environment = "test"
	cfg.JWT.Secret = testJWTSecret
	cfg.JWT.Issuer = "ripipi"
	cfg.Server.PublicRatePerMinute = 1000

	router := NewRouter(cfg, Handlers{
		Availability: NewAvailabilityHandler(inv, cache.NewAvailabilityCache(tiers, clk), refs),
		Bookings:     NewBookingHandler(coord),
		Webhooks: NewWebhookHandler(
			webhook.NewVerifier(5*time.Minute, clk),
			webhook.NewProcessor(webhooks, dispatches, coord, clk, webhook.DefaultConfig()),
			refs,
			"",
		),
		Health: NewHealthHandler(nil, nil),
	})

	return &webFixture{
		router:   router,
		refs:     refs,
		bookings: bookings,
		slots:    slots,
		coord:    coord,
		clk:      clk,
	}
}

func adminToken(t *testing.T, tenantID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "admin-1",
		"tenant_id": tenantID,
		"iss":       "ripipi",
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorData `json:"error"`
	Meta    json.RawMessage     `json:"meta"`
}

func (f *webFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Code != http.StatusNotModified {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, &env
}

func createBody(quantity int) []byte {
	return fmt.Appendf(nil, `{
		"customerId": "cust-1",
		"serviceId": "svc-1",
		"resourceId": "res-1",
		"startAt": %q,
		"endAt": %q,
		"slots": [{"resourceId": "res-1", "timeslotId": "ts-1", "quantity": %d, "expectedVersion": 1}],
		"totalMinor": 5000,
		"currency": "JPY"
	}`, startAt.Format(time.RFC3339), endAt.Format(time.RFC3339), quantity)
}

func authHeaders(t *testing.T, extra map[string]string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + adminToken(t, "t1")}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func TestCreateBookingEndpoint(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, env.Success)

	var res booking.ConfirmResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.NotNil(t, res.Booking)
	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
	assert.Equal(t, "t1", res.Booking.TenantID)
}

func TestCreateBookingRequiresAuth(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeAuthenticationError, env.Error.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1),
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBookingDerivedKeyCollapsesRetries(t *testing.T) {
	f := newWebFixture(t)

	w1, env1 := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	require.Equal(t, http.StatusCreated, w1.Code)
	w2, env2 := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	require.Equal(t, http.StatusCreated, w2.Code)

	var r1, r2 booking.ConfirmResult
	require.NoError(t, json.Unmarshal(env1.Data, &r1))
	require.NoError(t, json.Unmarshal(env2.Data, &r2))
	assert.Equal(t, r1.Booking.ID, r2.Booking.ID)

	// one slot consumed, not two
	slot, err := f.slots.GetByID(context.Background(), "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.BookedCapacity)
}

func TestCreateBookingKeyedMismatchConflicts(t *testing.T) {
	f := newWebFixture(t)
	headers := authHeaders(t, map[string]string{idempotencyKeyHeader: "key-1"})

	w, _ := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), headers)
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(2), headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeIdempotencyFingerprint, env.Error.Code)
}

func TestCreateBookingConflictReturnsSuggestions(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(3), authHeaders(t, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeCapacityExceeded, env.Error.Code)

	var data struct {
		Suggestions []domain.AvailabilityWindow `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Suggestions)
}

func TestCreateBookingPolicyRejection(t *testing.T) {
	f := newWebFixture(t)
	f.refs.Services["t1/svc-1"].Active = false

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeValidationError, env.Error.Code)

	var validation domain.ValidationResult
	require.NoError(t, json.Unmarshal(env.Data, &validation))
	assert.NotEmpty(t, validation.Errors)
}

func TestCancelBookingEndpoint(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	require.Equal(t, http.StatusCreated, w.Code)
	var created booking.ConfirmResult
	require.NoError(t, json.Unmarshal(env.Data, &created))

	w, env = f.do(t, http.MethodPost, "/v1/admin/bookings/"+created.Booking.ID+"/cancel",
		[]byte(`{"reason": "CUSTOMER_REQUEST"}`), authHeaders(t, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res booking.CancelResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, domain.BookingStatusCancelled, res.Booking.Status)
	assert.True(t, res.Outcome.Allowed)
	assert.EqualValues(t, 5000, res.Outcome.RefundMinor)
}

func TestGetBookingNotFound(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodGet, "/v1/admin/bookings/missing", nil, authHeaders(t, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeNotFound, env.Error.Code)
}

func TestListBookingsByCustomer(t *testing.T) {
	f := newWebFixture(t)

	w, _ := f.do(t, http.MethodPost, "/v1/admin/bookings", createBody(1), authHeaders(t, nil))
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := f.do(t, http.MethodGet, "/v1/admin/bookings?customerId=cust-1", nil, authHeaders(t, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var bookings []*domain.Booking
	require.NoError(t, json.Unmarshal(env.Data, &bookings))
	assert.Len(t, bookings, 1)
}

func availabilityPath() string {
	return fmt.Sprintf("/v1/public/availability?tenant_id=t1&service_id=svc-1&resource_id=res-1&from=%s&to=%s",
		startAt.Format("2006-01-02"), startAt.Add(48*time.Hour).Format("2006-01-02"))
}

type availabilityWire struct {
	TimeslotID        string    `json:"timeslot_id"`
	TenantID          string    `json:"tenant_id"`
	ServiceID         string    `json:"service_id"`
	ResourceID        string    `json:"resource_id"`
	StartAt           time.Time `json:"start_at"`
	EndAt             time.Time `json:"end_at"`
	AvailableCapacity int       `json:"available_capacity"`
}

func TestAvailabilityEndpointETag(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodGet, availabilityPath(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "private, max-age=15", w.Header().Get("Cache-Control"))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var windows []availabilityWire
	require.NoError(t, json.Unmarshal(env.Data, &windows))
	require.Len(t, windows, 2)
	assert.Equal(t, "ts-1", windows[0].TimeslotID)
	assert.Equal(t, "t1", windows[0].TenantID)
	assert.Equal(t, "res-1", windows[0].ResourceID)
	assert.Equal(t, 2, windows[0].AvailableCapacity)

	w, _ = f.do(t, http.MethodGet, availabilityPath(), nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestAvailabilityGranularityFilter(t *testing.T) {
	f := newWebFixture(t)

	w, env := f.do(t, http.MethodGet, availabilityPath()+"&granularity_min=30", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var windows []availabilityWire
	require.NoError(t, json.Unmarshal(env.Data, &windows))
	assert.Len(t, windows, 2)

	w, env = f.do(t, http.MethodGet, availabilityPath()+"&granularity_min=60", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	windows = nil
	require.NoError(t, json.Unmarshal(env.Data, &windows))
	assert.Empty(t, windows)
}

func TestAvailabilityRejectsWideRange(t *testing.T) {
	f := newWebFixture(t)

	path := fmt.Sprintf("/v1/public/availability?tenant_id=t1&service_id=svc-1&from=%s&to=%s",
		handlerNow.Format("2006-01-02"), handlerNow.Add(100*24*time.Hour).Format("2006-01-02"))
	w, env := f.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
}

func TestAvailabilityRequiresParams(t *testing.T) {
	f := newWebFixture(t)

	w, _ := f.do(t, http.MethodGet, "/v1/public/availability?tenant_id=t1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	f := newWebFixture(t)
	body := []byte(`{"id":"evt-1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	w, env := f.do(t, http.MethodPost, "/v1/webhooks/payment", body, map[string]string{
		tenantIDHeader: "t1",
		"X-Signature":  "t=1,v1=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
}

func TestWebhookEndpointConfirmsTentativeBooking(t *testing.T) {
	f := newWebFixture(t)

	// payment-gated tenants hold the slot tentative until capture
	f.refs.Policies["t1"].RequirePayment = true
	res, err := f.coord.Confirm(context.Background(), &booking.ConfirmRequest{
		TenantID:   "t1",
		CustomerID: "cust-1",
		ServiceID:  "svc-1",
		ResourceID: "res-1",
		StartAt:    startAt,
		EndAt:      endAt,
		Slots: []domain.SlotRef{
			{ResourceID: "res-1", TimeslotID: "ts-1", Quantity: 1, ExpectedVersion: 1},
		},
		TotalMinor:     5000,
		Currency:       "JPY",
		IdempotencyKey: "key-gated",
		Actor:          "admin",
	})
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusTentative, res.Booking.Status)

	body := fmt.Appendf(nil,
		`{"id":"evt-1","type":"payment_intent.succeeded","data":{"object":{"id":%q,"metadata":{"tenant_id":"t1","booking_id":%q}}}}`,
		res.Booking.PaymentID, res.Booking.ID)
	sig := notification.Sign("whsec_test", body, f.clk.Now())

	w, env := f.do(t, http.MethodPost, "/v1/webhooks/payment", body, map[string]string{
		tenantIDHeader: "t1",
		"X-Signature":  sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result webhook.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Processed)

	b, err := f.bookings.GetByID(context.Background(), "t1", res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
}

func TestHealthEndpoints(t *testing.T) {
	f := newWebFixture(t)

	w, _ := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitPerTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitPerTenant(2))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?tenant_id=t1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?tenant_id=t1", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// a different tenant from the same ip has its own bucket
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?tenant_id=t2", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteErrorRetryAfterOnProcessing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)

	writeError(c, domain.ErrIdempotencyInProgress)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)
	writeError(c, domain.ErrIdempotencyExhausted)
	assert.Equal(t, http.StatusConflict, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, response.CodeIdempotencyExhausted, env.Error.Code)
}
