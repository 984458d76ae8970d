package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// PostgresReferenceRepository implements ReferenceRepository using PostgreSQL
type PostgresReferenceRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresReferenceRepository creates a new PostgresReferenceRepository
func NewPostgresReferenceRepository(pool *pgxpool.Pool) *PostgresReferenceRepository {
	return &PostgresReferenceRepository{pool: pool}
}

// ListTenantIDs enumerates every tenant with a policy row
func (r *PostgresReferenceRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_tenant_ids")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM tenant_policies ORDER BY tenant_id`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("list tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return ids, nil
}

// GetTenantPolicy retrieves the tenant's booking rules
func (r *PostgresReferenceRepository) GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_tenant_policy")
	defer span.End()

	query := `
		SELECT tenant_id, min_lead_time_minutes, max_advance_days,
		       cancel_window_hours, refund_policy, penalty_percent,
		       overbooking_percent, granularity_minutes, max_slots_per_booking,
		       max_active_per_customer, require_payment, tentative_ttl_minutes,
		       surface_notify_failures, timezone, updated_at
		FROM tenant_policies
		WHERE tenant_id = $1
	`

	p := &domain.TenantPolicy{}
	var refundPolicy string
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID,
		&p.MinLeadTimeMinutes,
		&p.MaxAdvanceDays,
		&p.CancelWindowHours,
		&refundPolicy,
		&p.PenaltyPercent,
		&p.OverbookingPercent,
		&p.GranularityMinutes,
		&p.MaxSlotsPerBooking,
		&p.MaxActivePerCustomer,
		&p.RequirePayment,
		&p.TentativeTTLMinutes,
		&p.SurfaceNotifyFailures,
		&p.Timezone,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTenantNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get tenant policy: %w", err)
	}
	p.RefundPolicy = domain.RefundPolicy(refundPolicy)

	span.SetStatus(codes.Ok, "")
	return p, nil
}

// GetResource retrieves one resource
func (r *PostgresReferenceRepository) GetResource(ctx context.Context, tenantID, id string) (*domain.Resource, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_resource")
	defer span.End()

	query := `
		SELECT id, tenant_id, name, kind, capacity, active, timezone, created_at, updated_at
		FROM resources
		WHERE tenant_id = $1 AND id = $2
	`

	res := &domain.Resource{}
	err := r.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&res.ID, &res.TenantID, &res.Name, &res.Kind, &res.Capacity,
		&res.Active, &res.Timezone, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrResourceNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return res, nil
}

// ListResources returns every active resource for a tenant
func (r *PostgresReferenceRepository) ListResources(ctx context.Context, tenantID string) ([]*domain.Resource, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_resources")
	defer span.End()

	query := `
		SELECT id, tenant_id, name, kind, capacity, active, timezone, created_at, updated_at
		FROM resources
		WHERE tenant_id = $1 AND active
		ORDER BY name
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []*domain.Resource
	for rows.Next() {
		res := &domain.Resource{}
		if err := rows.Scan(&res.ID, &res.TenantID, &res.Name, &res.Kind, &res.Capacity,
			&res.Active, &res.Timezone, &res.CreatedAt, &res.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return resources, nil
}

// GetService retrieves one service offering
func (r *PostgresReferenceRepository) GetService(ctx context.Context, tenantID, id string) (*domain.Service, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_service")
	defer span.End()

	query := `
		SELECT id, tenant_id, name, duration_minutes, price_minor, currency,
		       buffer_before_minutes, buffer_after_minutes,
		       min_advance_minutes, allow_weekends, allow_holidays,
		       active, created_at, updated_at
		FROM services
		WHERE tenant_id = $1 AND id = $2
	`

	svc := &domain.Service{}
	err := r.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&svc.ID, &svc.TenantID, &svc.Name, &svc.DurationMinutes, &svc.PriceMinor,
		&svc.Currency, &svc.BufferBeforeMinutes, &svc.BufferAfterMinutes,
		&svc.MinAdvanceMinutes, &svc.AllowWeekends, &svc.AllowHolidays,
		&svc.Active, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrServiceNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return svc, nil
}

// GetCustomer retrieves one customer
func (r *PostgresReferenceRepository) GetCustomer(ctx context.Context, tenantID, id string) (*domain.Customer, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_customer")
	defer span.End()

	query := `
		SELECT id, tenant_id, name, email, phone, language, line_id, push_token,
		       blacklisted, created_at, updated_at
		FROM customers
		WHERE tenant_id = $1 AND id = $2
	`

	c := &domain.Customer{}
	var email, phone, lineID, pushToken *string
	err := r.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&c.ID, &c.TenantID, &c.Name, &email, &phone, &c.Language,
		&lineID, &pushToken, &c.Blacklisted, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrCustomerNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	if lineID != nil {
		c.LineID = *lineID
	}
	if pushToken != nil {
		c.PushToken = *pushToken
	}

	span.SetStatus(codes.Ok, "")
	return c, nil
}

// ListBusinessHours returns the weekly schedule. Resource-specific rows
// override tenant-wide rows; the caller resolves precedence.
func (r *PostgresReferenceRepository) ListBusinessHours(ctx context.Context, tenantID, resourceID string) ([]*domain.BusinessHours, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_business_hours")
	defer span.End()

	query := `
		SELECT id, tenant_id, resource_id, weekday, open_minute, close_minute
		FROM business_hours
		WHERE tenant_id = $1 AND (resource_id IS NULL OR resource_id = $2)
		ORDER BY weekday, open_minute
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list business hours: %w", err)
	}
	defer rows.Close()

	var hours []*domain.BusinessHours
	for rows.Next() {
		h := &domain.BusinessHours{}
		var resID *string
		var weekday int
		if err := rows.Scan(&h.ID, &h.TenantID, &resID, &weekday, &h.OpenMinute, &h.CloseMinute); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan business hours: %w", err)
		}
		h.Weekday = time.Weekday(weekday)
		if resID != nil {
			h.ResourceID = *resID
		}
		hours = append(hours, h)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating business hours: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return hours, nil
}

// ListHolidays returns holidays in [from, to) for the tenant or resource
func (r *PostgresReferenceRepository) ListHolidays(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Holiday, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_holidays")
	defer span.End()

	query := `
		SELECT id, tenant_id, resource_id, date, name
		FROM holidays
		WHERE tenant_id = $1 AND (resource_id IS NULL OR resource_id = $2)
		  AND date >= $3 AND date < $4
		ORDER BY date
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceID, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list holidays: %w", err)
	}
	defer rows.Close()

	var holidays []*domain.Holiday
	for rows.Next() {
		h := &domain.Holiday{}
		var resID *string
		if err := rows.Scan(&h.ID, &h.TenantID, &resID, &h.Date, &h.Name); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		if resID != nil {
			h.ResourceID = *resID
		}
		holidays = append(holidays, h)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating holidays: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return holidays, nil
}

// ListTimeOff returns resource blocks intersecting [from, to)
func (r *PostgresReferenceRepository) ListTimeOff(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.ResourceTimeOff, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_time_off")
	defer span.End()

	query := `
		SELECT id, tenant_id, resource_id, start_at, end_at, reason
		FROM resource_time_off
		WHERE tenant_id = $1 AND resource_id = $2 AND start_at < $4 AND end_at > $3
		ORDER BY start_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceID, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list time off: %w", err)
	}
	defer rows.Close()

	var blocks []*domain.ResourceTimeOff
	for rows.Next() {
		b := &domain.ResourceTimeOff{}
		var reason *string
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ResourceID, &b.StartAt, &b.EndAt, &reason); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan time off: %w", err)
		}
		if reason != nil {
			b.Reason = *reason
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating time off: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return blocks, nil
}

// ListPreferences returns a customer's channel preferences
func (r *PostgresReferenceRepository) ListPreferences(ctx context.Context, tenantID, customerID string) ([]*domain.NotificationPreference, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.list_preferences")
	defer span.End()

	query := `
		SELECT tenant_id, customer_id, channel, enabled, address,
		       quiet_start_minute, quiet_end_minute, disabled_types, quiet_types
		FROM notification_preferences
		WHERE tenant_id = $1 AND customer_id = $2
	`

	rows, err := r.pool.Query(ctx, query, tenantID, customerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*domain.NotificationPreference
	for rows.Next() {
		p := &domain.NotificationPreference{}
		var channel string
		var address *string
		if err := rows.Scan(&p.TenantID, &p.CustomerID, &channel, &p.Enabled, &address,
			&p.QuietStartMinute, &p.QuietEndMinute, &p.DisabledTypes, &p.QuietTypes); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		p.Channel = domain.Channel(channel)
		if address != nil {
			p.Address = *address
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating preferences: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return prefs, nil
}

// GetTemplate resolves a notification template, falling back to the default
// language and then to the tenant-less built-in row
func (r *PostgresReferenceRepository) GetTemplate(ctx context.Context, tenantID, eventType string, channel domain.Channel, language string) (*domain.Template, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_template")
	defer span.End()

	query := `
		SELECT id, tenant_id, event_type, channel, language, subject, body, updated_at
		FROM notification_templates
		WHERE (tenant_id = $1 OR tenant_id = '') AND event_type = $2 AND channel = $3
		  AND language IN ($4, $5)
		ORDER BY (tenant_id = $1) DESC, (language = $4) DESC
		LIMIT 1
	`

	t := &domain.Template{}
	var channelStr string
	var subject *string
	err := r.pool.QueryRow(ctx, query, tenantID, eventType, channel.String(), language, domain.DefaultLanguage).Scan(
		&t.ID, &t.TenantID, &t.EventType, &channelStr, &t.Language, &subject, &t.Body, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	t.Channel = domain.Channel(channelStr)
	if subject != nil {
		t.Subject = *subject
	}

	span.SetStatus(codes.Ok, "")
	return t, nil
}

// GetWebhookSecret returns the shared HMAC secret for one ingress source
func (r *PostgresReferenceRepository) GetWebhookSecret(ctx context.Context, tenantID string, source domain.WebhookSource) (string, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.reference.get_webhook_secret")
	defer span.End()

	query := `
		SELECT secret FROM webhook_secrets
		WHERE tenant_id = $1 AND source = $2 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`

	var secret string
	if err := r.pool.QueryRow(ctx, query, tenantID, string(source)).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return "", domain.ErrTenantNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to get webhook secret: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return secret, nil
}
