package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
)

// Rendered is a ready-to-send message body
type Rendered struct {
	Subject string
	Body    string
}

// Renderer resolves and renders notification templates. Resolution prefers
// a tenant-specific template in the requested language, then the default
// language, then the built-in row; parsed templates are cached in process
// since template churn is rare.
type Renderer struct {
	refs   repository.ReferenceRepository
	parsed *gocache.Cache
}

// NewRenderer creates a template renderer
func NewRenderer(refs repository.ReferenceRepository) *Renderer {
	return &Renderer{
		refs:   refs,
		parsed: gocache.New(15*time.Minute, 5*time.Minute),
	}
}

// Render produces the message for one dispatch. When no template exists the
// event still goes out with a minimal subject so a missing row never blocks
// delivery.
func (r *Renderer) Render(ctx context.Context, d *domain.NotificationDispatch) (*Rendered, error) {
	tmpl, err := r.refs.GetTemplate(ctx, d.TenantID, d.EventType, d.Channel, d.Language)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template: %w", err)
	}
	if tmpl == nil {
		return &Rendered{Subject: d.EventType, Body: d.EventType}, nil
	}

	data := make(map[string]interface{})
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to decode dispatch payload: %w", err)
		}
	}

	subject, err := r.execute(tmpl.ID+".subject", tmpl.UpdatedAt, tmpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	body, err := r.execute(tmpl.ID+".body", tmpl.UpdatedAt, tmpl.Body, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}

	return &Rendered{Subject: subject, Body: body}, nil
}

func (r *Renderer) execute(name string, updatedAt time.Time, text string, data map[string]interface{}) (string, error) {
	if text == "" {
		return "", nil
	}

	cacheKey := fmt.Sprintf("%s@%d", name, updatedAt.Unix())
	var tmpl *template.Template
	if cached, ok := r.parsed.Get(cacheKey); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New(name).Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", err
		}
		r.parsed.Set(cacheKey, parsed, gocache.DefaultExpiration)
		tmpl = parsed
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
