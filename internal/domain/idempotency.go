package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// IdempotencyStatus represents the processing state of an idempotent request
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// IsValid checks if the status is a valid IdempotencyStatus
func (s IdempotencyStatus) IsValid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return true
	}
	return false
}

// String returns the string representation of IdempotencyStatus
func (s IdempotencyStatus) String() string {
	return string(s)
}

// IdempotencyRecord pins one (tenant, key) pair to the fingerprint and
// outcome of its first request
type IdempotencyRecord struct {
	TenantID       string            `json:"tenantId"`
	Key            string            `json:"key"`
	Fingerprint    string            `json:"fingerprint"`
	Status         IdempotencyStatus `json:"status"`
	ResponseStatus int               `json:"responseStatus,omitempty"`
	ResponseBody   json.RawMessage   `json:"responseBody,omitempty"`
	// RetryCount tracks how many times a failed record has been reopened;
	// past MaxRetries the key stays failed.
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsExpired reports whether the record has aged out of the dedup window
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// RequestMeta carries the request envelope folded into the fingerprint, so
// the same key replayed against a different route or by a different user is
// rejected as a mismatch rather than served a stale response.
type RequestMeta struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Tenant      string `json:"tenant"`
	User        string `json:"user"`
}

// Fingerprint computes the canonical request fingerprint: SHA-256 over the
// request meta plus the JSON body, re-serialized with object keys sorted at
// every level, so that semantically equal payloads hash identically
// regardless of key order.
func Fingerprint(meta RequestMeta, body []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("fingerprint: invalid json: %w", err)
	}
	envelope := map[string]interface{}{
		"method":      meta.Method,
		"url":         meta.URL,
		"contentType": meta.ContentType,
		"tenant":      meta.Tenant,
		"user":        meta.User,
		"body":        v,
	}
	canonical, err := canonicalJSON(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(t)
	}
}
