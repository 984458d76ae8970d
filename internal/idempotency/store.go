// Package idempotency implements the duplicate-request gate for mutating
// operations. The durable tier in Postgres is the arbiter; a Redis advisory
// tier in front absorbs the common retry storms without a database hit.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Cache is the advisory fast tier. Misses and errors fall through to the
// durable tier, so the cache only needs best-effort semantics.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Decision classifies the outcome of Begin
type Decision int

const (
	// DecisionProceed means this request is the first with its key and the
	// caller should execute the operation
	DecisionProceed Decision = iota
	// DecisionReplay means an identical request already completed; the
	// stored response should be returned verbatim
	DecisionReplay
)

// Result carries the Begin outcome
type Result struct {
	Decision Decision
	// Record is set for DecisionReplay
	Record *domain.IdempotencyRecord
	// Fingerprint of the current request, for logging
	Fingerprint string
}

// Config tunes the store
type Config struct {
	// TTL bounds how long a key blocks duplicate processing
	TTL time.Duration
	// CacheTTL bounds the advisory tier entries; kept shorter than TTL so
	// the durable tier always outlives the cache
	CacheTTL time.Duration
	// MaxRetries bounds how often a failed key may be reopened before it
	// stays failed for the rest of its TTL
	MaxRetries int
}

// DefaultConfig returns the store defaults: 24h dedup window, 1h cache,
// three reopen attempts per failed key
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, CacheTTL: time.Hour, MaxRetries: 3}
}

// Store is the dual-tier idempotency store
type Store struct {
	repo  repository.IdempotencyRepository
	cache Cache
	clock clock.Clock
	cfg   Config
	log   *logger.Logger
}

// NewStore creates a Store. cache may be nil, in which case only the
// durable tier is used.
func NewStore(repo repository.IdempotencyRepository, cache Cache, clk clock.Clock, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Store{
		repo:  repo,
		cache: cache,
		clock: clk,
		cfg:   cfg,
		log:   logger.Get().Named("idempotency"),
	}
}

func cacheKey(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

// Begin runs the check protocol for one request:
//
//  1. fingerprint the request envelope and body (canonical JSON, SHA-256)
//  2. consult the advisory tier; a cached different fingerprint fails fast
//  3. read the durable record
//  4. absent or expired: insert/replace a processing record and tell the
//     caller to proceed; failed: reopen while the retry budget lasts
//  5. fingerprint mismatch: reject
//  6. processing: reject as in-progress; completed: replay
//
// The durable insert is the serialization point: when two identical
// requests race, the losing insert reports in-progress.
func (s *Store) Begin(ctx context.Context, tenantID, key string, meta domain.RequestMeta, body []byte) (*Result, error) {
	ctx, span := telemetry.Start(ctx, "idempotency.begin")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	fingerprint, err := domain.Fingerprint(meta, body)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	if s.cache != nil {
		cached, ok, cacheErr := s.cache.Get(ctx, cacheKey(tenantID, key))
		if cacheErr != nil {
			s.log.WarnContext(ctx, "idempotency cache read failed", "error", cacheErr)
		} else if ok && cached != fingerprint {
			span.SetAttributes(attribute.Bool("cache_mismatch", true))
			return nil, domain.ErrIdempotencyMismatch
		}
	}

	rec, err := s.repo.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}

	insert := rec == nil || rec.IsExpired(now)
	if !insert {
		switch {
		case rec.Fingerprint != fingerprint:
			return nil, domain.ErrIdempotencyMismatch
		case rec.Status == domain.IdempotencyStatusProcessing:
			return nil, domain.ErrIdempotencyInProgress
		case rec.Status == domain.IdempotencyStatusCompleted:
			return &Result{Decision: DecisionReplay, Record: rec, Fingerprint: fingerprint}, nil
		}
		// failed attempts may be retried with the same payload until the
		// retry budget runs out
		maxRetries := rec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.cfg.MaxRetries
		}
		if rec.RetryCount >= maxRetries {
			span.SetAttributes(attribute.Bool("retries_exhausted", true))
			return nil, domain.ErrIdempotencyExhausted
		}
		if err := s.repo.Reopen(ctx, tenantID, key, now); err != nil {
			return nil, err
		}
	} else {
		if rec != nil {
			// aged-out record: evict it so the insert can take over the key
			if err := s.repo.Delete(ctx, tenantID, key); err != nil {
				return nil, err
			}
		}
		fresh := &domain.IdempotencyRecord{
			TenantID:    tenantID,
			Key:         key,
			Fingerprint: fingerprint,
			Status:      domain.IdempotencyStatusProcessing,
			MaxRetries:  s.cfg.MaxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.TTL),
		}
		if err := s.repo.Insert(ctx, fresh); err != nil {
			if errors.Is(err, domain.ErrIdempotencyInProgress) {
				return s.resolveRace(ctx, tenantID, key, fingerprint)
			}
			return nil, err
		}
	}

	if s.cache != nil {
		if _, err := s.cache.SetNX(ctx, cacheKey(tenantID, key), fingerprint, s.cfg.CacheTTL); err != nil {
			s.log.WarnContext(ctx, "idempotency cache write failed", "error", err)
		}
	}

	return &Result{Decision: DecisionProceed, Fingerprint: fingerprint}, nil
}

// resolveRace re-reads after losing the insert race: the winner's record
// decides whether this duplicate replays, waits, or conflicts
func (s *Store) resolveRace(ctx context.Context, tenantID, key, fingerprint string) (*Result, error) {
	rec, err := s.repo.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrIdempotencyInProgress
	}
	if rec.Fingerprint != fingerprint {
		return nil, domain.ErrIdempotencyMismatch
	}
	if rec.Status == domain.IdempotencyStatusCompleted {
		return &Result{Decision: DecisionReplay, Record: rec, Fingerprint: fingerprint}, nil
	}
	return nil, domain.ErrIdempotencyInProgress
}

// Complete stores the successful response for replay
func (s *Store) Complete(ctx context.Context, tenantID, key string, status int, response interface{}) error {
	ctx, span := telemetry.Start(ctx, "idempotency.complete")
	defer span.End()

	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotent response: %w", err)
	}
	return s.repo.Complete(ctx, tenantID, key, status, body, s.clock.Now())
}

// Fail releases the key for a retry with the same payload
func (s *Store) Fail(ctx context.Context, tenantID, key string) error {
	ctx, span := telemetry.Start(ctx, "idempotency.fail")
	defer span.End()

	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKey(tenantID, key)); err != nil {
			s.log.WarnContext(ctx, "idempotency cache delete failed", "error", err)
		}
	}
	return s.repo.Fail(ctx, tenantID, key, s.clock.Now())
}

// ListStaleProcessing returns processing records untouched for at least
// staleAfter, candidates for reconciliation against committed state
func (s *Store) ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]*domain.IdempotencyRecord, error) {
	return s.repo.ListStaleProcessing(ctx, s.clock.Now().Add(-staleAfter), limit)
}

// Sweep deletes expired records in one bounded batch and returns how many
// rows went away
func (s *Store) Sweep(ctx context.Context, batch int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "idempotency.sweep")
	defer span.End()

	n, err := s.repo.DeleteExpired(ctx, s.clock.Now(), batch)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("deleted", n))
	return n, nil
}
