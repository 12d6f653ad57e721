// This file adds the Postgres-backed shared Counter and rate-limit rule
// storage that limiter.go's doc comment promises: "cachestore's
// Postgres-backed implementation", re-homed here as ratelimit's own table
// since a Counter is this package's concern, not cachestore's.
//
// Design Philosophy:
// - ensureSchema/sqldb.Named/package-level svc follows the same shape as
//   every other Encore service in this repo (sources, cachestore, lineage).
// - PostgresCounter.Increment is a single upsert-and-return statement, the
//   same "one round trip, no read-then-write race" idiom cachestore.Put
//   uses for its ON CONFLICT DO UPDATE.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"encore.dev/beta/auth"
	"encore.dev/storage/sqldb"

	"encore.app/tenantauth"
)

//encore:service
type Service struct {
	db *sqldb.Database
}

var db = sqldb.Named("ratelimit_db")

func initService() (*Service, error) {
	s := &Service{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize ratelimit schema: %w", err)
	}
	return s, nil
}

func (s *Service) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_counters (
			bucket_key TEXT PRIMARY KEY,
			count BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rate_limit_rules (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			source_id TEXT,
			max_requests INT NOT NULL,
			window_seconds INT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE INDEX IF NOT EXISTS idx_rate_limit_rules_app ON rate_limit_rules(app_id, source_id);
	`)
	return err
}

// PostgresCounter implements Counter against rate_limit_counters, the
// Postgres stand-in for a distributed KV store named in §4.4.
type PostgresCounter struct {
	db *sqldb.Database
}

func NewPostgresCounter() *PostgresCounter {
	return &PostgresCounter{db: db}
}

func (c *PostgresCounter) Increment(key string, expiry time.Duration) (int64, error) {
	ctx := context.Background()
	expiresAt := time.Now().Add(expiry)

	var count int64
	err := c.db.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (bucket_key, count, expires_at) VALUES ($1, 1, $2)
		ON CONFLICT (bucket_key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.expires_at < NOW() THEN 1 ELSE rate_limit_counters.count + 1 END,
			expires_at = CASE WHEN rate_limit_counters.expires_at < NOW() THEN EXCLUDED.expires_at ELSE rate_limit_counters.expires_at END
		RETURNING count
	`, key, expiresAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	return count, nil
}

// RuleFor resolves the most specific applicable rule: a (app, source) rule
// beats a (app, nil-source) account-wide rule; an absent rule means
// unlimited (Enabled=false is the caller's signal to skip the check).
func (s *Service) RuleFor(ctx context.Context, tenantID, sourceID string) (Rule, error) {
	var r Rule
	err := s.db.QueryRow(ctx, `
		SELECT max_requests, window_seconds, enabled FROM rate_limit_rules
		WHERE app_id = $1 AND source_id = $2 AND enabled = TRUE
	`, tenantID, sourceID).Scan(&r.MaxRequests, &r.WindowSeconds, &r.Enabled)
	if err == nil {
		return r, nil
	}
	if !isNoRows(err) {
		return Rule{}, fmt.Errorf("loading source rate limit rule: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT max_requests, window_seconds, enabled FROM rate_limit_rules
		WHERE app_id = $1 AND source_id IS NULL AND enabled = TRUE
	`, tenantID).Scan(&r.MaxRequests, &r.WindowSeconds, &r.Enabled)
	if err == nil {
		return r, nil
	}
	if isNoRows(err) {
		return Rule{}, nil
	}
	return Rule{}, fmt.Errorf("loading account rate limit rule: %w", err)
}

type UpsertRuleRequest struct {
	SourceID      string `json:"source_id,omitempty"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
}

type RuleResponse struct {
	ID            string `json:"id"`
	SourceID      string `json:"source_id,omitempty"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
}

// CreateRule is the admin-gated management endpoint (§6 "writes to ...
// rate-limit rules ... require admin").
//
//encore:api auth method=POST path=/rate-limit-rules
func CreateRule(ctx context.Context, req *UpsertRuleRequest) (*RuleResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if err := tenantauth.RequireRole(data, tenantauth.RoleAdmin); err != nil {
		return nil, err
	}
	return svc.UpsertRule(ctx, data.AppID, req)
}

func (s *Service) UpsertRule(ctx context.Context, tenantID string, req *UpsertRuleRequest) (*RuleResponse, error) {
	var sourceArg interface{}
	if req.SourceID != "" {
		sourceArg = req.SourceID
	}
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO rate_limit_rules (id, app_id, source_id, max_requests, window_seconds, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, tenantID, sourceArg, req.MaxRequests, req.WindowSeconds, req.Enabled)
	if err != nil {
		return nil, fmt.Errorf("inserting rate limit rule: %w", err)
	}
	return &RuleResponse{ID: id, SourceID: req.SourceID, MaxRequests: req.MaxRequests, WindowSeconds: req.WindowSeconds, Enabled: req.Enabled}, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// RuleFor, SharedCounter and UpsertRule are the package-level accessors
// other services (proxy) call across the service boundary.

func RuleFor(ctx context.Context, tenantID, sourceID string) (Rule, error) {
	return svc.RuleFor(ctx, tenantID, sourceID)
}

func UpsertRule(ctx context.Context, tenantID string, req *UpsertRuleRequest) (*RuleResponse, error) {
	return svc.UpsertRule(ctx, tenantID, req)
}

// SharedCounter returns the Postgres-backed Counter for wiring into a new
// Limiter; callers keep one Limiter per process since Limiter also owns a
// per-instance fallback counter.
func SharedCounter() Counter {
	return NewPostgresCounter()
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize ratelimit service: %v", err))
	}
}
