// Package cachestore is the durable cache entry store (§4.5): Get, Put,
// List, Invalidate, Purge, and storage migration across dedicated/shared
// isolation modes.
//
// Design Philosophy:
// - Postgres is both the cache and the source of truth; there is no
//   in-process tier in front of it (the teacher's L1Cache pattern is the
//   right *shape* — lazy expiry on read, atomic upsert on write — but here
//   that shape lives directly over the relational store instead of an
//   in-memory LRU map).
// - The dedicated/shared uniqueness split (§3) is enforced by two partial
//   unique indexes, never by application-level locking.
//
// Performance Characteristics:
// - Get/Put: O(1) index lookup.
// - List: O(page size) with composable predicates pushed into SQL.
// - Storage migration: O(entries for the source) in a single UPDATE.
package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"
)

//encore:service
type Service struct {
	db *sqldb.Database
}

var db = sqldb.Named("cachestore_db")

// InvalidationMetricEvent represents one Invalidate call, owned here (not
// by monitoring) so monitoring can subscribe without an import cycle —
// mirrors revalidate.CompletedTopic's ownership split.
type InvalidationMetricEvent struct {
	Pattern     string    `json:"pattern"`
	KeysCount   int       `json:"keys_count"`
	DurationMs  int64     `json:"duration_ms"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

var InvalidationMetricsTopic = pubsub.NewTopic[*InvalidationMetricEvent](
	"invalidation-metrics",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func initService() (*Service, error) {
	s := &Service{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize cachestore schema: %w", err)
	}
	return s, nil
}

func (s *Service) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			pool_id TEXT,
			cache_key TEXT NOT NULL,
			request_method TEXT NOT NULL,
			request_url TEXT NOT NULL,
			body_fingerprint TEXT,
			response_status INT NOT NULL,
			response_headers JSONB,
			response_body BYTEA,
			content_type TEXT,
			ttl_seconds INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			hit_count BIGINT NOT NULL DEFAULT 0,
			last_hit_at TIMESTAMPTZ,
			tags TEXT[] NOT NULL DEFAULT '{}',
			revalidate_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_cache_dedicated
			ON cache_entries (tenant_id, source_id, cache_key) WHERE pool_id IS NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS uq_cache_shared
			ON cache_entries (tenant_id, pool_id, cache_key) WHERE pool_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_cache_entries_tenant_expires
			ON cache_entries (tenant_id, expires_at);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_source
			ON cache_entries (tenant_id, source_id);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// Entry is a stored cache row.
type Entry struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	SourceID        string            `json:"source_id"`
	PoolID          *string           `json:"pool_id,omitempty"`
	Key             string            `json:"cache_key"`
	RequestMethod   string            `json:"request_method"`
	RequestURL      string            `json:"request_url"`
	BodyFingerprint string            `json:"body_fingerprint,omitempty"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    []byte            `json:"-"`
	ContentType     string            `json:"content_type,omitempty"`
	TTLSeconds      int               `json:"ttl_seconds"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	HitCount        int64             `json:"hit_count"`
	LastHitAt       *time.Time        `json:"last_hit_at,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	RevalidateAt    *time.Time        `json:"revalidate_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Stale           bool              `json:"stale,omitempty"`

	// Mode selects Put's conflict target explicitly. It is never inferred
	// from PoolID's nullness — a dedicated source is allowed to carry a
	// PoolID of its own for grouping metadata, and inferring from
	// nullability alone would silently store its entries under the shared
	// unique index instead of the dedicated one.
	Mode StorageMode `json:"-"`
}

// StorageMode mirrors sources.Source.StorageMode / keyderive.StorageMode.
type StorageMode string

const (
	Dedicated StorageMode = "dedicated"
	Shared    StorageMode = "shared"
)

// Get looks up an entry by the dedicated (tenant, source, key) identity or
// the shared (tenant, pool, key) identity, filtering expired rows at query
// time. Returns (nil, false) on a miss, never trusting a cached "fresh"
// flag.
func (s *Service) Get(ctx context.Context, tenantID, key, sourceID string, mode StorageMode, poolID string) (*Entry, bool, error) {
	var row *sqldb.Row
	if mode == Shared {
		if poolID == "" {
			return nil, false, nil
		}
		row = s.db.QueryRow(ctx, selectColumns+`
			FROM cache_entries
			WHERE tenant_id = $1 AND pool_id = $2 AND cache_key = $3
		`, tenantID, poolID, key)
	} else {
		row = s.db.QueryRow(ctx, selectColumns+`
			FROM cache_entries
			WHERE tenant_id = $1 AND source_id = $2 AND cache_key = $3 AND pool_id IS NULL
		`, tenantID, sourceID, key)
	}

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up cache entry: %w", err)
	}

	stale := entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now())

	if !stale {
		if err := s.recordHit(ctx, entry.ID); err != nil {
			return nil, false, fmt.Errorf("recording cache hit: %w", err)
		}
		entry.HitCount++
	}

	entry.Stale = stale
	return entry, true, nil
}

func (s *Service) recordHit(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = NOW() WHERE id = $1
	`, id)
	return err
}

// Put upserts an entry on the dedicated or shared uniqueness target. An
// existing row's body/headers/status/ttl are overwritten and its hit count
// reset to zero; a new row starts at hit count zero.
func (s *Service) Put(ctx context.Context, e *Entry) error {
	var expiresAt *time.Time
	if e.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(e.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	mode := e.Mode
	if mode == Shared && (e.PoolID == nil || *e.PoolID == "") {
		// No pool to group under despite the declared mode: fall back to
		// the dedicated target rather than upserting against a partial
		// index that a NULL pool_id could never match.
		mode = Dedicated
	}

	var poolArg interface{}
	if mode == Shared {
		poolArg = *e.PoolID
	}

	conflictTarget := "(tenant_id, source_id, cache_key) WHERE pool_id IS NULL"
	if mode == Shared {
		conflictTarget = "(tenant_id, pool_id, cache_key) WHERE pool_id IS NOT NULL"
	}

	query := fmt.Sprintf(`
		INSERT INTO cache_entries (
			id, tenant_id, source_id, pool_id, cache_key, request_method, request_url,
			body_fingerprint, response_status, response_headers, response_body,
			content_type, ttl_seconds, expires_at, hit_count, tags, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,0,$15,NOW())
		ON CONFLICT %s DO UPDATE SET
			request_method = EXCLUDED.request_method,
			request_url = EXCLUDED.request_url,
			body_fingerprint = EXCLUDED.body_fingerprint,
			response_status = EXCLUDED.response_status,
			response_headers = EXCLUDED.response_headers,
			response_body = EXCLUDED.response_body,
			content_type = EXCLUDED.content_type,
			ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0,
			tags = EXCLUDED.tags
	`, conflictTarget)

	headersJSON, _ := marshalHeaders(e.ResponseHeaders)

	_, err := s.db.Exec(ctx, query,
		e.ID, e.TenantID, e.SourceID, poolArg, e.Key, e.RequestMethod, e.RequestURL,
		nullable(e.BodyFingerprint), e.ResponseStatus, headersJSON, e.ResponseBody,
		nullable(e.ContentType), e.TTLSeconds, expiresAt, pqStringArray(e.Tags),
	)
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

// ListFilter composes the predicates §4.5 names.
type ListFilter struct {
	TenantID       string
	ExpiredOnly    bool
	SourceID       string
	PoolID         string
	DedicatedOnly  bool
	SearchText     string
	MinHits        *int64
	MaxHits        *int64
	Since          *time.Time
	Until          *time.Time
	SortField      string // one of: created_at, hit_count, expires_at, last_hit_at
	SortDescending bool
	Page           int
	Limit          int
}

var allowedSortFields = map[string]bool{
	"created_at": true, "hit_count": true, "expires_at": true, "last_hit_at": true,
}

// List runs a paginated, filtered scan over cache entries.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	var where []string
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	where = append(where, "e.tenant_id = $1")
	args = append(args, f.TenantID)

	if f.ExpiredOnly {
		where = append(where, "e.expires_at IS NOT NULL AND e.expires_at <= NOW()")
	} else {
		where = append(where, "(e.expires_at IS NULL OR e.expires_at > NOW())")
	}
	if f.SourceID != "" {
		add("e.source_id = $%d", f.SourceID)
	}
	if f.PoolID != "" {
		add("e.pool_id = $%d", f.PoolID)
	}
	if f.DedicatedOnly {
		where = append(where, "e.pool_id IS NULL AND s.storage_mode = 'dedicated'")
	}
	if f.SearchText != "" {
		args = append(args, "%"+f.SearchText+"%")
		idx := len(args)
		where = append(where, fmt.Sprintf(
			"(e.request_url ILIKE $%d OR e.request_method ILIKE $%d OR e.cache_key ILIKE $%d OR e.content_type ILIKE $%d)",
			idx, idx, idx, idx))
	}
	if f.MinHits != nil {
		add("e.hit_count >= $%d", *f.MinHits)
	}
	if f.MaxHits != nil {
		add("e.hit_count <= $%d", *f.MaxHits)
	}
	if f.Since != nil {
		add("e.created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("e.created_at <= $%d", *f.Until)
	}

	sortField := "created_at"
	if allowedSortFields[f.SortField] {
		sortField = f.SortField
	}
	direction := "ASC"
	if f.SortDescending {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Page * limit

	fromClause := "cache_entries e"
	if f.DedicatedOnly {
		fromClause = "cache_entries e JOIN sources s ON s.id = e.source_id"
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.tenant_id, e.source_id, e.pool_id, e.cache_key, e.request_method,
		       e.request_url, e.body_fingerprint, e.response_status, e.response_headers,
		       e.content_type, e.ttl_seconds, e.expires_at, e.hit_count, e.last_hit_at,
		       e.tags, e.revalidate_at, e.created_at
		FROM %s
		WHERE %s
		ORDER BY e.%s %s
		LIMIT %d OFFSET %d
	`, fromClause, strings.Join(where, " AND "), sortField, direction, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var headersJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SourceID, &e.PoolID, &e.Key, &e.RequestMethod,
			&e.RequestURL, &e.BodyFingerprint, &e.ResponseStatus, &headersJSON, &e.ContentType,
			&e.TTLSeconds, &e.ExpiresAt, &e.HitCount, &e.LastHitAt, &e.Tags, &e.RevalidateAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		e.ResponseHeaders = unmarshalHeaders(headersJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InvalidateMode selects how Invalidate interprets its target.
type InvalidateMode int

const (
	InvalidateKey InvalidateMode = iota
	InvalidateURLPrefix
	InvalidateKeyPrefix
	InvalidateTags
)

// Invalidate deletes matching rows for a tenant. MatchAllTags controls
// whether tag matching requires every tag (AND) or any tag (OR); unused for
// non-tag modes. Returns the number of rows removed.
func (s *Service) Invalidate(ctx context.Context, tenantID string, mode InvalidateMode, target string, tags []string, matchAllTags bool) (int64, error) {
	var query string
	var args []interface{}

	switch mode {
	case InvalidateKey:
		query = `DELETE FROM cache_entries WHERE tenant_id = $1 AND cache_key = $2`
		args = []interface{}{tenantID, target}
	case InvalidateURLPrefix:
		query = `DELETE FROM cache_entries WHERE tenant_id = $1 AND request_url LIKE $2`
		args = []interface{}{tenantID, target + "%"}
	case InvalidateKeyPrefix:
		query = `DELETE FROM cache_entries WHERE tenant_id = $1 AND cache_key LIKE $2`
		args = []interface{}{tenantID, target + "%"}
	case InvalidateTags:
		if matchAllTags {
			query = `DELETE FROM cache_entries WHERE tenant_id = $1 AND tags @> $2`
		} else {
			query = `DELETE FROM cache_entries WHERE tenant_id = $1 AND tags && $2`
		}
		args = []interface{}{tenantID, pqStringArray(tags)}
	default:
		return 0, fmt.Errorf("unknown invalidation mode %d", mode)
	}

	start := time.Now()
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidating cache entries: %w", err)
	}
	n := result.RowsAffected()

	event := &InvalidationMetricEvent{
		Pattern:     target,
		KeysCount:   int(n),
		DurationMs:  time.Since(start).Milliseconds(),
		TriggeredBy: tenantID,
		Timestamp:   time.Now(),
	}
	if _, pubErr := InvalidationMetricsTopic.Publish(ctx, event); pubErr != nil {
		rlog.Error("failed to publish invalidation metric", "err", pubErr, "tenant_id", tenantID)
	}

	return n, nil
}

// PurgeExpired deletes every expired entry for a tenant (or an entire
// pool, when poolID is non-empty), used by both the on-demand API and the
// scheduled purger.
func (s *Service) PurgeExpired(ctx context.Context, tenantID, poolID string) (int64, error) {
	var result sql.Result
	var err error
	if poolID != "" {
		result, err = s.db.Exec(ctx, `
			DELETE FROM cache_entries WHERE tenant_id = $1 AND pool_id = $2 AND expires_at IS NOT NULL AND expires_at <= NOW()
		`, tenantID, poolID)
	} else {
		result, err = s.db.Exec(ctx, `
			DELETE FROM cache_entries WHERE tenant_id = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()
		`, tenantID)
	}
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeAll deletes every entry for a tenant or pool, unconditionally.
func (s *Service) PurgeAll(ctx context.Context, tenantID, poolID string) (int64, error) {
	var result sql.Result
	var err error
	if poolID != "" {
		result, err = s.db.Exec(ctx, `DELETE FROM cache_entries WHERE tenant_id = $1 AND pool_id = $2`, tenantID, poolID)
	} else {
		result, err = s.db.Exec(ctx, `DELETE FROM cache_entries WHERE tenant_id = $1`, tenantID)
	}
	if err != nil {
		return 0, fmt.Errorf("purging all entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// MigrateStorageMode rewrites the pool id for every entry belonging to a
// source in a single statement, used when an admin flips a source between
// dedicated and shared. Failures here do not roll back the source update
// itself — the caller already committed the new mode.
func (s *Service) MigrateStorageMode(ctx context.Context, tenantID, sourceID string, newPoolID *string) (int64, error) {
	var poolArg interface{}
	if newPoolID != nil {
		poolArg = *newPoolID
	}
	result, err := s.db.Exec(ctx, `
		UPDATE cache_entries SET pool_id = $1 WHERE tenant_id = $2 AND source_id = $3
	`, poolArg, tenantID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("migrating storage mode: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkRevalidateAttempt records that a revalidation attempt was made,
// regardless of its outcome, so the revalidator's 1-hour cooldown (§4.8)
// can be enforced without a separate bookkeeping table.
func (s *Service) MarkRevalidateAttempt(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE cache_entries SET revalidate_at = NOW() WHERE id = $1`, id)
	return err
}

const selectColumns = `
	SELECT id, tenant_id, source_id, pool_id, cache_key, request_method, request_url,
	       body_fingerprint, response_status, response_headers, content_type, ttl_seconds,
	       expires_at, hit_count, last_hit_at, tags, revalidate_at, created_at
`

func scanEntry(row *sqldb.Row) (*Entry, error) {
	var e Entry
	var headersJSON []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.SourceID, &e.PoolID, &e.Key, &e.RequestMethod,
		&e.RequestURL, &e.BodyFingerprint, &e.ResponseStatus, &headersJSON, &e.ContentType,
		&e.TTLSeconds, &e.ExpiresAt, &e.HitCount, &e.LastHitAt, &e.Tags, &e.RevalidateAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ResponseHeaders = unmarshalHeaders(headersJSON)
	return &e, nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func unmarshalHeaders(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func pqStringArray(values []string) interface{} {
	if values == nil {
		return []string{}
	}
	return values
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize cachestore service: %v", err))
	}
}

// PurgeExpired is the package-level accessor other services (purge) call
// across the service boundary.
func PurgeExpired(ctx context.Context, tenantID, poolID string) (int64, error) {
	return svc.PurgeExpired(ctx, tenantID, poolID)
}

// Get, Put, List, Invalidate, PurgeAll, MigrateStorageMode and
// MarkRevalidateAttempt are the package-level accessors other services
// (proxy, revalidate) call across the service boundary.

func Get(ctx context.Context, tenantID, key, sourceID string, mode StorageMode, poolID string) (*Entry, bool, error) {
	return svc.Get(ctx, tenantID, key, sourceID, mode, poolID)
}

func Put(ctx context.Context, e *Entry) error {
	return svc.Put(ctx, e)
}

func List(ctx context.Context, f ListFilter) ([]Entry, error) {
	return svc.List(ctx, f)
}

func Invalidate(ctx context.Context, tenantID string, mode InvalidateMode, target string, tags []string, matchAllTags bool) (int64, error) {
	return svc.Invalidate(ctx, tenantID, mode, target, tags, matchAllTags)
}

func PurgeAll(ctx context.Context, tenantID, poolID string) (int64, error) {
	return svc.PurgeAll(ctx, tenantID, poolID)
}

func MigrateStorageMode(ctx context.Context, tenantID, sourceID string, newPoolID *string) (int64, error) {
	return svc.MigrateStorageMode(ctx, tenantID, sourceID, newPoolID)
}

func MarkRevalidateAttempt(ctx context.Context, id string) error {
	return svc.MarkRevalidateAttempt(ctx, id)
}

// Store adapts the package-level accessors to dispatcher.CacheStore,
// mirroring sources.Registry's zero-size adapter shape.
type Store struct{}

func (Store) Get(ctx context.Context, tenantID, key, sourceID string, mode StorageMode, poolID string) (*Entry, bool, error) {
	return Get(ctx, tenantID, key, sourceID, mode, poolID)
}

func (Store) Put(ctx context.Context, e *Entry) error {
	return Put(ctx, e)
}

// RevalidateStore adapts the package-level accessors to revalidate.Cache.
type RevalidateStore struct{}

func (RevalidateStore) MarkRevalidateAttempt(ctx context.Context, id string) error {
	return MarkRevalidateAttempt(ctx, id)
}
