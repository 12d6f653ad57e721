package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"encore.dev/storage/sqldb"
)

// Service is the DB-backed half of the policy package: it owns the
// (tenant, source) policy rows the in-memory Engine evaluates against.
// Splitting the pure evaluation logic (Engine, above) from the storage
// layer mirrors the teacher's cache-manager/policies.go next to its own
// service.go persistence.
//
//encore:service
type Service struct {
	db *sqldb.Database
}

var db = sqldb.Named("policy_db")

func initService() (*Service, error) {
	s := &Service{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize policy schema: %w", err)
	}
	return s, nil
}

func (s *Service) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cache_policies (
			app_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			max_ttl_seconds INT NOT NULL DEFAULT 0,
			no_cache BOOLEAN NOT NULL DEFAULT FALSE,
			purge_schedule TEXT,
			PRIMARY KEY (app_id, source_id)
		);

		CREATE TABLE IF NOT EXISTS compliance_rules (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			region_allow TEXT[],
			region_deny TEXT[],
			pii_detect BOOLEAN NOT NULL DEFAULT FALSE,
			pii_block_cache BOOLEAN NOT NULL DEFAULT FALSE,
			tos_rules JSONB
		);

		CREATE TABLE IF NOT EXISTS mock_responses (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			method TEXT,
			url_pattern TEXT NOT NULL,
			body_pattern TEXT,
			response JSONB NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE INDEX IF NOT EXISTS idx_compliance_rules_source ON compliance_rules(app_id, source_id);
		CREATE INDEX IF NOT EXISTS idx_mock_responses_source ON mock_responses(app_id, source_id);
		CREATE INDEX IF NOT EXISTS idx_cache_policies_purge_schedule ON cache_policies(purge_schedule) WHERE purge_schedule IS NOT NULL;
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// CachePolicyFor satisfies dispatcher.PolicyLookup. A tenant/source with no
// row yet behaves as "no ceiling, no kill switch" (the zero value).
func (s *Service) CachePolicyFor(ctx context.Context, tenantID, sourceID string) (CachePolicy, error) {
	var cp CachePolicy
	err := s.db.QueryRow(ctx, `
		SELECT max_ttl_seconds, no_cache FROM cache_policies WHERE app_id = $1 AND source_id = $2
	`, tenantID, sourceID).Scan(&cp.MaxTTL, &cp.NoCache)
	if err != nil {
		if isNoRows(err) {
			return CachePolicy{}, nil
		}
		return CachePolicy{}, fmt.Errorf("loading cache policy: %w", err)
	}
	return cp, nil
}

// ComplianceFor satisfies dispatcher.PolicyLookup, assembling the ordered
// region -> PII -> TOS rule set from the compliance_rules row.
func (s *Service) ComplianceFor(ctx context.Context, tenantID, sourceID string) (ComplianceRuleSet, error) {
	var regionAllow, regionDeny []string
	var piiDetect, piiBlock bool
	var tosJSON []byte

	err := s.db.QueryRow(ctx, `
		SELECT region_allow, region_deny, pii_detect, pii_block_cache, tos_rules
		FROM compliance_rules WHERE app_id = $1 AND source_id = $2
	`, tenantID, sourceID).Scan(&regionAllow, &regionDeny, &piiDetect, &piiBlock, &tosJSON)
	if err != nil {
		if isNoRows(err) {
			return ComplianceRuleSet{}, nil
		}
		return ComplianceRuleSet{}, fmt.Errorf("loading compliance rules: %w", err)
	}

	var rules ComplianceRuleSet
	rules.Region = RegionRule{Allow: regionAllow, Deny: regionDeny}
	rules.PII = PIIRule{BlockCache: piiBlock}
	if len(tosJSON) > 0 {
		var specs []tosRuleSpec
		if err := json.Unmarshal(tosJSON, &specs); err != nil {
			return ComplianceRuleSet{}, fmt.Errorf("decoding tos_rules: %w", err)
		}
		for _, spec := range specs {
			rule := TOSRule{Method: spec.Method, Status: spec.Status}
			if spec.URLPattern != "" {
				re, err := regexp.Compile(spec.URLPattern)
				if err != nil {
					return ComplianceRuleSet{}, fmt.Errorf("compiling tos url pattern %q: %w", spec.URLPattern, err)
				}
				rule.URLPattern = re
			}
			rules.TOS = append(rules.TOS, rule)
		}
	}
	_ = piiDetect // recorded for the caller's out-of-band PII detector, not evaluated here
	return rules, nil
}

// tosRuleSpec is the JSON shape of one entry in compliance_rules.tos_rules.
type tosRuleSpec struct {
	URLPattern string `json:"url_pattern"`
	Method     string `json:"method"`
	Status     int    `json:"status"`
}

// MocksFor satisfies dispatcher.PolicyLookup.
func (s *Service) MocksFor(ctx context.Context, tenantID, sourceID string) ([]MockResponse, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, method, url_pattern, COALESCE(body_pattern, ''), response, priority, active
		FROM mock_responses WHERE app_id = $1 AND source_id = $2
	`, tenantID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading mock responses: %w", err)
	}
	defer rows.Close()

	var out []MockResponse
	for rows.Next() {
		var m MockResponse
		var responseJSON []byte
		if err := rows.Scan(&m.ID, &m.Method, &m.URLPattern, &m.BodyPattern, &responseJSON, &m.Priority, &m.Active); err != nil {
			return nil, fmt.Errorf("scanning mock response: %w", err)
		}
		var decoded mockResponseBody
		if err := json.Unmarshal(responseJSON, &decoded); err != nil {
			return nil, fmt.Errorf("decoding mock response body: %w", err)
		}
		m.Status = decoded.Status
		m.Headers = decoded.Headers
		m.Body = []byte(decoded.Body)
		out = append(out, m)
	}
	return out, rows.Err()
}

// mockResponseBody is the JSON shape stored in mock_responses.response.
type mockResponseBody struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// PurgeSchedule is one row purge/ needs to drive its cron sweep.
type PurgeSchedule struct {
	TenantID string
	SourceID string
	Schedule string
}

// ListPurgeSchedules returns every (tenant, source) policy with a
// non-empty purge_schedule, for the purge package's sweep to evaluate.
func (s *Service) ListPurgeSchedules(ctx context.Context) ([]PurgeSchedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT app_id, source_id, purge_schedule FROM cache_policies
		WHERE purge_schedule IS NOT NULL AND purge_schedule <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("listing purge schedules: %w", err)
	}
	defer rows.Close()

	var out []PurgeSchedule
	for rows.Next() {
		var p PurgeSchedule
		if err := rows.Scan(&p.TenantID, &p.SourceID, &p.Schedule); err != nil {
			return nil, fmt.Errorf("scanning purge schedule: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Lookup adapts the package-level accessors below to dispatcher.PolicyLookup
// for callers (proxy's wiring) that want a value rather than bare funcs.
type Lookup struct{}

func (Lookup) CachePolicyFor(ctx context.Context, tenantID, sourceID string) (CachePolicy, error) {
	return svc.CachePolicyFor(ctx, tenantID, sourceID)
}

func (Lookup) ComplianceFor(ctx context.Context, tenantID, sourceID string) (ComplianceRuleSet, error) {
	return svc.ComplianceFor(ctx, tenantID, sourceID)
}

func (Lookup) MocksFor(ctx context.Context, tenantID, sourceID string) ([]MockResponse, error) {
	return svc.MocksFor(ctx, tenantID, sourceID)
}

// ListPurgeSchedules is the package-level accessor the purge service calls
// across the service boundary, the same direct-call pattern Encore uses
// for in-process service-to-service calls.
func ListPurgeSchedules(ctx context.Context) ([]PurgeSchedule, error) {
	return svc.ListPurgeSchedules(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize policy service: %v", err))
	}
}
