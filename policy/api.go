// Admin-gated management endpoints for cache policy, compliance rules and
// mock fallback responses (§6 "Management surface" — writes require
// admin). Grounded on sources.CreateSources' shape: pull the tenant id
// from the authenticated principal, enforce the role, then delegate to a
// Service method.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"

	"encore.app/tenantauth"
)

type UpsertCachePolicyRequest struct {
	SourceID      string `json:"source_id"`
	MaxTTL        int    `json:"max_ttl_seconds"`
	NoCache       bool   `json:"no_cache"`
	PurgeSchedule string `json:"purge_schedule,omitempty"`
}

//encore:api auth method=PUT path=/policies/:sourceID
func UpsertCachePolicy(ctx context.Context, sourceID string, req *UpsertCachePolicyRequest) (*CachePolicy, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if err := tenantauth.RequireRole(data, tenantauth.RoleAdmin); err != nil {
		return nil, err
	}
	return svc.upsertCachePolicy(ctx, data.AppID, sourceID, req)
}

func (s *Service) upsertCachePolicy(ctx context.Context, tenantID, sourceID string, req *UpsertCachePolicyRequest) (*CachePolicy, error) {
	var scheduleArg interface{}
	if req.PurgeSchedule != "" {
		scheduleArg = req.PurgeSchedule
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO cache_policies (app_id, source_id, max_ttl_seconds, no_cache, purge_schedule)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_id, source_id) DO UPDATE SET
			max_ttl_seconds = EXCLUDED.max_ttl_seconds,
			no_cache = EXCLUDED.no_cache,
			purge_schedule = EXCLUDED.purge_schedule
	`, tenantID, sourceID, req.MaxTTL, req.NoCache, scheduleArg)
	if err != nil {
		return nil, fmt.Errorf("upserting cache policy: %w", err)
	}
	return &CachePolicy{MaxTTL: req.MaxTTL, NoCache: req.NoCache}, nil
}

type UpsertComplianceRuleRequest struct {
	SourceID      string   `json:"source_id"`
	RegionAllow   []string `json:"region_allow,omitempty"`
	RegionDeny    []string `json:"region_deny,omitempty"`
	PIIDetect     bool     `json:"pii_detect"`
	PIIBlockCache bool     `json:"pii_block_cache"`
	TOSRules      []tosRuleSpec `json:"tos_rules,omitempty"`
}

type ComplianceRuleResponse struct {
	ID string `json:"id"`
}

//encore:api auth method=PUT path=/compliance/:sourceID
func UpsertComplianceRule(ctx context.Context, sourceID string, req *UpsertComplianceRuleRequest) (*ComplianceRuleResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if err := tenantauth.RequireRole(data, tenantauth.RoleAdmin); err != nil {
		return nil, err
	}
	return svc.upsertComplianceRule(ctx, data.AppID, sourceID, req)
}

func (s *Service) upsertComplianceRule(ctx context.Context, tenantID, sourceID string, req *UpsertComplianceRuleRequest) (*ComplianceRuleResponse, error) {
	tosJSON, err := json.Marshal(req.TOSRules)
	if err != nil {
		return nil, fmt.Errorf("encoding tos_rules: %w", err)
	}

	var existingID string
	err = s.db.QueryRow(ctx, `SELECT id FROM compliance_rules WHERE app_id = $1 AND source_id = $2`, tenantID, sourceID).Scan(&existingID)
	id := existingID
	if err != nil {
		if !isNoRows(err) {
			return nil, fmt.Errorf("checking existing compliance rule: %w", err)
		}
		id = uuid.NewString()
		_, err = s.db.Exec(ctx, `
			INSERT INTO compliance_rules (id, app_id, source_id, region_allow, region_deny, pii_detect, pii_block_cache, tos_rules)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, id, tenantID, sourceID, pqStringArray(req.RegionAllow), pqStringArray(req.RegionDeny), req.PIIDetect, req.PIIBlockCache, tosJSON)
	} else {
		_, err = s.db.Exec(ctx, `
			UPDATE compliance_rules SET region_allow=$1, region_deny=$2, pii_detect=$3, pii_block_cache=$4, tos_rules=$5
			WHERE id = $6
		`, pqStringArray(req.RegionAllow), pqStringArray(req.RegionDeny), req.PIIDetect, req.PIIBlockCache, tosJSON, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting compliance rule: %w", err)
	}
	return &ComplianceRuleResponse{ID: id}, nil
}

func pqStringArray(values []string) interface{} {
	if values == nil {
		return []string{}
	}
	return values
}

type CreateMockResponseRequest struct {
	SourceID    string            `json:"source_id"`
	Method      string            `json:"method,omitempty"`
	URLPattern  string            `json:"url_pattern"`
	BodyPattern string            `json:"body_pattern,omitempty"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Priority    int               `json:"priority"`
	Active      bool              `json:"active"`
}

type CreateMockResponseResponse struct {
	ID string `json:"id"`
}

//encore:api auth method=POST path=/mocks
func CreateMockResponse(ctx context.Context, req *CreateMockResponseRequest) (*CreateMockResponseResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if err := tenantauth.RequireRole(data, tenantauth.RoleAdmin); err != nil {
		return nil, err
	}
	return svc.createMockResponse(ctx, data.AppID, req)
}

func (s *Service) createMockResponse(ctx context.Context, tenantID string, req *CreateMockResponseRequest) (*CreateMockResponseResponse, error) {
	bodySpec, err := json.Marshal(mockResponseBody{Status: req.Status, Headers: req.Headers, Body: req.Body})
	if err != nil {
		return nil, fmt.Errorf("encoding mock response body: %w", err)
	}

	var bodyPatternArg interface{}
	if req.BodyPattern != "" {
		bodyPatternArg = req.BodyPattern
	}

	id := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO mock_responses (id, app_id, source_id, method, url_pattern, body_pattern, response, priority, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, id, tenantID, req.SourceID, req.Method, req.URLPattern, bodyPatternArg, bodySpec, req.Priority, req.Active)
	if err != nil {
		return nil, fmt.Errorf("inserting mock response: %w", err)
	}
	return &CreateMockResponseResponse{ID: id}, nil
}
