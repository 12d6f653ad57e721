// Admin-gated cache invalidation and tenant-scoped cache listing (§6
// "Management surface" / "writes to ... cache invalidation require
// admin"). Grounded on sources.CreateSources' auth-principal-not-request-
// body shape.
package cachestore

import (
	"context"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"

	"encore.app/tenantauth"
)

type InvalidateRequest struct {
	Mode         string   `json:"mode"` // key | url_prefix | key_prefix | tags
	Target       string   `json:"target,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	MatchAllTags bool     `json:"match_all_tags,omitempty"`
}

type InvalidateResponse struct {
	Invalidated int64 `json:"invalidated"`
}

var invalidateModes = map[string]InvalidateMode{
	"key":        InvalidateKey,
	"url_prefix": InvalidateURLPrefix,
	"key_prefix": InvalidateKeyPrefix,
	"tags":       InvalidateTags,
}

//encore:api auth method=POST path=/cache/invalidate
func InvalidateHandler(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if err := tenantauth.RequireRole(data, tenantauth.RoleAdmin); err != nil {
		return nil, err
	}
	mode, ok := invalidateModes[req.Mode]
	if !ok {
		return nil, errs.B().Code(errs.InvalidArgument).Msgf("unknown invalidation mode %q", req.Mode).Err()
	}
	n, err := svc.Invalidate(ctx, data.AppID, mode, req.Target, req.Tags, req.MatchAllTags)
	if err != nil {
		return nil, err
	}
	return &InvalidateResponse{Invalidated: n}, nil
}

type ListEntriesRequest struct {
	SourceID string `query:"source_id,omitempty"`
	Page     int    `query:"page"`
	Limit    int    `query:"limit"`
}

type ListEntriesResponse struct {
	Entries []Entry `json:"entries"`
}

//encore:api auth method=GET path=/cache/entries
func ListEntries(ctx context.Context, req *ListEntriesRequest) (*ListEntriesResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if data == nil {
		return nil, errs.B().Code(errs.Unauthenticated).Msg("no authenticated principal").Err()
	}
	entries, err := svc.List(ctx, ListFilter{
		TenantID: data.AppID, SourceID: req.SourceID, Page: req.Page, Limit: req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &ListEntriesResponse{Entries: entries}, nil
}
