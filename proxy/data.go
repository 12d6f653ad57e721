package proxy

import (
	"context"
	"encoding/base64"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"

	"encore.app/dispatcher"
	"encore.app/tenantauth"
)

// DataRequest is the programmatic cache API's input (§6 "POST /data").
type DataRequest struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Body         string            `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ForceRefresh bool              `json:"force_refresh,omitempty"`
	TTL          *int              `json:"ttl,omitempty"`
}

type DataResponseBody struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	ContentType string            `json:"content_type"`
}

type DataMeta struct {
	CacheHit          bool   `json:"cache_hit"`
	Stale             bool   `json:"stale"`
	CacheKey          string `json:"cache_key"`
	SourceID          string `json:"source_id"`
	SourceName        string `json:"source_name"`
	HitCount          int64  `json:"hit_count"`
	Mock              bool   `json:"mock"`
	ComplianceBlocked bool   `json:"compliance_blocked"`
}

type DataResult struct {
	Cached   bool             `json:"cached"`
	CacheKey string           `json:"cache_key"`
	Response DataResponseBody `json:"response"`
	Meta     DataMeta         `json:"meta"`
}

type DataResponse struct {
	Data DataResult `json:"data"`
}

//encore:api auth method=POST path=/data
func Data(ctx context.Context, req *DataRequest) (*DataResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Internal).Msg("proxy not initialized").Err()
	}
	data, _ := auth.Data().(*tenantauth.UserData)
	if data == nil {
		return nil, errs.B().Code(errs.Unauthenticated).Msg("no authenticated principal").Err()
	}
	if req.Method == "" || req.URL == "" {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("method and url are required").Err()
	}

	resp, err := svc.dispatch.Dispatch(ctx, dispatcher.Request{
		TenantID:     data.AppID,
		Method:       req.Method,
		URL:          req.URL,
		Body:         req.Body,
		Headers:      req.Headers,
		ForceRefresh: req.ForceRefresh,
		TTLOverride:  req.TTL,
	})
	if err != nil {
		return nil, mapDispatchErr(err)
	}

	return &DataResponse{Data: DataResult{
		Cached:   resp.Meta.CacheHit,
		CacheKey: resp.Meta.CacheKey,
		Response: DataResponseBody{
			Status:      resp.Status,
			Headers:     resp.Headers,
			Body:        encodeBody(resp.Body, resp.ContentType),
			ContentType: resp.ContentType,
		},
		Meta: DataMeta{
			CacheHit: resp.Meta.CacheHit, Stale: resp.Meta.Stale, CacheKey: resp.Meta.CacheKey,
			SourceID: resp.Meta.SourceID, SourceName: resp.Meta.SourceName, HitCount: resp.Meta.HitCount,
			Mock: resp.Meta.Mock, ComplianceBlocked: resp.Meta.ComplianceBlocked,
		},
	}}, nil
}

// encodeBody base64-encodes non-text bodies so the JSON envelope stays
// valid for arbitrary upstream content; text bodies are returned verbatim
// for readability, matching what a human inspecting /data output expects.
func encodeBody(body []byte, contentType string) string {
	if isTextContentType(contentType) {
		return string(body)
	}
	return base64.StdEncoding.EncodeToString(body)
}

func isTextContentType(ct string) bool {
	for _, prefix := range []string{"text/", "application/json", "application/xml", "application/javascript"} {
		if len(ct) >= len(prefix) && ct[:len(prefix)] == prefix {
			return true
		}
	}
	return ct == ""
}

func mapDispatchErr(err error) error {
	switch err.(type) {
	case dispatcher.ErrNoActiveSources:
		return errs.B().Code(errs.NotFound).Msg(err.Error()).Err()
	case dispatcher.ErrUpstreamUnreachable, dispatcher.ErrUpstreamChallenge:
		return errs.B().Code(errs.Unavailable).Msg(err.Error()).Err()
	default:
		return errs.B().Code(errs.Internal).Msg("internal error").Err()
	}
}
