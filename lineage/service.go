// Package lineage provides an append-only event log tracking what happened
// to every cache entry (§3 Lineage Event): created, accessed, invalidated,
// updated, policy_changed.
//
// Design Philosophy:
// - Pub/Sub broadcast lets other services (monitoring, revalidate) react to
//   lineage events without lineage knowing about them, mirroring the
//   teacher's invalidation-broadcast design.
// - The audit table is the single source of truth; Pub/Sub delivery is
//   at-least-once and events are safe to receive more than once since
//   nothing here is applied twice (pure observability fan-out).
package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"encore.app/tenantauth"
)

//encore:service
type Service struct {
	db *sqldb.Database
}

var db = sqldb.Named("lineage_db")

func initService() (*Service, error) {
	s := &Service{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize lineage schema: %w", err)
	}
	return s, nil
}

func (s *Service) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS lineage_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			source_id TEXT,
			action TEXT NOT NULL,
			metadata JSONB,
			at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lineage_entry ON lineage_events(entry_id, at DESC);
		CREATE INDEX IF NOT EXISTS idx_lineage_tenant_at ON lineage_events(tenant_id, at DESC);
		CREATE INDEX IF NOT EXISTS idx_lineage_event_type ON lineage_events(event_type);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// Event is broadcast to every lineage subscriber (monitoring, audit
// exporters) whenever a lineage row is written.
type Event struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	EntryID   string    `json:"entry_id"`
	EventType string    `json:"event_type"` // created | accessed | invalidated | updated | policy_changed
	SourceID  string    `json:"source_id,omitempty"`
	Action    string    `json:"action"`
	At        time.Time `json:"at"`
}

var LineageTopic = pubsub.NewTopic[*Event]("lineage-events", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

// Record writes a lineage row and broadcasts it. actorID defaults to
// "dispatcher" for entries recorded inline during the request path; callers
// outside the request path (admin invalidation, the purger) pass their own
// actor identity through RecordAs.
func (s *Service) Record(ctx context.Context, tenantID, entryID, eventType, sourceID, action string) error {
	return s.RecordAs(ctx, tenantID, entryID, eventType, "dispatcher", sourceID, action, nil)
}

// RecordAs is the full form, used by callers that know their actor identity
// and want to attach structured metadata (e.g. the purger's batch size).
func (s *Service) RecordAs(ctx context.Context, tenantID, entryID, eventType, actorID, sourceID, action string, metadata map[string]interface{}) error {
	id := uuid.NewString()
	now := time.Now()

	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = marshalMetadata(metadata)
		if err != nil {
			return fmt.Errorf("marshaling lineage metadata: %w", err)
		}
	}

	var sourceArg interface{}
	if sourceID != "" {
		sourceArg = sourceID
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO lineage_events (id, tenant_id, entry_id, event_type, actor_id, source_id, action, metadata, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, id, tenantID, entryID, eventType, actorID, sourceArg, action, metaJSON, now)
	if err != nil {
		return fmt.Errorf("inserting lineage event: %w", err)
	}

	event := &Event{ID: id, TenantID: tenantID, EntryID: entryID, EventType: eventType, SourceID: sourceID, Action: action, At: now}
	if _, pubErr := LineageTopic.Publish(ctx, event); pubErr != nil {
		rlog.Error("failed to publish lineage event", "err", pubErr, "entry_id", entryID)
	}

	return nil
}

// GetByEntry returns the full history for one cache entry, most recent
// first, mirroring the teacher's GetByRequestID query shape.
func (s *Service) GetByEntry(ctx context.Context, entryID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, entry_id, event_type, COALESCE(source_id, ''), action, at
		FROM lineage_events
		WHERE entry_id = $1
		ORDER BY at DESC
		LIMIT $2
	`, entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying lineage by entry: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetRecent returns the most recent lineage events for a tenant, optionally
// filtered by event type, with pagination — the teacher's GetRecent shape.
func (s *Service) GetRecent(ctx context.Context, tenantID string, limit, offset int, eventTypeFilter string) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sqldb.Rows
	var err error
	if eventTypeFilter != "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, tenant_id, entry_id, event_type, COALESCE(source_id, ''), action, at
			FROM lineage_events
			WHERE tenant_id = $1 AND event_type = $2
			ORDER BY at DESC
			LIMIT $3 OFFSET $4
		`, tenantID, eventTypeFilter, limit, offset)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, tenant_id, entry_id, event_type, COALESCE(source_id, ''), action, at
			FROM lineage_events
			WHERE tenant_id = $1
			ORDER BY at DESC
			LIMIT $2 OFFSET $3
		`, tenantID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent lineage: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetCount returns the total number of lineage events for a tenant.
func (s *Service) GetCount(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM lineage_events WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting lineage events: %w", err)
	}
	return count, nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	return json.Marshal(metadata)
}

func scanEvents(rows *sqldb.Rows) ([]Event, error) {
	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntryID, &e.EventType, &e.SourceID, &e.Action, &e.At); err != nil {
			return nil, fmt.Errorf("scanning lineage event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize lineage service: %v", err))
	}
}

// RecordAs is the package-level accessor other services (purge) call
// across the service boundary.
func RecordAs(ctx context.Context, tenantID, entryID, eventType, actorID, sourceID, action string, metadata map[string]interface{}) error {
	return svc.RecordAs(ctx, tenantID, entryID, eventType, actorID, sourceID, action, metadata)
}

// Record is the package-level accessor for the request-path actor default,
// called across the service boundary by proxy.
func Record(ctx context.Context, tenantID, entryID, eventType, sourceID, action string) error {
	return svc.Record(ctx, tenantID, entryID, eventType, sourceID, action)
}

// Recorder adapts the package-level accessor to dispatcher.LineageRecorder.
type Recorder struct{}

func (Recorder) Record(ctx context.Context, tenantID, entryID, eventType, sourceID, action string) error {
	return Record(ctx, tenantID, entryID, eventType, sourceID, action)
}

// GetEntryHistoryRequest/Response and GetRecentRequest/Response are the
// admin-facing API shapes, following the teacher's GetAuditLogs request
// pair exactly.

type GetEntryHistoryResponse struct {
	Events []Event `json:"events"`
}

//encore:api auth method=GET path=/lineage/entry/:entryID
func GetEntryHistory(ctx context.Context, entryID string) (*GetEntryHistoryResponse, error) {
	events, err := svc.GetByEntry(ctx, entryID, 100)
	if err != nil {
		return nil, err
	}
	return &GetEntryHistoryResponse{Events: events}, nil
}

type GetRecentRequest struct {
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	EventType string `json:"event_type,omitempty"`
}

type GetRecentResponse struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
}

// GetRecent scopes to the authenticated tenant rather than trusting a
// client-supplied tenant id, since lineage is per-tenant audit data.
//
//encore:api auth method=GET path=/lineage/recent
func GetRecent(ctx context.Context, req *GetRecentRequest) (*GetRecentResponse, error) {
	data, _ := auth.Data().(*tenantauth.UserData)
	if data == nil {
		return nil, errs.B().Code(errs.Unauthenticated).Msg("no authenticated principal").Err()
	}
	events, err := svc.GetRecent(ctx, data.AppID, req.Limit, req.Offset, req.EventType)
	if err != nil {
		return nil, err
	}
	total, err := svc.GetCount(ctx, data.AppID)
	if err != nil {
		total = len(events)
	}
	return &GetRecentResponse{Events: events, TotalCount: total}, nil
}
