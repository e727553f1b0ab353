package app

import (
	"context"
	"fmt"
	"strings"

	"triagedeck/internal/authz"
	"triagedeck/internal/identity"
	"triagedeck/pkg/domain"
	"triagedeck/pkg/store"
)

const maxEventsPerBatch = 200
const maxNoteLength = 2000

// EventInput is one reviewer decision in a batch.
type EventInput struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	DecisionID string `json:"decision_id"`
	Note       string `json:"note"`
	TsClient   int64  `json:"ts_client"`
}

// IngestRequest is the batch payload. client_id and session_id are
// opaque and echoed for the client's bookkeeping only.
type IngestRequest struct {
	ClientID  string       `json:"client_id"`
	SessionID string       `json:"session_id"`
	Events    []EventInput `json:"events"`
}

// EventResult is the per-event outcome.
type EventResult struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

// IngestResponse aggregates batch outcomes. acked = accepted +
// duplicate; a rejected event never rolls back its batch peers.
type IngestResponse struct {
	Acked     int           `json:"acked"`
	Accepted  int           `json:"accepted"`
	Duplicate int           `json:"duplicate"`
	Rejected  int           `json:"rejected"`
	ServerTs  int64         `json:"server_ts"`
	Results   []EventResult `json:"results"`
}

// IngestEvents validates and applies a batch of decision events in
// input order. server_ts is sampled once and shared by every event the
// request accepts; the event_id tie-break keeps the outcome
// deterministic regardless.
func (a *App) IngestEvents(ctx context.Context, pc ProjectContext, caller identity.Caller, req IngestRequest) (IngestResponse, error) {
	if !authz.CanWriteEvents(pc.Role) {
		return IngestResponse{}, Forbidden()
	}
	if len(req.Events) > maxEventsPerBatch {
		return IngestResponse{}, Validation("too_many_events",
			fmt.Sprintf("Maximum %d events per request", maxEventsPerBatch), nil)
	}

	schema := pc.Project.DecisionSchema
	now := domain.NowMS()

	itemIDs := make([]string, 0, len(req.Events))
	for _, ev := range req.Events {
		if domain.IsUUID(ev.ItemID) {
			itemIDs = append(itemIDs, ev.ItemID)
		}
	}
	known, err := a.store.ItemsExist(ctx, pc.Project.ID, itemIDs)
	if err != nil {
		return IngestResponse{}, fmt.Errorf("check items: %w", err)
	}

	resp := IngestResponse{ServerTs: now, Results: make([]EventResult, 0, len(req.Events))}
	reject := func(eventID, code string) {
		resp.Rejected++
		resp.Results = append(resp.Results, EventResult{EventID: eventID, Status: "rejected", ErrorCode: code})
	}

	for _, ev := range req.Events {
		if !domain.IsUUID(ev.EventID) {
			reject(ev.EventID, "invalid_event_id")
			continue
		}
		if !schema.HasChoice(ev.DecisionID) {
			reject(ev.EventID, "invalid_decision_id")
			continue
		}
		if len(ev.Note) > maxNoteLength {
			reject(ev.EventID, "invalid_note")
			continue
		}
		if !schema.AllowNotes && strings.TrimSpace(ev.Note) != "" {
			reject(ev.EventID, "invalid_note")
			continue
		}
		if !domain.IsUUID(ev.ItemID) || !known[ev.ItemID] {
			reject(ev.EventID, "unknown_item")
			continue
		}

		event := domain.DecisionEvent{
			ID:                domain.NewUUID(),
			ProjectID:         pc.Project.ID,
			UserID:            caller.ID,
			EventID:           ev.EventID,
			ItemID:            ev.ItemID,
			DecisionID:        ev.DecisionID,
			Note:              ev.Note,
			TsClient:          ev.TsClient,
			TsClientEffective: domain.ClampSkew(ev.TsClient, now, a.skewWindowMS),
			TsServer:          now,
		}
		outcome, err := a.store.ApplyEvent(ctx, event)
		if err != nil {
			return IngestResponse{}, fmt.Errorf("apply event %s: %w", ev.EventID, err)
		}
		switch outcome {
		case store.Duplicate:
			resp.Duplicate++
			resp.Results = append(resp.Results, EventResult{EventID: ev.EventID, Status: "duplicate"})
		default:
			resp.Accepted++
			resp.Results = append(resp.Results, EventResult{EventID: ev.EventID, Status: "accepted"})
		}
	}
	resp.Acked = resp.Accepted + resp.Duplicate
	return resp, nil
}
