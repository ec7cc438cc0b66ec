package server

import (
	"encoding/json"
	"time"

	"repairline/internal/domain"
	"repairline/internal/engine"
)

// Request payloads

type VisitRequest struct {
	VisitType     string     `json:"visit_type"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Description   string     `json:"description,omitempty"`
	TechnicianID  string     `json:"technician_id,omitempty"`
}

type CreateOrderRequest struct {
	OrderNumber string            `json:"order_number,omitempty"`
	Client      domain.ClientInfo `json:"client,omitempty"`
	Device      domain.DeviceInfo `json:"device,omitempty"`
	Visits      []VisitRequest    `json:"visits,omitempty"`
}

type AddVisitRequest struct {
	VisitType     string     `json:"visit_type,omitempty"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Description   string     `json:"description,omitempty"`
}

// CompleteVisitRequest leaves checks to the engine so failures carry the offending field.
type CompleteVisitRequest struct {
	CompletionType     string                 `json:"completion_type,omitempty"`
	Notes              string                 `json:"notes,omitempty"`
	DetectedModels     []domain.DetectedModel `json:"detected_models,omitempty"`
	SelectedParts      []domain.UsedPart      `json:"selected_parts,omitempty"`
	PhotoIDs           []string               `json:"photo_ids,omitempty"`
	CompletionPhotoIDs []string               `json:"completion_photo_ids,omitempty"`
	Payment            *domain.Payment        `json:"payment,omitempty"`
}

func (r CompleteVisitRequest) toEngine(visitID string) engine.CompleteVisitRequest {
	return engine.CompleteVisitRequest{
		VisitID:            visitID,
		CompletionType:     domain.CompletionType(r.CompletionType),
		Notes:              r.Notes,
		DetectedModels:     r.DetectedModels,
		SelectedParts:      r.SelectedParts,
		PhotoIDs:           r.PhotoIDs,
		CompletionPhotoIDs: r.CompletionPhotoIDs,
		Payment:            r.Payment,
	}
}

type ScheduleVisitRequest struct {
	ScheduledDate time.Time `json:"scheduled_date"`
}

type CancelVisitRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AttachPhotosRequest struct {
	PhotoIDs []string `json:"photo_ids"`
}

// Response payloads

type MeResponse struct {
	TechnicianID string `json:"technician_id"`
	Source       string `json:"source"`
}

type OrderList struct {
	Items []domain.Order `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrderID    string         `json:"order_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS.UTC().Format(time.RFC3339Nano),
		Type:       e.Type,
		OrderID:    e.OrderID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
