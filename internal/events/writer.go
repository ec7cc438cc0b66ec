package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type EventPayload map[string]any

// Record is an event waiting to be written in the same transaction as the order it describes.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type Writer struct {
	Placeholder sq.PlaceholderFormat
	Now         func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, orderID string, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Placeholder == nil {
		w.Placeholder = sq.Question
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query, args, err := sq.Insert("events").
		Columns("ts", "type", "order_id", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(ts, rec.Type, nullable(orderID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data)).
		PlaceholderFormat(w.Placeholder).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
