package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"repairline/internal/domain"
)

type EventFilter struct {
	OrderID    string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var orderID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &orderID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		var err error
		if e.TS, err = parseTimestamp("event ts", ts); err != nil {
			return nil, err
		}
		if orderID.Valid {
			e.OrderID = orderID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns outbox events with id > afterID in id order.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,ts,type,order_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LatestEvents returns the newest events matching f, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	b := sq.Select("id", "ts", "type", "order_id", "entity_kind", "entity_id", "actor_id", "payload_json").
		From("events").OrderBy("id DESC")
	if f.OrderID != "" {
		b = b.Where(sq.Eq{"order_id": f.OrderID})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		b = b.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query, args, err := b.Limit(uint64(limit)).PlaceholderFormat(r.ph()).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
