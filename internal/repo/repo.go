package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"repairline/internal/domain"
	"repairline/internal/events"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the record persistence substrate for orders. Create and Save persist
// the given events atomically with the order write.
type Store interface {
	LoadAll(ctx context.Context) ([]domain.Order, error)
	SaveAll(ctx context.Context, orders []domain.Order) error
	Get(ctx context.Context, ref string) (domain.Order, error)
	GetByID(ctx context.Context, id string) (domain.Order, error)
	GetByVisit(ctx context.Context, visitID string) (domain.Order, error)
	Create(ctx context.Context, o domain.Order, evts ...events.Record) error
	Save(ctx context.Context, o domain.Order, evts ...events.Record) error
	List(ctx context.Context, f OrderFilter) ([]domain.Order, error)
}

type OrderFilter struct {
	Status       string
	TechnicianID string
	Limit        int
}

// Repo is the SQL implementation of Store. Orders are stored as JSON documents
// guarded by a version column; visits are indexed separately for lookup.
type Repo struct {
	DB          *sql.DB
	Placeholder sq.PlaceholderFormat
	Now         func() time.Time
}

// NewPostgres returns a Repo speaking PostgreSQL placeholders.
func NewPostgres(db *sql.DB) Repo {
	return Repo{DB: db, Placeholder: sq.Dollar}
}

func (r Repo) ph() sq.PlaceholderFormat {
	if r.Placeholder == nil {
		return sq.Question
	}
	return r.Placeholder
}

// q rewrites ? placeholders for the configured dialect.
func (r Repo) q(query string) string {
	out, err := r.ph().ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) events() events.Writer {
	return events.Writer{Placeholder: r.ph(), Now: r.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var doc string
	var version int64
	err := row.Scan(&doc, &version)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		return o, fmt.Errorf("decode order: %w", err)
	}
	o.Version = version
	return o, nil
}

func (r Repo) Get(ctx context.Context, ref string) (domain.Order, error) {
	o, err := scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT doc_json,version FROM orders WHERE order_number=?`), ref))
	if !errors.Is(err, ErrNotFound) {
		return o, err
	}
	return scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT doc_json,version FROM orders WHERE id=?`), ref))
}

// parseTimestamp reads a stored RFC 3339 time; the fractional part is optional.
func parseTimestamp(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", column, err)
	}
	return t, nil
}

// GetByID matches the internal id only. Writers use it so an order number can never
// redirect a write to another order.
func (r Repo) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT doc_json,version FROM orders WHERE id=?`), id))
}

func (r Repo) GetByVisit(ctx context.Context, visitID string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT o.doc_json,o.version FROM orders o JOIN order_visits v ON v.order_id=o.id WHERE v.visit_id=?`), visitID))
}

func (r Repo) List(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	b := sq.Select("o.doc_json", "o.version").From("orders o").OrderBy("o.created_at DESC", "o.id DESC")
	if f.Status != "" {
		b = b.Where(sq.Eq{"o.status": f.Status})
	}
	if f.TechnicianID != "" {
		b = b.Where(sq.Expr("EXISTS (SELECT 1 FROM order_visits v WHERE v.order_id=o.id AND v.technician_id=?)", f.TechnicianID))
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.PlaceholderFormat(r.ph()).ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryOrders(ctx, query, args...)
}

func (r Repo) LoadAll(ctx context.Context) ([]domain.Order, error) {
	return r.queryOrders(ctx, `SELECT doc_json,version FROM orders ORDER BY created_at, id`)
}

func (r Repo) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) Create(ctx context.Context, o domain.Order, evts ...events.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var n int
	// Numbers and ids share one reference namespace: Get tries both.
	err = tx.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM orders WHERE id IN (?,?) OR order_number IN (?,?)`),
		o.ID, o.OrderNumber, o.ID, o.OrderNumber).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("order %s: %w", o.OrderNumber, ErrExists)
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if err := r.insertOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := r.appendEvents(ctx, tx, o.ID, evts); err != nil {
		return err
	}
	return tx.Commit()
}

// Save writes o if the stored version still equals o.Version.
func (r Repo) Save(ctx context.Context, o domain.Order, evts ...events.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	expected := o.Version
	o.Version = expected + 1
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE orders SET order_number=?, status=?, version=?, doc_json=?, updated_at=? WHERE id=? AND version=?`),
		o.OrderNumber, string(o.Status), o.Version, string(doc), r.now().UTC().Format(time.RFC3339Nano), o.ID, expected)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var n int
		if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM orders WHERE id=?`), o.ID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("order %s at version %d: %w", o.ID, expected, ErrVersionConflict)
	}
	if err := r.indexVisits(ctx, tx, o); err != nil {
		return err
	}
	if err := r.appendEvents(ctx, tx, o.ID, evts); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveAll replaces the whole collection. Lifecycle operations never use it;
// it backs bulk import.
func (r Repo) SaveAll(ctx context.Context, orders []domain.Order) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_visits`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return err
	}
	for _, o := range orders {
		if o.Version == 0 {
			o.Version = 1
		}
		if err := r.insertOrder(ctx, tx, o); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) insertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	updated := o.LastUpdated
	if updated.IsZero() {
		updated = created
	}
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO orders(id,order_number,status,version,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		o.ID, o.OrderNumber, string(o.Status), o.Version, string(doc),
		created.UTC().Format(time.RFC3339Nano), updated.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return r.indexVisits(ctx, tx, o)
}

func (r Repo) indexVisits(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM order_visits WHERE order_id=?`), o.ID); err != nil {
		return err
	}
	for _, v := range o.Visits {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO order_visits(visit_id,order_id,technician_id,status) VALUES (?,?,?,?)`),
			v.ID, o.ID, nullable(v.TechnicianID), string(v.Status)); err != nil {
			return fmt.Errorf("index visit %s: %w", v.ID, err)
		}
	}
	return nil
}

func (r Repo) appendEvents(ctx context.Context, tx *sql.Tx, orderID string, evts []events.Record) error {
	w := r.events()
	for _, rec := range evts {
		if err := w.Append(ctx, tx, orderID, rec); err != nil {
			return fmt.Errorf("append event %s: %w", rec.Type, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
