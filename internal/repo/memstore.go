package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"repairline/internal/domain"
	"repairline/internal/events"
)

// MemStore is an in-memory Store with the same version and outbox semantics as Repo.
type MemStore struct {
	Now func() time.Time

	mu      sync.RWMutex
	orders  map[string]domain.Order
	numbers map[string]string
	visits  map[string]string
	events  []domain.Event
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:  make(map[string]domain.Order),
		numbers: make(map[string]string),
		visits:  make(map[string]string),
	}
}

func (m *MemStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemStore) Get(_ context.Context, ref string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.numbers[ref]; ok {
		return m.orders[id].Clone(), nil
	}
	if o, ok := m.orders[ref]; ok {
		return o.Clone(), nil
	}
	return domain.Order{}, ErrNotFound
}

func (m *MemStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemStore) GetByVisit(_ context.Context, visitID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.visits[visitID]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return m.orders[id].Clone(), nil
}

func (m *MemStore) List(_ context.Context, f OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Order
	for _, o := range m.orders {
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		if f.TechnicianID != "" && !hasTechnician(o, f.TechnicianID) {
			continue
		}
		res = append(res, o.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func hasTechnician(o domain.Order, technicianID string) bool {
	for _, v := range o.Visits {
		if v.TechnicianID == technicianID {
			return true
		}
	}
	return false
}

func (m *MemStore) LoadAll(_ context.Context) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		res = append(res, o.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemStore) SaveAll(_ context.Context, orders []domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]domain.Order, len(orders))
	m.numbers = make(map[string]string, len(orders))
	m.visits = make(map[string]string)
	for _, o := range orders {
		if o.Version == 0 {
			o.Version = 1
		}
		if err := m.checkVisits(o); err != nil {
			return err
		}
		m.put(o)
	}
	return nil
}

func (m *MemStore) Create(_ context.Context, o domain.Order, evts ...events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range []string{o.ID, o.OrderNumber} {
		if m.taken(ref) {
			return fmt.Errorf("order %s: %w", ref, ErrExists)
		}
	}
	if err := m.checkVisits(o); err != nil {
		return err
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if err := m.appendEvents(o.ID, evts); err != nil {
		return err
	}
	m.put(o)
	return nil
}

func (m *MemStore) Save(_ context.Context, o domain.Order, evts ...events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != o.Version {
		return fmt.Errorf("order %s at version %d: %w", o.ID, o.Version, ErrVersionConflict)
	}
	if err := m.checkVisits(o); err != nil {
		return err
	}
	if err := m.appendEvents(o.ID, evts); err != nil {
		return err
	}
	delete(m.numbers, cur.OrderNumber)
	for _, v := range cur.Visits {
		delete(m.visits, v.ID)
	}
	o.Version++
	m.put(o)
	return nil
}

// taken reports whether ref already names an order, as an id or a number.
func (m *MemStore) taken(ref string) bool {
	if _, ok := m.orders[ref]; ok {
		return true
	}
	_, ok := m.numbers[ref]
	return ok
}

// checkVisits mirrors the visit_id primary key of the SQL stores.
func (m *MemStore) checkVisits(o domain.Order) error {
	for _, v := range o.Visits {
		if owner, ok := m.visits[v.ID]; ok && owner != o.ID {
			return fmt.Errorf("visit %s already belongs to order %s: %w", v.ID, owner, ErrExists)
		}
	}
	return nil
}

func (m *MemStore) put(o domain.Order) {
	o = o.Clone()
	m.orders[o.ID] = o
	m.numbers[o.OrderNumber] = o.ID
	for _, v := range o.Visits {
		m.visits[v.ID] = o.ID
	}
}

func (m *MemStore) appendEvents(orderID string, evts []events.Record) error {
	for _, rec := range evts {
		payload := rec.Payload
		if payload == nil {
			payload = events.EventPayload{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		m.events = append(m.events, domain.Event{
			ID:         int64(len(m.events) + 1),
			TS:         m.now().UTC(),
			Type:       rec.Type,
			OrderID:    orderID,
			EntityKind: rec.EntityKind,
			EntityID:   rec.EntityID,
			ActorID:    rec.ActorID,
			Payload:    string(data),
		})
	}
	return nil
}

func (m *MemStore) EventsAfter(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Event
	for _, e := range m.events {
		if e.ID <= afterID {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemStore) LatestEventID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

// Events returns a copy of the outbox.
func (m *MemStore) Events() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Event(nil), m.events...)
}
