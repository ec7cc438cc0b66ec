package repo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/migrate"
	"repairline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newSQLiteRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Now: func() time.Time { return t0 }}
}

func sampleOrder(id, number string, visits ...string) domain.Order {
	o := domain.Order{
		ID:          id,
		OrderNumber: number,
		Status:      domain.OrderPending,
		Client:      domain.ClientInfo{Name: "Ana"},
		CreatedAt:   t0,
		LastUpdated: t0,
	}
	for _, v := range visits {
		o.Visits = append(o.Visits, domain.Visit{ID: v, OrderID: id, Status: domain.VisitUnscheduled, TechnicianID: "tech-1", CreatedAt: t0})
	}
	return o
}

type storeUnderTest interface {
	repo.Store
	events.Source
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, s storeUnderTest) {
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleOrder("o-1", "ORD-1", "v-1", "v-2"), events.Record{Type: "order.created", EntityKind: "order", EntityID: "o-1", ActorID: "tech-1"}))
	err := s.Create(ctx, sampleOrder("o-1", "ORD-X"))
	assert.True(t, errors.Is(err, repo.ErrExists), "duplicate id: %v", err)
	err = s.Create(ctx, sampleOrder("o-9", "ORD-1"))
	assert.True(t, errors.Is(err, repo.ErrExists), "duplicate number: %v", err)
	err = s.Create(ctx, sampleOrder("o-8", "o-1"))
	assert.True(t, errors.Is(err, repo.ErrExists), "number equal to an existing id: %v", err)
	err = s.Create(ctx, sampleOrder("ORD-1", "ORD-77"))
	assert.True(t, errors.Is(err, repo.ErrExists), "id equal to an existing number: %v", err)

	byNumber, err := s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	byID, err := s.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, byNumber.ID, byID.ID)
	assert.Equal(t, int64(1), byID.Version)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.GetByID(ctx, "ORD-1")
	assert.ErrorIs(t, err, repo.ErrNotFound, "GetByID ignores order numbers")
	exact, err := s.GetByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", exact.OrderNumber)

	byVisit, err := s.GetByVisit(ctx, "v-2")
	require.NoError(t, err)
	assert.Equal(t, "o-1", byVisit.ID)
	_, err = s.GetByVisit(ctx, "v-404")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	stale := byID.Clone()
	byID.Visits = append(byID.Visits, domain.Visit{ID: "v-3", OrderID: "o-1", Status: domain.VisitScheduled, TechnicianID: "tech-2"})
	byID.Status = domain.OrderScheduled
	require.NoError(t, s.Save(ctx, byID, events.Record{Type: "visit.added", EntityKind: "visit", EntityID: "v-3", ActorID: "tech-2"}))

	stale.Status = domain.OrderCancelled
	err = s.Save(ctx, stale)
	assert.ErrorIs(t, err, repo.ErrVersionConflict)

	got, err := s.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, domain.OrderScheduled, got.Status)
	assert.Len(t, got.Visits, 3)

	_, err = s.GetByVisit(ctx, "v-3")
	require.NoError(t, err)

	err = s.Save(ctx, sampleOrder("o-404", "ORD-404"))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, s.Create(ctx, sampleOrder("o-2", "ORD-2", "v-10")))
	err = s.Create(ctx, sampleOrder("o-3", "ORD-3", "v-10"))
	assert.Error(t, err, "visit ids are unique across orders")

	list, err := s.List(ctx, repo.OrderFilter{TechnicianID: "tech-2"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "o-1", list[0].ID)

	list, err = s.List(ctx, repo.OrderFilter{Status: string(domain.OrderPending)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "o-2", list[0].ID)

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	latest, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
	evts, err := s.EventsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "visit.added", evts[0].Type)
	assert.Equal(t, "o-1", evts[0].OrderID)
	assert.Equal(t, "{}", evts[0].Payload)

	require.NoError(t, s.SaveAll(ctx, all[:1]))
	all, err = s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRepoStoreContract(t *testing.T) {
	runStoreContract(t, newSQLiteRepo(t))
}

func TestMemStoreContract(t *testing.T) {
	s := repo.NewMemStore()
	s.Now = func() time.Time { return t0 }
	runStoreContract(t, s)
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("REPAIRLINE_TEST_PG")
	if dsn == "" {
		t.Skip("REPAIRLINE_TEST_PG not set")
	}
	ctx := context.Background()
	conn, err := db.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close()
	for _, tbl := range []string{"api_keys", "technicians", "events", "order_visits", "orders", "schema_version"} {
		_, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+tbl+" CASCADE")
		require.NoError(t, err)
	}
	require.NoError(t, migrate.MigrateDialect(conn, migrate.Postgres))
	r := repo.NewPostgres(conn)
	r.Now = func() time.Time { return t0 }
	runStoreContract(t, r)
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := repo.NewMemStore()
	require.NoError(t, s.Create(ctx, sampleOrder("o-1", "ORD-1", "v-1")))

	o, err := s.Get(ctx, "o-1")
	require.NoError(t, err)
	o.Visits[0].Status = domain.VisitCompleted

	again, err := s.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitUnscheduled, again.Visits[0].Status)
}

func TestLatestEventsFilters(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)
	require.NoError(t, r.Create(ctx, sampleOrder("o-1", "ORD-1", "v-1"),
		events.Record{Type: "order.created", EntityKind: "order", EntityID: "o-1", ActorID: "tech-1"},
		events.Record{Type: "visit.added", EntityKind: "visit", EntityID: "v-1", ActorID: "tech-1", Payload: events.EventPayload{"status": "unscheduled"}},
	))
	require.NoError(t, r.Create(ctx, sampleOrder("o-2", "ORD-2"),
		events.Record{Type: "order.created", EntityKind: "order", EntityID: "o-2", ActorID: "tech-1"},
	))

	evts, err := r.LatestEvents(ctx, repo.EventFilter{Type: "order.created"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "o-2", evts[0].OrderID)

	evts, err = r.LatestEvents(ctx, repo.EventFilter{EntityKind: "visit", EntityID: "v-1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.JSONEq(t, `{"status":"unscheduled"}`, evts[0].Payload)
	assert.Equal(t, t0, evts[0].TS)

	evts, err = r.LatestEvents(ctx, repo.EventFilter{OrderID: "o-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "visit.added", evts[0].Type)
}

func TestTechniciansAndAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)

	tech, err := r.EnsureTechnician(ctx, "tech-1", "Ivan")
	require.NoError(t, err)
	assert.True(t, tech.Active)
	again, err := r.EnsureTechnician(ctx, "tech-1", "Other")
	require.NoError(t, err)
	assert.Equal(t, "Ivan", again.Name)

	require.NoError(t, r.SetTechnicianActive(ctx, "tech-1", false))
	tech, err = r.GetTechnician(ctx, "tech-1")
	require.NoError(t, err)
	assert.False(t, tech.Active)
	assert.ErrorIs(t, r.SetTechnicianActive(ctx, "nobody", true), repo.ErrNotFound)

	techs, err := r.ListTechnicians(ctx)
	require.NoError(t, err)
	assert.Len(t, techs, 1)

	hash := repo.HashAPIKey(" secret ")
	assert.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k-1", TechnicianID: "tech-1", Name: "tablet", KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "tech-1", key.TechnicianID)
	assert.Equal(t, "tablet", key.Name)

	keys, err := r.ListAPIKeys(ctx, "tech-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k-1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k-1"), repo.ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMalformedTimestampsAreErrors(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)

	_, err := r.DB.ExecContext(ctx, `INSERT INTO technicians(id,name,active,created_at) VALUES ('tech-x','X',1,'yesterday')`)
	require.NoError(t, err)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,technician_id,name,key_hash,created_at) VALUES ('k-x','tech-x','t','h-x','soon')`)
	require.NoError(t, err)

	_, err = r.GetTechnician(ctx, "tech-x")
	assert.ErrorContains(t, err, "decode technician created_at")
	_, err = r.ListTechnicians(ctx)
	assert.ErrorContains(t, err, "decode technician created_at")
	_, err = r.GetAPIKeyByHash(ctx, "h-x")
	assert.ErrorContains(t, err, "decode api key created_at")
	_, err = r.ListAPIKeys(ctx, "tech-x")
	assert.ErrorContains(t, err, "decode api key created_at")
}
