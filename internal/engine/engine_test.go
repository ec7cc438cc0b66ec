package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/events"
	"repairline/internal/metrics"
	"repairline/internal/migrate"
	"repairline/internal/repo"
)

const tech = "tech-1"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Store  *repo.MemStore
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := repo.NewMemStore()
	store.Now = clk.Now
	eng := engine.New(store, config.Default())
	eng.Now = clk.Now
	eng.Metrics = metrics.New()
	return testEnv{Engine: eng, Store: store, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) seedOrder(t *testing.T, nv ...engine.NewVisit) domain.Order {
	t.Helper()
	if len(nv) == 0 {
		nv = []engine.NewVisit{{VisitType: "diagnosis"}}
	}
	o, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderOptions{
		OrderNumber: fmt.Sprintf("ORD-%d", time.Now().UnixNano()),
		Client:      domain.ClientInfo{Name: "Ana", Phone: "+100"},
		Device:      domain.DeviceInfo{Type: "washer"},
		Visits:      nv,
		ActorID:     tech,
	})
	require.NoError(t, err)
	return o
}

func completion(visitID string, ct domain.CompletionType) engine.CompleteVisitRequest {
	return engine.CompleteVisitRequest{
		VisitID:            visitID,
		CompletionType:     ct,
		Notes:              "done",
		CompletionPhotoIDs: []string{"p1", "p2"},
	}
}

func (env testEnv) order(t *testing.T, ref string) domain.Order {
	t.Helper()
	o, err := env.Store.Get(env.Ctx, ref)
	require.NoError(t, err)
	return o
}

func TestCreateOrderStatus(t *testing.T) {
	env := newTestEnv(t)
	date := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	pending := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"})
	assert.Equal(t, domain.OrderPending, pending.Status)
	assert.Equal(t, domain.VisitUnscheduled, pending.Visits[0].Status)
	assert.Equal(t, "washer", pending.Visits[0].Device.Type)

	scheduled := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis", ScheduledDate: &date})
	assert.Equal(t, domain.OrderScheduled, scheduled.Status)
	assert.Equal(t, domain.VisitScheduled, scheduled.Visits[0].Status)

	_, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderOptions{OrderNumber: pending.OrderNumber, ActorID: tech})
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestMissingTechnicianIsAuthErrorBeforeStoreAccess(t *testing.T) {
	eng := engine.Engine{Config: config.Default()}
	ctx := context.Background()

	_, err := eng.AddVisit(ctx, engine.AddVisitOptions{OrderRef: "ORD-1", VisitType: "repair"})
	assert.Equal(t, engine.KindAuth, engine.KindOf(err))
	_, err = eng.StartWork(ctx, "VIS-1", "")
	assert.Equal(t, engine.KindAuth, engine.KindOf(err))
	_, err = eng.StopWork(ctx, "VIS-1", " ")
	assert.Equal(t, engine.KindAuth, engine.KindOf(err))
	_, err = eng.CompleteVisit(ctx, "", engine.CompleteVisitRequest{})
	assert.Equal(t, engine.KindAuth, engine.KindOf(err))
	_, err = eng.GetOrder(ctx, "ORD-1", "")
	assert.Equal(t, engine.KindAuth, engine.KindOf(err))
}

// Scenario: no sessions, diagnosis_complete, last active visit.
func TestCompleteDiagnosisCompletesOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID

	res, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.DiagnosisComplete))
	require.NoError(t, err)
	assert.Equal(t, domain.VisitCompleted, res.Status)
	assert.Equal(t, 0, res.Duration)
	assert.Equal(t, 2, res.CompletionPhotos)
	assert.Equal(t, 2, res.TotalPhotos)
	assert.False(t, res.RequiresFollowUp)
	assert.Equal(t, domain.OrderCompleted, res.OrderStatus)

	stored := env.order(t, o.ID)
	assert.Equal(t, domain.OrderCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	v := stored.Visits[0]
	assert.Equal(t, tech, v.CompletedBy)
	assert.Equal(t, []string{"p1", "p2"}, v.CompletionPhotoIDs)
	assert.Equal(t, domain.VisitCompleted, v.StatusHistory[len(v.StatusHistory)-1].Status)
}

// Scenario: open session 45 minutes, repair_continue, other visits complete.
func TestCompleteRepairContinueRequiresFollowUp(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"}, engine.NewVisit{VisitType: "repair"})
	first, second := o.Visits[0].ID, o.Visits[1].ID

	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(first, domain.DiagnosisComplete))
	require.NoError(t, err)

	_, err = env.Engine.StartWork(env.Ctx, second, tech)
	require.NoError(t, err)
	env.Clock.Advance(45 * time.Minute)

	res, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(second, domain.RepairContinue))
	require.NoError(t, err)
	assert.Equal(t, 45, res.Duration)
	assert.Equal(t, domain.VisitCompleted, res.Status)
	assert.True(t, res.RequiresFollowUp)

	stored := env.order(t, o.ID)
	assert.Equal(t, domain.NextStepRepairContinuation, stored.NextStepRequired)
	assert.Equal(t, domain.OrderRequiresFollowUp, stored.Status)
	assert.Nil(t, stored.CompletedAt)
	v := stored.Visits[1]
	require.Len(t, v.WorkSessions, 1)
	assert.False(t, v.WorkSessions[0].Open())
	assert.Equal(t, 45, v.ActualDuration)
}

func TestDurationSumsAllSessions(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID

	for _, d := range []time.Duration{10 * time.Minute, 25*time.Minute + 30*time.Second} {
		_, err := env.Engine.StartWork(env.Ctx, visitID, tech)
		require.NoError(t, err)
		env.Clock.Advance(d)
		_, err = env.Engine.StopWork(env.Ctx, visitID, tech)
		require.NoError(t, err)
		env.Clock.Advance(time.Hour)
	}
	_, err := env.Engine.StartWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	env.Clock.Advance(7 * time.Minute)

	res, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.RepairComplete))
	require.NoError(t, err)
	assert.Equal(t, 10+25+7, res.Duration)
}

func TestStartWorkTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID

	_, err := env.Engine.StartWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	_, err = env.Engine.StartWork(env.Ctx, visitID, tech)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
	assert.Len(t, env.order(t, o.ID).Visits[0].WorkSessions, 1)
}

func TestStopWorkIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID
	before := env.order(t, o.ID)

	v, err := env.Engine.StopWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	assert.Empty(t, v.WorkSessions)
	after := env.order(t, o.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, env.Store.Events(), 1)
}

// Scenario: a single completion photo is rejected without mutation; two succeed.
func TestPhotoGate(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID
	_, err := env.Engine.StartWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	before := env.order(t, o.ID)

	req := completion(visitID, domain.DiagnosisComplete)
	req.CompletionPhotoIDs = []string{"p1"}
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.Error(t, err)
	var ee *engine.Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.KindValidation, ee.Kind)
	assert.Equal(t, "completion_photo_ids", ee.Field)

	after := env.order(t, o.ID)
	assert.Equal(t, before, after)

	req.CompletionPhotoIDs = []string{"p1", "p2"}
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
}

func TestCompletionValidation(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID

	cases := []struct {
		name  string
		req   engine.CompleteVisitRequest
		field string
	}{
		{"missing visit", engine.CompleteVisitRequest{CompletionType: domain.DiagnosisComplete, CompletionPhotoIDs: []string{"a", "b"}}, "visit_id"},
		{"missing type", engine.CompleteVisitRequest{VisitID: visitID, CompletionPhotoIDs: []string{"a", "b"}}, "completion_type"},
		{"unknown type", engine.CompleteVisitRequest{VisitID: visitID, CompletionType: "fixed_it", CompletionPhotoIDs: []string{"a", "b"}}, "completion_type"},
		{"empty photo id", engine.CompleteVisitRequest{VisitID: visitID, CompletionType: domain.DiagnosisComplete, CompletionPhotoIDs: []string{"a", ""}}, "completion_photo_ids[1]"},
		{"photo not attached", engine.CompleteVisitRequest{VisitID: visitID, CompletionType: domain.DiagnosisComplete, PhotoIDs: []string{"a", "c"}, CompletionPhotoIDs: []string{"a", "b"}}, "completion_photo_ids"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CompleteVisit(env.Ctx, tech, tc.req)
			var ee *engine.Error
			require.True(t, errors.As(err, &ee), "got %v", err)
			assert.Equal(t, engine.KindValidation, ee.Kind)
			assert.Equal(t, tc.field, ee.Field)
		})
	}
	assert.Equal(t, domain.VisitUnscheduled, env.order(t, o.ID).Visits[0].Status)
}

func TestCompleteUnknownVisitIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t)
	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion("VIS-missing", domain.DiagnosisComplete))
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

// Completing an already completed visit fails and appends nothing.
func TestCompleteTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID

	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.DiagnosisComplete))
	require.NoError(t, err)
	before := env.order(t, o.ID)
	eventsBefore := len(env.Store.Events())

	_, err = env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.RepairComplete))
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
	after := env.order(t, o.ID)
	assert.Equal(t, before, after)
	assert.Len(t, env.Store.Events(), eventsBefore)
}

// Scenario: no_access cancels the visit and the order is recomputed.
func TestNoAccessCancelsVisit(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"}, engine.NewVisit{VisitType: "diagnosis"})

	res, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[0].ID, domain.NoAccess))
	require.NoError(t, err)
	assert.Equal(t, domain.VisitCancelled, res.Status)
	stored := env.order(t, o.ID)
	assert.Equal(t, "no_access", stored.Visits[0].CancellationReason)
	assert.Equal(t, domain.OrderPending, stored.Status)

	_, err = env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[1].ID, domain.NoAccess))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, env.order(t, o.ID).Status)
}

func TestFollowUpThenRepairCompletes(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)

	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[0].ID, domain.DiagnosisContinue))
	require.NoError(t, err)
	stored := env.order(t, o.ID)
	assert.Equal(t, domain.NextStepRepair, stored.NextStepRequired)
	assert.Equal(t, domain.OrderRequiresFollowUp, stored.Status)

	added, err := env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.OrderNumber, VisitType: "repair", TechnicianID: tech})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRequiresFollowUp, added.Order.Status)
	assert.Equal(t, 2, added.Order.VisitsCount)

	_, err = env.Engine.CompleteVisit(env.Ctx, tech, completion(added.Visit.ID, domain.RepairComplete))
	require.NoError(t, err)
	stored = env.order(t, o.ID)
	assert.True(t, stored.RepairCompleted)
	assert.Empty(t, stored.NextStepRequired)
	assert.Equal(t, domain.OrderCompleted, stored.Status)
}

// Scenario: adding a visit to a completed order reopens it.
func TestAddVisitReopensCompletedOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[0].ID, domain.RepairComplete))
	require.NoError(t, err)
	require.Equal(t, domain.OrderCompleted, env.order(t, o.ID).Status)

	date := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	res, err := env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, VisitType: "warranty", ScheduledDate: &date, TechnicianID: tech})
	require.NoError(t, err)
	assert.Equal(t, domain.VisitScheduled, res.Visit.Status)
	assert.Equal(t, o.ID, res.Visit.OrderID)
	assert.Equal(t, domain.OrderInProgress, res.Order.Status)

	stored := env.order(t, o.ID)
	assert.Equal(t, domain.OrderInProgress, stored.Status)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, "visit_added", stored.History[len(stored.History)-2].Action)
	assert.Equal(t, "status_changed", stored.History[len(stored.History)-1].Action)
}

func TestAddVisitResolvesByNumberThenID(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)

	_, err := env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.OrderNumber, VisitType: "repair", TechnicianID: tech})
	require.NoError(t, err)
	_, err = env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, VisitType: "repair", TechnicianID: tech})
	require.NoError(t, err)
	_, err = env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: "nope", VisitType: "repair", TechnicianID: tech})
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
	_, err = env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, TechnicianID: tech})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	assert.Len(t, env.order(t, o.ID).Visits, 3)
}

func TestCompletionPhotosMustBeAttached(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	visitID := o.Visits[0].ID
	_, err := env.Engine.AttachPhotos(env.Ctx, visitID, []string{"p1", "p2"}, tech)
	require.NoError(t, err)

	req := completion(visitID, domain.DiagnosisComplete)
	req.CompletionPhotoIDs = []string{"p1", "stray"}
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, req)
	var ee *engine.Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.KindValidation, ee.Kind)
	assert.Equal(t, "completion_photo_ids", ee.Field)
	assert.Equal(t, domain.VisitUnscheduled, env.order(t, o.ID).Visits[0].Status)

	res, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.DiagnosisComplete))
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalPhotos)
}

func TestOrderNumberCannotShadowAnotherOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedOrder(t)

	_, err := env.Engine.CreateOrder(env.Ctx, engine.CreateOrderOptions{OrderNumber: a.ID, ActorID: tech})
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))

	v, err := env.Engine.StartWork(env.Ctx, a.Visits[0].ID, tech)
	require.NoError(t, err)
	assert.Len(t, v.WorkSessions, 1)
	stored, err := env.Store.GetByID(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Visits[0].WorkSessions, 1)
}

// Rows loaded from an older store may still carry a number equal to another order's id.
func TestWritesTargetTheLockedOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedOrder(t)
	all, err := env.Store.LoadAll(env.Ctx)
	require.NoError(t, err)
	shadow := domain.Order{ID: "shadow", OrderNumber: a.ID, Status: domain.OrderPending, CreatedAt: env.Clock.Now()}
	require.NoError(t, env.Store.SaveAll(env.Ctx, append(all, shadow)))

	_, err = env.Engine.StartWork(env.Ctx, a.Visits[0].ID, tech)
	require.NoError(t, err)
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, completion(a.Visits[0].ID, domain.DiagnosisComplete))
	require.NoError(t, err)

	stored, err := env.Store.GetByID(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitCompleted, stored.Visits[0].Status)
	assert.Equal(t, domain.OrderCompleted, stored.Status)
	untouched, err := env.Store.GetByID(env.Ctx, "shadow")
	require.NoError(t, err)
	assert.Equal(t, int64(1), untouched.Version)
	assert.Empty(t, untouched.Visits)
	assert.Empty(t, untouched.History)
}

func TestAddVisitToCancelledOrderConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	o.Status = domain.OrderCancelled
	require.NoError(t, env.Store.Save(env.Ctx, o))

	_, err := env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, VisitType: "repair", TechnicianID: tech})
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestVisitIDsSkipCollisions(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	existing := o.Visits[0].ID

	ids := []string{existing, existing, "VIS-fresh"}
	env.Engine.NewVisitID = func(prefix string, at time.Time) string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	res, err := env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, VisitType: "repair", TechnicianID: tech})
	require.NoError(t, err)
	assert.Equal(t, "VIS-fresh", res.Visit.ID)

	env.Engine.NewVisitID = func(prefix string, at time.Time) string { return existing }
	_, err = env.Engine.AddVisit(env.Ctx, engine.AddVisitOptions{OrderRef: o.ID, VisitType: "repair", TechnicianID: tech})
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestNewVisitIDFormat(t *testing.T) {
	at := time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)
	id := engine.NewVisitID("VIS", at)
	assert.Regexp(t, `^VIS-20240229-[0-9A-F]{10}$`, id)
	assert.NotEqual(t, id, engine.NewVisitID("VIS", at))
}

// A detected model fills an empty device once and never overwrites it.
func TestDetectedModelFillsOnce(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"}, engine.NewVisit{VisitType: "repair"})

	req := completion(o.Visits[0].ID, domain.DiagnosisContinue)
	req.DetectedModels = []domain.DetectedModel{{Brand: "Bosch", Model: "WAN28", Confidence: 0.9}, {Brand: "Siemens", Model: "X"}}
	res, err := env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ModelsDetected)

	stored := env.order(t, o.ID)
	assert.Equal(t, "Bosch", stored.Device.Brand)
	assert.Equal(t, "WAN28", stored.Device.Model)
	assert.Equal(t, domain.ModelDetectedByAI, stored.ModelDetectedBy)

	req = completion(o.Visits[1].ID, domain.RepairComplete)
	req.DetectedModels = []domain.DetectedModel{{Brand: "LG", Model: "F4"}}
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
	stored = env.order(t, o.ID)
	assert.Equal(t, "Bosch", stored.Device.Brand)
	assert.Equal(t, "WAN28", stored.Device.Model)
	assert.Len(t, stored.Visits[1].DetectedModels, 1)
}

func TestPaymentAndParts(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "repair"}, engine.NewVisit{VisitType: "repair"})

	req := completion(o.Visits[0].ID, domain.RepairComplete)
	req.Payment = &domain.Payment{Amount: 120, Method: "cash"}
	req.SelectedParts = []domain.UsedPart{{Name: "pump", Quantity: 1, Price: 40}}
	_, err := env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
	v := env.order(t, o.ID).Visits[0]
	assert.Equal(t, domain.PaymentUnpaid, v.PaymentStatus)
	assert.Equal(t, 120.0, v.AmountDue)
	require.NotNil(t, v.Payment)
	assert.Equal(t, "cash", v.Payment.Method)
	assert.Equal(t, []domain.UsedPart{{Name: "pump", Quantity: 1, Price: 40}}, v.UsedParts)

	due := 20.0
	req = completion(o.Visits[1].ID, domain.RepairComplete)
	req.Payment = &domain.Payment{Amount: 120, Status: "partial", AmountDue: &due}
	_, err = env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
	v = env.order(t, o.ID).Visits[1]
	assert.Equal(t, "partial", v.PaymentStatus)
	assert.Equal(t, 20.0, v.AmountDue)
}

func TestScheduleCancelAndAttach(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"}, engine.NewVisit{VisitType: "repair"})
	first, second := o.Visits[0].ID, o.Visits[1].ID

	date := time.Date(2024, 1, 4, 13, 0, 0, 0, time.UTC)
	v, err := env.Engine.ScheduleVisit(env.Ctx, first, date, tech)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitScheduled, v.Status)
	assert.Equal(t, date, *v.ScheduledDate)

	v, err = env.Engine.AttachPhotos(env.Ctx, first, []string{"a", "b", "a"}, tech)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.PhotoIDs)

	_, err = env.Engine.StartWork(env.Ctx, second, tech)
	require.NoError(t, err)
	env.Clock.Advance(12 * time.Minute)
	v, err = env.Engine.CancelVisit(env.Ctx, second, "customer rescheduled", tech)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitCancelled, v.Status)
	assert.Equal(t, 12, v.ActualDuration)
	assert.False(t, v.WorkSessions[0].Open())

	_, err = env.Engine.CancelVisit(env.Ctx, second, "again", tech)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
	_, err = env.Engine.CancelVisit(env.Ctx, first, "", tech)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	req := completion(first, domain.DiagnosisComplete)
	req.PhotoIDs = []string{"a", "b"}
	req.CompletionPhotoIDs = []string{"a", "b"}
	res, err := env.Engine.CompleteVisit(env.Ctx, tech, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalPhotos)
	assert.Equal(t, domain.OrderCompleted, res.OrderStatus)
}

func TestStartMarksInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Visits.StartMarksInProgress = true
	date := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	o := env.seedOrder(t, engine.NewVisit{VisitType: "repair", ScheduledDate: &date})
	visitID := o.Visits[0].ID

	v, err := env.Engine.StartWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitInProgress, v.Status)
	v, err = env.Engine.StopWork(env.Ctx, visitID, tech)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitScheduled, v.Status)
	assert.Len(t, v.StatusHistory, 3)
}

// Scenario: concurrent completions of two visits on one order are both kept.
func TestConcurrentCompletionsOnSameOrder(t *testing.T) {
	for _, locked := range []bool{true, false} {
		t.Run(fmt.Sprintf("locked=%v", locked), func(t *testing.T) {
			env := newTestEnv(t)
			if !locked {
				env.Engine.Locks = nil
				env.Engine.Config.Store.SaveAttempts = 10
			}
			o := env.seedOrder(t, engine.NewVisit{VisitType: "diagnosis"}, engine.NewVisit{VisitType: "repair"})

			var wg sync.WaitGroup
			errs := make([]error, len(o.Visits))
			for i, v := range o.Visits {
				wg.Add(1)
				go func(i int, visitID string) {
					defer wg.Done()
					_, errs[i] = env.Engine.CompleteVisit(env.Ctx, tech, completion(visitID, domain.DiagnosisComplete))
				}(i, v.ID)
			}
			wg.Wait()
			for _, err := range errs {
				require.NoError(t, err)
			}
			stored := env.order(t, o.ID)
			for _, v := range stored.Visits {
				assert.Equal(t, domain.VisitCompleted, v.Status)
			}
			assert.Equal(t, domain.OrderCompleted, stored.Status)
			assert.Equal(t, int64(3), stored.Version)
		})
	}
}

// racingStore simulates a writer in another process touching the order before our save.
type racingStore struct {
	*repo.MemStore
	races int
}

func (s *racingStore) Save(ctx context.Context, o domain.Order, evts ...events.Record) error {
	if s.races > 0 {
		s.races--
		cur, err := s.MemStore.GetByID(ctx, o.ID)
		if err != nil {
			return err
		}
		cur.History = append(cur.History, domain.HistoryEntry{Action: "external_edit"})
		if err := s.MemStore.Save(ctx, cur); err != nil {
			return err
		}
	}
	return s.MemStore.Save(ctx, o, evts...)
}

func TestVersionConflictRetries(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	store := &racingStore{MemStore: env.Store, races: 1}
	env.Engine.Store = store

	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[0].ID, domain.DiagnosisComplete))
	require.NoError(t, err)
	stored := env.order(t, o.ID)
	assert.Equal(t, domain.VisitCompleted, stored.Visits[0].Status)
	actions := make([]string, 0, len(stored.History))
	for _, h := range stored.History {
		actions = append(actions, h.Action)
	}
	assert.Contains(t, actions, "external_edit")
	assert.Contains(t, actions, "visit_completed")
}

func TestVersionConflictGivesUp(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	env.Engine.Store = &racingStore{MemStore: env.Store, races: 100}

	_, err := env.Engine.CompleteVisit(env.Ctx, tech, completion(o.Visits[0].ID, domain.DiagnosisComplete))
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

type stallingStore struct {
	*repo.MemStore
}

func (s stallingStore) Save(ctx context.Context, o domain.Order, evts ...events.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSaveTimeoutIsUnknownOutcome(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder(t)
	env.Engine.Config.Store.Timeout = 20 * time.Millisecond
	env.Engine.Store = stallingStore{MemStore: env.Store}

	_, err := env.Engine.StartWork(env.Ctx, o.Visits[0].ID, tech)
	var ee *engine.Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.KindStore, ee.Kind)
	assert.True(t, ee.OutcomeUnknown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineOnSQLite(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := repo.Repo{DB: conn, Now: clk.Now}
	eng := engine.New(store, config.Default())
	eng.Now = clk.Now
	ctx := context.Background()

	o, err := eng.CreateOrder(ctx, engine.CreateOrderOptions{OrderNumber: "ORD-7", Visits: []engine.NewVisit{{VisitType: "diagnosis"}}, ActorID: tech})
	require.NoError(t, err)
	visitID := o.Visits[0].ID

	_, err = eng.StartWork(ctx, visitID, tech)
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	res, err := eng.CompleteVisit(ctx, tech, completion(visitID, domain.RepairContinue))
	require.NoError(t, err)
	assert.Equal(t, 30, res.Duration)

	got, err := eng.GetOrder(ctx, "ORD-7", tech)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRequiresFollowUp, got.Status)
	assert.Equal(t, int64(3), got.Version)

	v, err := eng.GetVisit(ctx, visitID, tech)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitCompleted, v.Status)

	list, err := eng.ListOrders(ctx, repo.OrderFilter{Status: string(domain.OrderRequiresFollowUp), TechnicianID: tech}, tech)
	require.NoError(t, err)
	require.Len(t, list, 1)

	evts, err := store.LatestEvents(ctx, repo.EventFilter{OrderID: o.ID})
	require.NoError(t, err)
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"order.status_changed", "visit.completed", "visit.work_started", "order.created"}, types)
}
