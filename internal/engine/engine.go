package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/lock"
	"repairline/internal/metrics"
	"repairline/internal/repo"
)

type Engine struct {
	Store   repo.Store
	Config  *config.Config
	Locks   lock.Locker
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// NewVisitID overrides visit id generation; nil uses NewVisitID.
	NewVisitID func(prefix string, at time.Time) string
}

func New(store repo.Store, cfg *config.Config) Engine {
	return Engine{
		Store:  store,
		Config: cfg,
		Locks:  lock.NewKeyed(),
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) minPhotos() int {
	if e.Config != nil && e.Config.Completion.MinPhotos > config.MinCompletionPhotos {
		return e.Config.Completion.MinPhotos
	}
	return config.MinCompletionPhotos
}

func (e Engine) saveAttempts() int {
	if e.Config != nil && e.Config.Store.SaveAttempts > 0 {
		return e.Config.Store.SaveAttempts
	}
	return 3
}

func (e Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Config != nil && e.Config.Store.Timeout > 0 {
		return context.WithTimeout(ctx, e.Config.Store.Timeout)
	}
	return context.WithCancel(ctx)
}

func requireTechnician(technicianID string) error {
	if strings.TrimSpace(technicianID) == "" {
		return authError("technician identity required")
	}
	return nil
}

func (e Engine) observe(op string, err error) {
	e.Metrics.ObserveOperation(op, string(KindOf(err)))
}

func (e Engine) load(ctx context.Context, what, ref string, get func(context.Context, string) (domain.Order, error)) (domain.Order, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	o, err := get(sctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Order{}, notFoundError("%s %s not found", what, ref)
	}
	if err != nil {
		return domain.Order{}, storeError("load "+what, err)
	}
	return o, nil
}

func (e Engine) loadOrder(ctx context.Context, ref string) (domain.Order, error) {
	return e.load(ctx, "order", ref, e.Store.Get)
}

func (e Engine) loadVisitOrder(ctx context.Context, visitID string) (domain.Order, error) {
	return e.load(ctx, "visit", visitID, e.Store.GetByVisit)
}

// mutation changes a private copy of an order and returns the events to store with it.
type mutation func(o *domain.Order, at time.Time) ([]events.Record, error)

// update serializes writers on the order, then applies fn to a fresh copy and saves it
// with a version check. A concurrent writer outside this process forces a re-read and
// re-apply, bounded by store.save_attempts.
func (e Engine) update(ctx context.Context, orderID string, fn mutation) (domain.Order, error) {
	if e.Locks != nil {
		unlock, err := e.Locks.Lock(ctx, orderID)
		if err != nil {
			return domain.Order{}, storeError("lock order "+orderID, err)
		}
		defer unlock()
	}
	attempts := e.saveAttempts()
	for i := 0; i < attempts; i++ {
		cur, err := e.load(ctx, "order", orderID, e.Store.GetByID)
		if err != nil {
			return domain.Order{}, err
		}
		next := cur.Clone()
		at := e.now()
		recs, err := fn(&next, at)
		if err != nil {
			return domain.Order{}, err
		}
		if len(recs) == 0 {
			return cur, nil
		}
		next.LastUpdated = at
		sctx, cancel := e.storeCtx(ctx)
		err = e.Store.Save(sctx, next, recs...)
		timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
		cancel()
		switch {
		case err == nil:
			next.Version++
			return next, nil
		case errors.Is(err, repo.ErrVersionConflict):
			e.Metrics.ObserveSaveConflict()
			e.log().Debug("order save conflict, retrying", zap.String("order_id", orderID), zap.Int("attempt", i+1))
			continue
		case errors.Is(err, repo.ErrNotFound):
			return domain.Order{}, notFoundError("order %s not found", orderID)
		case errors.Is(err, repo.ErrExists):
			return domain.Order{}, conflictError("%v", err)
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			se := storeError("save order "+orderID+" timed out; re-read before retrying", err)
			se.OutcomeUnknown = true
			return domain.Order{}, se
		default:
			return domain.Order{}, storeError("save order "+orderID, err)
		}
	}
	return domain.Order{}, conflictError("order %s changed concurrently %d times; giving up", orderID, attempts)
}

// NewVisit describes a visit created together with its order.
type NewVisit struct {
	VisitType     string     `json:"visit_type"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Description   string     `json:"description,omitempty"`
	TechnicianID  string     `json:"technician_id,omitempty"`
}

// CreateOrderOptions seed a new order. Booking normally happens elsewhere.
type CreateOrderOptions struct {
	OrderNumber string            `json:"order_number"`
	Client      domain.ClientInfo `json:"client"`
	Device      domain.DeviceInfo `json:"device"`
	Visits      []NewVisit        `json:"visits"`
	ActorID     string            `json:"-"`
}

func (e Engine) CreateOrder(ctx context.Context, opts CreateOrderOptions) (o domain.Order, err error) {
	defer func() { e.observe("create_order", err) }()
	if err := requireTechnician(opts.ActorID); err != nil {
		return domain.Order{}, err
	}
	for i, nv := range opts.Visits {
		if strings.TrimSpace(nv.VisitType) == "" {
			return domain.Order{}, validationError("visits.visit_type", "visits[%d].visit_type is required", i)
		}
	}
	at := e.now()
	o = domain.Order{
		ID:          uuid.NewString(),
		OrderNumber: strings.TrimSpace(opts.OrderNumber),
		Status:      domain.OrderPending,
		Client:      opts.Client,
		Device:      opts.Device,
		CreatedAt:   at,
		LastUpdated: at,
	}
	if o.OrderNumber == "" {
		o.OrderNumber = o.ID
	}
	taken := map[string]bool{}
	for _, nv := range opts.Visits {
		id, err := e.uniqueVisitID(ctx, &o, taken, at)
		if err != nil {
			return domain.Order{}, err
		}
		taken[id] = true
		v := newVisit(id, &o, nv, opts.ActorID, at)
		if v.Status == domain.VisitScheduled {
			o.Status = domain.OrderScheduled
		}
		o.Visits = append(o.Visits, v)
	}
	o.History = append(o.History, domain.HistoryEntry{
		Timestamp: at,
		Action:    "order_created",
		Actor:     opts.ActorID,
		Details:   map[string]any{"order_number": o.OrderNumber, "visits": len(o.Visits)},
	})
	recs := []events.Record{{
		Type: "order.created", EntityKind: "order", EntityID: o.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"order_number": o.OrderNumber, "status": string(o.Status), "visits": len(o.Visits)},
	}}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.Store.Create(sctx, o, recs...); err != nil {
		if errors.Is(err, repo.ErrExists) {
			return domain.Order{}, conflictError("order %s already exists", o.OrderNumber)
		}
		return domain.Order{}, storeError("create order", err)
	}
	o.Version = 1
	e.log().Info("order created", zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber), zap.String("technician_id", opts.ActorID))
	return o, nil
}

func newVisit(id string, o *domain.Order, nv NewVisit, by string, at time.Time) domain.Visit {
	status := domain.VisitUnscheduled
	if nv.ScheduledDate != nil {
		status = domain.VisitScheduled
	}
	tech := nv.TechnicianID
	if tech == "" {
		tech = by
	}
	return domain.Visit{
		ID:            id,
		OrderID:       o.ID,
		VisitType:     nv.VisitType,
		Description:   nv.Description,
		Status:        status,
		ScheduledDate: nv.ScheduledDate,
		TechnicianID:  tech,
		CreatedBy:     by,
		CreatedAt:     at,
		Client:        o.Client,
		Device:        o.Device,
		StatusHistory: []domain.StatusChange{{Status: status, Timestamp: at, ChangedBy: by, Reason: "created"}},
	}
}

// AddVisitOptions are parameters for adding a visit to an existing order.
type AddVisitOptions struct {
	OrderRef      string     `json:"order_ref" validate:"required"`
	VisitType     string     `json:"visit_type" validate:"required"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Description   string     `json:"description,omitempty"`
	TechnicianID  string     `json:"-"`
}

type OrderSummary struct {
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	Status      domain.OrderStatus `json:"status"`
	VisitsCount int                `json:"visits_count"`
}

type AddVisitResult struct {
	Visit domain.Visit `json:"visit"`
	Order OrderSummary `json:"order"`
}

func (e Engine) AddVisit(ctx context.Context, opts AddVisitOptions) (res AddVisitResult, err error) {
	defer func() { e.observe("add_visit", err) }()
	if err := requireTechnician(opts.TechnicianID); err != nil {
		return AddVisitResult{}, err
	}
	if err := validateStruct(opts); err != nil {
		return AddVisitResult{}, err
	}
	found, err := e.loadOrder(ctx, opts.OrderRef)
	if err != nil {
		return AddVisitResult{}, err
	}
	var visit domain.Visit
	o, err := e.update(ctx, found.ID, func(o *domain.Order, at time.Time) ([]events.Record, error) {
		if o.Status == domain.OrderCancelled {
			return nil, conflictError("order %s is cancelled", o.OrderNumber)
		}
		id, err := e.uniqueVisitID(ctx, o, nil, at)
		if err != nil {
			return nil, err
		}
		visit = newVisit(id, o, NewVisit{
			VisitType:     opts.VisitType,
			ScheduledDate: opts.ScheduledDate,
			Description:   opts.Description,
		}, opts.TechnicianID, at)
		o.Visits = append(o.Visits, visit)
		prev := o.Status
		if o.Status == domain.OrderCompleted {
			o.Status = domain.OrderInProgress
			o.CompletedAt = nil
		}
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at,
			Action:    "visit_added",
			Actor:     opts.TechnicianID,
			Details:   map[string]any{"visit_id": visit.ID, "visit_type": visit.VisitType, "status": string(visit.Status)},
		})
		recs := []events.Record{{
			Type: "visit.added", EntityKind: "visit", EntityID: visit.ID, ActorID: opts.TechnicianID,
			Payload: events.EventPayload{"visit_type": visit.VisitType, "status": string(visit.Status)},
		}}
		return append(recs, statusEvents(o, prev, opts.TechnicianID, at)...), nil
	})
	if err != nil {
		return AddVisitResult{}, err
	}
	e.log().Info("visit added", zap.String("order_id", o.ID), zap.String("visit_id", visit.ID), zap.String("technician_id", opts.TechnicianID))
	return AddVisitResult{
		Visit: visit,
		Order: OrderSummary{OrderID: o.ID, OrderNumber: o.OrderNumber, Status: o.Status, VisitsCount: len(o.Visits)},
	}, nil
}

// visitMutation runs fn against the visit inside update. fn returns the events to record;
// none means nothing changed and nothing is saved.
func (e Engine) visitMutation(ctx context.Context, visitID string, fn func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error)) (domain.Order, domain.Visit, error) {
	found, err := e.loadVisitOrder(ctx, visitID)
	if err != nil {
		return domain.Order{}, domain.Visit{}, err
	}
	o, err := e.update(ctx, found.ID, func(o *domain.Order, at time.Time) ([]events.Record, error) {
		idx := o.VisitIndex(visitID)
		if idx < 0 {
			return nil, visitNotFound(visitID)
		}
		return fn(o, &o.Visits[idx], at)
	})
	if err != nil {
		return domain.Order{}, domain.Visit{}, err
	}
	idx := o.VisitIndex(visitID)
	if idx < 0 {
		return domain.Order{}, domain.Visit{}, visitNotFound(visitID)
	}
	return o, o.Visits[idx], nil
}

func (e Engine) StartWork(ctx context.Context, visitID, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("start_work", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	if visitID == "" {
		return domain.Visit{}, validationError("visit_id", "visit_id is required")
	}
	markInProgress := e.Config != nil && e.Config.Visits.StartMarksInProgress
	o, v, err := e.visitMutation(ctx, visitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		if v.Status.Terminal() {
			return nil, conflictError("visit %s is %s", v.ID, v.Status)
		}
		if err := StartSession(v, at, technicianID); err != nil {
			return nil, err
		}
		if markInProgress {
			setVisitStatus(v, domain.VisitInProgress, technicianID, "work_started", at)
		}
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at, Action: "work_started", Actor: technicianID,
			Details: map[string]any{"visit_id": v.ID},
		})
		return []events.Record{{Type: "visit.work_started", EntityKind: "visit", EntityID: v.ID, ActorID: technicianID}}, nil
	})
	if err != nil {
		return domain.Visit{}, err
	}
	e.log().Info("work started", zap.String("order_id", o.ID), zap.String("visit_id", v.ID), zap.String("technician_id", technicianID))
	return v, nil
}

// StopWork closes the open work session. Stopping a visit with nothing open is a no-op.
func (e Engine) StopWork(ctx context.Context, visitID, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("stop_work", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	if visitID == "" {
		return domain.Visit{}, validationError("visit_id", "visit_id is required")
	}
	markInProgress := e.Config != nil && e.Config.Visits.StartMarksInProgress
	var minutes int
	var closed bool
	o, v, err := e.visitMutation(ctx, visitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		minutes, closed = CloseOpenSession(v, at)
		if !closed {
			return nil, nil
		}
		if markInProgress && v.Status == domain.VisitInProgress {
			back := domain.VisitUnscheduled
			if v.ScheduledDate != nil {
				back = domain.VisitScheduled
			}
			setVisitStatus(v, back, technicianID, "work_stopped", at)
		}
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at, Action: "work_stopped", Actor: technicianID,
			Details: map[string]any{"visit_id": v.ID, "duration": minutes},
		})
		return []events.Record{{
			Type: "visit.work_stopped", EntityKind: "visit", EntityID: v.ID, ActorID: technicianID,
			Payload: events.EventPayload{"duration": minutes},
		}}, nil
	})
	if err != nil {
		return domain.Visit{}, err
	}
	if closed {
		e.Metrics.ObserveSession(minutes)
		e.log().Info("work stopped", zap.String("order_id", o.ID), zap.String("visit_id", v.ID),
			zap.String("technician_id", technicianID), zap.Int("minutes", minutes))
	}
	return v, nil
}

// CompleteVisit terminates a visit according to its completion type and recomputes the
// order. A rejected request leaves the stored order untouched.
func (e Engine) CompleteVisit(ctx context.Context, technicianID string, req CompleteVisitRequest) (res CompletionResult, err error) {
	defer func() { e.observe("complete_visit", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return CompletionResult{}, err
	}
	if err := validateCompletion(req, e.minPhotos()); err != nil {
		return CompletionResult{}, err
	}
	o, _, err := e.visitMutation(ctx, req.VisitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		prev := o.Status
		idx := o.VisitIndex(v.ID)
		r, err := applyCompletion(o, idx, req, technicianID, at)
		if err != nil {
			return nil, err
		}
		res = r
		recs := []events.Record{{
			Type: "visit.completed", EntityKind: "visit", EntityID: r.VisitID, ActorID: technicianID,
			Payload: events.EventPayload{
				"status":             string(r.Status),
				"completion_type":    string(r.CompletionType),
				"duration":           r.Duration,
				"completion_photos":  r.CompletionPhotos,
				"requires_follow_up": r.RequiresFollowUp,
			},
		}}
		return append(recs, statusEvents(o, prev, technicianID, at)...), nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	e.Metrics.ObserveCompletion(string(res.CompletionType))
	e.log().Info("visit completed",
		zap.String("order_id", o.ID),
		zap.String("visit_id", res.VisitID),
		zap.String("technician_id", technicianID),
		zap.String("completion_type", string(res.CompletionType)),
		zap.Int("duration", res.Duration),
		zap.String("order_status", string(o.Status)),
	)
	return res, nil
}

// ScheduleVisit sets or moves a visit's date. An unscheduled visit becomes scheduled.
func (e Engine) ScheduleVisit(ctx context.Context, visitID string, date time.Time, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("schedule_visit", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	if visitID == "" {
		return domain.Visit{}, validationError("visit_id", "visit_id is required")
	}
	if date.IsZero() {
		return domain.Visit{}, validationError("scheduled_date", "scheduled_date is required")
	}
	_, v, err = e.visitMutation(ctx, visitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		if v.Status.Terminal() {
			return nil, conflictError("visit %s is %s", v.ID, v.Status)
		}
		d := date.UTC()
		v.ScheduledDate = &d
		if v.Status == domain.VisitUnscheduled {
			setVisitStatus(v, domain.VisitScheduled, technicianID, "scheduled", at)
		}
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at, Action: "visit_scheduled", Actor: technicianID,
			Details: map[string]any{"visit_id": v.ID, "scheduled_date": d.Format(time.RFC3339)},
		})
		return []events.Record{{
			Type: "visit.scheduled", EntityKind: "visit", EntityID: v.ID, ActorID: technicianID,
			Payload: events.EventPayload{"scheduled_date": d.Format(time.RFC3339)},
		}}, nil
	})
	return v, err
}

// CancelVisit cancels a visit that has not terminated yet and recomputes the order.
func (e Engine) CancelVisit(ctx context.Context, visitID, reason, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("cancel_visit", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	if visitID == "" {
		return domain.Visit{}, validationError("visit_id", "visit_id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Visit{}, validationError("reason", "reason is required")
	}
	o, v, err := e.visitMutation(ctx, visitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		if v.Status.Terminal() {
			return nil, conflictError("visit %s is already %s", v.ID, v.Status)
		}
		prev := o.Status
		CloseOpenSession(v, at)
		v.ActualDuration = TotalMinutes(v)
		v.CancellationReason = reason
		setVisitStatus(v, domain.VisitCancelled, technicianID, reason, at)
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at, Action: "visit_cancelled", Actor: technicianID,
			Details: map[string]any{"visit_id": v.ID, "reason": reason},
		})
		RecomputeOrderStatus(o, at)
		recs := []events.Record{{
			Type: "visit.cancelled", EntityKind: "visit", EntityID: v.ID, ActorID: technicianID,
			Payload: events.EventPayload{"reason": reason},
		}}
		return append(recs, statusEvents(o, prev, technicianID, at)...), nil
	})
	if err != nil {
		return domain.Visit{}, err
	}
	e.log().Info("visit cancelled", zap.String("order_id", o.ID), zap.String("visit_id", v.ID), zap.String("technician_id", technicianID))
	return v, nil
}

// AttachPhotos records photo ids already stored by the photo service.
func (e Engine) AttachPhotos(ctx context.Context, visitID string, photoIDs []string, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("attach_photos", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	if visitID == "" {
		return domain.Visit{}, validationError("visit_id", "visit_id is required")
	}
	if len(photoIDs) == 0 {
		return domain.Visit{}, validationError("photo_ids", "photo_ids is required")
	}
	_, v, err = e.visitMutation(ctx, visitID, func(o *domain.Order, v *domain.Visit, at time.Time) ([]events.Record, error) {
		if v.Status.Terminal() {
			return nil, conflictError("visit %s is %s", v.ID, v.Status)
		}
		before := len(v.PhotoIDs)
		v.PhotoIDs = mergeIDs(v.PhotoIDs, photoIDs)
		added := len(v.PhotoIDs) - before
		if added == 0 {
			return nil, nil
		}
		o.History = append(o.History, domain.HistoryEntry{
			Timestamp: at, Action: "photos_attached", Actor: technicianID,
			Details: map[string]any{"visit_id": v.ID, "added": added, "total_photos": len(v.PhotoIDs)},
		})
		return []events.Record{{
			Type: "visit.photos_attached", EntityKind: "visit", EntityID: v.ID, ActorID: technicianID,
			Payload: events.EventPayload{"added": added},
		}}, nil
	})
	return v, err
}

func (e Engine) GetOrder(ctx context.Context, ref, technicianID string) (o domain.Order, err error) {
	defer func() { e.observe("get_order", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Order{}, err
	}
	return e.loadOrder(ctx, ref)
}

func (e Engine) GetVisit(ctx context.Context, visitID, technicianID string) (v domain.Visit, err error) {
	defer func() { e.observe("get_visit", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return domain.Visit{}, err
	}
	o, err := e.loadVisitOrder(ctx, visitID)
	if err != nil {
		return domain.Visit{}, err
	}
	idx := o.VisitIndex(visitID)
	if idx < 0 {
		return domain.Visit{}, visitNotFound(visitID)
	}
	return o.Visits[idx], nil
}

func (e Engine) ListOrders(ctx context.Context, f repo.OrderFilter, technicianID string) (orders []domain.Order, err error) {
	defer func() { e.observe("list_orders", err) }()
	if err := requireTechnician(technicianID); err != nil {
		return nil, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	orders, err = e.Store.List(sctx, f)
	if err != nil {
		return nil, storeError("list orders", err)
	}
	return orders, nil
}

// statusEvents records an order status change, if any, since prev.
func statusEvents(o *domain.Order, prev domain.OrderStatus, actor string, at time.Time) []events.Record {
	if o.Status == prev {
		return nil
	}
	o.History = append(o.History, domain.HistoryEntry{
		Timestamp: at,
		Action:    "status_changed",
		Actor:     actor,
		Details:   map[string]any{"from": string(prev), "to": string(o.Status)},
	})
	return []events.Record{{
		Type: "order.status_changed", EntityKind: "order", EntityID: o.ID, ActorID: actor,
		Payload: events.EventPayload{"from": string(prev), "to": string(o.Status), "next_step_required": o.NextStepRequired},
	}}
}
