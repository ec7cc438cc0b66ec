package domain

import "time"

type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderScheduled        OrderStatus = "scheduled"
	OrderInProgress       OrderStatus = "in_progress"
	OrderRequiresFollowUp OrderStatus = "requires_follow_up"
	OrderCompleted        OrderStatus = "completed"
	OrderCancelled        OrderStatus = "cancelled"
)

type VisitStatus string

const (
	VisitUnscheduled VisitStatus = "unscheduled"
	VisitScheduled   VisitStatus = "scheduled"
	VisitInProgress  VisitStatus = "in_progress"
	VisitCompleted   VisitStatus = "completed"
	VisitCancelled   VisitStatus = "cancelled"
)

// Terminal reports whether the visit can no longer change status.
func (s VisitStatus) Terminal() bool {
	return s == VisitCompleted || s == VisitCancelled
}

// CompletionType is the technician-declared outcome of a visit.
type CompletionType string

const (
	DiagnosisComplete CompletionType = "diagnosis_complete"
	DiagnosisContinue CompletionType = "diagnosis_continue"
	RepairComplete    CompletionType = "repair_complete"
	RepairContinue    CompletionType = "repair_continue"
	NoAccess          CompletionType = "no_access"
)

// CompletionTypes lists every accepted completion type in display order.
var CompletionTypes = []CompletionType{DiagnosisComplete, DiagnosisContinue, RepairComplete, RepairContinue, NoAccess}

const (
	NextStepRepair             = "repair"
	NextStepRepairContinuation = "repair_continuation"

	PaymentUnpaid = "unpaid"

	ModelDetectedByAI = "ai"
)

type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type DeviceInfo struct {
	Type  string `json:"type,omitempty"`
	Brand string `json:"brand,omitempty"`
	Model string `json:"model,omitempty"`
}

type Order struct {
	ID               string         `json:"id"`
	OrderNumber      string         `json:"order_number"`
	Status           OrderStatus    `json:"status" enum:"pending,scheduled,in_progress,requires_follow_up,completed,cancelled"`
	Client           ClientInfo     `json:"client"`
	Device           DeviceInfo     `json:"device"`
	ModelDetectedBy  string         `json:"model_detected_by,omitempty"`
	NextStepRequired string         `json:"next_step_required,omitempty"`
	RepairCompleted  bool           `json:"repair_completed"`
	Visits           []Visit        `json:"visits"`
	History          []HistoryEntry `json:"history"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdated      time.Time      `json:"last_updated"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Version          int64          `json:"version"`
}

// VisitIndex returns the position of visitID in o.Visits or -1.
func (o *Order) VisitIndex(visitID string) int {
	for i := range o.Visits {
		if o.Visits[i].ID == visitID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so a rejected mutation never leaks into the caller's value.
func (o Order) Clone() Order {
	c := o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	c.History = append([]HistoryEntry(nil), o.History...)
	c.Visits = make([]Visit, len(o.Visits))
	for i, v := range o.Visits {
		c.Visits[i] = v.Clone()
	}
	return c
}

type Visit struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id"`
	VisitType          string          `json:"visit_type"`
	Description        string          `json:"description,omitempty"`
	Status             VisitStatus     `json:"status" enum:"unscheduled,scheduled,in_progress,completed,cancelled"`
	ScheduledDate      *time.Time      `json:"scheduled_date,omitempty"`
	TechnicianID       string          `json:"technician_id,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	Client             ClientInfo      `json:"client"`
	Device             DeviceInfo      `json:"device"`
	WorkSessions       []WorkSession   `json:"work_sessions"`
	PhotoIDs           []string        `json:"photo_ids,omitempty"`
	CompletionType     CompletionType  `json:"completion_type,omitempty"`
	CompletionNotes    string          `json:"completion_notes,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CompletedBy        string          `json:"completed_by,omitempty"`
	ActualDuration     int             `json:"actual_duration"`
	RequiresFollowUp   bool            `json:"requires_follow_up"`
	CompletionPhotoIDs []string        `json:"completion_photo_ids,omitempty"`
	DetectedModels     []DetectedModel `json:"detected_models,omitempty"`
	UsedParts          []UsedPart      `json:"used_parts,omitempty"`
	Payment            *Payment        `json:"payment,omitempty"`
	PaymentStatus      string          `json:"payment_status,omitempty"`
	AmountDue          float64         `json:"amount_due,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	StatusHistory      []StatusChange  `json:"status_history"`
}

func (v Visit) Clone() Visit {
	c := v
	if v.ScheduledDate != nil {
		t := *v.ScheduledDate
		c.ScheduledDate = &t
	}
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		c.CompletedAt = &t
	}
	if v.Payment != nil {
		p := *v.Payment
		c.Payment = &p
	}
	c.WorkSessions = make([]WorkSession, len(v.WorkSessions))
	for i, s := range v.WorkSessions {
		if s.EndTime != nil {
			t := *s.EndTime
			s.EndTime = &t
		}
		c.WorkSessions[i] = s
	}
	c.PhotoIDs = append([]string(nil), v.PhotoIDs...)
	c.CompletionPhotoIDs = append([]string(nil), v.CompletionPhotoIDs...)
	c.DetectedModels = append([]DetectedModel(nil), v.DetectedModels...)
	c.UsedParts = append([]UsedPart(nil), v.UsedParts...)
	c.StatusHistory = append([]StatusChange(nil), v.StatusHistory...)
	return c
}

type WorkSession struct {
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  int        `json:"duration"`
	StartedBy string     `json:"started_by,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s WorkSession) Open() bool { return s.EndTime == nil }

type StatusChange struct {
	Status    VisitStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	ChangedBy string      `json:"changed_by"`
	Reason    string      `json:"reason,omitempty"`
}

type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type DetectedModel struct {
	Brand      string  `json:"brand"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence,omitempty"`
	PhotoID    string  `json:"photo_id,omitempty"`
}

type UsedPart struct {
	PartID   string  `json:"part_id,omitempty"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
}

type Payment struct {
	Amount    float64  `json:"amount"`
	Method    string   `json:"method,omitempty"`
	Status    string   `json:"payment_status,omitempty"`
	AmountDue *float64 `json:"amount_due,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

type Technician struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID           string    `json:"id"`
	TechnicianID string    `json:"technician_id"`
	Name         string    `json:"name,omitempty"`
	KeyHash      string    `json:"key_hash"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}
