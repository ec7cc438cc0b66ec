package engine

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"repairline/internal/domain"
)

// CompleteVisitRequest is the technician's completion payload.
type CompleteVisitRequest struct {
	VisitID            string                 `json:"visit_id" validate:"required"`
	CompletionType     domain.CompletionType  `json:"completion_type" validate:"required,completion_type"`
	Notes              string                 `json:"notes,omitempty"`
	DetectedModels     []domain.DetectedModel `json:"detected_models,omitempty" validate:"dive"`
	SelectedParts      []domain.UsedPart      `json:"selected_parts,omitempty" validate:"dive"`
	PhotoIDs           []string               `json:"photo_ids,omitempty" validate:"dive,required"`
	CompletionPhotoIDs []string               `json:"completion_photo_ids" validate:"dive,required"`
	Payment            *domain.Payment        `json:"payment,omitempty"`
}

// CompletionResult summarizes a successful completion.
type CompletionResult struct {
	VisitID          string                `json:"visit_id"`
	Status           domain.VisitStatus    `json:"status"`
	CompletionType   domain.CompletionType `json:"completion_type"`
	Duration         int                   `json:"duration"`
	CompletionPhotos int                   `json:"completion_photos"`
	TotalPhotos      int                   `json:"total_photos"`
	ModelsDetected   int                   `json:"models_detected"`
	RequiresFollowUp bool                  `json:"requires_follow_up"`
	OrderStatus      domain.OrderStatus    `json:"order_status"`
}

// completionEffect is what a completion type does to the visit and its order.
type completionEffect struct {
	status             domain.VisitStatus
	requiresFollowUp   bool
	nextStep           string
	clearNextStep      bool
	repairCompleted    bool
	cancellationReason string
}

// effectOf is the completion policy. The second result is false for unknown types.
func effectOf(t domain.CompletionType) (completionEffect, bool) {
	switch t {
	case domain.DiagnosisComplete:
		return completionEffect{status: domain.VisitCompleted}, true
	case domain.DiagnosisContinue:
		return completionEffect{status: domain.VisitCompleted, requiresFollowUp: true, nextStep: domain.NextStepRepair}, true
	case domain.RepairComplete:
		return completionEffect{status: domain.VisitCompleted, repairCompleted: true, clearNextStep: true}, true
	case domain.RepairContinue:
		return completionEffect{status: domain.VisitCompleted, requiresFollowUp: true, nextStep: domain.NextStepRepairContinuation}, true
	case domain.NoAccess:
		return completionEffect{status: domain.VisitCancelled, cancellationReason: string(domain.NoAccess)}, true
	}
	return completionEffect{}, false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("completion_type", func(fl validator.FieldLevel) bool {
		_, ok := effectOf(domain.CompletionType(fl.Field().String()))
		return ok
	})
	return v
}

// validateStruct runs tag validation and reports the first failing field.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return validationError("", "%v", err)
	}
	fe := verrs[0]
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return validationError(field, "%s is required", field)
	case "completion_type":
		return validationError(field, "%s %q is not one of %s", field, fe.Value(), completionTypeList())
	default:
		return validationError(field, "%s failed %s validation", field, fe.Tag())
	}
}

// fieldPath strips the struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func completionTypeList() string {
	names := make([]string, len(domain.CompletionTypes))
	for i, t := range domain.CompletionTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// validateCompletion checks everything that does not need the stored visit.
func validateCompletion(req CompleteVisitRequest, minPhotos int) error {
	if err := validateStruct(req); err != nil {
		return err
	}
	if len(req.CompletionPhotoIDs) < minPhotos {
		return validationError("completion_photo_ids", "at least %d completion photos required, got %d", minPhotos, len(req.CompletionPhotoIDs))
	}
	if len(req.PhotoIDs) > 0 {
		attached := make(map[string]bool, len(req.PhotoIDs))
		for _, id := range req.PhotoIDs {
			attached[id] = true
		}
		for _, id := range req.CompletionPhotoIDs {
			if !attached[id] {
				return validationError("completion_photo_ids", "completion photo %s is not among photo_ids", id)
			}
		}
	}
	if req.Payment != nil && req.Payment.Amount < 0 {
		return validationError("payment.amount", "payment.amount must not be negative")
	}
	return nil
}

// applyCompletion mutates o in place. The caller passes a clone and discards it on error.
func applyCompletion(o *domain.Order, idx int, req CompleteVisitRequest, by string, at time.Time) (CompletionResult, error) {
	v := &o.Visits[idx]
	if v.Status.Terminal() {
		return CompletionResult{}, conflictError("visit %s is already %s", v.ID, v.Status)
	}
	eff, ok := effectOf(req.CompletionType)
	if !ok {
		return CompletionResult{}, validationError("completion_type", "unknown completion type %q", req.CompletionType)
	}
	if len(req.PhotoIDs) == 0 && len(v.PhotoIDs) > 0 {
		attached := make(map[string]bool, len(v.PhotoIDs))
		for _, id := range v.PhotoIDs {
			attached[id] = true
		}
		for _, id := range req.CompletionPhotoIDs {
			if !attached[id] {
				return CompletionResult{}, validationError("completion_photo_ids", "completion photo %s is not attached to visit %s", id, v.ID)
			}
		}
	}

	CloseOpenSession(v, at)
	v.ActualDuration = TotalMinutes(v)

	v.PhotoIDs = mergeIDs(v.PhotoIDs, req.PhotoIDs, req.CompletionPhotoIDs)
	v.CompletionPhotoIDs = append([]string(nil), req.CompletionPhotoIDs...)

	if req.Payment != nil {
		p := *req.Payment
		v.Payment = &p
		v.PaymentStatus = p.Status
		if v.PaymentStatus == "" {
			v.PaymentStatus = domain.PaymentUnpaid
		}
		v.AmountDue = amountDue(p)
	}

	if len(req.DetectedModels) > 0 {
		v.DetectedModels = append([]domain.DetectedModel(nil), req.DetectedModels...)
		if o.Device.Brand == "" && o.Device.Model == "" {
			first := req.DetectedModels[0]
			o.Device.Brand = first.Brand
			o.Device.Model = first.Model
			o.ModelDetectedBy = domain.ModelDetectedByAI
		}
	}
	if len(req.SelectedParts) > 0 {
		v.UsedParts = append([]domain.UsedPart(nil), req.SelectedParts...)
	}

	completedAt := at
	v.Status = eff.status
	v.CompletionType = req.CompletionType
	v.CompletionNotes = req.Notes
	v.CompletedAt = &completedAt
	v.CompletedBy = by
	v.RequiresFollowUp = eff.requiresFollowUp
	if eff.cancellationReason != "" {
		v.CancellationReason = eff.cancellationReason
	}
	v.StatusHistory = append(v.StatusHistory, domain.StatusChange{
		Status:    v.Status,
		Timestamp: at,
		ChangedBy: by,
		Reason:    string(req.CompletionType),
	})

	switch {
	case eff.nextStep != "":
		o.NextStepRequired = eff.nextStep
	case eff.clearNextStep:
		o.NextStepRequired = ""
	}
	if eff.repairCompleted {
		o.RepairCompleted = true
	}

	res := CompletionResult{
		VisitID:          v.ID,
		Status:           v.Status,
		CompletionType:   v.CompletionType,
		Duration:         v.ActualDuration,
		CompletionPhotos: len(v.CompletionPhotoIDs),
		TotalPhotos:      len(v.PhotoIDs),
		ModelsDetected:   len(req.DetectedModels),
		RequiresFollowUp: v.RequiresFollowUp,
	}
	o.History = append(o.History, domain.HistoryEntry{
		Timestamp: at,
		Action:    "visit_completed",
		Actor:     by,
		Details: map[string]any{
			"visit_id":           v.ID,
			"completion_type":    string(v.CompletionType),
			"technician_id":      by,
			"duration":           v.ActualDuration,
			"completion_photos":  res.CompletionPhotos,
			"total_photos":       res.TotalPhotos,
			"requires_follow_up": v.RequiresFollowUp,
		},
	})
	RecomputeOrderStatus(o, at)
	res.OrderStatus = o.Status
	return res, nil
}

// amountDue prefers the explicit amount due, then treats a paid payment as settled.
func amountDue(p domain.Payment) float64 {
	if p.AmountDue != nil {
		return *p.AmountDue
	}
	if p.Status == "paid" {
		return 0
	}
	return p.Amount
}

// mergeIDs appends ids not yet present, preserving first-seen order.
func mergeIDs(base []string, more ...[]string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base))
	for _, id := range base {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, list := range more {
		for _, id := range list {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func setVisitStatus(v *domain.Visit, status domain.VisitStatus, by, reason string, at time.Time) {
	if v.Status == status {
		return
	}
	v.Status = status
	v.StatusHistory = append(v.StatusHistory, domain.StatusChange{Status: status, Timestamp: at, ChangedBy: by, Reason: reason})
}

func visitNotFound(visitID string) *Error {
	return notFoundError("visit %s not found", visitID)
}
