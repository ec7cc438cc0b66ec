package engine

import (
	"time"

	"repairline/internal/domain"
)

// ActiveVisits counts visits that are neither completed nor cancelled.
func ActiveVisits(visits []domain.Visit) int {
	n := 0
	for _, v := range visits {
		if !v.Status.Terminal() {
			n++
		}
	}
	return n
}

// DeriveOrderStatus computes an order status from its visits and pending next step.
// A pending next step outranks "all visits done". An order reopened by active work
// leaves completed/requires_follow_up for in_progress. Cancelled orders stay cancelled.
func DeriveOrderStatus(current domain.OrderStatus, visits []domain.Visit, nextStep string) domain.OrderStatus {
	if current == domain.OrderCancelled {
		return current
	}
	active := ActiveVisits(visits)
	switch {
	case active == 0 && nextStep == "":
		return domain.OrderCompleted
	case nextStep != "":
		return domain.OrderRequiresFollowUp
	case current == domain.OrderCompleted || current == domain.OrderRequiresFollowUp:
		return domain.OrderInProgress
	default:
		return current
	}
}

// RecomputeOrderStatus applies DeriveOrderStatus to o and reports whether the status changed.
func RecomputeOrderStatus(o *domain.Order, at time.Time) bool {
	prev := o.Status
	o.Status = DeriveOrderStatus(o.Status, o.Visits, o.NextStepRequired)
	switch {
	case o.Status == domain.OrderCompleted && prev != domain.OrderCompleted:
		t := at
		o.CompletedAt = &t
	case o.Status != domain.OrderCompleted:
		o.CompletedAt = nil
	}
	o.LastUpdated = at
	return o.Status != prev
}
