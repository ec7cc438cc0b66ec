package engine

import (
	"time"

	"repairline/internal/domain"
)

// OpenSession returns the index of the visit's open work session or -1.
func OpenSession(v *domain.Visit) int {
	for i := len(v.WorkSessions) - 1; i >= 0; i-- {
		if v.WorkSessions[i].Open() {
			return i
		}
	}
	return -1
}

// StartSession opens a work session at at. A visit holds at most one open session.
func StartSession(v *domain.Visit, at time.Time, by string) error {
	if OpenSession(v) >= 0 {
		return conflictError("visit %s already has an open work session", v.ID)
	}
	v.WorkSessions = append(v.WorkSessions, domain.WorkSession{StartTime: at, StartedBy: by})
	return nil
}

// CloseOpenSession closes the open session at at and reports its duration.
// It is a no-op when nothing is open.
func CloseOpenSession(v *domain.Visit, at time.Time) (minutes int, closed bool) {
	i := OpenSession(v)
	if i < 0 {
		return 0, false
	}
	s := &v.WorkSessions[i]
	end := at
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.EndTime = &end
	s.Duration = wholeMinutes(end.Sub(s.StartTime))
	return s.Duration, true
}

// TotalMinutes sums closed sessions; open sessions count as zero.
func TotalMinutes(v *domain.Visit) int {
	total := 0
	for _, s := range v.WorkSessions {
		if !s.Open() {
			total += s.Duration
		}
	}
	return total
}

func wholeMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}
