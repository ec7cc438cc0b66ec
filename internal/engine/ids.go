package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"repairline/internal/domain"
	"repairline/internal/repo"
)

// NewVisitID builds a scannable visit id: prefix, creation date, random suffix.
func NewVisitID(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}

func (e Engine) visitID(at time.Time) string {
	prefix := "VIS"
	if e.Config != nil && e.Config.Visits.IDPrefix != "" {
		prefix = e.Config.Visits.IDPrefix
	}
	if e.NewVisitID != nil {
		return e.NewVisitID(prefix, at)
	}
	return NewVisitID(prefix, at)
}

// uniqueVisitID draws ids until one is unused both in o (and taken) and in the store.
func (e Engine) uniqueVisitID(ctx context.Context, o *domain.Order, taken map[string]bool, at time.Time) (string, error) {
	attempts := 5
	if e.Config != nil && e.Config.Visits.IDAttempts > 0 {
		attempts = e.Config.Visits.IDAttempts
	}
	for i := 0; i < attempts; i++ {
		id := e.visitID(at)
		if taken[id] || (o != nil && o.VisitIndex(id) >= 0) {
			continue
		}
		sctx, cancel := e.storeCtx(ctx)
		_, err := e.Store.GetByVisit(sctx, id)
		cancel()
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", storeError("check visit id", err)
		}
	}
	return "", conflictError("could not allocate a unique visit id after %d attempts", attempts)
}
