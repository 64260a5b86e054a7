package dispatch

import (
	"context"
	"time"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/store"
)

// StoreDispatcher inserts a StoredNotification row for later pull by the
// owning session. Always reported successful if the insert commits.
type StoreDispatcher struct {
	Repo store.Repository
}

func (d StoreDispatcher) Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) Result {
	n := domain.StoredNotification{
		TaskID: t.ID,
		Payload: map[string]any{
			"task_id":   t.ID,
			"task_name": t.Name,
			"fired_at":  firedAt.UTC().Format(time.RFC3339),
			"payload":   t.Payload,
		},
		SessionID: t.CreatedBy,
	}
	if _, err := d.Repo.InsertNotification(ctx, n); err != nil {
		return Result{Success: false, Error: "failed to store notification: " + errMessage(err)}
	}
	return Result{Success: true}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*apperr.Error); ok {
		return e.Message
	}
	return err.Error()
}
