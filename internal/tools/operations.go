package tools

import (
	"context"
	"time"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/safety"
	"github.com/temporal-agent/scheduler/internal/store"
	"github.com/temporal-agent/scheduler/internal/timeutil"
)

const defaultListLimit = 50
const maxListLimit = 200

// ScheduleOneShot registers a task that fires once at an absolute time
// ("at") or after a relative delay ("in").
func (r Registry) ScheduleOneShot(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	name := paramStr(params, "name")
	if name == "" {
		return nil, apperr.New(apperr.InvalidInput, "'name' is required")
	}

	fireAt, err := resolveFireTime(params)
	if err != nil {
		return nil, err
	}

	callbackKind, cfg, err := parseCallbackConfig(params)
	if err != nil {
		return nil, err
	}
	if callbackKind == domain.CallbackWebhook || callbackKind == domain.CallbackChat {
		if _, _, err := safety.ValidateURL(cfg["url"], r.deps.SafetyOptions); err != nil {
			return nil, err
		}
	}

	payload, err := safety.SanitizePayload(params["payload"], r.deps.MaxPayloadSize)
	if err != nil {
		return nil, err
	}

	if err := r.enforceActiveCap(ctx, session); err != nil {
		return nil, err
	}

	t := domain.Task{
		Name:              name,
		Description:       paramStr(params, "description"),
		Kind:              domain.KindOneShot,
		FireAt:            &fireAt,
		CallbackKind:      callbackKind,
		CallbackConfig:    cfg,
		Payload:           payload,
		Status:            domain.StatusActive,
		MaxRetries:        paramInt(params, "max_retries", 0),
		RetryDelaySeconds: paramInt(params, "retry_delay_seconds", 60),
		CreatedBy:         session.id(),
		Tags:              paramStrSlice(params, "tags"),
	}

	created, err := r.deps.Repo.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	return taskView(created), nil
}

func resolveFireTime(params map[string]any) (time.Time, error) {
	at := paramStr(params, "at")
	in := paramStr(params, "in")
	return timeutil.ResolveOneShot(at, in, time.Now().UTC())
}

// ScheduleRecurring registers a cron-driven task. Passing enabled=false
// inserts the task already paused.
func (r Registry) ScheduleRecurring(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	name := paramStr(params, "name")
	if name == "" {
		return nil, apperr.New(apperr.InvalidInput, "'name' is required")
	}
	cron := paramStr(params, "cron")
	if cron == "" {
		return nil, apperr.New(apperr.InvalidInput, "'cron' is required")
	}
	tz := paramStr(params, "timezone")
	if tz == "" {
		tz = "UTC"
	}

	nextFire, err := evaluateCron(cron, tz, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	callbackKind, cfg, err := parseCallbackConfig(params)
	if err != nil {
		return nil, err
	}
	if callbackKind == domain.CallbackWebhook || callbackKind == domain.CallbackChat {
		if _, _, err := safety.ValidateURL(cfg["url"], r.deps.SafetyOptions); err != nil {
			return nil, err
		}
	}

	payload, err := safety.SanitizePayload(params["payload"], r.deps.MaxPayloadSize)
	if err != nil {
		return nil, err
	}

	if err := r.enforceActiveCap(ctx, session); err != nil {
		return nil, err
	}

	status := domain.StatusActive
	if !paramBool(params, "enabled", true) {
		status = domain.StatusPaused
	}

	t := domain.Task{
		Name:              name,
		Description:       paramStr(params, "description"),
		Kind:              domain.KindRecurring,
		Cron:              cron,
		Timezone:          tz,
		NextFireAt:        &nextFire,
		CallbackKind:      callbackKind,
		CallbackConfig:    cfg,
		Payload:           payload,
		Status:            status,
		MaxRetries:        paramInt(params, "max_retries", 0),
		RetryDelaySeconds: paramInt(params, "retry_delay_seconds", 60),
		CreatedBy:         session.id(),
		Tags:              paramStrSlice(params, "tags"),
	}

	created, err := r.deps.Repo.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	return taskView(created), nil
}

func (r Registry) enforceActiveCap(ctx context.Context, session Session) error {
	activeCap := r.deps.MaxActiveTasks
	if activeCap <= 0 {
		activeCap = 100
	}
	n, err := r.deps.Repo.CountActiveTasks(ctx, session.id())
	if err != nil {
		return err
	}
	if n >= activeCap {
		return apperr.New(apperr.TooManyActive, "per-session active task cap reached")
	}
	return nil
}

// ListTasks returns tasks owned by the caller's session, defaulting to
// status=active with a capped page size.
func (r Registry) ListTasks(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	limit := paramInt(params, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := paramInt(params, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	status := domain.TaskStatus(paramStr(params, "status"))
	if status == "" {
		status = domain.StatusActive
	}

	f := store.TaskFilter{
		CreatedBy: session.id(),
		Status:    status,
		Kind:      domain.TaskKind(paramStr(params, "kind")),
		Tags:      paramStrSlice(params, "tags"),
		Limit:     limit,
		Offset:    offset,
	}

	tasks, err := r.deps.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView(t))
	}
	return map[string]any{"success": true, "tasks": views, "count": len(views)}, nil
}

// GetTask returns one task and, with include_history, its last 10
// executions.
func (r Registry) GetTask(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	id := paramStr(params, "id")
	if id == "" {
		return nil, apperr.New(apperr.InvalidInput, "'id' is required")
	}
	t, err := r.deps.Repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.CreatedBy != session.id() {
		return nil, apperr.New(apperr.NotFound, "task not found")
	}

	view := taskView(t)
	if paramBool(params, "include_history", false) {
		execs, err := r.deps.Repo.ListExecutions(ctx, id, 10)
		if err != nil {
			return nil, err
		}
		history := make([]map[string]any, 0, len(execs))
		for _, e := range execs {
			history = append(history, executionView(e))
		}
		view["history"] = history
	}
	return view, nil
}

// CancelTask is valid only from active or paused.
func (r Registry) CancelTask(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	t, err := r.ownedTask(ctx, session, params)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusActive && t.Status != domain.StatusPaused {
		return nil, apperr.New(apperr.IllegalStateTransition, "task cannot be cancelled from its current status")
	}
	if err := r.deps.Repo.UpdateTaskStatus(ctx, t.ID, domain.StatusCancelled); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "id": t.ID, "status": string(domain.StatusCancelled)}, nil
}

// PauseTask is valid only when the task is active.
func (r Registry) PauseTask(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	t, err := r.ownedTask(ctx, session, params)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusActive {
		return nil, apperr.New(apperr.IllegalStateTransition, "task must be active to pause")
	}
	if err := r.deps.Repo.UpdateTaskStatus(ctx, t.ID, domain.StatusPaused); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "id": t.ID, "status": string(domain.StatusPaused)}, nil
}

// ResumeTask is valid only when the task is paused. For recurring tasks the
// next fire time is recomputed before resuming; the lease is cleared and
// fire_count is left untouched.
func (r Registry) ResumeTask(ctx context.Context, session Session, params map[string]any) (map[string]any, error) {
	t, err := r.ownedTask(ctx, session, params)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusPaused {
		return nil, apperr.New(apperr.IllegalStateTransition, "task must be paused to resume")
	}

	next := time.Time{}
	if t.Kind == domain.KindRecurring {
		n, err := evaluateCron(t.Cron, t.Timezone, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		next = n
	} else if t.FireAt != nil {
		next = *t.FireAt
	}

	if err := r.deps.Repo.UpdateTaskSchedule(ctx, t.ID, next, domain.StatusActive); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "id": t.ID, "status": string(domain.StatusActive)}, nil
}

func (r Registry) ownedTask(ctx context.Context, session Session, params map[string]any) (domain.Task, error) {
	id := paramStr(params, "id")
	if id == "" {
		return domain.Task{}, apperr.New(apperr.InvalidInput, "'id' is required")
	}
	t, err := r.deps.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.CreatedBy != session.id() {
		return domain.Task{}, apperr.New(apperr.NotFound, "task not found")
	}
	return t, nil
}
