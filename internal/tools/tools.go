// Package tools exposes the seven named scheduling operations behind one
// closed registry. Each operation validates its input through the safety
// layer and time evaluator before anything reaches the store.
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

// Session is the caller context carried through every operation, defaulted
// to "anonymous" when absent.
type Session struct {
	ID string
}

func (s Session) id() string {
	if s.ID == "" {
		return "anonymous"
	}
	return s.ID
}

// Deps are the collaborators every tool operation closes over.
type Deps struct {
	Repo           store.Repository
	MaxActiveTasks int
	MaxPayloadSize int
	SafetyOptions  safety.Options
}

// Registry exposes the seven named operations as one dispatch function.
// The set is closed; unknown names are rejected, never routed.
type Registry struct {
	deps Deps
}

func New(deps Deps) Registry { return Registry{deps: deps} }

// Call routes to one of the seven named operations by name. Unknown names
// return InvalidInput.
func (r Registry) Call(ctx context.Context, name string, session Session, params map[string]any) (map[string]any, error) {
	switch name {
	case "schedule_one_shot":
		return r.ScheduleOneShot(ctx, session, params)
	case "schedule_recurring":
		return r.ScheduleRecurring(ctx, session, params)
	case "list_tasks":
		return r.ListTasks(ctx, session, params)
	case "get_task":
		return r.GetTask(ctx, session, params)
	case "cancel_task":
		return r.CancelTask(ctx, session, params)
	case "pause_task":
		return r.PauseTask(ctx, session, params)
	case "resume_task":
		return r.ResumeTask(ctx, session, params)
	default:
		return nil, apperr.New(apperr.InvalidInput, "unknown tool: "+name)
	}
}

// Names lists the seven operations, for tools/list.
func Names() []string {
	return []string{
		"schedule_one_shot", "schedule_recurring", "list_tasks",
		"get_task", "cancel_task", "pause_task", "resume_task",
	}
}

func paramStr(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func paramBool(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func paramStrSlice(params map[string]any, key string) []string {
	v, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseCallbackConfig(params map[string]any) (domain.CallbackKind, map[string]string, error) {
	raw, ok := params["callback"].(map[string]any)
	if !ok {
		return "", nil, apperr.New(apperr.InvalidInput, "'callback' is required")
	}
	kind, _ := raw["type"].(string)
	switch domain.CallbackKind(kind) {
	case domain.CallbackWebhook, domain.CallbackChat, domain.CallbackEmail, domain.CallbackStore:
	default:
		return "", nil, apperr.New(apperr.InvalidInput, "callback.type must be one of webhook, chat, email, store")
	}
	cfg := make(map[string]string)
	for k, v := range raw {
		if k == "type" {
			continue
		}
		if s, ok := v.(string); ok {
			cfg[k] = s
		}
	}
	return domain.CallbackKind(kind), cfg, nil
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"success":       true,
		"id":            t.ID,
		"name":          t.Name,
		"description":   t.Description,
		"kind":          string(t.Kind),
		"callback_kind": string(t.CallbackKind),
		"status":        string(t.Status),
		"payload":       t.Payload,
		"max_retries":   t.MaxRetries,
		"fire_count":    t.FireCount,
		"created_by":    t.CreatedBy,
		"tags":          t.Tags,
		"created_at":    t.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.FireAt != nil {
		v["fire_at"] = t.FireAt.UTC().Format(time.RFC3339)
	}
	if t.Cron != "" {
		v["cron"] = t.Cron
		v["timezone"] = t.Timezone
	}
	if t.NextFireAt != nil {
		v["next_fire_at"] = t.NextFireAt.UTC().Format(time.RFC3339)
	}
	if t.LastFiredAt != nil {
		v["last_fired_at"] = t.LastFiredAt.UTC().Format(time.RFC3339)
	}
	return v
}

func executionView(e domain.Execution) map[string]any {
	v := map[string]any{
		"id":            e.ID,
		"status":        string(e.Status),
		"started_at":    e.Started.UTC().Format(time.RFC3339),
		"response_code": e.ResponseCode,
		"response_body": e.ResponseBody,
		"error_message": e.ErrorMessage,
		"duration_ms":   e.DurationMS,
		"retry_number":  e.RetryNumber,
	}
	if e.Finished != nil {
		v["finished_at"] = e.Finished.UTC().Format(time.RFC3339)
	}
	return v
}

// evaluateCron is a small wrapper kept local to this package so every
// schedule_recurring/resume_task call path validates syntax and semantics
// in the same order: charset/shape first, then feasibility.
func evaluateCron(cron, tz string, now time.Time) (time.Time, error) {
	if err := safety.ValidateCronSyntax(cron); err != nil {
		return time.Time{}, err
	}
	return timeutil.NextAfter(cron, tz, now)
}
