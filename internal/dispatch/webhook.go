package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/safety"
)

const (
	product = "temporal-agent-mcp"
	version = "1.0"
)

// envelope is the canonical signed webhook body.
type envelope struct {
	TaskID       string         `json:"task_id"`
	TaskName     string         `json:"task_name"`
	TaskKind     string         `json:"task_kind"`
	ScheduledFor string         `json:"scheduled_for"`
	FiredAt      string         `json:"fired_at"`
	FireIndex    int            `json:"fire_index"`
	Payload      map[string]any `json:"payload"`
	Source       string         `json:"source"`
	Version      string         `json:"version"`
}

// WebhookDispatcher POSTs the signed envelope to the task's configured URL
// via safety.SecureSend. Pacer, when set, throttles outbound sends across
// all tasks so a burst of due webhooks cannot flood the network.
type WebhookDispatcher struct {
	Secret        []byte
	Timeout       time.Duration
	SafetyOptions safety.Options
	Pacer         *rate.Limiter
}

func (d WebhookDispatcher) Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) Result {
	url := t.CallbackConfig["url"]
	if url == "" {
		return Result{Success: false, Error: "webhook callback is missing a url"}
	}
	if d.Pacer != nil {
		if err := d.Pacer.Wait(ctx); err != nil {
			return Result{Success: false, Error: "dispatch cancelled while waiting for send slot", RequestURL: url}
		}
	}

	scheduledFor := firedAt
	if t.Kind == domain.KindOneShot && t.FireAt != nil {
		scheduledFor = *t.FireAt
	} else if t.NextFireAt != nil {
		scheduledFor = *t.NextFireAt
	}

	env := envelope{
		TaskID:       t.ID,
		TaskName:     t.Name,
		TaskKind:     string(t.Kind),
		ScheduledFor: scheduledFor.UTC().Format(time.RFC3339),
		FiredAt:      firedAt.UTC().Format(time.RFC3339),
		FireIndex:    fireIndex,
		Payload:      t.Payload,
		Source:       product,
		Version:      version,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Result{Success: false, Error: "failed to serialize webhook envelope", RequestURL: url}
	}

	timestamp := firedAt.UTC().Format(time.RFC3339)
	signature := safety.Sign(d.Secret, body, timestamp)

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   product + "/" + version,
		"X-Signature":  signature,
		"X-Task-Id":    t.ID,
		"X-Timestamp":  timestamp,
	}

	resp, sendErr := safety.SecureSend(ctx, "POST", url, headers, body, d.SafetyOptions, d.Timeout)
	if sendErr != nil {
		kind := apperr.KindOf(sendErr)
		log.Warn().Err(sendErr).Str("task_id", t.ID).Str("kind", string(kind)).Msg("webhook dispatch failed")
		errMsg := sendErr.Error()
		if kind == apperr.Timeout {
			errMsg = "Timeout"
		}
		return Result{Success: false, Error: errMsg, RequestURL: url}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := Result{
		Success:    success,
		StatusCode: resp.StatusCode,
		Body:       domain.TruncateBody(resp.Body),
		RequestURL: url,
	}
	if !success {
		result.Error = "webhook target returned a non-2xx response"
	}
	return result
}
