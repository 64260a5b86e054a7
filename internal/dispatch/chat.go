package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/safety"
)

// ChatDispatcher posts a channel message to a provider's incoming-webhook
// URL. The URL is treated opaquely but still passes through the safety
// layer.
type ChatDispatcher struct {
	Timeout       time.Duration
	SafetyOptions safety.Options
	Pacer         *rate.Limiter
}

func (d ChatDispatcher) Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) Result {
	url := t.CallbackConfig["url"]
	if url == "" {
		return Result{Success: false, Error: "chat callback is missing a url"}
	}
	if d.Pacer != nil {
		if err := d.Pacer.Wait(ctx); err != nil {
			return Result{Success: false, Error: "dispatch cancelled while waiting for send slot", RequestURL: url}
		}
	}

	text := fmt.Sprintf("Task %q fired at %s (run #%d)", t.Name, firedAt.UTC().Format(time.RFC3339), fireIndex)

	var body []byte
	var err error
	switch t.CallbackConfig["format"] {
	case "slack", "":
		body, err = json.Marshal(map[string]any{"text": text, "task_id": t.ID, "payload": t.Payload})
	default:
		body, err = json.Marshal(map[string]any{
			"task_id": t.ID, "task_name": t.Name, "fired_at": firedAt.UTC().Format(time.RFC3339), "payload": t.Payload,
		})
	}
	if err != nil {
		return Result{Success: false, Error: "failed to serialize chat message", RequestURL: url}
	}

	headers := map[string]string{"Content-Type": "application/json"}
	resp, sendErr := safety.SecureSend(ctx, "POST", url, headers, body, d.SafetyOptions, d.Timeout)
	if sendErr != nil {
		return Result{Success: false, Error: sendErr.Error(), RequestURL: url}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := Result{Success: success, StatusCode: resp.StatusCode, Body: domain.TruncateBody(resp.Body), RequestURL: url}
	if !success {
		result.Error = "chat webhook returned a non-2xx response"
	}
	return result
}
