// Package dispatch implements the four callback dispatchers behind one
// closed interface: a tagged variant (domain.CallbackKind) plus a selection
// function that picks one of exactly four implementations, never an
// open/extensible registry.
package dispatch

import (
	"context"
	"time"

	"github.com/temporal-agent/scheduler/internal/domain"
)

// Result is the outcome of one dispatch attempt.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
	Error      string
	RequestURL string
}

// Dispatcher fires a Task's callback once and reports the outcome. It never
// panics; transport/application errors are converted to Result.Error by the
// implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) Result
}

// Registry is the closed {webhook, chat, email, store} dispatch table.
type Registry struct {
	Webhook Dispatcher
	Chat    Dispatcher
	Email   Dispatcher
	Store   Dispatcher
}

// Select returns the dispatcher for kind, or ok=false for anything outside
// the closed set.
func (r Registry) Select(kind domain.CallbackKind) (Dispatcher, bool) {
	switch kind {
	case domain.CallbackWebhook:
		return r.Webhook, true
	case domain.CallbackChat:
		return r.Chat, true
	case domain.CallbackEmail:
		return r.Email, true
	case domain.CallbackStore:
		return r.Store, true
	default:
		return nil, false
	}
}
