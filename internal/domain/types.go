// Package domain holds the durable entities the scheduler operates on.
package domain

import "time"

// TaskKind distinguishes a single-fire task from a cron-driven one.
type TaskKind string

const (
	KindOneShot   TaskKind = "one_shot"
	KindRecurring TaskKind = "recurring"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusActive    TaskStatus = "active"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// CallbackKind selects the dispatcher used to fire a Task.
type CallbackKind string

const (
	CallbackWebhook CallbackKind = "webhook"
	CallbackChat    CallbackKind = "chat"
	CallbackEmail   CallbackKind = "email"
	CallbackStore   CallbackKind = "store"
)

// ExecutionStatus is the terminal (or in-flight) state of one dispatch attempt.
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
	ExecTimeout ExecutionStatus = "timeout"
	ExecSkipped ExecutionStatus = "skipped"
)

// Task is the durable scheduled unit. A one_shot task carries FireAt and no
// Cron; a recurring task carries Cron and NextFireAt. The (LockedAt,
// LockedBy) pair is the cross-process lease.
type Task struct {
	ID          string
	Name        string
	Description string

	Kind TaskKind

	FireAt     *time.Time // one_shot
	Cron       string     // recurring
	Timezone   string     // recurring, IANA name, default UTC
	NextFireAt *time.Time // recurring

	CallbackKind   CallbackKind
	CallbackConfig map[string]string

	Payload map[string]any

	Status TaskStatus

	MaxRetries        int
	RetryDelaySeconds int
	CurrentRetryCount int

	LastFiredAt *time.Time
	FireCount   int

	CreatedBy string
	Tags      []string

	LockedAt *time.Time
	LockedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible reports whether the task may currently be leased by a worker.
func (t Task) Eligible() bool {
	return t.Status == StatusActive && t.LockedAt == nil
}

// Execution is an immutable record of one dispatch attempt against a Task.
type Execution struct {
	ID       string
	TaskID   string
	Status   ExecutionStatus
	Started  time.Time
	Finished *time.Time

	ResponseCode   int
	ResponseBody   string // truncated to <=1000 bytes
	ErrorMessage   string
	DurationMS     int64
	RetryNumber    int
	RequestURL     string
	RequestPayload string
}

// StoredNotification is the "store" callback kind's durable inbox row.
type StoredNotification struct {
	ID        string
	TaskID    string
	Payload   map[string]any
	CreatedAt time.Time
	ReadAt    *time.Time
	SessionID string
}

const maxResponseBodyBytes = 1000

// TruncateBody enforces the Execution.ResponseBody size cap.
func TruncateBody(b []byte) string {
	if len(b) <= maxResponseBodyBytes {
		return string(b)
	}
	return string(b[:maxResponseBodyBytes])
}
