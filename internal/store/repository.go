package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/domain"
)

// Repository is the typed CRUD + lease boundary the rest of the engine
// depends on. The sqlite implementation below is the only one shipped, but
// the interface is deliberately storage-agnostic so a future backend swap
// (e.g. Postgres for true multi-connection deployments) touches only this
// package.
type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	CountActiveTasks(ctx context.Context, createdBy string) (int, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	UpdateTaskSchedule(ctx context.Context, id string, nextFireAt time.Time, status domain.TaskStatus) error

	// Lease protocol — the only cross-process coordination primitive.
	AcquireLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, taskID string) error
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	ReapStaleLeases(ctx context.Context, now time.Time, lockTimeout time.Duration) (int, error)

	AdvanceOneShot(ctx context.Context, taskID string, firedAt time.Time) error
	AdvanceRecurring(ctx context.Context, taskID string, firedAt, nextFireAt time.Time) error
	RecordRetry(ctx context.Context, taskID string, kind domain.TaskKind, currentRetryCount int, failed bool, retryAt time.Time) error

	CreateExecution(ctx context.Context, e domain.Execution) (domain.Execution, error)
	FinishExecution(ctx context.Context, e domain.Execution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error)
	SetLastExecutionError(ctx context.Context, taskID, message string) error

	InsertNotification(ctx context.Context, n domain.StoredNotification) (domain.StoredNotification, error)
	PullNotifications(ctx context.Context, sessionID string, limit int) ([]domain.StoredNotification, error)
}

// TaskFilter captures list_tasks's optional filters.
type TaskFilter struct {
	CreatedBy string
	Status    domain.TaskStatus
	Kind      domain.TaskKind
	Tags      []string
	Limit     int
	Offset    int
}

type sqliteRepo struct{ db *sql.DB }

// New wraps db in a Repository. Callers own db's lifecycle (open/close).
func New(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func newID(prefix string) string { return prefix + "_" + uuid.NewString() }

// --- marshaling helpers -----------------------------------------------

func marshalMap(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMap(s string) map[string]any {
	var m map[string]any
	if s == "" {
		return map[string]any{}
	}
	_ = json.Unmarshal([]byte(s), &m)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func marshalStrMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalStrMap(s string) map[string]string {
	var m map[string]string
	if s == "" {
		return map[string]string{}
	}
	_ = json.Unmarshal([]byte(s), &m)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	var tags []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &tags)
	return tags
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- tasks --------------------------------------------------------------

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = newID("task")
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = domain.StatusActive
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,name,description,kind,fire_at,cron,timezone,next_fire_at,
  callback_kind,callback_config,payload,status,max_retries,retry_delay_seconds,
  current_retry_count,last_fired_at,fire_count,created_by,tags,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, string(t.Kind),
		nullTime(t.FireAt), nullStr(t.Cron), t.Timezone, nullTime(t.NextFireAt),
		string(t.CallbackKind), marshalStrMap(t.CallbackConfig), marshalMap(t.Payload),
		string(t.Status), t.MaxRetries, t.RetryDelaySeconds, t.CurrentRetryCount,
		nullTime(t.LastFiredAt), t.FireCount, t.CreatedBy, marshalTags(t.Tags),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, apperr.Wrap(apperr.StoreError, "failed to insert task", err)
	}
	return t, nil
}

const taskColumns = `id,name,description,kind,fire_at,cron,timezone,next_fire_at,
  callback_kind,callback_config,payload,status,max_retries,retry_delay_seconds,
  current_retry_count,last_fired_at,fire_count,created_by,tags,locked_at,locked_by,
  created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var fireAt, nextFireAt, lastFiredAt, lockedAt sql.NullTime
	var cron, lockedBy sql.NullString
	var callbackConfig, payload, tags string

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Kind,
		&fireAt, &cron, &t.Timezone, &nextFireAt,
		&t.CallbackKind, &callbackConfig, &payload,
		&t.Status, &t.MaxRetries, &t.RetryDelaySeconds, &t.CurrentRetryCount,
		&lastFiredAt, &t.FireCount, &t.CreatedBy, &tags,
		&lockedAt, &lockedBy,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	if fireAt.Valid {
		t.FireAt = &fireAt.Time
	}
	if nextFireAt.Valid {
		t.NextFireAt = &nextFireAt.Time
	}
	if lastFiredAt.Valid {
		t.LastFiredAt = &lastFiredAt.Time
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	if cron.Valid {
		t.Cron = cron.String
	}
	if lockedBy.Valid {
		t.LockedBy = lockedBy.String
	}
	t.CallbackConfig = unmarshalStrMap(callbackConfig)
	t.Payload = unmarshalMap(payload)
	t.Tags = unmarshalTags(tags)
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, apperr.New(apperr.NotFound, "task not found")
	}
	if err != nil {
		return domain.Task{}, apperr.Wrap(apperr.StoreError, "failed to load task", err)
	}
	return t, nil
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := "SELECT " + taskColumns + " FROM tasks WHERE created_by = ?"
	args := []any{f.CreatedBy}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if len(f.Tags) > 0 {
		// Match the JSON-quoted token inside the tags array column so the
		// predicate runs before LIMIT and pagination counts only matching
		// rows. instr avoids LIKE wildcard escaping for % and _ in tags.
		clauses := make([]string, 0, len(f.Tags))
		for _, tag := range f.Tags {
			quoted, _ := json.Marshal(tag)
			clauses = append(clauses, "instr(tags, ?) > 0")
			args = append(args, string(quoted))
		}
		q += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list tasks", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) CountActiveTasks(ctx context.Context, createdBy string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM tasks WHERE created_by = ? AND status IN ('active','paused')`, createdBy)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.StoreError, "failed to count active tasks", err)
	}
	return n, nil
}

func (r *sqliteRepo) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, string(status), id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to update task status", err)
	}
	return nil
}

// UpdateTaskSchedule implements resume: recompute next_fire_at, set status,
// clear the lease, without touching fire_count.
func (r *sqliteRepo) UpdateTaskSchedule(ctx context.Context, id string, nextFireAt time.Time, status domain.TaskStatus) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET next_fire_at=?, status=?, locked_at=NULL, locked_by=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, nextFireAt, string(status), id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to update task schedule", err)
	}
	return nil
}

// --- lease protocol ------------------------------------------------------

// AcquireLease is the atomic compare-and-set UPDATE behind the lease
// protocol: it only takes effect if the row is still unlocked and active,
// so at most one concurrent caller across any number of workers wins.
func (r *sqliteRepo) AcquireLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET locked_at=?, locked_by=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND locked_at IS NULL AND status='active'`, now, workerID, taskID)
	if err != nil {
		return false, apperr.Wrap(apperr.StoreError, "failed to acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.StoreError, "failed to inspect lease result", err)
	}
	return n == 1, nil
}

func (r *sqliteRepo) ReleaseLease(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET locked_at=NULL, locked_by=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, taskID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to release lease", err)
	}
	return nil
}

// DueTasks selects tasks that are active, unlocked, and either a one-shot
// past fire_at or a recurring task past next_fire_at, ordered ascending by
// whichever applies.
func (r *sqliteRepo) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='active' AND locked_at IS NULL
  AND ((kind='one_shot' AND fire_at <= ?) OR (kind='recurring' AND next_fire_at <= ?))
ORDER BY COALESCE(next_fire_at, fire_at) ASC
LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to query due tasks", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan due task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReapStaleLeases frees lease fields on any row whose lock has outlived
// lockTimeout. The cutoff is bound-parameterized, never string-interpolated.
func (r *sqliteRepo) ReapStaleLeases(ctx context.Context, now time.Time, lockTimeout time.Duration) (int, error) {
	cutoff := now.Add(-lockTimeout)
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET locked_at=NULL, locked_by=NULL, updated_at=CURRENT_TIMESTAMP
WHERE locked_at IS NOT NULL AND locked_at < ?`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreError, "failed to reap stale leases", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AdvanceOneShot completes a one_shot task after a successful fire.
func (r *sqliteRepo) AdvanceOneShot(ctx context.Context, taskID string, firedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='completed', last_fired_at=?, fire_count=fire_count+1,
  locked_at=NULL, locked_by=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, firedAt, taskID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to advance one-shot task", err)
	}
	return nil
}

// AdvanceRecurring moves a recurring task to its next fire time after a
// successful dispatch and resets the retry counter.
func (r *sqliteRepo) AdvanceRecurring(ctx context.Context, taskID string, firedAt, nextFireAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET next_fire_at=?, last_fired_at=?, fire_count=fire_count+1,
  locked_at=NULL, locked_by=NULL, current_retry_count=0, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		nextFireAt, firedAt, taskID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to advance recurring task", err)
	}
	return nil
}

// RecordRetry clears the lease without completing or advancing the cron
// schedule, bumps current_retry_count, pushes the task's due time out to
// retryAt so it doesn't hot-loop on the next poll, and transitions to
// failed once the retry budget is exhausted.
func (r *sqliteRepo) RecordRetry(ctx context.Context, taskID string, kind domain.TaskKind, currentRetryCount int, failed bool, retryAt time.Time) error {
	status := "active"
	if failed {
		status = "failed"
	}
	timeCol := "fire_at"
	if kind == domain.KindRecurring {
		timeCol = "next_fire_at"
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET current_retry_count=?, status=?, `+timeCol+`=?, locked_at=NULL, locked_by=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, currentRetryCount, status, retryAt, taskID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to record retry", err)
	}
	return nil
}

// --- executions ----------------------------------------------------------

func (r *sqliteRepo) CreateExecution(ctx context.Context, e domain.Execution) (domain.Execution, error) {
	if e.ID == "" {
		e.ID = newID("exec")
	}
	if e.Started.IsZero() {
		e.Started = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = domain.ExecRunning
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO executions (id,task_id,status,started_at,retry_number,request_url,request_payload)
VALUES (?,?,?,?,?,?,?)`, e.ID, e.TaskID, string(e.Status), e.Started, e.RetryNumber, e.RequestURL, e.RequestPayload)
	if err != nil {
		return domain.Execution{}, apperr.Wrap(apperr.StoreError, "failed to create execution", err)
	}
	return e, nil
}

func (r *sqliteRepo) FinishExecution(ctx context.Context, e domain.Execution) error {
	finished := time.Now().UTC()
	if e.Finished != nil {
		finished = *e.Finished
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE executions SET status=?, finished_at=?, response_code=?, response_body=?,
  error_message=?, duration_ms=?, request_url=? WHERE id=?`,
		string(e.Status), finished, e.ResponseCode, e.ResponseBody, e.ErrorMessage, e.DurationMS, e.RequestURL, e.ID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to finish execution", err)
	}
	return nil
}

func (r *sqliteRepo) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,status,started_at,finished_at,response_code,response_body,error_message,
  duration_ms,retry_number,request_url,request_payload
FROM executions WHERE task_id=? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list executions", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Status, &e.Started, &finished,
			&e.ResponseCode, &e.ResponseBody, &e.ErrorMessage, &e.DurationMS,
			&e.RetryNumber, &e.RequestURL, &e.RequestPayload); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan execution", err)
		}
		if finished.Valid {
			e.Finished = &finished.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetLastExecutionError records a reason on the most recent Execution for a
// task, used when cron evaluation fails after a successful dispatch.
func (r *sqliteRepo) SetLastExecutionError(ctx context.Context, taskID, message string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE executions SET error_message=?
WHERE id = (SELECT id FROM executions WHERE task_id=? ORDER BY started_at DESC LIMIT 1)`, message, taskID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to annotate execution", err)
	}
	return nil
}

// --- stored notifications -------------------------------------------------

func (r *sqliteRepo) InsertNotification(ctx context.Context, n domain.StoredNotification) (domain.StoredNotification, error) {
	if n.ID == "" {
		n.ID = newID("note")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO stored_notifications (id,task_id,payload,created_at,session_id)
VALUES (?,?,?,?,?)`, n.ID, n.TaskID, marshalMap(n.Payload), n.CreatedAt, n.SessionID)
	if err != nil {
		return domain.StoredNotification{}, apperr.Wrap(apperr.StoreError, "failed to insert notification", err)
	}
	return n, nil
}

func (r *sqliteRepo) PullNotifications(ctx context.Context, sessionID string, limit int) ([]domain.StoredNotification, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,payload,created_at,read_at,session_id FROM stored_notifications
WHERE session_id=? AND read_at IS NULL ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to pull notifications", err)
	}
	defer rows.Close()

	var out []domain.StoredNotification
	var ids []string
	for rows.Next() {
		var n domain.StoredNotification
		var payload string
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.TaskID, &payload, &n.CreatedAt, &readAt, &n.SessionID); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan notification", err)
		}
		n.Payload = unmarshalMap(payload)
		out = append(out, n)
		ids = append(ids, n.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `UPDATE stored_notifications SET read_at=CURRENT_TIMESTAMP WHERE id=?`, id); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to mark notification read", err)
		}
	}
	return out, nil
}
