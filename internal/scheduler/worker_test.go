package scheduler

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/temporal-agent/scheduler/internal/dispatch"
	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

type stubDispatcher struct {
	mu     sync.Mutex
	calls  int
	result dispatch.Result
}

func (s *stubDispatcher) Dispatch(ctx context.Context, t domain.Task, firedAt time.Time, fireIndex int) dispatch.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.result
}

func (s *stubDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func storeRegistry(repo store.Repository) dispatch.Registry {
	return dispatch.Registry{Store: dispatch.StoreDispatcher{Repo: repo}}
}

func dueOneShot(repo store.Repository, t *testing.T, kind domain.CallbackKind) domain.Task {
	t.Helper()
	due := time.Now().UTC().Add(-time.Second)
	task, err := repo.CreateTask(context.Background(), domain.Task{
		Name:         "due",
		Kind:         domain.KindOneShot,
		FireAt:       &due,
		CallbackKind: kind,
		Payload:      map[string]any{"k": float64(1)},
		Status:       domain.StatusActive,
		CreatedBy:    "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestOneShotFiresOnceAndCompletes(t *testing.T) {
	repo := newTestRepo(t)
	task := dueOneShot(repo, t, domain.CallbackStore)

	w := New(repo, storeRegistry(repo), Config{})
	w.pollOnce(context.Background(), time.Now().UTC())

	got, err := repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.FireCount != 1 {
		t.Fatalf("fire_count = %d, want 1", got.FireCount)
	}

	notes, err := repo.PullNotifications(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("PullNotifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	inner, _ := notes[0].Payload["payload"].(map[string]any)
	if inner["k"] != float64(1) {
		t.Fatalf("notification payload = %v, want the task payload echoed", notes[0].Payload)
	}

	execs, _ := repo.ListExecutions(context.Background(), task.ID, 10)
	if len(execs) != 1 || execs[0].Status != domain.ExecSuccess {
		t.Fatalf("executions = %+v, want one success", execs)
	}
}

func TestTwoWorkersDoNotDoubleFire(t *testing.T) {
	repo := newTestRepo(t)
	task := dueOneShot(repo, t, domain.CallbackStore)

	w1 := New(repo, storeRegistry(repo), Config{})
	w2 := New(repo, storeRegistry(repo), Config{})

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for _, w := range []*Worker{w1, w2} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.pollOnce(context.Background(), now)
		}(w)
	}
	wg.Wait()

	execs, err := repo.ListExecutions(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want exactly 1", len(execs))
	}
	if execs[0].Status != domain.ExecSuccess {
		t.Fatalf("execution status = %s, want success", execs[0].Status)
	}

	got, _ := repo.GetTask(context.Background(), task.ID)
	if got.FireCount != 1 {
		t.Fatalf("fire_count = %d, want 1", got.FireCount)
	}
}

func TestRecurringAdvances(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	task, err := repo.CreateTask(context.Background(), domain.Task{
		Name: "cron", Kind: domain.KindRecurring, Cron: "0 9 * * *", Timezone: "UTC",
		NextFireAt: &past, CallbackKind: domain.CallbackStore,
		Status: domain.StatusActive, CreatedBy: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	w := New(repo, storeRegistry(repo), Config{})
	w.pollOnce(context.Background(), now)

	got, _ := repo.GetTask(context.Background(), task.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.FireCount != 1 {
		t.Fatalf("fire_count = %d, want 1", got.FireCount)
	}
	if got.NextFireAt == nil || !got.NextFireAt.After(now) {
		t.Fatalf("next_fire_at = %v, want advanced past %v", got.NextFireAt, now)
	}
	if got.LockedAt != nil {
		t.Fatal("lease not cleared")
	}
}

func TestRecurringUnschedulableCronFails(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	// The cron column holds an expression the evaluator rejects, as if the
	// zone database or expression semantics shifted after registration.
	task, err := repo.CreateTask(context.Background(), domain.Task{
		Name: "broken", Kind: domain.KindRecurring, Cron: "not a cron", Timezone: "UTC",
		NextFireAt: &past, CallbackKind: domain.CallbackStore,
		Status: domain.StatusActive, CreatedBy: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	w := New(repo, storeRegistry(repo), Config{})
	w.pollOnce(context.Background(), now)

	got, _ := repo.GetTask(context.Background(), task.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LockedAt != nil {
		t.Fatal("lease left held after cron failure")
	}
	execs, _ := repo.ListExecutions(context.Background(), task.ID, 10)
	if len(execs) != 1 || execs[0].ErrorMessage == "" {
		t.Fatalf("expected the failure reason on the execution, got %+v", execs)
	}
}

func TestFailedDispatchRetriesThenFails(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()
	due := now.Add(-time.Second)

	task, err := repo.CreateTask(context.Background(), domain.Task{
		Name: "flaky", Kind: domain.KindOneShot, FireAt: &due,
		CallbackKind: domain.CallbackWebhook,
		Status:       domain.StatusActive, MaxRetries: 1, RetryDelaySeconds: 1,
		CreatedBy: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stub := &stubDispatcher{result: dispatch.Result{Success: false, Error: "boom"}}
	w := New(repo, dispatch.Registry{Webhook: stub}, Config{})

	// First failure consumes the only retry but leaves the task active.
	w.pollOnce(context.Background(), now)
	got, _ := repo.GetTask(context.Background(), task.ID)
	if got.Status != domain.StatusActive || got.CurrentRetryCount != 1 {
		t.Fatalf("after first failure: status=%s retries=%d, want active/1", got.Status, got.CurrentRetryCount)
	}

	// Second failure exhausts the budget.
	w.pollOnce(context.Background(), now.Add(time.Hour))
	got, _ = repo.GetTask(context.Background(), task.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("after second failure: status = %s, want failed", got.Status)
	}
	if stub.count() != 2 {
		t.Fatalf("dispatcher called %d times, want 2", stub.count())
	}

	execs, _ := repo.ListExecutions(context.Background(), task.ID, 10)
	if len(execs) != 2 {
		t.Fatalf("got %d executions, want 2", len(execs))
	}
	for _, e := range execs {
		if e.Status != domain.ExecFailed {
			t.Fatalf("execution status = %s, want failed", e.Status)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	w := New(repo, storeRegistry(repo), Config{PollInterval: time.Hour, ReapInterval: time.Hour})

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)
	w.Stop()
	w.Stop()

	// A stopped worker can be started again.
	w.Start(ctx)
	w.Stop()
}
