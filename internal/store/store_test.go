package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nicowegher/competitor-eye/internal/model"
)

func newTask(id string, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:         id,
		CreatedAt:  createdAt,
		UserID:     "user-1",
		TargetURLs: model.URLList{"https://www.booking.com/hotel/us/own.html"},
		Days:       7,
		Nights:     1,
		Currency:   "USD",
	}
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	task := &model.Task{
		UserID:     "user-1",
		TargetURLs: model.URLList{"https://www.booking.com/hotel/us/own.html"},
	}
	if err := s.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Days != DefaultDays {
		t.Fatalf("expected default days %d, got %d", DefaultDays, task.Days)
	}
	if task.Nights != DefaultNights {
		t.Fatalf("expected default nights %d, got %d", DefaultNights, task.Nights)
	}
	if task.Currency != DefaultCurrency {
		t.Fatalf("expected default currency %s, got %s", DefaultCurrency, task.Currency)
	}
	if task.Status != model.StatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	cases := []struct {
		name string
		task *model.Task
	}{
		{"negative days", &model.Task{Days: -1, TargetURLs: model.URLList{"https://x.test"}}},
		{"negative nights", &model.Task{Nights: -2, TargetURLs: model.URLList{"https://x.test"}}},
		{"bad start date", &model.Task{StartDate: "01/09/2026", TargetURLs: model.URLList{"https://x.test"}}},
		{"empty url entry", &model.Task{TargetURLs: model.URLList{""}}},
		{"no urls at all", &model.Task{TargetURLs: model.URLList{}}},
		{"nil url list", &model.Task{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Enqueue(ctx, tc.task)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestClaimOldestQueued_FIFO(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := newTask(fmt.Sprintf("task-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		claimed, err := s.ClaimOldestQueued(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		want := fmt.Sprintf("task-%d", i)
		if claimed.ID != want {
			t.Fatalf("claim %d: expected %s, got %s", i, want, claimed.ID)
		}
		if claimed.Status != model.StatusRunning {
			t.Fatalf("claim %d: expected running, got %s", i, claimed.Status)
		}
		if claimed.StartedAt == nil {
			t.Fatalf("claim %d: expected started_at to be set", i)
		}
	}

	if _, err := s.ClaimOldestQueued(ctx); !errors.Is(err, ErrNoQueuedTasks) {
		t.Fatalf("expected ErrNoQueuedTasks on empty queue, got %v", err)
	}
}

func TestClaimOldestQueued_EachTaskClaimedOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, newTask(fmt.Sprintf("task-%d", i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimOldestQueued(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			seen[claimed.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func TestStateMachine_TerminalStatesAreFinal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Enqueue(ctx, newTask("task-1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// queued 不能直接 complete
	if err := s.Complete(ctx, "task-1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for queued->completed, got %v", err)
	}

	if _, err := s.ClaimOldestQueued(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Complete(ctx, "task-1", &model.Report{Currency: "USD"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 终态不可再迁移
	if err := s.Fail(ctx, "task-1", "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for completed->failed, got %v", err)
	}

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || got.Result.Currency != "USD" {
		t.Fatalf("expected result payload to survive, got %+v", got.Result)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestFail_RecordsReason(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Enqueue(ctx, newTask("task-1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimOldestQueued(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Fail(ctx, "task-1", "no target urls"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "no target urls" {
		t.Fatalf("expected error reason, got %q", got.Error)
	}
}

func TestReclaimStale_RequeuesOnlyOldRunners(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	old := newTask("task-old", time.Now().Add(-2*time.Hour))
	fresh := newTask("task-fresh", time.Now().Add(-time.Hour))
	for _, task := range []*model.Task{old, fresh} {
		if err := s.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// 两个都认领成 running，再把 task-old 的 started_at 改旧
	for i := 0; i < 2; i++ {
		if _, err := s.ClaimOldestQueued(ctx); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	stale := time.Now().Add(-time.Hour)
	s.mu.Lock()
	s.tasks["task-old"].StartedAt = &stale
	s.mu.Unlock()

	n, err := s.ReclaimStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	got, err := s.Get(ctx, "task-old")
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if got.Status != model.StatusQueued || got.StartedAt != nil {
		t.Fatalf("expected old task requeued, got status=%s started=%v", got.Status, got.StartedAt)
	}

	got, err = s.Get(ctx, "task-fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected fresh task untouched, got %s", got.Status)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
