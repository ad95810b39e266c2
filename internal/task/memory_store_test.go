package task

import (
	"context"
	"testing"
	"time"

	"ToolRelay-Chain/internal/result"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Query: "lending rates on mainnet", Tool: "get_lending_rates", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Query: "balance of 0xabc", Tool: "get_balance", Status: StatusFailed, MaxRetries: 3},
		{ID: "t3", Query: "exchange info", Tool: "get_exchange_info", Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", result.Success("r", "ok", "exchange info")); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("expected newest task first, got %s..%s", all[0].ID, all[2].ID)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(OldestFirst), WithOffset(1), WithLimit(1)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 1 || asc[0].ID != "t2" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" || failed[0].ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "t3" || withResult[0].Result.Response != "ok" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("LENDING")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t1" {
		t.Fatalf("unexpected query match: %+v", matched)
	}

	byTool, err := store.List(ctx, buildListOptions([]ListOption{WithTools(" GET_BALANCE ", "get_exchange_info", "get_balance")}))
	if err != nil {
		t.Fatalf("list by tool: %v", err)
	}
	if len(byTool) != 2 || byTool[0].ID != "t3" || byTool[1].ID != "t2" {
		t.Fatalf("unexpected tool filter result: %+v", byTool)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Query: "q-" + id, Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}

	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", result.Success("r", "ok", "q-c")); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusRunning)}))
	if err != nil {
		t.Fatalf("stats running: %v", err)
	}
	if empty != (TaskStats{}) {
		t.Fatalf("expected zero stats, got %+v", empty)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "job", Query: "q", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "job", Query: "q"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "job")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "job"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running task should not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "job", CodeTaskProcessing, "timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "job"); err != nil {
		t.Fatalf("retryable failure should be claimable: %v", err)
	}
	if err := store.MarkFailed(ctx, "job", CodeTaskProcessing, "timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "job"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalFailureStopsRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "job", Query: "q", Status: StatusPending, MaxRetries: 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "job"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "job", CodeTaskPublish, "publish failed", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "job"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("terminal failure should not be claimable, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "job", Query: "q", Metadata: map[string]any{"k": "v"}, Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Metadata["k"] = "mutated"
	got.Query = "mutated"

	again, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Query != "q" || again.Metadata["k"] != "v" {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}
