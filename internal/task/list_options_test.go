package task

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuildListOptionsNormalizes(t *testing.T) {
	since := time.Unix(1_700_000_000, 0)
	got := buildListOptions([]ListOption{
		WithLimit(500),
		WithOffset(-3),
		WithStatuses(StatusFailed, Status("bogus"), StatusFailed, StatusPending),
		WithTools("Transfer_Native", "", "transfer_native", "get_balance"),
		WithUpdatedSince(since),
		WithUpdatedUntil(time.Time{}),
		WithResultPresence(false),
		WithSortOrder(SortOrder(7)),
		WithQuery("  swap  "),
		nil,
	})
	hasResult := false
	want := ListOptions{
		Limit:       MaxListLimit,
		Statuses:    []Status{StatusFailed, StatusPending},
		Tools:       []string{"transfer_native", "get_balance"},
		UpdatedFrom: since.Unix(),
		HasResult:   &hasResult,
		Order:       NewestFirst,
		Query:       "swap",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected options (-want +got):\n%s", diff)
	}

	if defaults := buildListOptions(nil); defaults.Limit != DefaultListLimit || defaults.Order != NewestFirst || defaults.Statuses != nil {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
}

func TestWithResultPresenceDoesNotShareState(t *testing.T) {
	yes := buildListOptions([]ListOption{WithResultPresence(true)})
	no := buildListOptions([]ListOption{WithResultPresence(false)})
	if !*yes.HasResult || *no.HasResult {
		t.Fatalf("expected independent flags, got %v %v", *yes.HasResult, *no.HasResult)
	}
}

func TestFilterClauseByTool(t *testing.T) {
	opts := buildListOptions([]ListOption{WithTools("Lend_Tokens", "borrow_tokens"), WithStatuses(StatusSucceeded)})
	clause, args := buildFilterClause(opts)
	if clause != "status IN (?) AND LOWER(tool) IN (?,?)" {
		t.Fatalf("unexpected clause: %q", clause)
	}
	if diff := cmp.Diff([]any{"succeeded", "lend_tokens", "borrow_tokens"}, args); diff != "" {
		t.Fatalf("unexpected args (-want +got):\n%s", diff)
	}
}
