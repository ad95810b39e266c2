package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fixedCounter int

func (f fixedCounter) Len() int { return int(f) }

func TestRecorderCountsQueries(t *testing.T) {
	t.Parallel()

	rec := NewRecorder()
	rec.ObserveQuery("get_balance", "success")
	rec.ObserveQuery("get_balance", "success")
	rec.ObserveQuery("", "success")
	rec.ObserveComposerFailure()
	rec.ObserveToolDuration("get_balance", 120*time.Millisecond)

	if got := testutil.ToFloat64(rec.queries.WithLabelValues("get_balance", "success")); got != 2 {
		t.Fatalf("expected 2 queries, got %v", got)
	}
	if got := testutil.ToFloat64(rec.queries.WithLabelValues(NoTool, "success")); got != 1 {
		t.Fatalf("expected no-tool query to be labelled %q, got %v", NoTool, got)
	}
	if got := testutil.ToFloat64(rec.composerFailures); got != 1 {
		t.Fatalf("expected 1 composer failure, got %v", got)
	}
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	rec := NewRecorder()
	if err := rec.TrackConnectors(fixedCounter(3)); err != nil {
		t.Fatalf("track connectors failed: %v", err)
	}
	rec.ObserveHTTPRequest("/api/v1/queries", "POST", 500, 20*time.Millisecond)
	rec.ObserveQuery("lend_tokens", "failure")

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`toolrelay_connectors_cached 3`,
		`toolrelay_queries_total{status="failure",tool="lend_tokens"} 1`,
		`toolrelay_http_request_errors_total{handler="/api/v1/queries",method="POST"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var rec *Recorder
	rec.ObserveQuery("x", "success")
	rec.ObserveComposerFailure()
	rec.ObserveToolDuration("x", time.Second)
	rec.ObserveHTTPRequest("/", "GET", 200, time.Millisecond)
	if err := rec.TrackConnectors(fixedCounter(1)); err != nil {
		t.Fatalf("nil recorder should ignore connectors: %v", err)
	}
}
