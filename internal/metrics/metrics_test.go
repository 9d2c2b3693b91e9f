package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsExposeSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Cycle("mastodon", "latest", "ok")
	c.Cycle("mastodon", "latest", "ok")
	c.Merged("mastodon", 3, 1)
	c.EntriesCreated("home", 3)
	c.ObserveCommit("latest", 12*time.Millisecond)

	if got := testutil.ToFloat64(c.cycles.WithLabelValues("mastodon", "latest", "ok")); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	if got := testutil.ToFloat64(c.merged.WithLabelValues("mastodon", "inserted")); got != 3 {
		t.Fatalf("expected 3 inserted, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"timelinesync_cycles_total", "timelinesync_commit_seconds_bucket", "timelinesync_feed_entries_created_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in scrape output", name)
		}
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	c.Cycle("twitter", "oldest", "fail")
	c.Merged("twitter", 1, 1)
	c.ReconcileFailed("twitter")
	c.Violation()
	c.Frontier("set")
	c.ObserveFetch("twitter", "oldest", time.Second)
}
