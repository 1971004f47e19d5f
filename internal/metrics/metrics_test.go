package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordGeneration(time.Second, nil)
	m.RecordGeneration(time.Second, errors.New("boom"))
	m.RecordLookup("hit")
	m.RecordLookup("hit")
	m.RecordRemoval("expired", 3)
	m.RecordRemoval("expired", 0)
	m.RecordDeletion()
	m.RecordError("Open", "EIO")

	if got := testutil.ToFloat64(m.generations.WithLabelValues("success")); got != 1 {
		t.Errorf("successful generations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.generations.WithLabelValues("error")); got != 1 {
		t.Errorf("failed generations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheRemovals.WithLabelValues("expired")); got != 3 {
		t.Errorf("expired removals = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.deletions); got != 1 {
		t.Errorf("deletions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("Open", "EIO")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordGeneration(time.Second, nil)
	m.RecordLookup("miss")
	m.RecordRemoval("size", 1)
	m.RecordDeletion()
	m.RecordError("Lookup", "EIO")
}

func TestHandler_ServesCacheGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	ObserveCache(reg, func() (int, int64) { return 4, 1024 })

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"cmdfs_cache_entries 4", "cmdfs_cache_bytes 1024"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
