package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/scttfrdmn/spotkeeper/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(NewRegistry())

	r.Launched("us-east-1", "active", 3)
	r.Launched("us-east-1", "active", 1)
	r.Launched("us-west-2", "failed", 2)
	r.Launched("us-west-2", "open", 0)
	r.Transition("open", "failed")
	r.Replacement("sweep", 2)
	r.Reclamation()
	r.Refresh("prices", nil)
	r.Refresh("prices", errors.New("throttled"))
	r.Shortfall(4)
	r.SweepDuration(2 * time.Second)

	assert.Equal(t, 4.0, testutil.ToFloat64(r.launchedRequests.WithLabelValues("us-east-1", "active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.launchedRequests.WithLabelValues("us-west-2", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.markerTransitions.WithLabelValues("open", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.replacements.WithLabelValues("sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reclamations))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshRuns.WithLabelValues("prices", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.shortfallUnits))
	assert.Equal(t, 1, testutil.CollectAndCount(r.sweepDuration))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Launched("us-east-1", "active", 1)
		r.Transition("open", "successful")
		r.Replacement("reclaim", 1)
		r.Reclamation()
		r.Refresh("placement", nil)
		r.Shortfall(1)
		r.SweepDuration(time.Second)
	})
}

type fakeMarkers struct {
	counts map[string]int
	err    error
}

func (f *fakeMarkers) CountByCategory(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func TestCollector(t *testing.T) {
	c := NewCollector(&fakeMarkers{counts: map[string]int{"open": 3, "successful": 10, "failed": 1}})

	expected := `
# HELP spotkeeper_tracker_markers Markers currently stored, by category
# TYPE spotkeeper_tracker_markers gauge
spotkeeper_tracker_markers{category="failed"} 1
spotkeeper_tracker_markers{category="open"} 3
spotkeeper_tracker_markers{category="successful"} 10
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "spotkeeper_tracker_markers"))
}

func TestCollectorScrapeError(t *testing.T) {
	c := NewCollector(&fakeMarkers{err: errors.New("access denied")})

	expected := `
# HELP spotkeeper_tracker_scrape_error Whether the last marker count failed (1=yes, 0=no)
# TYPE spotkeeper_tracker_scrape_error gauge
spotkeeper_tracker_scrape_error 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestServerEndpoints(t *testing.T) {
	reg := NewRegistry()
	NewRecorder(reg).Reclamation()

	cfg := observability.Defaults().Metrics
	srv := NewServer(cfg, reg, time.Minute, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Path, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spotkeeper_reclaim_notices_total 1")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServerHealthGoesStale(t *testing.T) {
	cfg := observability.Defaults().Metrics
	srv := NewServer(cfg, NewRegistry(), time.Minute, zap.NewNop())

	now := srv.started
	srv.now = func() time.Time { return now }
	health := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rec
	}

	// three intervals without a finished sweep
	now = srv.started.Add(4 * time.Minute)
	rec := health()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"stale"`)

	srv.SweepFinished(now.Add(-time.Minute))
	rec = health()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_sweep"`)
}

func TestServerStartAndShutdown(t *testing.T) {
	cfg := observability.Defaults().Metrics
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, NewProcessRegistry(), time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := srv.Start(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + cfg.Path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr.String() + "/health")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
